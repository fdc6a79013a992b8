package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const shellHelp = `Commands:
  sub ID...      subscribe to parcels
  unsub ID...    unsubscribe from parcels
  list           list this connection's subscriptions
  help           show this help
  quit           leave the shell`

type shellCommand struct {
	verb string
	args []string
}

var shellVerbs = map[string]string{
	"sub": "sub", "subscribe": "sub",
	"unsub": "unsub", "unsubscribe": "unsub",
	"list": "list", "ls": "list",
	"help": "help", "?": "help",
	"quit": "quit", "exit": "quit", "q": "quit",
}

// parseShellLine maps one input line to a command. An empty line yields an
// empty verb.
func parseShellLine(line string) (shellCommand, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return shellCommand{}, nil
	}
	verb, ok := shellVerbs[strings.ToLower(fields[0])]
	if !ok {
		return shellCommand{}, fmt.Errorf("unknown command %q, try help", fields[0])
	}
	args := fields[1:]
	if (verb == "sub" || verb == "unsub") && len(args) == 0 {
		return shellCommand{}, fmt.Errorf("usage: %s ID...", verb)
	}
	return shellCommand{verb: verb, args: args}, nil
}

func newShellCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive subscriber: manage subscriptions and see events as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			out := cmd.OutOrStdout()
			go func() {
				for e := range c.Events() {
					_ = printEvent(out, e, opts.json)
				}
			}()

			line := liner.NewLiner()
			defer func() { _ = line.Close() }()
			line.SetCtrlCAborts(true)
			interactive := term.IsTerminal(int(os.Stdin.Fd()))
			if interactive {
				fmt.Fprintln(out, "Connected to", c.URL()+". Type help for commands.")
			}

			for {
				input, err := line.Prompt("parcel> ")
				if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				if interactive && strings.TrimSpace(input) != "" {
					line.AppendHistory(input)
				}

				sc, err := parseShellLine(input)
				if err != nil {
					fmt.Fprintln(out, err)
					continue
				}

				switch sc.verb {
				case "":
				case "sub":
					err = c.Subscribe(sc.args...)
				case "unsub":
					err = c.Unsubscribe(sc.args...)
				case "list":
					err = c.ListSubscriptions()
				case "help":
					fmt.Fprintln(out, shellHelp)
				case "quit":
					return nil
				}
				if err != nil {
					return err
				}

				select {
				case <-c.Done():
					return errors.New("connection closed by hub")
				default:
				}
			}
		},
	}
}
