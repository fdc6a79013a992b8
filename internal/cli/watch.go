package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tracksnap/parcelhub/pkg/client"
)

func newWatchCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch PARCEL_ID...",
		Short: "Subscribe to parcels and print their events until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			c, err := dial(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if err := c.Subscribe(args...); err != nil {
				return err
			}
			return streamEvents(ctx, cmd.OutOrStdout(), c, opts.json)
		},
	}
}

// dial connects and starts the client, showing a spinner on interactive
// terminals while the handshake is in flight.
func dial(ctx context.Context, cmd *cobra.Command, opts *options) (*client.Client, error) {
	c := client.NewClient(opts.server, opts.logger())

	if f, ok := cmd.ErrOrStderr().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(f))
		s.Suffix = " Connecting to " + c.URL() + "..."
		s.Start()
		defer s.Stop()
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if err := c.Connect(dialCtx); err != nil {
		return nil, err
	}
	if err := c.Run(); err != nil {
		return nil, err
	}
	return c, nil
}

func streamEvents(ctx context.Context, out io.Writer, c *client.Client, raw bool) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-c.Events():
			if !ok {
				return errors.New("connection closed by hub")
			}
			if err := printEvent(out, e, raw); err != nil {
				return err
			}
		}
	}
}

// envelopeKeys are printed in the event header rather than as fields.
var envelopeKeys = map[string]bool{"type": true, "topic": true, "parcelId": true, "timestamp": true}

func printEvent(out io.Writer, e client.Event, raw bool) error {
	if raw {
		return json.NewEncoder(out).Encode(e.Fields)
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	b.WriteString(ts.Local().Format("15:04:05.000"))
	b.WriteString(" ")
	b.WriteString(e.Type)
	if e.Topic != "" {
		b.WriteString(" [" + e.Topic + "]")
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		if !envelopeKeys[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" " + k + "=" + formatValue(e.Fields[k]))
	}

	_, err := fmt.Fprintln(out, b.String())
	return err
}

func formatValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case nil:
		return "null"
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	default:
		return fmt.Sprint(v)
	}
}
