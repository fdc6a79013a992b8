// Package cli implements the parcelctl command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tracksnap/parcelhub/config"
	"github.com/tracksnap/parcelhub/pkg/client"
)

type options struct {
	server  string
	timeout time.Duration
	json    bool
	verbose bool
}

// defaultServer derives host:port from the local config, as the server binary
// would listen on it.
func defaultServer() string {
	addr := config.Default().Server.Addr
	if cfg, err := config.Load("config/config.yml"); err == nil {
		addr = cfg.Server.Addr
	}
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

// NewRootCommand builds the parcelctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "parcelctl",
		Short: "parcelctl - operate a parcel tracking hub",
		Long: `parcelctl talks to a running parcelhub: it reads subscription statistics,
sends broadcasts and alerts through the admin API, and subscribes to parcel
events over WebSocket.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", defaultServer(), "hub host:port or URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log client internals to stderr")

	root.AddCommand(
		newStatsCommand(opts),
		newTrackedCommand(opts),
		newBroadcastCommand(opts),
		newAlertCommand(opts),
		newCleanupCommand(opts),
		newTestCommand(opts),
		newWatchCommand(opts),
		newShellCommand(opts),
	)
	return root
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (o *options) admin() *client.AdminClient {
	return client.NewAdminClient(httpBase(o.server), nil)
}

func (o *options) logger() *slog.Logger {
	if !o.verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

// httpBase turns a ws(s) URL into the matching http(s) base. Bare host:port
// values pass through.
func httpBase(server string) string {
	u, err := url.Parse(server)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return server
	}
	if u.Scheme == "wss" {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	u.Path, u.RawQuery = "", ""
	return u.String()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
