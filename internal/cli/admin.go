package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tracksnap/parcelhub/pkg/client"
)

func newStatsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show subscription statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			stats, err := opts.admin().Stats(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, stats)
			}

			fmt.Fprintf(out, "connected clients:  %d\n", stats.TotalConnectedClients)
			fmt.Fprintf(out, "topics tracked:     %d\n", stats.TotalTopicsTracked)
			fmt.Fprintf(out, "avg subscriptions:  %.2f\n", stats.AverageSubscriptionsPerClient)

			topics := make([]string, 0, len(stats.TopicSubscriberCounts))
			for t := range stats.TopicSubscriberCounts {
				topics = append(topics, t)
			}
			if len(topics) == 0 {
				return nil
			}
			sort.Strings(topics)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\nTOPIC\tSUBSCRIBERS")
			for _, t := range topics {
				fmt.Fprintf(tw, "%s\t%d\n", t, stats.TopicSubscriberCounts[t])
			}
			return tw.Flush()
		},
	}
}

func newTrackedCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tracked",
		Short: "List parcels with active subscribers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			tracked, err := opts.admin().TrackedParcels(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, tracked)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PARCEL\tSUBSCRIBERS\tACTIVE")
			for _, p := range tracked.Parcels {
				fmt.Fprintf(tw, "%s\t%d\t%t\n", p.ParcelID, p.SubscriberCount, p.IsActive)
			}
			fmt.Fprintf(tw, "\n%d parcel(s), %d subscriber(s)\n", tracked.TotalParcels, tracked.TotalSubscribers)
			return tw.Flush()
		},
	}
}

func newBroadcastCommand(opts *options) *cobra.Command {
	var (
		typ     string
		message string
		data    string
	)
	cmd := &cobra.Command{
		Use:   "broadcast PARCEL_ID...",
		Short: "Send an event to the subscribers of the given parcels",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := client.BroadcastRequest{ParcelIDs: args, Type: typ, Message: message}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &req.Data); err != nil {
					return fmt.Errorf("--data must be a JSON object: %w", err)
				}
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()
			res, err := opts.admin().Broadcast(ctx, req)
			if err != nil {
				return err
			}
			return printResult(cmd, opts, res)
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", "", "event type to send (required)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "human readable message")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON object attached as data")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newAlertCommand(opts *options) *cobra.Command {
	var (
		priority string
		targets  []string
	)
	cmd := &cobra.Command{
		Use:   "alert MESSAGE...",
		Short: "Send a system alert to every client, or to the subscribers of --target parcels",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			res, err := opts.admin().SystemAlert(ctx, client.AlertRequest{
				Message:       strings.Join(args, " "),
				Priority:      priority,
				TargetParcels: targets,
			})
			if err != nil {
				return err
			}
			return printResult(cmd, opts, res)
		},
	}
	cmd.Flags().StringVarP(&priority, "priority", "p", "info", "info, warning, error or critical")
	cmd.Flags().StringSliceVar(&targets, "target", nil, "parcel IDs to alert instead of everyone")
	return cmd
}

func newCleanupCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Force a sweep of closed connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			res, err := opts.admin().Cleanup(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, res)
			}
			fmt.Fprintf(out, "clients: %d -> %d (removed %d)\n",
				res.Before.ConnectedClients, res.After.ConnectedClients, res.Removed.Clients)
			fmt.Fprintf(out, "parcels: %d -> %d (removed %d)\n",
				res.Before.TrackedParcels, res.After.TrackedParcels, res.Removed.Parcels)
			return nil
		},
	}
}

func newTestCommand(opts *options) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "test PARCEL_ID",
		Short: "Send a test message to a parcel's subscribers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			res, err := opts.admin().Test(ctx, args[0], message)
			var apiErr *client.APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
				return fmt.Errorf("nobody is subscribed to %s", args[0])
			}
			if err != nil {
				return err
			}
			return printResult(cmd, opts, res)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "message text")
	return cmd
}

func printResult(cmd *cobra.Command, opts *options, res client.Result) error {
	out := cmd.OutOrStdout()
	if opts.json {
		return printJSON(out, res)
	}
	fmt.Fprintln(out, res.Message)
	return nil
}
