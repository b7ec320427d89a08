package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"smartboard-ingest/internal/models"
)

func newQueueCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect job queues",
	}
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show ready, scheduled, in-flight and dead-letter counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openQueue().Stats(cmd.Context(), name)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"queue": name, "stats": s})
		},
	}
	cmd.PersistentFlags().StringVarP(&name, "queue", "q", models.JobIngest, "queue name")
	cmd.AddCommand(stats)
	return cmd
}

func newDLQCmd(a *app) *cobra.Command {
	var (
		name  string
		count int64
	)
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered jobs",
	}
	cmd.PersistentFlags().StringVarP(&name, "queue", "q", models.JobIngest, "queue name")

	peek := &cobra.Command{
		Use:   "peek",
		Short: "List the oldest dead-lettered jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := a.openQueue().DLQPeek(cmd.Context(), name, count)
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "dead-letter queue is empty")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tATTEMPTS\tENQUEUED\tLAST ERROR")
			for _, m := range msgs {
				enqueued := "-"
				if !m.EnqueuedAt.IsZero() {
					enqueued = m.EnqueuedAt.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%d/%d\t%s\t%s\n", m.ID, m.Attempts, m.MaxAttempts, enqueued, m.LastError)
			}
			return tw.Flush()
		},
	}
	peek.Flags().Int64VarP(&count, "count", "n", 20, "max entries")

	replay := &cobra.Command{
		Use:   "replay <id>...",
		Short: "Move dead-lettered jobs back to the ready list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := a.openQueue()
			for _, id := range args {
				if err := q.DLQReplay(cmd.Context(), name, id); err != nil {
					return err
				}
				a.logger.Info("dead-lettered job replayed", "queue", name, "job_id", id)
				fmt.Fprintf(cmd.OutOrStdout(), "replayed %s\n", id)
			}
			return nil
		},
	}

	cmd.AddCommand(peek, replay)
	return cmd
}
