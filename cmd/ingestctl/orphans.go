package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"smartboard-ingest/internal/ingest"
)

// orphans are datasets stuck in uploaded with no attempt on record, usually because the
// enqueue after creation failed.
func newOrphansCmd(a *app) *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
		requeue   bool
	)
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "List uploaded datasets that never got an ingest attempt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			datasets, err := st.ListOrphans(ctx, time.Now().Add(-olderThan), limit)
			if err != nil {
				return err
			}
			if len(datasets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no orphaned datasets")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TENANT\tDATASET\tCREATED\tACTION")
			var producer *ingest.Producer
			if requeue {
				if producer, err = a.producer(ctx); err != nil {
					return err
				}
			}
			for _, d := range datasets {
				action := "-"
				if producer != nil {
					_, err := producer.ConfirmUpload(ctx, d.TenantID, d.ID)
					switch {
					case err == nil:
						action = "requeued"
					case errors.Is(err, ingest.ErrUploadMissing):
						action = "skipped: no upload"
					default:
						a.logger.Error("requeue orphan", "tenant_id", d.TenantID, "dataset_id", d.ID, "error", err)
						action = "failed"
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.TenantID, d.ID, d.CreatedAt.UTC().Format(time.RFC3339), action)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 15*time.Minute, "only datasets created before now minus this")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "max datasets")
	cmd.Flags().BoolVar(&requeue, "requeue", false, "schedule an ingest job for orphans whose upload exists")
	return cmd
}
