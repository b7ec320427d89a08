package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"smartboard-ingest/internal/models"
)

type objectPutter interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}

// newUploadCmd writes a file to a dataset's storage key and confirms it, for operators
// re-running an ingest with a corrected file.
func newUploadCmd(a *app) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "upload <dataset-id> <file>",
		Short: "Upload a file for a dataset and schedule its ingest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			datasetID, path := args[0], args[1]

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			dataset, err := st.GetDataset(ctx, tenant, datasetID)
			if err != nil {
				return err
			}
			if dataset.StorageKey == nil {
				return fmt.Errorf("dataset %s has no storage key", datasetID)
			}

			objects, err := a.openObjects(ctx)
			if err != nil {
				return err
			}
			putter, ok := objects.(objectPutter)
			if !ok {
				return fmt.Errorf("storage backend %q does not accept uploads", a.cfg.StorageBackend)
			}
			if err := putFile(ctx, putter, *dataset.StorageKey, path, dataset.FileType); err != nil {
				return err
			}

			producer, err := a.producer(ctx)
			if err != nil {
				return err
			}
			if _, err := producer.ConfirmUpload(ctx, tenant, datasetID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s to %s, ingest scheduled\n", path, *dataset.StorageKey)
			return nil
		},
	}
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func putFile(ctx context.Context, putter objectPutter, key, path string, fileType models.FileType) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := putter.Put(ctx, key, f, fileType.ContentType()); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
