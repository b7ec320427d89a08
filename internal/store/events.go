package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"smartboard-ingest/internal/models"
)

var eventColumns = []string{"tenant_id", "dataset_id", "metric", "value", "ts", "properties"}

// InsertEvents bulk-loads rows with a single COPY and returns the number written.
func (s *Store) InsertEvents(ctx context.Context, rows []models.EventRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	src := pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		r := rows[i]
		props := r.Properties
		if props == nil {
			props = map[string]any{}
		}
		return []any{r.TenantID, r.DatasetID, r.Metric, r.Value, r.Timestamp, props}, nil
	})
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{"events"}, eventColumns, src)
	if err != nil {
		return 0, fmt.Errorf("copy events: %w", err)
	}
	return n, nil
}
