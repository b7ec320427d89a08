package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smartboard-ingest/internal/models"
)

// ErrInvalidQuery is returned for analytics queries that cannot be run.
var ErrInvalidQuery = errors.New("invalid analytics query")

var timeseriesBuckets = map[string]bool{
	"minute": true,
	"hour":   true,
	"day":    true,
	"week":   true,
	"month":  true,
}

// ValidBucket reports whether b is a supported aggregation bucket.
func ValidBucket(b string) bool {
	return timeseriesBuckets[b]
}

// TimeseriesQuery selects one metric of a tenant over [From, To).
// DatasetID is optional and narrows to one dataset.
type TimeseriesQuery struct {
	TenantID  string
	DatasetID string
	Metric    string
	From      time.Time
	To        time.Time
	Bucket    string
}

// Timeseries aggregates event values per time bucket.
func (s *Store) Timeseries(ctx context.Context, q TimeseriesQuery) ([]models.TimeseriesPoint, error) {
	if !ValidBucket(q.Bucket) {
		return nil, fmt.Errorf("%w: bucket %q", ErrInvalidQuery, q.Bucket)
	}
	if q.Metric == "" {
		return nil, fmt.Errorf("%w: metric is required", ErrInvalidQuery)
	}
	if !q.To.After(q.From) {
		return nil, fmt.Errorf("%w: to must be after from", ErrInvalidQuery)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT date_trunc($1, ts) AS bucket, AVG(value), MIN(value), MAX(value), COUNT(*)
		FROM events
		WHERE tenant_id = $2 AND metric = $3 AND ts >= $4 AND ts < $5
		  AND ($6 = '' OR dataset_id = $6)
		GROUP BY bucket
		ORDER BY bucket
	`, q.Bucket, q.TenantID, q.Metric, q.From, q.To, q.DatasetID)
	if err != nil {
		return nil, fmt.Errorf("query timeseries: %w", err)
	}
	defer rows.Close()

	points := []models.TimeseriesPoint{}
	for rows.Next() {
		var p models.TimeseriesPoint
		if err := rows.Scan(&p.Bucket, &p.Avg, &p.Min, &p.Max, &p.Count); err != nil {
			return nil, fmt.Errorf("scan timeseries: %w", err)
		}
		p.Bucket = p.Bucket.UTC()
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeseries: %w", err)
	}
	return points, nil
}
