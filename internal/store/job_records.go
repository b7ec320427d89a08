package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"smartboard-ingest/internal/models"
)

// StartJobRecord inserts a running record for one delivery attempt.
func (s *Store) StartJobRecord(ctx context.Context, rec models.JobRecord) (models.JobRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Attempt < 1 {
		rec.Attempt = 1
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	rec.Status = models.JobStatusRunning
	rec.Error = nil
	rec.FinishedAt = nil

	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_records (id, job_id, attempt, tenant_id, dataset_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.JobID, rec.Attempt, rec.TenantID, rec.DatasetID, rec.Status, rec.StartedAt)
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("insert job record: %w", err)
	}
	return rec, nil
}

// FinishJobRecord closes a running record. A record that is already closed is left untouched.
func (s *Store) FinishJobRecord(ctx context.Context, id, status string, errMsg *string, finishedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_records SET status = $2, error = $3, finished_at = $4
		WHERE id = $1 AND status = $5
	`, id, status, errMsg, finishedAt, models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("finish job record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish job record %s: %w", id, ErrJobRecordNotFound)
	}
	return nil
}

// ListJobRecords returns every attempt recorded for a dataset in start order.
func (s *Store) ListJobRecords(ctx context.Context, tenantID, datasetID string) ([]models.JobRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, attempt, tenant_id, dataset_id, status, error, started_at, finished_at
		FROM job_records
		WHERE tenant_id = $1 AND dataset_id = $2
		ORDER BY started_at, attempt
	`, tenantID, datasetID)
	if err != nil {
		return nil, fmt.Errorf("query job records: %w", err)
	}
	defer rows.Close()

	out := []models.JobRecord{}
	for rows.Next() {
		var (
			rec      models.JobRecord
			errText  pgtype.Text
			finished pgtype.Timestamptz
		)
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Attempt, &rec.TenantID, &rec.DatasetID, &rec.Status, &errText, &rec.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan job record: %w", err)
		}
		rec.Error = textPtr(errText)
		if finished.Valid {
			t := finished.Time
			rec.FinishedAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job records: %w", err)
	}
	return out, nil
}
