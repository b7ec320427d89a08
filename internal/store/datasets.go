package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"smartboard-ingest/internal/models"
)

const datasetColumns = `id, tenant_id, name, description, file_type, s3_key, status, row_count, created_at, updated_at`

// CreateDataset inserts a dataset row. The caller supplies the id and initial status.
func (s *Store) CreateDataset(ctx context.Context, d models.Dataset) (models.Dataset, error) {
	if d.Status == "" {
		d.Status = models.StatusCreated
	}
	if d.FileType == "" {
		d.FileType = models.FileTypeCSV
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO datasets (id, tenant_id, name, description, file_type, s3_key, status, row_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, d.ID, d.TenantID, d.Name, d.Description, string(d.FileType), d.StorageKey, d.Status, d.RowCount, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return models.Dataset{}, fmt.Errorf("insert dataset: %w", err)
	}
	return d, nil
}

// AssignStorageKey records the object key and moves the dataset to uploaded.
func (s *Store) AssignStorageKey(ctx context.Context, tenantID, datasetID, key string) (models.Dataset, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE datasets SET s3_key = $3, status = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+datasetColumns,
		tenantID, datasetID, key, models.StatusUploaded)
	return scanDataset(row)
}

// GetDataset fetches a dataset within a tenant.
func (s *Store) GetDataset(ctx context.Context, tenantID, datasetID string) (models.Dataset, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+datasetColumns+`
		FROM datasets WHERE tenant_id = $1 AND id = $2
	`, tenantID, datasetID)
	return scanDataset(row)
}

// ListDatasets returns one page of a tenant's datasets, newest first.
func (s *Store) ListDatasets(ctx context.Context, tenantID string, page, limit int) (models.Page[models.Dataset], error) {
	if page < 1 {
		page = 1
	}
	switch {
	case limit < 1:
		limit = 50
	case limit > 200:
		limit = 200
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM datasets WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
		return models.Page[models.Dataset]{}, fmt.Errorf("count datasets: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+datasetColumns+`
		FROM datasets WHERE tenant_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, tenantID, limit, (page-1)*limit)
	if err != nil {
		return models.Page[models.Dataset]{}, fmt.Errorf("query datasets: %w", err)
	}
	items, err := collectDatasets(rows)
	if err != nil {
		return models.Page[models.Dataset]{}, err
	}

	return models.Page[models.Dataset]{
		Items:   items,
		Total:   total,
		Page:    page,
		Limit:   limit,
		HasMore: page*limit < total,
	}, nil
}

// MarkDatasetReady sets status ready and the row count. ErrNotFound means nothing was updated.
func (s *Store) MarkDatasetReady(ctx context.Context, tenantID, datasetID string, rowCount int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE datasets SET status = $3, row_count = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, datasetID, models.StatusReady, rowCount)
	if err != nil {
		return fmt.Errorf("mark dataset ready: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDatasetError sets status error. The row count of an earlier success is left in place.
func (s *Store) MarkDatasetError(ctx context.Context, tenantID, datasetID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE datasets SET status = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, datasetID, models.StatusError)
	if err != nil {
		return fmt.Errorf("mark dataset error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOrphans returns uploaded datasets untouched since before olderThan that have no job
// record at all. These are datasets whose ingest job was never scheduled or never ran.
func (s *Store) ListOrphans(ctx context.Context, olderThan time.Time, limit int) ([]models.Dataset, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+datasetColumns+`
		FROM datasets d
		WHERE d.status = $1 AND d.updated_at < $2
		  AND NOT EXISTS (
		      SELECT 1 FROM job_records j WHERE j.tenant_id = d.tenant_id AND j.dataset_id = d.id
		  )
		ORDER BY d.updated_at
		LIMIT $3
	`, models.StatusUploaded, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("query orphans: %w", err)
	}
	return collectDatasets(rows)
}

func collectDatasets(rows pgx.Rows) ([]models.Dataset, error) {
	defer rows.Close()
	items := []models.Dataset{}
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate datasets: %w", err)
	}
	return items, nil
}

func scanDataset(row pgx.Row) (models.Dataset, error) {
	var (
		d        models.Dataset
		desc     pgtype.Text
		key      pgtype.Text
		fileType string
		rowCount pgtype.Int4
	)
	if err := row.Scan(&d.ID, &d.TenantID, &d.Name, &desc, &fileType, &key, &d.Status, &rowCount, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Dataset{}, ErrNotFound
		}
		return models.Dataset{}, fmt.Errorf("scan dataset: %w", err)
	}
	d.FileType = models.FileType(fileType)
	d.Description = textPtr(desc)
	d.StorageKey = textPtr(key)
	if rowCount.Valid {
		n := int(rowCount.Int32)
		d.RowCount = &n
	}
	return d, nil
}
