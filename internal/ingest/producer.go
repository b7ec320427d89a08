// Package ingest implements the dataset ingestion workflow: the producer that registers a
// dataset and schedules its ingest job, the parser for CSV and JSON uploads, and the worker
// that loads parsed rows and reports the outcome.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"smartboard-ingest/internal/config"
	"smartboard-ingest/internal/models"
	"smartboard-ingest/internal/objectstore"
	"smartboard-ingest/internal/queue"
	"smartboard-ingest/internal/telemetry"
)

var (
	// ErrInvalidInput wraps request validation failures.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUploadMissing is returned when an upload is confirmed before the object exists.
	ErrUploadMissing = errors.New("upload not found in object storage")
	// ErrConflict is returned when the dataset is not in a state that accepts the operation.
	ErrConflict = errors.New("dataset state conflict")
)

// DatasetStore is the slice of the record store the producer writes to.
type DatasetStore interface {
	CreateDataset(ctx context.Context, d models.Dataset) (models.Dataset, error)
	AssignStorageKey(ctx context.Context, tenantID, datasetID, key string) (models.Dataset, error)
	GetDataset(ctx context.Context, tenantID, datasetID string) (models.Dataset, error)
}

// Presigner issues upload URLs.
type Presigner interface {
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// JobQueue is the slice of the queue the producer needs.
type JobQueue interface {
	Enqueue(ctx context.Context, p queue.EnqueueParams) (bool, error)
	Reschedule(ctx context.Context, name, id string, runAt time.Time) (bool, error)
	Leased(ctx context.Context, name, id string) (bool, error)
}

// CreateDatasetInput is the validated body of a dataset creation request.
type CreateDatasetInput struct {
	TenantID    string
	Name        string
	Description *string
	FileType    string
}

// CreateDatasetResult is returned to the client, which uploads straight to UploadURL.
type CreateDatasetResult struct {
	Dataset   models.Dataset `json:"dataset"`
	UploadURL string         `json:"uploadUrl"`
}

// Producer registers datasets and schedules their ingest jobs.
type Producer struct {
	datasets   DatasetStore
	objects    Presigner
	queue      JobQueue
	delay      time.Duration
	presignTTL time.Duration
	trigger    string
	logger     *slog.Logger
	now        func() time.Time
}

// NewProducer builds a producer from config.
func NewProducer(cfg config.Config, datasets DatasetStore, objects Presigner, q JobQueue, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	trigger := cfg.IngestTrigger
	if trigger == "" {
		trigger = config.TriggerDelay
	}
	return &Producer{
		datasets:   datasets,
		objects:    objects,
		queue:      q,
		delay:      cfg.IngestDelay,
		presignTTL: ttl,
		trigger:    trigger,
		logger:     logger,
		now:        time.Now,
	}
}

// JobID is the logical job identifier of a dataset's ingest request. Every delivery attempt
// and every enqueue for the dataset shares it.
func JobID(datasetID string) string {
	return "ingest-" + datasetID
}

// CreateDataset persists the dataset, allocates its storage key, issues the upload URL and
// schedules the ingest job. A failure after the key is assigned leaves the dataset uploaded
// with no scheduled job.
func (p *Producer) CreateDataset(ctx context.Context, in CreateDatasetInput) (CreateDatasetResult, error) {
	fileType, err := validateCreate(&in)
	if err != nil {
		return CreateDatasetResult{}, err
	}

	now := p.now().UTC()
	dataset, err := p.datasets.CreateDataset(ctx, models.Dataset{
		ID:          uuid.NewString(),
		TenantID:    in.TenantID,
		Name:        in.Name,
		Description: in.Description,
		FileType:    fileType,
		Status:      models.StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return CreateDatasetResult{}, fmt.Errorf("create dataset: %w", err)
	}
	telemetry.DatasetsCreated.Inc()

	key := objectstore.DatasetKey(dataset.TenantID, dataset.ID, dataset.FileType)
	dataset, err = p.datasets.AssignStorageKey(ctx, dataset.TenantID, dataset.ID, key)
	if err != nil {
		return CreateDatasetResult{}, fmt.Errorf("assign storage key: %w", err)
	}

	uploadURL, err := p.objects.PresignPut(ctx, key, fileType.ContentType(), p.presignTTL)
	if err != nil {
		return CreateDatasetResult{}, fmt.Errorf("presign upload: %w", err)
	}

	if p.trigger == config.TriggerDelay {
		if _, err := p.enqueue(ctx, dataset, p.now().Add(p.delay)); err != nil {
			telemetry.EnqueueFailures.Inc()
			p.logger.Error("ingest job not scheduled, dataset left uploaded",
				"tenant_id", dataset.TenantID, "dataset_id", dataset.ID, "error", err)
			return CreateDatasetResult{}, err
		}
	}

	p.logger.Info("dataset created",
		"tenant_id", dataset.TenantID, "dataset_id", dataset.ID, "file_type", dataset.FileType, "trigger", p.trigger)
	return CreateDatasetResult{Dataset: dataset, UploadURL: uploadURL}, nil
}

// ConfirmUpload is the client's upload-complete signal. Once the object exists the ingest job
// becomes due immediately: a job still waiting out its delay is pulled forward, otherwise a job
// is enqueued. Datasets in error may be confirmed again after re-uploading, which revives a
// dead-lettered job. A job that is running right now yields ErrConflict.
func (p *Producer) ConfirmUpload(ctx context.Context, tenantID, datasetID string) (models.Dataset, error) {
	dataset, err := p.datasets.GetDataset(ctx, tenantID, datasetID)
	if err != nil {
		return models.Dataset{}, fmt.Errorf("load dataset: %w", err)
	}
	if dataset.Status != models.StatusUploaded && dataset.Status != models.StatusError {
		return models.Dataset{}, fmt.Errorf("%w: dataset is %s", ErrConflict, dataset.Status)
	}
	if dataset.StorageKey == nil || *dataset.StorageKey == "" {
		return models.Dataset{}, fmt.Errorf("%w: dataset has no storage key", ErrConflict)
	}

	exists, err := p.objects.Exists(ctx, *dataset.StorageKey)
	if err != nil {
		return models.Dataset{}, fmt.Errorf("check upload: %w", err)
	}
	if !exists {
		return models.Dataset{}, ErrUploadMissing
	}

	now := p.now()
	moved, err := p.queue.Reschedule(ctx, models.JobIngest, JobID(dataset.ID), now)
	if err != nil {
		return models.Dataset{}, err
	}
	if !moved {
		added, err := p.enqueue(ctx, dataset, now)
		if err != nil {
			telemetry.EnqueueFailures.Inc()
			return models.Dataset{}, err
		}
		if !added {
			// the job is either ready, which is what we want, or being worked on
			leased, err := p.queue.Leased(ctx, models.JobIngest, JobID(dataset.ID))
			if err != nil {
				return models.Dataset{}, err
			}
			if leased {
				return models.Dataset{}, fmt.Errorf("%w: ingest job is running", ErrConflict)
			}
		}
	}
	p.logger.Info("upload confirmed", "tenant_id", tenantID, "dataset_id", datasetID, "rescheduled", moved)
	return dataset, nil
}

func (p *Producer) enqueue(ctx context.Context, dataset models.Dataset, runAt time.Time) (bool, error) {
	key := ""
	if dataset.StorageKey != nil {
		key = *dataset.StorageKey
	}
	payload, err := json.Marshal(models.IngestJob{
		TenantID:  dataset.TenantID,
		DatasetID: dataset.ID,
		S3Key:     key,
		FileType:  dataset.FileType,
	})
	if err != nil {
		return false, fmt.Errorf("marshal ingest job: %w", err)
	}
	added, err := p.queue.Enqueue(ctx, queue.EnqueueParams{
		Name:    models.JobIngest,
		ID:      JobID(dataset.ID),
		Payload: payload,
		RunAt:   runAt,
	})
	if err != nil {
		return false, fmt.Errorf("enqueue ingest job: %w", err)
	}
	if added {
		telemetry.JobsEnqueued.Inc()
	}
	return added, nil
}

func validateCreate(in *CreateDatasetInput) (models.FileType, error) {
	in.TenantID = strings.TrimSpace(in.TenantID)
	in.Name = strings.TrimSpace(in.Name)
	if in.TenantID == "" {
		return "", fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(in.Name); n < 1 || n > 200 {
		return "", fmt.Errorf("%w: name must be 1-200 characters", ErrInvalidInput)
	}
	if in.Description != nil && utf8.RuneCountInString(*in.Description) > 1000 {
		return "", fmt.Errorf("%w: description must be at most 1000 characters", ErrInvalidInput)
	}
	fileType, ok := models.ParseFileType(in.FileType)
	if !ok {
		return "", fmt.Errorf("%w: fileType must be csv or json", ErrInvalidInput)
	}
	return fileType, nil
}
