package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"smartboard-ingest/internal/config"
	"smartboard-ingest/internal/events"
	"smartboard-ingest/internal/models"
	"smartboard-ingest/internal/objectstore"
	"smartboard-ingest/internal/queue"
	"smartboard-ingest/internal/telemetry"
)

// ErrTooLarge is returned when an upload exceeds the configured byte limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

const bookkeepingTimeout = 10 * time.Second

// WorkerStore is the slice of the record store the worker writes to.
type WorkerStore interface {
	StartJobRecord(ctx context.Context, rec models.JobRecord) (models.JobRecord, error)
	FinishJobRecord(ctx context.Context, id, status string, errMsg *string, finishedAt time.Time) error
	InsertEvents(ctx context.Context, rows []models.EventRow) (int64, error)
	MarkDatasetReady(ctx context.Context, tenantID, datasetID string, rowCount int) error
	MarkDatasetError(ctx context.Context, tenantID, datasetID string) error
}

// ObjectReader opens uploaded objects.
type ObjectReader interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Publisher sends dataset events to the bus.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Attempt identifies one delivery of a logical job.
type Attempt struct {
	JobID  string
	Number int
}

// Worker runs ingest jobs.
type Worker struct {
	store    WorkerStore
	objects  ObjectReader
	bus      Publisher
	maxBytes int64
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorker builds a worker from config.
func NewWorker(cfg config.Config, store WorkerStore, objects ObjectReader, bus Publisher, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    store,
		objects:  objects,
		bus:      bus,
		maxBytes: cfg.IngestMaxBytes,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle decodes a queue message and processes it. It matches the processor's handler signature.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	var job models.IngestJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return fmt.Errorf("decode ingest job %s: %w", msg.ID, err)
	}
	if job.TenantID == "" || job.DatasetID == "" {
		return fmt.Errorf("ingest job %s: tenant and dataset ids are required", msg.ID)
	}
	_, err := w.Process(ctx, Attempt{JobID: msg.ID, Number: msg.Attempts}, job)
	return err
}

// Process runs one attempt: record it, load and parse the upload, bulk-insert the rows, mark
// the dataset ready and announce it. Any failure after the record exists closes the record as
// failed, marks the dataset error, announces the failure and is returned to the caller.
func (w *Worker) Process(ctx context.Context, attempt Attempt, job models.IngestJob) (int, error) {
	start := w.now()
	defer func() { telemetry.JobDuration.Observe(time.Since(start).Seconds()) }()

	log := w.logger.With("job_id", attempt.JobID, "attempt", attempt.Number,
		"tenant_id", job.TenantID, "dataset_id", job.DatasetID)

	rec, err := w.store.StartJobRecord(ctx, models.JobRecord{
		JobID:     attempt.JobID,
		Attempt:   attempt.Number,
		TenantID:  job.TenantID,
		DatasetID: job.DatasetID,
		Status:    models.JobStatusRunning,
		StartedAt: start.UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("start job record: %w", err)
	}

	rowCount, err := w.run(ctx, job)
	if err != nil {
		w.fail(ctx, log, rec, job, err)
		return 0, err
	}

	finished := w.now().UTC()
	bctx, cancel := bookkeepingContext(ctx)
	defer cancel()
	if ferr := w.store.FinishJobRecord(bctx, rec.ID, models.JobStatusCompleted, nil, finished); ferr != nil {
		log.Error("close job record", "error", ferr)
	}
	w.publish(bctx, log, events.Ready(job.TenantID, job.DatasetID, rowCount, finished))
	log.Info("dataset ready", "row_count", rowCount)
	return rowCount, nil
}

func (w *Worker) run(ctx context.Context, job models.IngestJob) (int, error) {
	rows, err := w.load(ctx, job)
	if err != nil {
		return 0, err
	}

	var inserted int64
	if len(rows) > 0 {
		inserted, err = w.store.InsertEvents(ctx, rows)
		if err != nil {
			return 0, fmt.Errorf("insert events: %w", err)
		}
		telemetry.RowsInserted.Add(float64(inserted))
	}

	if err := w.store.MarkDatasetReady(ctx, job.TenantID, job.DatasetID, int(inserted)); err != nil {
		return 0, fmt.Errorf("mark dataset ready: %w", err)
	}
	return int(inserted), nil
}

func (w *Worker) load(ctx context.Context, job models.IngestJob) ([]models.EventRow, error) {
	rc, err := w.objects.Open(ctx, job.S3Key)
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer rc.Close()

	var r io.Reader = rc
	if w.maxBytes > 0 {
		r = &limitedReader{r: rc, remaining: w.maxBytes}
	}
	rows, err := Parse(r, job, w.now().UTC())
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, rec models.JobRecord, job models.IngestJob, cause error) {
	bctx, cancel := bookkeepingContext(ctx)
	defer cancel()

	failed := w.now().UTC()
	msg := cause.Error()
	if err := w.store.FinishJobRecord(bctx, rec.ID, models.JobStatusFailed, &msg, failed); err != nil {
		log.Error("close job record", "error", err)
	}

	err := w.store.MarkDatasetError(bctx, job.TenantID, job.DatasetID)
	switch {
	case errors.Is(err, models.ErrDatasetNotFound):
		log.Warn("dataset gone, failure not announced", "error", cause)
		return
	case err != nil:
		log.Error("mark dataset error", "error", err)
		return
	}
	w.publish(bctx, log, events.Failed(job.TenantID, job.DatasetID, PublicReason(cause), failed))
	log.Error("ingest attempt failed", "error", cause)
}

// publish failures are logged only; the dataset row already holds the outcome.
func (w *Worker) publish(ctx context.Context, log *slog.Logger, ev events.Event) {
	if w.bus == nil {
		return
	}
	if err := w.bus.Publish(ctx, ev); err != nil {
		telemetry.PublishFailures.Inc()
		log.Error("publish event", "event", ev.Kind, "error", err)
		return
	}
	telemetry.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
}

// PublicReason maps an ingest failure to the reason shown to tenants. Raw error text can
// carry infrastructure detail and stays in the job record.
func PublicReason(err error) string {
	switch {
	case errors.Is(err, objectstore.ErrNotFound):
		return "uploaded file not found"
	case errors.Is(err, ErrTooLarge):
		return "uploaded file exceeds the size limit"
	case errors.Is(err, ErrParse):
		return "uploaded file could not be parsed"
	case errors.Is(err, context.DeadlineExceeded):
		return "processing timed out"
	case errors.Is(err, models.ErrDatasetNotFound):
		return "dataset not found"
	default:
		return "internal error while processing dataset"
	}
}

// bookkeepingContext outlives a cancelled or expired job context so the outcome is recorded.
func bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		// one byte past the limit distinguishes an exact fit from an overflow
		var probe [1]byte
		n, err := l.r.Read(probe[:])
		if n > 0 {
			return 0, ErrTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}
