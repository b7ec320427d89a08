package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartboard-ingest/internal/config"
	"smartboard-ingest/internal/models"
	"smartboard-ingest/internal/objectstore"
	"smartboard-ingest/internal/queue"
)

type producerFixture struct {
	producer *Producer
	store    *memStore
	objects  *objectstore.Local
	queue    *queue.RedisQueue
}

func newProducerFixture(t *testing.T, trigger string) *producerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Defaults()
	cfg.IngestTrigger = trigger
	cfg.IngestDelay = 5 * time.Second

	f := &producerFixture{
		store:   newMemStore(),
		objects: objectstore.NewLocal(t.TempDir()),
		queue:   queue.NewRedisQueue(client, cfg),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.producer = NewProducer(cfg, f.store, f.objects, f.queue, logger)
	return f
}

func (f *producerFixture) stats(t *testing.T) queue.Stats {
	t.Helper()
	s, err := f.queue.Stats(context.Background(), models.JobIngest)
	require.NoError(t, err)
	return s
}

func TestCreateDatasetSchedulesDelayedJob(t *testing.T) {
	ctx := context.Background()
	f := newProducerFixture(t, config.TriggerDelay)

	res, err := f.producer.CreateDataset(ctx, CreateDatasetInput{TenantID: "T", Name: " sales ", FileType: "csv"})
	require.NoError(t, err)

	d := res.Dataset
	assert.Equal(t, "sales", d.Name)
	assert.Equal(t, models.StatusUploaded, d.Status)
	require.NotNil(t, d.StorageKey)
	assert.Equal(t, "tenants/T/datasets/"+d.ID+"/data.csv", *d.StorageKey)
	assert.NotEmpty(t, res.UploadURL)

	s := f.stats(t)
	assert.Equal(t, int64(1), s.Scheduled)
	assert.Equal(t, int64(0), s.Ready)

	// not due yet
	n, err := f.queue.PromoteScheduled(ctx, models.JobIngest, time.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.queue.PromoteScheduled(ctx, models.JobIngest, time.Now().Add(6*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg, ok, err := f.queue.Dequeue(ctx, models.JobIngest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, JobID(d.ID), msg.ID)

	var job models.IngestJob
	require.NoError(t, json.Unmarshal(msg.Payload, &job))
	assert.Equal(t, models.IngestJob{TenantID: "T", DatasetID: d.ID, S3Key: *d.StorageKey, FileType: models.FileTypeCSV}, job)
}

func TestCreateDatasetDefaultsToCSV(t *testing.T) {
	f := newProducerFixture(t, config.TriggerDelay)
	res, err := f.producer.CreateDataset(context.Background(), CreateDatasetInput{TenantID: "T", Name: "n"})
	require.NoError(t, err)
	assert.Equal(t, models.FileTypeCSV, res.Dataset.FileType)
}

func TestCreateDatasetValidation(t *testing.T) {
	f := newProducerFixture(t, config.TriggerDelay)
	long := strings.Repeat("x", 1001)
	cases := map[string]CreateDatasetInput{
		"missing tenant": {Name: "n"},
		"empty name":     {TenantID: "T", Name: "   "},
		"long name":      {TenantID: "T", Name: strings.Repeat("n", 201)},
		"long desc":      {TenantID: "T", Name: "n", Description: &long},
		"bad file type":  {TenantID: "T", Name: "n", FileType: "xml"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.producer.CreateDataset(context.Background(), in)
			assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)
		})
	}
	assert.Empty(t, f.store.datasets)
}

func TestConfirmUploadPullsDelayedJobForward(t *testing.T) {
	ctx := context.Background()
	f := newProducerFixture(t, config.TriggerDelay)
	res, err := f.producer.CreateDataset(ctx, CreateDatasetInput{TenantID: "T", Name: "n", FileType: "json"})
	require.NoError(t, err)

	_, err = f.producer.ConfirmUpload(ctx, "T", res.Dataset.ID)
	assert.True(t, errors.Is(err, ErrUploadMissing))

	require.NoError(t, f.objects.Put(ctx, *res.Dataset.StorageKey, strings.NewReader(`[]`), "application/json"))
	_, err = f.producer.ConfirmUpload(ctx, "T", res.Dataset.ID)
	require.NoError(t, err)

	s := f.stats(t)
	assert.Equal(t, int64(0), s.Scheduled)
	assert.Equal(t, int64(1), s.Ready)

	// a second confirm does not duplicate the job
	_, err = f.producer.ConfirmUpload(ctx, "T", res.Dataset.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.stats(t).Ready)
}

func TestConfirmTriggerEnqueuesOnlyOnConfirm(t *testing.T) {
	ctx := context.Background()
	f := newProducerFixture(t, config.TriggerConfirm)
	res, err := f.producer.CreateDataset(ctx, CreateDatasetInput{TenantID: "T", Name: "n"})
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, f.stats(t))

	require.NoError(t, f.objects.Put(ctx, *res.Dataset.StorageKey, strings.NewReader("metric,value\n"), "text/csv"))
	_, err = f.producer.ConfirmUpload(ctx, "T", res.Dataset.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.stats(t).Ready)
}

func TestConfirmUploadChecksTenantAndState(t *testing.T) {
	ctx := context.Background()
	f := newProducerFixture(t, config.TriggerDelay)
	res, err := f.producer.CreateDataset(ctx, CreateDatasetInput{TenantID: "T", Name: "n"})
	require.NoError(t, err)

	_, err = f.producer.ConfirmUpload(ctx, "other", res.Dataset.ID)
	assert.True(t, errors.Is(err, models.ErrDatasetNotFound))

	require.NoError(t, f.store.MarkDatasetReady(ctx, "T", res.Dataset.ID, 3))
	_, err = f.producer.ConfirmUpload(ctx, "T", res.Dataset.ID)
	assert.True(t, errors.Is(err, ErrConflict))
}

// deadLetter runs the dataset's job through every attempt as a failure.
func (f *producerFixture) deadLetter(t *testing.T, datasetID string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; ; i++ {
		require.Less(t, i, 10, "job never dead-lettered")
		_, err := f.queue.PromoteScheduled(ctx, models.JobIngest, time.Now().Add(time.Hour), 10)
		require.NoError(t, err)
		msg, ok, err := f.queue.Dequeue(ctx, models.JobIngest)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, JobID(datasetID), msg.ID)
		out, err := f.queue.Fail(ctx, msg, errors.New("open upload: object not found"))
		require.NoError(t, err)
		if out.DeadLettered {
			return
		}
	}
}

func TestConfirmUploadRevivesDeadLetteredJob(t *testing.T) {
	ctx := context.Background()
	f := newProducerFixture(t, config.TriggerDelay)
	res, err := f.producer.CreateDataset(ctx, CreateDatasetInput{TenantID: "T", Name: "n"})
	require.NoError(t, err)
	id := res.Dataset.ID

	f.deadLetter(t, id)
	require.NoError(t, f.store.MarkDatasetError(ctx, "T", id))
	require.Equal(t, queue.Stats{DeadLetter: 1}, f.stats(t))

	require.NoError(t, f.objects.Put(ctx, *res.Dataset.StorageKey, strings.NewReader("metric,value\ncpu,1\n"), "text/csv"))
	_, err = f.producer.ConfirmUpload(ctx, "T", id)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Ready: 1}, f.stats(t))

	msg, ok, err := f.queue.Dequeue(ctx, models.JobIngest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, JobID(id), msg.ID)
	assert.Equal(t, 1, msg.Attempts)
}

func TestConfirmUploadWhileJobRunningConflicts(t *testing.T) {
	ctx := context.Background()
	f := newProducerFixture(t, config.TriggerConfirm)
	res, err := f.producer.CreateDataset(ctx, CreateDatasetInput{TenantID: "T", Name: "n"})
	require.NoError(t, err)
	require.NoError(t, f.objects.Put(ctx, *res.Dataset.StorageKey, strings.NewReader("metric,value\n"), "text/csv"))

	_, err = f.producer.ConfirmUpload(ctx, "T", res.Dataset.ID)
	require.NoError(t, err)
	_, ok, err := f.queue.Dequeue(ctx, models.JobIngest)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.producer.ConfirmUpload(ctx, "T", res.Dataset.ID)
	assert.True(t, errors.Is(err, ErrConflict), "got %v", err)
	assert.Equal(t, queue.Stats{InFlight: 1}, f.stats(t))
}

type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, queue.EnqueueParams) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func (brokenQueue) Reschedule(context.Context, string, string, time.Time) (bool, error) {
	return false, nil
}

func (brokenQueue) Leased(context.Context, string, string) (bool, error) {
	return false, nil
}

func TestEnqueueFailureLeavesDatasetUploaded(t *testing.T) {
	store := newMemStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewProducer(config.Defaults(), store, objectstore.NewLocal(t.TempDir()), brokenQueue{}, logger)

	_, err := p.CreateDataset(context.Background(), CreateDatasetInput{TenantID: "T", Name: "n"})
	require.Error(t, err)

	require.Len(t, store.datasets, 1)
	for _, d := range store.datasets {
		assert.Equal(t, models.StatusUploaded, d.Status)
		assert.NotNil(t, d.StorageKey)
	}
}
