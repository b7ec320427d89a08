package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"smartboard-ingest/internal/events"
	"smartboard-ingest/internal/models"
)

// memStore is an in-memory record store honoring the tenant scoping of the real one.
type memStore struct {
	mu       sync.Mutex
	datasets map[string]models.Dataset
	records  []models.JobRecord
	events   []models.EventRow
	seq      int

	failStart  error
	failInsert error
}

func newMemStore() *memStore {
	return &memStore{datasets: map[string]models.Dataset{}}
}

func (m *memStore) CreateDataset(_ context.Context, d models.Dataset) (models.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.datasets[d.ID] = d
	return d, nil
}

func (m *memStore) AssignStorageKey(_ context.Context, tenantID, datasetID, key string) (models.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.datasets[datasetID]
	if !ok || d.TenantID != tenantID {
		return models.Dataset{}, models.ErrDatasetNotFound
	}
	d.StorageKey = &key
	d.Status = models.StatusUploaded
	m.datasets[datasetID] = d
	return d, nil
}

func (m *memStore) GetDataset(_ context.Context, tenantID, datasetID string) (models.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.datasets[datasetID]
	if !ok || d.TenantID != tenantID {
		return models.Dataset{}, models.ErrDatasetNotFound
	}
	return d, nil
}

func (m *memStore) StartJobRecord(ctx context.Context, rec models.JobRecord) (models.JobRecord, error) {
	if m.failStart != nil {
		return models.JobRecord{}, m.failStart
	}
	if err := ctx.Err(); err != nil {
		return models.JobRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	rec.ID = fmt.Sprintf("rec-%d", m.seq)
	rec.Status = models.JobStatusRunning
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *memStore) FinishJobRecord(ctx context.Context, id, status string, errMsg *string, finishedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].ID == id && m.records[i].Status == models.JobStatusRunning {
			m.records[i].Status = status
			m.records[i].Error = errMsg
			m.records[i].FinishedAt = &finishedAt
			return nil
		}
	}
	return errors.New("job record not running")
}

func (m *memStore) InsertEvents(ctx context.Context, rows []models.EventRow) (int64, error) {
	if m.failInsert != nil {
		return 0, m.failInsert
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, rows...)
	return int64(len(rows)), nil
}

func (m *memStore) MarkDatasetReady(ctx context.Context, tenantID, datasetID string, rowCount int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.datasets[datasetID]
	if !ok || d.TenantID != tenantID {
		return models.ErrDatasetNotFound
	}
	d.Status = models.StatusReady
	d.RowCount = &rowCount
	m.datasets[datasetID] = d
	return nil
}

func (m *memStore) MarkDatasetError(ctx context.Context, tenantID, datasetID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.datasets[datasetID]
	if !ok || d.TenantID != tenantID {
		return models.ErrDatasetNotFound
	}
	d.Status = models.StatusError
	m.datasets[datasetID] = d
	return nil
}

func (m *memStore) dataset(id string) models.Dataset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.datasets[id]
}

func (m *memStore) jobRecords() []models.JobRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.JobRecord(nil), m.records...)
}

type recordingBus struct {
	mu   sync.Mutex
	sent []events.Event
	err  error
}

func (b *recordingBus) Publish(_ context.Context, ev events.Event) error {
	if b.err != nil {
		return b.err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, ev)
	return nil
}

func (b *recordingBus) events() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.Event(nil), b.sent...)
}
