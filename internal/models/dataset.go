package models

import (
	"strings"
	"time"
)

// Dataset status values persisted in Postgres.
// StatusProcessing is part of the stored enum but the worker moves uploaded datasets
// straight to ready or error.
const (
	StatusCreated    = "created"
	StatusUploaded   = "uploaded"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusError      = "error"
)

// FileType is the declared format of an uploaded dataset.
type FileType string

const (
	FileTypeCSV  FileType = "csv"
	FileTypeJSON FileType = "json"
)

// ParseFileType normalizes user input; empty input defaults to csv.
func ParseFileType(s string) (FileType, bool) {
	switch FileType(strings.ToLower(strings.TrimSpace(s))) {
	case "", FileTypeCSV:
		return FileTypeCSV, true
	case FileTypeJSON:
		return FileTypeJSON, true
	default:
		return "", false
	}
}

// Extension is the object key extension for the file type. Anything that is not csv is stored as json.
func (f FileType) Extension() string {
	if f == FileTypeCSV {
		return "csv"
	}
	return "json"
}

// ContentType is the MIME type clients must upload with.
func (f FileType) ContentType() string {
	if f == FileTypeCSV {
		return "text/csv"
	}
	return "application/json"
}

// Dataset is a tenant-owned upload tracked through the ingestion lifecycle.
type Dataset struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	FileType    FileType  `json:"fileType"`
	StorageKey  *string   `json:"s3Key,omitempty"`
	Status      string    `json:"status"`
	RowCount    *int      `json:"rowCount,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Page is one page of a tenant-scoped listing.
type Page[T any] struct {
	Items   []T  `json:"items"`
	Total   int  `json:"total"`
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"hasMore"`
}

// TimeseriesPoint is one bucket of the analytics aggregation.
type TimeseriesPoint struct {
	Bucket time.Time `json:"bucket"`
	Avg    float64   `json:"avg"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Count  int64     `json:"count"`
}
