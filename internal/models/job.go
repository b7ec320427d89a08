package models

import (
	"time"
)

// JobIngest is the queue name and job name of the dataset ingestion job.
const JobIngest = "dataset.ingest"

// JobRecord status values.
const (
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// IngestJob is the immutable queue payload produced once per dataset.
type IngestJob struct {
	TenantID  string   `json:"tenantId"`
	DatasetID string   `json:"datasetId"`
	S3Key     string   `json:"s3Key"`
	FileType  FileType `json:"fileType"`
}

// JobRecord is the audit row written for every worker attempt.
// JobID links every attempt of one logical ingest request.
type JobRecord struct {
	ID         string     `json:"id"`
	JobID      string     `json:"jobId"`
	Attempt    int        `json:"attempt"`
	TenantID   string     `json:"tenantId"`
	DatasetID  string     `json:"datasetId"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// EventRow is one normalized analytics fact parsed from an upload.
type EventRow struct {
	TenantID   string         `json:"tenantId"`
	DatasetID  string         `json:"datasetId"`
	Metric     string         `json:"metric"`
	Value      float64        `json:"value"`
	Timestamp  time.Time      `json:"timestamp"`
	Properties map[string]any `json:"properties"`
}
