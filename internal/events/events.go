// Package events defines the messages carried on the smartboard event bus.
//
// Every message is one JSON object whose "event" field selects the variant.
// Consumers switch on Event.Kind and read the matching variant field.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind discriminates the event union.
type Kind string

const (
	KindDatasetReady Kind = "dataset.ready"
	KindDatasetError Kind = "dataset.error"
)

// DatasetReady is published when an ingest attempt completed.
type DatasetReady struct {
	TenantID    string    `json:"tenantId"`
	DatasetID   string    `json:"datasetId"`
	RowCount    int       `json:"rowCount"`
	ProcessedAt time.Time `json:"processedAt"`
}

// DatasetError is published when an ingest attempt failed.
type DatasetError struct {
	TenantID  string    `json:"tenantId"`
	DatasetID string    `json:"datasetId"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failedAt"`
}

// Event is the bus message. Exactly one variant field is set, the one named by Kind.
type Event struct {
	Kind  Kind
	Ready *DatasetReady
	Error *DatasetError
}

// ErrUnknownKind is returned when decoding a message with an unrecognized discriminant.
var ErrUnknownKind = errors.New("unknown event kind")

// Ready builds a dataset.ready event.
func Ready(tenantID, datasetID string, rowCount int, at time.Time) Event {
	return Event{Kind: KindDatasetReady, Ready: &DatasetReady{
		TenantID:    tenantID,
		DatasetID:   datasetID,
		RowCount:    rowCount,
		ProcessedAt: at.UTC(),
	}}
}

// Failed builds a dataset.error event.
func Failed(tenantID, datasetID, reason string, at time.Time) Event {
	return Event{Kind: KindDatasetError, Error: &DatasetError{
		TenantID:  tenantID,
		DatasetID: datasetID,
		Reason:    reason,
		FailedAt:  at.UTC(),
	}}
}

// TenantID returns the tenant of whichever variant is set.
func (e Event) TenantID() string {
	switch e.Kind {
	case KindDatasetReady:
		if e.Ready != nil {
			return e.Ready.TenantID
		}
	case KindDatasetError:
		if e.Error != nil {
			return e.Error.TenantID
		}
	}
	return ""
}

// DatasetID returns the dataset of whichever variant is set.
func (e Event) DatasetID() string {
	switch e.Kind {
	case KindDatasetReady:
		if e.Ready != nil {
			return e.Ready.DatasetID
		}
	case KindDatasetError:
		if e.Error != nil {
			return e.Error.DatasetID
		}
	}
	return ""
}

type readyWire struct {
	Event Kind `json:"event"`
	DatasetReady
}

type errorWire struct {
	Event Kind `json:"event"`
	DatasetError
}

// MarshalJSON flattens the variant next to the "event" discriminant.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindDatasetReady:
		if e.Ready == nil {
			return nil, fmt.Errorf("marshal %s: missing payload", e.Kind)
		}
		return json.Marshal(readyWire{Event: e.Kind, DatasetReady: *e.Ready})
	case KindDatasetError:
		if e.Error == nil {
			return nil, fmt.Errorf("marshal %s: missing payload", e.Kind)
		}
		return json.Marshal(errorWire{Event: e.Kind, DatasetError: *e.Error})
	default:
		return nil, fmt.Errorf("marshal event: %w: %q", ErrUnknownKind, e.Kind)
	}
}

// UnmarshalJSON reads the discriminant first and decodes only the matching variant.
func (e *Event) UnmarshalJSON(data []byte) error {
	var head struct {
		Event Kind `json:"event"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	switch head.Event {
	case KindDatasetReady:
		var w readyWire
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("decode %s: %w", head.Event, err)
		}
		*e = Event{Kind: head.Event, Ready: &w.DatasetReady}
	case KindDatasetError:
		var w errorWire
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("decode %s: %w", head.Event, err)
		}
		*e = Event{Kind: head.Event, Error: &w.DatasetError}
	default:
		return fmt.Errorf("decode event: %w: %q", ErrUnknownKind, head.Event)
	}
	if e.TenantID() == "" {
		return fmt.Errorf("decode %s: tenantId is required", head.Event)
	}
	return nil
}

// Decode parses one bus message.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}
