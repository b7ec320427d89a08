package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyWireFormat(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := json.Marshal(Ready("t1", "d1", 2, at))
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "dataset.ready", flat["event"])
	assert.Equal(t, "t1", flat["tenantId"])
	assert.Equal(t, "d1", flat["datasetId"])
	assert.EqualValues(t, 2, flat["rowCount"])
	assert.Equal(t, "2026-03-01T12:00:00Z", flat["processedAt"])
	assert.NotContains(t, flat, "reason")
}

func TestDecodeDispatchesOnDiscriminant(t *testing.T) {
	e, err := Decode([]byte(`{"event":"dataset.error","tenantId":"t1","datasetId":"d9","reason":"object not found","failedAt":"2026-03-01T12:00:00Z"}`))
	require.NoError(t, err)
	require.Equal(t, KindDatasetError, e.Kind)
	require.NotNil(t, e.Error)
	assert.Nil(t, e.Ready)
	assert.Equal(t, "object not found", e.Error.Reason)
	assert.Equal(t, "t1", e.TenantID())
	assert.Equal(t, "d9", e.DatasetID())
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"event":"dataset.deleted","tenantId":"t1"}`))
	assert.True(t, errors.Is(err, ErrUnknownKind))

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"event":"dataset.ready","datasetId":"d1"}`))
	assert.Error(t, err, "tenantId is required for fan-out")
}

func TestMarshalRequiresVariant(t *testing.T) {
	_, err := json.Marshal(Event{Kind: KindDatasetReady})
	assert.Error(t, err)
}
