package ingest

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartboard-ingest/internal/models"
)

var parseNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func TestParseCSVDropsUnparsableValues(t *testing.T) {
	in := "metric,value,timestamp\ncpu,1.5,2026-01-01T00:00:00Z\ncpu,N/A,2026-01-01T00:01:00Z\nmem,42,2026-01-01T00:02:00Z\n"
	rows, err := ParseCSV(strings.NewReader(in), "t1", "d1", parseNow)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "cpu", rows[0].Metric)
	assert.Equal(t, 1.5, rows[0].Value)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), rows[0].Timestamp)
	assert.Equal(t, "mem", rows[1].Metric)
	assert.Equal(t, 42.0, rows[1].Value)
	for _, r := range rows {
		assert.Equal(t, "t1", r.TenantID)
		assert.Equal(t, "d1", r.DatasetID)
	}
}

func TestParseCSVDefaults(t *testing.T) {
	in := "\xEF\xBB\xBF Value , region\n3, eu\n4,us\n"
	rows, err := ParseCSV(strings.NewReader(in), "t1", "d1", parseNow)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "value", rows[0].Metric)
	assert.Equal(t, parseNow, rows[0].Timestamp)
	assert.Equal(t, map[string]any{"region": "eu"}, rows[0].Properties)
}

func TestParseCSVBadTimestampFallsBackToNow(t *testing.T) {
	in := "metric,value,timestamp\ncpu,1,yesterday\ncpu,2,2026-02-03\n"
	rows, err := ParseCSV(strings.NewReader(in), "t1", "d1", parseNow)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, parseNow, rows[0].Timestamp)
	assert.Equal(t, time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC), rows[1].Timestamp)
}

func TestParseCSVNonFiniteAndShortRows(t *testing.T) {
	in := "metric,value\ncpu,NaN\ncpu,+Inf\ncpu\ncpu,\ncpu,7\n"
	rows, err := ParseCSV(strings.NewReader(in), "t1", "d1", parseNow)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 7.0, rows[0].Value)
}

func TestParseCSVEmptyAndHeaderOnly(t *testing.T) {
	rows, err := ParseCSV(strings.NewReader(""), "t1", "d1", parseNow)
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = ParseCSV(strings.NewReader("metric,value,timestamp\n"), "t1", "d1", parseNow)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestParseCSVWithoutRecognizedColumns(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("a,b\n1,2\n"), "t1", "d1", parseNow)
	assert.True(t, errors.Is(err, ErrParse))
}

func TestParseCSVMalformedQuoting(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("metric,value\n\"cpu,1\n"), "t1", "d1", parseNow)
	assert.True(t, errors.Is(err, ErrParse))
}

func TestParseJSON(t *testing.T) {
	in := `[
		{"metric":"cpu","value":1.5,"timestamp":"2026-01-01T00:00:00Z","host":"a"},
		{"metric":"cpu","value":"2.5"},
		{"value":"N/A"},
		{"value":true},
		{"value":null},
		{"metric":"mem"},
		42,
		"text",
		{"metric":7,"value":3}
	]`
	rows, err := ParseJSON(strings.NewReader(in), "t1", "d1", parseNow)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "cpu", rows[0].Metric)
	assert.Equal(t, 1.5, rows[0].Value)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), rows[0].Timestamp)
	assert.Equal(t, map[string]any{"host": "a"}, rows[0].Properties)

	assert.Equal(t, 2.5, rows[1].Value)
	assert.Equal(t, parseNow, rows[1].Timestamp)

	assert.Equal(t, "value", rows[2].Metric, "non-string metric falls back to the default")
	assert.Equal(t, 3.0, rows[2].Value)
}

func TestParseJSONEmpty(t *testing.T) {
	rows, err := ParseJSON(strings.NewReader(`[]`), "t1", "d1", parseNow)
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)

	rows, err = ParseJSON(strings.NewReader("  \n"), "t1", "d1", parseNow)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestParseJSONRequiresArray(t *testing.T) {
	_, err := ParseJSON(strings.NewReader(`{"metric":"cpu","value":1}`), "t1", "d1", parseNow)
	assert.True(t, errors.Is(err, ErrParse))

	_, err = ParseJSON(strings.NewReader(`[{"value":1},`), "t1", "d1", parseNow)
	assert.True(t, errors.Is(err, ErrParse))
}

func TestParseDispatchesOnFileType(t *testing.T) {
	job := models.IngestJob{TenantID: "t1", DatasetID: "d1", FileType: models.FileTypeJSON}
	rows, err := Parse(strings.NewReader(`[{"value":1}]`), job, parseNow)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	job.FileType = "xml"
	_, err = Parse(strings.NewReader(""), job, parseNow)
	assert.True(t, errors.Is(err, ErrParse))
}
