package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"smartboard-ingest/internal/models"
)

// ErrParse marks an upload that cannot be parsed as a whole.
var ErrParse = errors.New("parse failed")

const defaultMetric = "value"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// timestampLayouts are tried in order for CSV cells and JSON strings.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Parse reads r according to fileType and returns the rows tagged with the job's tenant and dataset.
// Rows whose value is not a finite number are dropped. now is the default timestamp.
func Parse(r io.Reader, job models.IngestJob, now time.Time) ([]models.EventRow, error) {
	switch job.FileType {
	case models.FileTypeCSV:
		return ParseCSV(r, job.TenantID, job.DatasetID, now)
	case models.FileTypeJSON:
		return ParseJSON(r, job.TenantID, job.DatasetID, now)
	default:
		return nil, fmt.Errorf("%w: unsupported file type %q", ErrParse, job.FileType)
	}
}

// ParseCSV streams a CSV upload. The header row selects the metric, value and timestamp columns;
// any other column is kept in the row properties.
func ParseCSV(r io.Reader, tenantID, datasetID string, now time.Time) ([]models.EventRow, error) {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return []models.EventRow{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read csv header: %w", ErrParse, err)
	}

	metricCol, valueCol, tsCol := -1, -1, -1
	names := make([]string, len(header))
	for i, h := range header {
		name := strings.TrimSpace(h)
		names[i] = name
		switch strings.ToLower(name) {
		case "metric":
			metricCol = i
		case "value":
			valueCol = i
		case "timestamp":
			tsCol = i
		}
	}
	if metricCol < 0 && valueCol < 0 && tsCol < 0 {
		return nil, fmt.Errorf("%w: csv header has none of metric, value, timestamp", ErrParse)
	}

	rows := []models.EventRow{}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read csv: %w", ErrParse, err)
		}

		value, ok := parseValue(cell(rec, valueCol))
		if !ok {
			continue
		}
		metric := strings.TrimSpace(cell(rec, metricCol))
		if metric == "" {
			metric = defaultMetric
		}
		props := map[string]any{}
		for i, v := range rec {
			if i == metricCol || i == valueCol || i == tsCol || i >= len(names) || names[i] == "" {
				continue
			}
			props[names[i]] = v
		}
		rows = append(rows, models.EventRow{
			TenantID:   tenantID,
			DatasetID:  datasetID,
			Metric:     metric,
			Value:      value,
			Timestamp:  parseTimestamp(cell(rec, tsCol), now),
			Properties: props,
		})
	}
	return rows, nil
}

// ParseJSON streams a top-level JSON array of objects, decoding one element at a time.
func ParseJSON(r io.Reader, tenantID, datasetID string, now time.Time) ([]models.EventRow, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return []models.EventRow{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read json: %w", ErrParse, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, fmt.Errorf("%w: json upload must be a top-level array", ErrParse)
	}

	rows := []models.EventRow{}
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: read json element: %w", ErrParse, err)
		}
		obj, ok := decodeObject(raw)
		if !ok {
			continue
		}

		value, ok := jsonValue(obj["value"])
		if !ok {
			continue
		}
		metric := defaultMetric
		if s, ok := obj["metric"].(string); ok && strings.TrimSpace(s) != "" {
			metric = strings.TrimSpace(s)
		}
		ts := now
		if s, ok := obj["timestamp"].(string); ok {
			ts = parseTimestamp(s, now)
		}
		props := map[string]any{}
		for k, v := range obj {
			switch k {
			case "metric", "value", "timestamp":
				continue
			}
			props[k] = v
		}
		rows = append(rows, models.EventRow{
			TenantID:   tenantID,
			DatasetID:  datasetID,
			Metric:     metric,
			Value:      value,
			Timestamp:  ts,
			Properties: props,
		})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: unterminated json array: %w", ErrParse, err)
	}
	return rows, nil
}

func decodeObject(raw json.RawMessage) (map[string]any, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, false
	}
	return obj, true
}

// jsonValue accepts numbers and numeric strings.
func jsonValue(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		return parseValue(t.String())
	case string:
		return parseValue(t)
	default:
		return 0, false
	}
}

func cell(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}

func parseValue(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func parseTimestamp(s string, now time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return now
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return now
}
