// Package replay drives the temporally paced re-publication of historical
// records as bus events, governed by a VCR-style state machine.
package replay

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/quantfold/backcast/internal/schema"
)

// Provider supplies the historical record at a given index. Providers are
// pure lookups; the controller owns all pacing and ordering.
type Provider interface {
	Record(index int) (schema.Record, bool)
}

// TimeSorted is implemented by providers whose records are ordered by
// ascending timestamp, unlocking the binary-search seek fast path.
type TimeSorted interface {
	TimeSorted() bool
}

// ProviderFunc adapts a plain function to the Provider interface.
type ProviderFunc func(index int) (schema.Record, bool)

// Record implements Provider.
func (f ProviderFunc) Record(index int) (schema.Record, bool) {
	return f(index)
}

// SliceProvider serves records from an in-memory slice.
type SliceProvider struct {
	records []schema.Record
	sorted  bool
}

// NewSliceProvider wraps the given records. Set sorted when the records
// are ordered by ascending timestamp.
func NewSliceProvider(records []schema.Record, sorted bool) *SliceProvider {
	return &SliceProvider{records: records, sorted: sorted}
}

// Record implements Provider.
func (p *SliceProvider) Record(index int) (schema.Record, bool) {
	if index < 0 || index >= len(p.records) {
		return nil, false
	}
	return p.records[index], true
}

// Len reports the number of records available.
func (p *SliceProvider) Len() int { return len(p.records) }

// TimeSorted implements the seek fast-path marker.
func (p *SliceProvider) TimeSorted() bool { return p.sorted }

// CSVProvider serves index-addressable records parsed once from a CSV
// file. The expected columns are timestamp (epoch milliseconds or
// RFC3339), symbol, and any number of additional numeric columns named by
// the header.
type CSVProvider struct {
	records []schema.Record
	sorted  bool
}

// NewCSVProvider loads the file into memory and verifies time ordering.
func NewCSVProvider(filePath string) (*CSVProvider, error) {
	// #nosec G304 -- file path is operator provided via configuration.
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv records: %w", err)
	}

	records := make([]schema.Record, 0, len(rows))
	sorted := true
	var prev time.Time
	for i, row := range rows {
		rec, err := recordFromRow(header, row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		if ts, ok := rec.Timestamp(); ok {
			if !prev.IsZero() && ts.Before(prev) {
				sorted = false
			}
			prev = ts
		}
		records = append(records, rec)
	}

	return &CSVProvider{records: records, sorted: sorted}, nil
}

// Record implements Provider.
func (p *CSVProvider) Record(index int) (schema.Record, bool) {
	if index < 0 || index >= len(p.records) {
		return nil, false
	}
	return p.records[index], true
}

// Len reports the number of records available.
func (p *CSVProvider) Len() int { return len(p.records) }

// TimeSorted implements the seek fast-path marker.
func (p *CSVProvider) TimeSorted() bool { return p.sorted }

func recordFromRow(header, row []string) (schema.Record, error) {
	if len(row) != len(header) {
		return nil, fmt.Errorf("expected %d columns, got %d", len(header), len(row))
	}
	rec := make(schema.Record, len(header))
	for i, name := range header {
		value := row[i]
		if name == "timestamp" {
			ts, err := parseTimestamp(value)
			if err != nil {
				return nil, err
			}
			rec[name] = ts
			continue
		}
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			rec[name] = f
			continue
		}
		rec[name] = value
	}
	return rec, nil
}

func parseTimestamp(value string) (time.Time, error) {
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q", value)
}
