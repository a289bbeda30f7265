// pkg/feed/csv.go

// Package feed fetches upstream open-data sources and normalizes them
// into flat records for aggregation and synchronization. Unlike the sync
// engine, this layer is deliberately lenient: a single unparseable value
// is logged and nulled while the rest of the record is still emitted.
package feed

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/health-gis/covid-sync/pkg/dates"
	"github.com/health-gis/covid-sync/pkg/record"
	"github.com/health-gis/covid-sync/pkg/store"
)

// Column maps one CSV header to a typed record field.
type Column struct {
	Field  string           // Record field name
	Header string           // CSV header name
	Type   record.FieldType // Parse target
	Layout string           // Date layout for FieldTypeDate columns
}

// CSVFeed fetches a CSV open-data extract over HTTP and maps its columns
// to records.
type CSVFeed struct {
	client  *resty.Client
	url     string
	columns []Column
	logger  *zap.Logger
}

// NewCSVFeed creates a feed for the extract at url.
func NewCSVFeed(url string, columns []Column, timeout time.Duration, logger *zap.Logger) *CSVFeed {
	return &CSVFeed{
		client:  resty.New().SetTimeout(timeout),
		url:     url,
		columns: columns,
		logger:  logger.Named("csv-feed").With(zap.String("url", url)),
	}
}

// Fetch downloads and parses the extract.
func (f *CSVFeed) Fetch(ctx context.Context) ([]record.Record, error) {
	resp, err := f.client.R().SetContext(ctx).Get(f.url)
	if err != nil {
		return nil, store.NewTransientError("csv fetch", err)
	}
	if resp.IsError() {
		return nil, store.NewTransientError("csv fetch", fmt.Errorf("status %s", resp.Status()))
	}

	records, err := f.Parse(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, err
	}

	f.logger.Info("Fetched CSV extract", zap.Int("records", len(records)))
	return records, nil
}

// Parse reads a CSV document and maps each row to a record. The first
// row must be the header.
func (f *CSVFeed) Parse(r io.Reader) ([]record.Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	for _, col := range f.columns {
		if _, ok := index[col.Header]; !ok {
			return nil, fmt.Errorf("CSV is missing expected column %q", col.Header)
		}
	}

	out := make([]record.Record, 0)
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row %d: %w", line, err)
		}
		line++

		rec := make(record.Record, len(f.columns))
		for _, col := range f.columns {
			idx := index[col.Header]
			if idx >= len(row) {
				rec[col.Field] = nil
				continue
			}
			rec[col.Field] = f.parseValue(col, strings.TrimSpace(row[idx]), line)
		}
		out = append(out, rec)
	}

	return out, nil
}

// parseValue converts one raw CSV cell. Failures null the field rather
// than dropping the record.
func (f *CSVFeed) parseValue(col Column, raw string, line int) interface{} {
	if raw == "" {
		return nil
	}

	switch col.Type {
	case record.FieldTypeInteger:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			f.warnParse(col, raw, line, err)
			return nil
		}
		return v
	case record.FieldTypeFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			f.warnParse(col, raw, line, err)
			return nil
		}
		return v
	case record.FieldTypeDate:
		layout := col.Layout
		if layout == "" {
			layout = dates.DayLayout
		}
		v, err := dates.ToDate(raw, layout)
		if err != nil {
			f.warnParse(col, raw, line, err)
			return nil
		}
		return v
	default:
		return raw
	}
}

func (f *CSVFeed) warnParse(col Column, raw string, line int, err error) {
	f.logger.Warn("Failed to parse CSV value",
		zap.String("field", col.Field),
		zap.String("value", raw),
		zap.Int("line", line),
		zap.Error(err))
}
