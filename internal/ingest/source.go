package ingest

import (
	"context"
	"fmt"

	"github.com/lox/citypulse/internal/models"
	"github.com/rs/zerolog"
)

// LoadMetricTable fetches, decodes and validates the metric source.
func LoadMetricTable(ctx context.Context, f *Fetcher, uri string, s Schema, logger zerolog.Logger) (*models.MetricTable, error) {
	data, err := f.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	records, err := ReadRecords(uri, data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", uri, err)
	}
	t, rejected, err := ParseMetricTable(records, s)
	logRejections(logger, uri, rejected)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", uri, err)
	}
	logger.Info().Str("uri", uri).Int("cities", t.Len()).Int("metrics", len(t.Metrics())).Msg("metric table loaded")
	return t, nil
}

// TimeSeriesFile is a time-series source read in full on every Load, so edits
// to the underlying file or URL show up on the next request.
type TimeSeriesFile struct {
	fetcher *Fetcher
	uri     string
	schema  Schema
	logger  zerolog.Logger
}

func NewTimeSeriesFile(f *Fetcher, uri string, s Schema, logger zerolog.Logger) *TimeSeriesFile {
	return &TimeSeriesFile{fetcher: f, uri: uri, schema: s, logger: logger}
}

func (t *TimeSeriesFile) Load(ctx context.Context) (*models.TimeSeriesTable, error) {
	data, err := t.fetcher.Fetch(ctx, t.uri)
	if err != nil {
		return nil, err
	}
	records, err := ReadRecords(t.uri, data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", t.uri, err)
	}
	table, rejected, err := ParseTimeSeries(records, t.schema)
	logRejections(t.logger, t.uri, rejected)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", t.uri, err)
	}
	return table, nil
}

func logRejections(logger zerolog.Logger, uri string, rejected []Rejection) {
	for _, r := range rejected {
		logger.Warn().
			Str("uri", uri).
			Int("line", r.Line).
			Str("city", r.City).
			Strs("flags", r.Flags).
			Msg("row rejected")
	}
}
