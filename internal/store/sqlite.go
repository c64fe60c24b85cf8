package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lox/citypulse/internal/models"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

// Store is a SQLite snapshot of both source tables. The engine reads it like
// any other source; imports replace the previous snapshot wholesale.
type Store struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

func New(db *sqlx.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Open opens (or creates) a snapshot database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")
	return New(db, logger), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ImportMetricTable replaces the stored metric snapshot with t.
func (s *Store) ImportMetricTable(ctx context.Context, t *models.MetricTable) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{"DELETE FROM metric_values", "DELETE FROM cities", "DELETE FROM metric_columns"} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("clear snapshot: %w", err)
		}
	}

	metrics := t.Metrics()
	for i, m := range metrics {
		if _, err := tx.ExecContext(ctx, `INSERT INTO metric_columns (name, position) VALUES (?, ?)`, m, i); err != nil {
			return fmt.Errorf("insert metric column %q: %w", m, err)
		}
	}
	for i, r := range t.Rows() {
		gini := sql.NullFloat64{Float64: r.Gini, Valid: r.HasGini}
		if _, err := tx.ExecContext(ctx, `INSERT INTO cities (city, position, gini) VALUES (?, ?, ?)`, r.City, i, gini); err != nil {
			return fmt.Errorf("insert city %q: %w", r.City, err)
		}
		for j, v := range r.Values {
			if _, err := tx.ExecContext(ctx, `INSERT INTO metric_values (city, metric, value) VALUES (?, ?, ?)`, r.City, metrics[j], v); err != nil {
				return fmt.Errorf("insert %s/%s: %w", r.City, metrics[j], err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	s.logger.Info().Int("cities", t.Len()).Int("metrics", len(metrics)).Msg("metric snapshot imported")
	return nil
}

// ImportTimeSeries replaces the stored time-series snapshot with t.
func (s *Store) ImportTimeSeries(ctx context.Context, t *models.TimeSeriesTable) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{"DELETE FROM series_values", "DELETE FROM series_columns"} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("clear snapshot: %w", err)
		}
	}
	for i, m := range t.Metrics {
		if _, err := tx.ExecContext(ctx, `INSERT INTO series_columns (name, position) VALUES (?, ?)`, m, i); err != nil {
			return fmt.Errorf("insert series column %q: %w", m, err)
		}
	}
	for _, o := range t.Observations {
		for m, v := range o.Values {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO series_values (city, year, metric, value) VALUES (?, ?, ?, ?)
				ON CONFLICT(city, year, metric) DO UPDATE SET value = excluded.value
			`, o.City, o.Year, m, v); err != nil {
				return fmt.Errorf("insert %s/%d/%s: %w", o.City, o.Year, m, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	s.logger.Info().Int("observations", len(t.Observations)).Msg("time series snapshot imported")
	return nil
}

type cityRow struct {
	City string          `db:"city"`
	Gini sql.NullFloat64 `db:"gini"`
}

type valueRow struct {
	City   string  `db:"city"`
	Metric string  `db:"metric"`
	Value  float64 `db:"value"`
}

type seriesRow struct {
	City   string  `db:"city"`
	Year   int     `db:"year"`
	Metric string  `db:"metric"`
	Value  float64 `db:"value"`
}

// LoadMetricTable reads the metric snapshot back in its original row and
// column order.
func (s *Store) LoadMetricTable(ctx context.Context) (*models.MetricTable, error) {
	var metrics []string
	if err := s.db.SelectContext(ctx, &metrics, `SELECT name FROM metric_columns ORDER BY position`); err != nil {
		return nil, fmt.Errorf("select metric columns: %w", err)
	}
	var cities []cityRow
	if err := s.db.SelectContext(ctx, &cities, `SELECT city, gini FROM cities ORDER BY position`); err != nil {
		return nil, fmt.Errorf("select cities: %w", err)
	}
	var values []valueRow
	if err := s.db.SelectContext(ctx, &values, `SELECT city, metric, value FROM metric_values`); err != nil {
		return nil, fmt.Errorf("select metric values: %w", err)
	}

	col := make(map[string]int, len(metrics))
	for i, m := range metrics {
		col[m] = i
	}
	byCity := make(map[string][]float64, len(cities))
	filled := make(map[string]int, len(cities))
	for _, c := range cities {
		byCity[c.City] = make([]float64, len(metrics))
	}
	for _, v := range values {
		vals, ok := byCity[v.City]
		j, known := col[v.Metric]
		if !ok || !known {
			continue
		}
		vals[j] = v.Value
		filled[v.City]++
	}

	rows := make([]models.MetricRow, 0, len(cities))
	var incomplete []string
	for _, c := range cities {
		if filled[c.City] != len(metrics) {
			incomplete = append(incomplete, c.City)
			continue
		}
		rows = append(rows, models.MetricRow{
			City:    c.City,
			Values:  byCity[c.City],
			Gini:    c.Gini.Float64,
			HasGini: c.Gini.Valid,
		})
	}
	if len(incomplete) > 0 {
		return nil, fmt.Errorf("snapshot has incomplete cities: %s", strings.Join(incomplete, ", "))
	}
	return models.NewMetricTable(metrics, rows)
}

// LoadTimeSeries reads the full time-series snapshot.
func (s *Store) LoadTimeSeries(ctx context.Context) (*models.TimeSeriesTable, error) {
	t := &models.TimeSeriesTable{}
	if err := s.db.SelectContext(ctx, &t.Metrics, `SELECT name FROM series_columns ORDER BY position`); err != nil {
		return nil, fmt.Errorf("select series columns: %w", err)
	}
	var rows []seriesRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT city, year, metric, value FROM series_values ORDER BY city, year`); err != nil {
		return nil, fmt.Errorf("select series values: %w", err)
	}

	idx := make(map[string]int)
	for _, r := range rows {
		key := fmt.Sprintf("%s\x00%d", r.City, r.Year)
		i, ok := idx[key]
		if !ok {
			i = len(t.Observations)
			idx[key] = i
			t.Observations = append(t.Observations, models.Observation{City: r.City, Year: r.Year, Values: make(map[string]float64)})
		}
		t.Observations[i].Values[r.Metric] = r.Value
	}
	return t, nil
}

// TimeSeriesSource adapts the store to the forecaster. Each Load queries the
// database again.
type TimeSeriesSource struct {
	Store *Store
}

func (s TimeSeriesSource) Load(ctx context.Context) (*models.TimeSeriesTable, error) {
	return s.Store.LoadTimeSeries(ctx)
}
