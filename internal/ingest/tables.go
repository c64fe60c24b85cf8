package ingest

import (
	"fmt"
	"strings"

	"github.com/lox/citypulse/internal/metrics"
	"github.com/lox/citypulse/internal/models"
)

// Schema names the fixed columns of both sources. Every other column of the
// metric source is a metric; every other column of the time-series source is
// a tracked metric.
type Schema struct {
	City string
	Year string
	Gini string
}

func DefaultSchema() Schema {
	return Schema{City: "City", Year: "Year", Gini: "Gini Coefficient"}
}

// ParseMetricTable builds a metric table from decoded records. Rows with a
// missing or non-numeric metric are rejected rather than imputed; a missing
// gini leaves HasGini false.
func ParseMetricTable(records [][]string, s Schema) (*models.MetricTable, []Rejection, error) {
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("metric table: no header: %w", ErrSchema)
	}
	header := records[0]
	cityCol, giniCol := -1, -1
	var metricCols []int
	var metricNames []string
	for i, h := range header {
		switch {
		case h == s.City:
			cityCol = i
		case h == s.Gini:
			giniCol = i
		case h == "":
		default:
			metricCols = append(metricCols, i)
			metricNames = append(metricNames, h)
		}
	}
	if cityCol < 0 {
		return nil, nil, fmt.Errorf("metric table: missing %q column: %w", s.City, ErrSchema)
	}
	if len(metricCols) == 0 {
		return nil, nil, fmt.Errorf("metric table: no metric columns: %w", ErrSchema)
	}

	var rows []models.MetricRow
	var rejected []Rejection
	seen := make(map[string]bool)
	for n, rec := range records[1:] {
		if blank(rec) {
			continue
		}
		city := strings.TrimSpace(cell(rec, cityCol))
		var flags []string
		if city == "" {
			flags = addFlag(flags, FlagEmptyCity)
		} else if seen[city] {
			flags = addFlag(flags, FlagDuplicateCity)
		}

		row := models.MetricRow{City: city, Values: make([]float64, len(metricCols))}
		for j, col := range metricCols {
			v, flag := ParseValue(cell(rec, col))
			if flag != "" {
				flags = addFlag(flags, flag)
				continue
			}
			row.Values[j] = v
		}
		if giniCol >= 0 {
			if g, flag := ParseValue(cell(rec, giniCol)); flag == "" {
				row.Gini, row.HasGini = g, true
			}
		}

		if len(flags) > 0 {
			rejected = append(rejected, reject("metrics", n+2, city, flags))
			continue
		}
		seen[city] = true
		rows = append(rows, row)
	}

	t, err := models.NewMetricTable(metricNames, rows)
	if err != nil {
		return nil, rejected, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return t, rejected, nil
}

// ParseTimeSeries builds the time-series table. Empty metric cells are
// treated as not observed for that year; rows without a city or a readable
// year are rejected.
func ParseTimeSeries(records [][]string, s Schema) (*models.TimeSeriesTable, []Rejection, error) {
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("time series: no header: %w", ErrSchema)
	}
	header := records[0]
	cityCol, yearCol := -1, -1
	var metricCols []int
	t := &models.TimeSeriesTable{}
	for i, h := range header {
		switch {
		case h == s.City:
			cityCol = i
		case h == s.Year:
			yearCol = i
		case h == "":
		default:
			metricCols = append(metricCols, i)
			t.Metrics = append(t.Metrics, h)
		}
	}
	if cityCol < 0 || yearCol < 0 {
		return nil, nil, fmt.Errorf("time series: need %q and %q columns: %w", s.City, s.Year, ErrSchema)
	}

	var rejected []Rejection
	for n, rec := range records[1:] {
		if blank(rec) {
			continue
		}
		city := strings.TrimSpace(cell(rec, cityCol))
		var flags []string
		if city == "" {
			flags = addFlag(flags, FlagEmptyCity)
		}
		year, ok := ParseYear(cell(rec, yearCol))
		if !ok {
			flags = addFlag(flags, FlagBadYear)
		}

		obs := models.Observation{City: city, Year: year, Values: make(map[string]float64)}
		for j, col := range metricCols {
			v, flag := ParseValue(cell(rec, col))
			switch flag {
			case "":
				obs.Values[t.Metrics[j]] = v
			case FlagMissingValue:
			default:
				flags = addFlag(flags, flag)
			}
		}

		if len(flags) > 0 {
			rejected = append(rejected, reject("timeseries", n+2, city, flags))
			continue
		}
		t.Observations = append(t.Observations, obs)
	}
	return t, rejected, nil
}

func reject(table string, line int, city string, flags []string) Rejection {
	for _, f := range flags {
		metrics.RowsRejected.WithLabelValues(table, f).Inc()
	}
	return Rejection{Line: line, City: city, Flags: flags}
}

func cell(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
