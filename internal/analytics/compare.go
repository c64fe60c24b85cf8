package analytics

import (
	"fmt"
	"math"

	"github.com/lox/citypulse/internal/models"
	"gonum.org/v1/gonum/stat"
)

type CityValue struct {
	City  string  `json:"city"`
	Value float64 `json:"value"`
}

// Compare returns one metric's raw value for each city, in the order given.
func Compare(t *models.MetricTable, metric string, cities []string) ([]CityValue, error) {
	j, ok := t.MetricIndex(metric)
	if !ok {
		return nil, fmt.Errorf("compare metric %q: %w", metric, ErrNotFound)
	}
	out := make([]CityValue, 0, len(cities))
	for _, c := range cities {
		row, ok := t.Row(c)
		if !ok {
			return nil, fmt.Errorf("compare city %q: %w", c, ErrNotFound)
		}
		out = append(out, CityValue{City: c, Value: row.Values[j]})
	}
	return out, nil
}

// Profile returns a city's raw metric vector keyed by metric, in canonical order.
func Profile(t *models.MetricTable, city string) ([]MetricValue, error) {
	row, ok := t.Row(city)
	if !ok {
		return nil, fmt.Errorf("profile for %q: %w", city, ErrNotFound)
	}
	metrics := t.Metrics()
	out := make([]MetricValue, len(metrics))
	for i, m := range metrics {
		out[i] = MetricValue{Metric: m, Value: row.Values[i]}
	}
	return out, nil
}

type MetricValue struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
}

// Correlation is a Pearson matrix over the metric columns. Entries are NaN
// where a column has no spread within the selection.
type Correlation struct {
	Metrics []string    `json:"metrics"`
	Cities  []string    `json:"cities"`
	Matrix  [][]float64 `json:"-"`
}

// Correlate computes pairwise Pearson correlation between metrics over the
// selected cities. Duplicate selections are counted once.
func Correlate(t *models.MetricTable, cities []string) (*Correlation, error) {
	metrics := t.Metrics()
	cols := make([][]float64, len(metrics))
	seen := make(map[string]bool)
	var selected []string
	for _, c := range cities {
		if seen[c] {
			continue
		}
		row, ok := t.Row(c)
		if !ok {
			return nil, fmt.Errorf("correlate city %q: %w", c, ErrNotFound)
		}
		seen[c] = true
		selected = append(selected, c)
		for j, v := range row.Values {
			cols[j] = append(cols[j], v)
		}
	}
	if len(selected) < 2 {
		return nil, fmt.Errorf("correlate %d cities: %w", len(selected), ErrUnavailable)
	}

	m := make([][]float64, len(metrics))
	for i := range m {
		m[i] = make([]float64, len(metrics))
		for j := range m[i] {
			m[i][j] = pearson(cols[i], cols[j])
		}
	}
	return &Correlation{Metrics: metrics, Cities: selected, Matrix: m}, nil
}

func pearson(x, y []float64) float64 {
	if constant(x) || constant(y) {
		return math.NaN()
	}
	return stat.Correlation(x, y, nil)
}

func constant(x []float64) bool {
	for _, v := range x[1:] {
		if v != x[0] {
			return false
		}
	}
	return true
}
