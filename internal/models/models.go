package models

import (
	"fmt"
	"math"
	"sort"
)

// NoCluster marks a row that has not been through clustering yet.
const NoCluster = -1

type MetricRow struct {
	City    string
	Values  []float64 // aligned with MetricTable.Metrics()
	Gini    float64
	HasGini bool
	Cluster int
}

// MetricTable is an ordered, read-only collection of city rows sharing one
// canonical metric list. Accessors hand out copies.
type MetricTable struct {
	metrics []string
	rows    []MetricRow
	index   map[string]int
}

// NewMetricTable validates rows against the metric list and builds the table.
// Rows must carry one finite value per metric and city names must be unique.
func NewMetricTable(metrics []string, rows []MetricRow) (*MetricTable, error) {
	if len(metrics) == 0 {
		return nil, fmt.Errorf("metric table: no metric columns")
	}
	seen := make(map[string]bool, len(metrics))
	for _, m := range metrics {
		if seen[m] {
			return nil, fmt.Errorf("metric table: duplicate metric %q", m)
		}
		seen[m] = true
	}

	t := &MetricTable{
		metrics: append([]string(nil), metrics...),
		rows:    make([]MetricRow, 0, len(rows)),
		index:   make(map[string]int, len(rows)),
	}
	for _, r := range rows {
		if r.City == "" {
			return nil, fmt.Errorf("metric table: empty city name")
		}
		if _, dup := t.index[r.City]; dup {
			return nil, fmt.Errorf("metric table: duplicate city %q", r.City)
		}
		if len(r.Values) != len(metrics) {
			return nil, fmt.Errorf("metric table: city %q has %d values, want %d", r.City, len(r.Values), len(metrics))
		}
		for i, v := range r.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("metric table: city %q metric %q is not finite", r.City, metrics[i])
			}
		}
		row := r
		row.Values = append([]float64(nil), r.Values...)
		row.Cluster = NoCluster
		t.index[row.City] = len(t.rows)
		t.rows = append(t.rows, row)
	}
	return t, nil
}

// Metrics returns the canonical metric names in column order.
func (t *MetricTable) Metrics() []string {
	return append([]string(nil), t.metrics...)
}

func (t *MetricTable) Len() int { return len(t.rows) }

// Cities returns city names in table order.
func (t *MetricTable) Cities() []string {
	out := make([]string, len(t.rows))
	for i, r := range t.rows {
		out[i] = r.City
	}
	return out
}

// Rows returns a deep copy of all rows in table order.
func (t *MetricTable) Rows() []MetricRow {
	out := make([]MetricRow, len(t.rows))
	for i := range t.rows {
		out[i] = t.row(i)
	}
	return out
}

// Row looks up a city. The returned row is a copy.
func (t *MetricTable) Row(city string) (MetricRow, bool) {
	i, ok := t.index[city]
	if !ok {
		return MetricRow{}, false
	}
	return t.row(i), true
}

func (t *MetricTable) row(i int) MetricRow {
	r := t.rows[i]
	r.Values = append([]float64(nil), r.Values...)
	return r
}

// MetricIndex returns the column position of a metric.
func (t *MetricTable) MetricIndex(metric string) (int, bool) {
	for i, m := range t.metrics {
		if m == metric {
			return i, true
		}
	}
	return 0, false
}

// Matrix returns the raw metric values, one row per city, as fresh slices.
func (t *MetricTable) Matrix() [][]float64 {
	out := make([][]float64, len(t.rows))
	for i, r := range t.rows {
		out[i] = append([]float64(nil), r.Values...)
	}
	return out
}

// Clustered reports whether cluster labels have been attached.
func (t *MetricTable) Clustered() bool {
	return len(t.rows) > 0 && t.rows[0].Cluster != NoCluster
}

// WithClusters returns a copy of the table with one label per row attached.
// Labels can only be attached once.
func (t *MetricTable) WithClusters(labels []int) (*MetricTable, error) {
	if t.Clustered() {
		return nil, fmt.Errorf("metric table: clusters already assigned")
	}
	if len(labels) != len(t.rows) {
		return nil, fmt.Errorf("metric table: %d labels for %d rows", len(labels), len(t.rows))
	}
	out := &MetricTable{
		metrics: t.metrics,
		rows:    t.Rows(),
		index:   t.index,
	}
	for i, l := range labels {
		if l < 0 {
			return nil, fmt.Errorf("metric table: negative cluster label %d for %q", l, out.rows[i].City)
		}
		out.rows[i].Cluster = l
	}
	return out, nil
}

// Observation is one (city, year) row of the time-series source. Metrics
// missing from the source row are absent from Values.
type Observation struct {
	City   string
	Year   int
	Values map[string]float64
}

// Point is one (year, value) sample of a series.
type Point struct {
	Year  int     `json:"year"`
	Value float64 `json:"value"`
}

type TimeSeriesTable struct {
	Metrics      []string
	Observations []Observation
}

// Series returns the city's observations of a metric sorted by year. The
// second result is false when no row for the city carries the metric.
func (t *TimeSeriesTable) Series(city, metric string) ([]Point, bool) {
	var pts []Point
	for _, o := range t.Observations {
		if o.City != city {
			continue
		}
		v, ok := o.Values[metric]
		if !ok {
			continue
		}
		pts = append(pts, Point{Year: o.Year, Value: v})
	}
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].Year < pts[j].Year })
	return pts, len(pts) > 0
}

// HasCity reports whether any observation belongs to the city.
func (t *TimeSeriesTable) HasCity(city string) bool {
	for _, o := range t.Observations {
		if o.City == city {
			return true
		}
	}
	return false
}

// HasMetric reports whether the metric is a column of the source.
func (t *TimeSeriesTable) HasMetric(metric string) bool {
	for _, m := range t.Metrics {
		if m == metric {
			return true
		}
	}
	return false
}
