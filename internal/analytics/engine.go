package analytics

import (
	"errors"
	"fmt"
	"time"

	"github.com/lox/citypulse/internal/metrics"
	"github.com/lox/citypulse/internal/models"
	"github.com/rs/zerolog"
)

// Engine owns the clustered metric table. Clustering runs once in NewEngine;
// afterwards the engine is read-only and safe for concurrent queries.
type Engine struct {
	table      *models.MetricTable
	scaler     *Scaler
	clustering *Clustering
	opts       ClusterOptions
	logger     zerolog.Logger
}

type Option func(*Engine)

func WithClusterOptions(o ClusterOptions) Option {
	return func(e *Engine) { e.opts = o }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine standardizes the table's metrics, clusters the z-scores and keeps
// a labelled copy of the table. The auxiliary gini column is not a clustering input.
func NewEngine(t *models.MetricTable, opts ...Option) (*Engine, error) {
	e := &Engine{opts: DefaultClusterOptions(), logger: zerolog.Nop()}
	for _, o := range opts {
		o(e)
	}

	start := time.Now()
	z, scaler, err := Standardize(t.Metrics(), t.Matrix())
	if err != nil {
		return nil, fmt.Errorf("standardize: %w", err)
	}
	for _, m := range scaler.ZeroVariance() {
		e.logger.Warn().Str("metric", m).Msg("metric has zero variance, z-scores set to 0")
	}

	c, err := KMeans(z, e.opts)
	if err != nil {
		return nil, fmt.Errorf("cluster: %w", err)
	}
	if c.K < e.opts.K {
		e.logger.Warn().Int("requested", e.opts.K).Int("effective", c.K).Msg("fewer distinct cities than clusters")
	}

	labelled, err := t.WithClusters(c.Labels)
	if err != nil {
		return nil, err
	}
	e.table = labelled
	e.scaler = scaler
	e.clustering = c

	metrics.ClusteringDuration.Observe(time.Since(start).Seconds())
	e.logger.Info().
		Int("cities", t.Len()).
		Int("clusters", c.K).
		Int("iterations", c.Iterations).
		Float64("inertia", c.Inertia).
		Msg("clustering complete")
	return e, nil
}

// Table returns the clustered table. It is immutable; callers may share it.
func (e *Engine) Table() *models.MetricTable { return e.table }

func (e *Engine) Scaler() *Scaler { return e.scaler }

func (e *Engine) ClusterCount() int { return e.clustering.K }

type ClusterAssignment struct {
	City    string `json:"city"`
	Cluster int    `json:"cluster"`
}

// Clusters lists every city's cluster id in table order.
func (e *Engine) Clusters() []ClusterAssignment {
	rows := e.table.Rows()
	out := make([]ClusterAssignment, len(rows))
	for i, r := range rows {
		out[i] = ClusterAssignment{City: r.City, Cluster: r.Cluster}
	}
	return out
}

// ClusterPoint places a city on the cluster view: a chosen metric against gini.
type ClusterPoint struct {
	City    string   `json:"city"`
	X       float64  `json:"x"`
	Gini    *float64 `json:"gini"`
	Cluster int      `json:"cluster"`
}

func (e *Engine) ClusterPoints(metric string) ([]ClusterPoint, error) {
	j, ok := e.table.MetricIndex(metric)
	if !ok {
		return nil, e.observe("cluster_points", fmt.Errorf("cluster points for %q: %w", metric, ErrNotFound))
	}
	rows := e.table.Rows()
	out := make([]ClusterPoint, len(rows))
	for i, r := range rows {
		p := ClusterPoint{City: r.City, X: r.Values[j], Cluster: r.Cluster}
		if r.HasGini {
			g := r.Gini
			p.Gini = &g
		}
		out[i] = p
	}
	return out, e.observe("cluster_points", nil)
}

func (e *Engine) Twin(city string) (Twin, error) {
	t, err := FindTwin(e.table, city)
	return t, e.observe("twin", err)
}

func (e *Engine) Insight(city string) (Insight, error) {
	in, err := ExtractInsight(e.table, city)
	return in, e.observe("insight", err)
}

func (e *Engine) Compare(metric string, cities []string) ([]CityValue, error) {
	v, err := Compare(e.table, metric, cities)
	return v, e.observe("compare", err)
}

func (e *Engine) Profile(city string) ([]MetricValue, error) {
	p, err := Profile(e.table, city)
	return p, e.observe("profile", err)
}

func (e *Engine) Correlate(cities []string) (*Correlation, error) {
	c, err := Correlate(e.table, cities)
	return c, e.observe("correlate", err)
}

func (e *Engine) observe(op string, err error) error {
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case errors.Is(err, ErrUnavailable):
		status = "unavailable"
	default:
		status = "error"
	}
	metrics.QueriesTotal.WithLabelValues(op, status).Inc()
	return err
}
