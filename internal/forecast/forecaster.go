package forecast

import (
	"context"
	"errors"
	"time"

	"github.com/lox/citypulse/internal/metrics"
	"github.com/lox/citypulse/internal/models"
	"github.com/rs/zerolog"
)

const (
	// MinObservations is the shortest history a first-difference AR(1) is fitted to.
	MinObservations = 4
	// Horizon is the number of yearly periods projected past the last observation.
	Horizon = 3

	// z-score of a two-sided 95% normal interval
	intervalZ = 1.959963984540054
)

type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeDegraded Outcome = "degraded"
)

// Reason explains a degraded forecast.
type Reason string

const (
	ReasonSourceUnavailable Reason = "source_unavailable"
	ReasonNoHistory         Reason = "no_history"
	ReasonMetricMissing     Reason = "metric_missing"
	ReasonTooShort          Reason = "too_short"
	ReasonNoVariation       Reason = "no_variation"
	ReasonNonFinite         Reason = "non_finite"
	ReasonFitFailed         Reason = "fit_failed"
)

type ForecastPoint struct {
	Year  int     `json:"year"`
	Value float64 `json:"value"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Result carries the history and, on success, the projected years. A
// degraded result still carries whatever history was found.
type Result struct {
	City     string          `json:"city"`
	Metric   string          `json:"metric"`
	Outcome  Outcome         `json:"outcome"`
	Reason   Reason          `json:"reason,omitempty"`
	Detail   string          `json:"detail,omitempty"`
	History  []models.Point  `json:"history"`
	Forecast []ForecastPoint `json:"forecast"`
	Model    *ARIMA110       `json:"model,omitempty"`
}

func (r *Result) Degraded() bool { return r.Outcome == OutcomeDegraded }

// Source yields a fresh time-series table on every call.
type Source interface {
	Load(ctx context.Context) (*models.TimeSeriesTable, error)
}

type Forecaster struct {
	source Source
	logger zerolog.Logger
}

func NewForecaster(source Source, logger zerolog.Logger) *Forecaster {
	return &Forecaster{source: source, logger: logger}
}

// Forecast reloads the source, selects the city's series for metric and
// projects Horizon years ahead. Data and fitting problems produce a degraded
// result, never an error; the only error is cancellation of ctx.
func (f *Forecaster) Forecast(ctx context.Context, city, metric string) (*Result, error) {
	res := &Result{City: city, Metric: metric, History: []models.Point{}, Forecast: []ForecastPoint{}}

	table, err := f.source.Load(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		f.logger.Error().Err(err).Str("city", city).Str("metric", metric).Msg("load time series")
		return f.degrade(res, ReasonSourceUnavailable, err), nil
	}

	history, reason := selectSeries(table, city, metric)
	res.History = history
	if reason != "" {
		return f.degrade(res, reason, nil), nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	values := make([]float64, len(history))
	for i, p := range history {
		values[i] = p.Value
	}
	start := time.Now()
	model, err := FitARIMA110(values)
	metrics.ForecastFitLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return f.degrade(res, reasonFor(err), err), nil
	}

	mean, stderr := model.Forecast(Horizon)
	last := history[len(history)-1].Year
	out := make([]ForecastPoint, Horizon)
	for h := range out {
		out[h] = ForecastPoint{
			Year:  last + h + 1,
			Value: mean[h],
			Lower: mean[h] - intervalZ*stderr[h],
			Upper: mean[h] + intervalZ*stderr[h],
		}
	}
	for _, p := range out {
		if !finite(p.Value) || !finite(p.Lower) || !finite(p.Upper) {
			return f.degrade(res, ReasonNonFinite, nil), nil
		}
	}

	res.Outcome = OutcomeSuccess
	res.Forecast = out
	res.Model = model
	metrics.ForecastsTotal.WithLabelValues(string(OutcomeSuccess), "").Inc()
	return res, nil
}

// selectSeries returns the city's metric history in strictly increasing year
// order. When a year appears more than once the last source row wins.
func selectSeries(table *models.TimeSeriesTable, city, metric string) ([]models.Point, Reason) {
	if !table.HasCity(city) {
		return []models.Point{}, ReasonNoHistory
	}
	pts, ok := table.Series(city, metric)
	if !table.HasMetric(metric) || !ok {
		return []models.Point{}, ReasonMetricMissing
	}

	out := make([]models.Point, 0, len(pts))
	for _, p := range pts {
		if n := len(out); n > 0 && out[n-1].Year == p.Year {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	if len(out) < MinObservations {
		return out, ReasonTooShort
	}
	return out, ""
}

func reasonFor(err error) Reason {
	switch {
	case errors.Is(err, ErrTooShort):
		return ReasonTooShort
	case errors.Is(err, ErrNoVariation):
		return ReasonNoVariation
	case errors.Is(err, ErrNonFinite):
		return ReasonNonFinite
	default:
		return ReasonFitFailed
	}
}

func (f *Forecaster) degrade(res *Result, reason Reason, err error) *Result {
	res.Outcome = OutcomeDegraded
	res.Reason = reason
	res.Forecast = []ForecastPoint{}
	res.Model = nil
	if err != nil {
		res.Detail = err.Error()
	}
	metrics.ForecastsTotal.WithLabelValues(string(OutcomeDegraded), string(reason)).Inc()
	f.logger.Debug().
		Str("city", res.City).
		Str("metric", res.Metric).
		Str("reason", string(reason)).
		Int("observations", len(res.History)).
		Msg("forecast degraded")
	return res
}
