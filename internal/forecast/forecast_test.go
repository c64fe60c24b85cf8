package forecast

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/lox/citypulse/internal/models"
	"github.com/rs/zerolog"
)

type staticSource struct {
	table *models.TimeSeriesTable
	err   error
	loads int
}

func (s *staticSource) Load(ctx context.Context) (*models.TimeSeriesTable, error) {
	s.loads++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.table, s.err
}

func series(city, metric string, startYear int, values ...float64) []models.Observation {
	obs := make([]models.Observation, len(values))
	for i, v := range values {
		obs[i] = models.Observation{City: city, Year: startYear + i, Values: map[string]float64{metric: v}}
	}
	return obs
}

func newTestForecaster(obs ...[]models.Observation) (*Forecaster, *staticSource) {
	tbl := &models.TimeSeriesTable{Metrics: []string{"GDP", "HDI"}}
	for _, o := range obs {
		tbl.Observations = append(tbl.Observations, o...)
	}
	src := &staticSource{table: tbl}
	return NewForecaster(src, zerolog.Nop()), src
}

func TestForecast_IncreasingTrendContinues(t *testing.T) {
	f, _ := newTestForecaster(series("Delhi", "GDP", 2017, 1, 2, 3, 4, 5, 6))

	res, err := f.Forecast(context.Background(), "Delhi", "GDP")
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if res.Degraded() {
		t.Fatalf("Outcome = %s (%s), want success", res.Outcome, res.Reason)
	}
	if len(res.Forecast) != Horizon {
		t.Fatalf("len(Forecast) = %d, want %d", len(res.Forecast), Horizon)
	}

	prev := 6.0
	for i, p := range res.Forecast {
		if p.Value <= prev {
			t.Errorf("forecast[%d] = %v, want > %v", i, p.Value, prev)
		}
		if p.Value > 6+float64(i+1)+0.5 {
			t.Errorf("forecast[%d] = %v, implausibly far above trend", i, p.Value)
		}
		if !(p.Lower <= p.Value && p.Value <= p.Upper) {
			t.Errorf("forecast[%d] interval [%v, %v] does not contain %v", i, p.Lower, p.Upper, p.Value)
		}
		prev = p.Value
	}
}

func TestForecast_YearsFollowLastObservation(t *testing.T) {
	obs := []models.Observation{
		{City: "Pune", Year: 2020, Values: map[string]float64{"HDI": 0.70}},
		{City: "Pune", Year: 2012, Values: map[string]float64{"HDI": 0.61}},
		{City: "Pune", Year: 2015, Values: map[string]float64{"HDI": 0.66}},
		{City: "Pune", Year: 2019, Values: map[string]float64{"HDI": 0.69}},
		{City: "Pune", Year: 2013, Values: map[string]float64{"HDI": 0.64}},
	}
	f, _ := newTestForecaster(obs)

	res, err := f.Forecast(context.Background(), "Pune", "HDI")
	if err != nil {
		t.Fatal(err)
	}
	if res.Degraded() {
		t.Fatalf("Outcome = %s (%s), want success", res.Outcome, res.Reason)
	}
	for i := 1; i < len(res.History); i++ {
		if res.History[i].Year <= res.History[i-1].Year {
			t.Errorf("history not in year order: %v", res.History)
		}
	}
	for i, p := range res.Forecast {
		if want := 2020 + i + 1; p.Year != want {
			t.Errorf("forecast[%d].Year = %d, want %d", i, p.Year, want)
		}
	}
}

func TestForecast_Degraded(t *testing.T) {
	tests := []struct {
		name        string
		obs         []models.Observation
		city        string
		metric      string
		wantReason  Reason
		wantHistory int
	}{
		{
			name:        "too short",
			obs:         series("Agra", "GDP", 2020, 1, 2, 3),
			city:        "Agra",
			metric:      "GDP",
			wantReason:  ReasonTooShort,
			wantHistory: 3,
		},
		{
			name:        "metric not tracked",
			obs:         series("Agra", "GDP", 2015, 1, 2, 3, 4, 5),
			city:        "Agra",
			metric:      "Literacy",
			wantReason:  ReasonMetricMissing,
			wantHistory: 0,
		},
		{
			name:        "metric tracked but empty for city",
			obs:         series("Agra", "GDP", 2015, 1, 2, 3, 4, 5),
			city:        "Agra",
			metric:      "HDI",
			wantReason:  ReasonMetricMissing,
			wantHistory: 0,
		},
		{
			name:        "unknown city",
			obs:         series("Agra", "GDP", 2015, 1, 2, 3, 4, 5),
			city:        "Surat",
			metric:      "GDP",
			wantReason:  ReasonNoHistory,
			wantHistory: 0,
		},
		{
			name:        "flat series",
			obs:         series("Agra", "GDP", 2015, 4, 4, 4, 4, 4),
			city:        "Agra",
			metric:      "GDP",
			wantReason:  ReasonNoVariation,
			wantHistory: 5,
		},
		{
			name: "duplicate years collapse below minimum",
			obs: append(series("Agra", "GDP", 2015, 1, 2, 3),
				models.Observation{City: "Agra", Year: 2017, Values: map[string]float64{"GDP": 9}}),
			city:        "Agra",
			metric:      "GDP",
			wantReason:  ReasonTooShort,
			wantHistory: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := newTestForecaster(tt.obs)
			res, err := f.Forecast(context.Background(), tt.city, tt.metric)
			if err != nil {
				t.Fatalf("Forecast returned error %v, want degraded result", err)
			}
			if !res.Degraded() {
				t.Fatalf("Outcome = %s, want degraded", res.Outcome)
			}
			if res.Reason != tt.wantReason {
				t.Errorf("Reason = %s, want %s", res.Reason, tt.wantReason)
			}
			if len(res.Forecast) != 0 {
				t.Errorf("len(Forecast) = %d, want 0", len(res.Forecast))
			}
			if len(res.History) != tt.wantHistory {
				t.Errorf("len(History) = %d, want %d", len(res.History), tt.wantHistory)
			}
		})
	}
}

func TestForecast_ShortHistoryUnchanged(t *testing.T) {
	f, _ := newTestForecaster(series("Agra", "GDP", 2020, 5, 7, 6))
	res, err := f.Forecast(context.Background(), "Agra", "GDP")
	if err != nil {
		t.Fatal(err)
	}
	want := []models.Point{{Year: 2020, Value: 5}, {Year: 2021, Value: 7}, {Year: 2022, Value: 6}}
	for i, p := range want {
		if res.History[i] != p {
			t.Errorf("History[%d] = %+v, want %+v", i, res.History[i], p)
		}
	}
}

func TestForecast_DuplicateYearLastRowWins(t *testing.T) {
	obs := append(series("Agra", "GDP", 2015, 1, 2, 3, 4, 5),
		models.Observation{City: "Agra", Year: 2019, Values: map[string]float64{"GDP": 8}})
	f, _ := newTestForecaster(obs)
	res, err := f.Forecast(context.Background(), "Agra", "GDP")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.History) != 5 {
		t.Fatalf("len(History) = %d, want 5", len(res.History))
	}
	if last := res.History[4]; last.Year != 2019 || last.Value != 8 {
		t.Errorf("last history point = %+v, want {2019 8}", last)
	}
}

func TestForecast_SourceFailureDegrades(t *testing.T) {
	src := &staticSource{err: errors.New("disk on fire")}
	f := NewForecaster(src, zerolog.Nop())
	res, err := f.Forecast(context.Background(), "Agra", "GDP")
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if res.Reason != ReasonSourceUnavailable {
		t.Errorf("Reason = %s, want %s", res.Reason, ReasonSourceUnavailable)
	}
}

func TestForecast_Cancelled(t *testing.T) {
	f, _ := newTestForecaster(series("Agra", "GDP", 2015, 1, 2, 3, 4, 5))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Forecast(ctx, "Agra", "GDP"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestForecast_ReloadsSourceEachCall(t *testing.T) {
	f, src := newTestForecaster(series("Agra", "GDP", 2015, 1, 2, 3, 4, 5))
	for i := 0; i < 3; i++ {
		if _, err := f.Forecast(context.Background(), "Agra", "GDP"); err != nil {
			t.Fatal(err)
		}
	}
	if src.loads != 3 {
		t.Errorf("loads = %d, want 3", src.loads)
	}
}

func TestFitARIMA110_MatchesLikelihoodGrid(t *testing.T) {
	noise := []float64{1, -0.5, 0.8, -1.2, 0.3, 0.9, -0.7, 0.4, -0.2, 1.1, -0.9, 0.5, 0.2, -0.6, 0.7, -0.3, 0.6, -1, 0.1, 0.8}
	level, diff := 10.0, 0.0
	values := []float64{level}
	diffs := []float64{}
	for _, e := range noise {
		diff = 0.6*diff + e
		level += diff
		values = append(values, level)
		diffs = append(diffs, diff)
	}

	m, err := FitARIMA110(values)
	if err != nil {
		t.Fatalf("FitARIMA110: %v", err)
	}

	gridPhi, gridNLL := 0.0, math.Inf(1)
	for i := -998; i <= 998; i++ {
		phi := float64(i) / 1000
		if v := negLogLik(diffs, phi); v < gridNLL {
			gridPhi, gridNLL = phi, v
		}
	}
	if math.Abs(m.Phi-gridPhi) > 0.01 {
		t.Errorf("Phi = %v, want near grid optimum %v", m.Phi, gridPhi)
	}
	if m.Sigma2 <= 0 {
		t.Errorf("Sigma2 = %v, want positive", m.Sigma2)
	}
	if m.N != len(values) {
		t.Errorf("N = %d, want %d", m.N, len(values))
	}
}

func TestFitARIMA110_Errors(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   error
	}{
		{"too short", []float64{1, 2, 3}, ErrTooShort},
		{"constant", []float64{2, 2, 2, 2, 2}, ErrNoVariation},
		{"nan", []float64{1, 2, math.NaN(), 4}, ErrNonFinite},
		{"inf", []float64{1, 2, 3, math.Inf(1)}, ErrNonFinite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FitARIMA110(tt.values)
			if !errors.Is(err, tt.want) {
				t.Errorf("FitARIMA110(%v) err = %v, want %v", tt.values, err, tt.want)
			}
		})
	}
}

func TestARIMA110_ForecastIntervalsWiden(t *testing.T) {
	m := &ARIMA110{Phi: 0.5, Sigma2: 1, lastLevel: 10, lastDiff: 2}
	mean, se := m.Forecast(3)

	wantMean := []float64{11, 11.5, 11.75}
	for i := range wantMean {
		if math.Abs(mean[i]-wantMean[i]) > 1e-12 {
			t.Errorf("mean[%d] = %v, want %v", i, mean[i], wantMean[i])
		}
	}
	if se[0] != 1 {
		t.Errorf("se[0] = %v, want 1", se[0])
	}
	if math.Abs(se[1]-math.Sqrt(1+1.5*1.5)) > 1e-12 {
		t.Errorf("se[1] = %v, want %v", se[1], math.Sqrt(1+1.5*1.5))
	}
	for i := 1; i < len(se); i++ {
		if se[i] <= se[i-1] {
			t.Errorf("se[%d] = %v not wider than se[%d] = %v", i, se[i], i-1, se[i-1])
		}
	}
}
