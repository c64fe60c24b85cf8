package render

import (
	"bytes"
	"errors"
	"image/png"
	"os"
	"testing"
	"time"

	"github.com/lox/citypulse/internal/analytics"
	"github.com/lox/citypulse/internal/forecast"
	"github.com/lox/citypulse/internal/models"
)

func gini(v float64) *float64 { return &v }

func decodePNG(t *testing.T, buf *bytes.Buffer) {
	t.Helper()
	img, err := png.Decode(buf)
	if err != nil {
		t.Fatalf("output is not a png: %v", err)
	}
	if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
		t.Errorf("size = %dx%d, want %dx%d", b.Dx(), b.Dy(), width, height)
	}
}

func TestClusters(t *testing.T) {
	points := []analytics.ClusterPoint{
		{City: "A", X: 1, Gini: gini(0.30), Cluster: 0},
		{City: "B", X: 2, Gini: gini(0.35), Cluster: 0},
		{City: "C", X: 9, Gini: gini(0.45), Cluster: 1},
		{City: "D", X: 5, Cluster: 1},
	}
	var buf bytes.Buffer
	if err := Clusters(&buf, "GDP", points); err != nil {
		t.Fatal(err)
	}
	decodePNG(t, &buf)
}

func TestClusters_NoGini(t *testing.T) {
	var buf bytes.Buffer
	err := Clusters(&buf, "GDP", []analytics.ClusterPoint{{City: "A", X: 1}})
	if !errors.Is(err, ErrNoData) {
		t.Errorf("err = %v, want ErrNoData", err)
	}
}

func TestForecast(t *testing.T) {
	res := &forecast.Result{
		City:    "A",
		Metric:  "GDP",
		Outcome: forecast.OutcomeSuccess,
		History: []models.Point{{Year: 2018, Value: 1}, {Year: 2019, Value: 2}, {Year: 2020, Value: 3}, {Year: 2021, Value: 4}},
		Forecast: []forecast.ForecastPoint{
			{Year: 2022, Value: 5, Lower: 4.5, Upper: 5.5},
			{Year: 2023, Value: 6, Lower: 5, Upper: 7},
			{Year: 2024, Value: 7, Lower: 5.5, Upper: 8.5},
		},
	}
	var buf bytes.Buffer
	if err := Forecast(&buf, res); err != nil {
		t.Fatal(err)
	}
	decodePNG(t, &buf)
}

func TestForecast_DegradedSinglePoint(t *testing.T) {
	res := &forecast.Result{
		City:    "A",
		Metric:  "GDP",
		Outcome: forecast.OutcomeDegraded,
		Reason:  forecast.ReasonTooShort,
		History: []models.Point{{Year: 2020, Value: 3}},
	}
	var buf bytes.Buffer
	if err := Forecast(&buf, res); err != nil {
		t.Fatal(err)
	}
	decodePNG(t, &buf)
}

func TestForecast_NoHistory(t *testing.T) {
	res := &forecast.Result{City: "A", Metric: "GDP", Outcome: forecast.OutcomeDegraded, Reason: forecast.ReasonNoHistory}
	if err := Forecast(&bytes.Buffer{}, res); !errors.Is(err, ErrNoData) {
		t.Errorf("err = %v, want ErrNoData", err)
	}
}

func TestPaddedRange(t *testing.T) {
	r := paddedRange([]float64{5})
	if !(r.Min < 5 && r.Max > 5) {
		t.Errorf("single value range = [%v, %v]", r.Min, r.Max)
	}
	r = paddedRange([]float64{0, 10})
	if r.Min != -0.5 || r.Max != 10.5 {
		t.Errorf("range = [%v, %v], want [-0.5, 10.5]", r.Min, r.Max)
	}
}

func TestCache(t *testing.T) {
	c, err := NewCache(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("clusters/GDP per capita"); ok {
		t.Fatal("empty cache returned a hit")
	}
	if err := c.Set("clusters/GDP per capita", []byte("png")); err != nil {
		t.Fatal(err)
	}
	data, ok := c.Get("clusters/GDP per capita")
	if !ok || string(data) != "png" {
		t.Errorf("Get() = %q, %v", data, ok)
	}
	if _, ok := c.Get("clusters/HDI"); ok {
		t.Error("unexpected hit for a different key")
	}
}

func TestCache_Expires(t *testing.T) {
	c, err := NewCache(t.TempDir(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Set("k", []byte("png")); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(c.path("k"), old, old); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("k"); ok {
		t.Error("stale entry returned")
	}
}
