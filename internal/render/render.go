package render

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/lox/citypulse/internal/analytics"
	"github.com/lox/citypulse/internal/forecast"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

// ErrNoData is returned when there is nothing to plot.
var ErrNoData = errors.New("nothing to plot")

const (
	width  = 900
	height = 520
)

var intervalColor = drawing.ColorFromHex("9e9e9e")

func dotStyle(col drawing.Color) chart.Style {
	return chart.Style{
		StrokeWidth: chart.Disabled,
		DotWidth:    5,
		DotColor:    col,
	}
}

// Clusters plots each city's metric value against its gini coefficient, one
// series per cluster. Cities without a gini value are left out.
func Clusters(w io.Writer, metric string, points []analytics.ClusterPoint) error {
	byCluster := map[int]*chart.ContinuousSeries{}
	var order []int
	var xs, ys []float64
	for _, p := range points {
		if p.Gini == nil {
			continue
		}
		s, ok := byCluster[p.Cluster]
		if !ok {
			s = &chart.ContinuousSeries{
				Name:  fmt.Sprintf("Cluster %d", p.Cluster),
				Style: dotStyle(chart.GetDefaultColor(p.Cluster)),
			}
			byCluster[p.Cluster] = s
			order = append(order, p.Cluster)
		}
		s.XValues = append(s.XValues, p.X)
		s.YValues = append(s.YValues, *p.Gini)
		xs = append(xs, p.X)
		ys = append(ys, *p.Gini)
	}
	if len(order) == 0 {
		return fmt.Errorf("cluster chart: %w", ErrNoData)
	}

	series := make([]chart.Series, 0, len(order))
	for _, c := range order {
		series = append(series, *byCluster[c])
	}

	ch := chart.Chart{
		Title:      fmt.Sprintf("%s vs Gini Coefficient", metric),
		Width:      width,
		Height:     height,
		Background: chart.Style{Padding: chart.Box{Top: 40, Left: 16, Right: 16, Bottom: 16}},
		XAxis:      chart.XAxis{Name: metric, Range: paddedRange(xs)},
		YAxis:      chart.YAxis{Name: "Gini Coefficient", Range: paddedRange(ys)},
		Series:     series,
	}
	ch.Elements = []chart.Renderable{chart.Legend(&ch)}
	if err := ch.Render(chart.PNG, w); err != nil {
		return fmt.Errorf("cluster chart: %w", err)
	}
	return nil
}

// Forecast plots the observed history and, when present, the projection with
// its interval bounds.
func Forecast(w io.Writer, res *forecast.Result) error {
	if len(res.History) == 0 {
		return fmt.Errorf("forecast chart: %w", ErrNoData)
	}

	var xs, ys []float64
	hist := chart.ContinuousSeries{
		Name:  "Observed",
		Style: chart.Style{StrokeColor: chart.ColorBlue, StrokeWidth: 2, DotWidth: 3, DotColor: chart.ColorBlue},
	}
	for _, p := range res.History {
		hist.XValues = append(hist.XValues, float64(p.Year))
		hist.YValues = append(hist.YValues, p.Value)
	}
	xs = append(xs, hist.XValues...)
	ys = append(ys, hist.YValues...)
	series := []chart.Series{hist}

	if len(res.Forecast) > 0 {
		last := res.History[len(res.History)-1]
		mean := chart.ContinuousSeries{
			Name:    "Forecast",
			Style:   chart.Style{StrokeColor: chart.ColorOrange, StrokeWidth: 2, StrokeDashArray: []float64{6, 4}},
			XValues: []float64{float64(last.Year)},
			YValues: []float64{last.Value},
		}
		lower := chart.ContinuousSeries{
			Name:  "95% interval",
			Style: chart.Style{StrokeColor: intervalColor, StrokeWidth: 1},
		}
		upper := chart.ContinuousSeries{
			Style: chart.Style{StrokeColor: intervalColor, StrokeWidth: 1},
		}
		for _, p := range res.Forecast {
			x := float64(p.Year)
			mean.XValues = append(mean.XValues, x)
			mean.YValues = append(mean.YValues, p.Value)
			lower.XValues = append(lower.XValues, x)
			lower.YValues = append(lower.YValues, p.Lower)
			upper.XValues = append(upper.XValues, x)
			upper.YValues = append(upper.YValues, p.Upper)
			xs = append(xs, x)
			ys = append(ys, p.Lower, p.Upper)
		}
		series = append(series, mean, lower, upper)
	}

	title := fmt.Sprintf("%s: %s", res.City, res.Metric)
	if res.Degraded() {
		title += fmt.Sprintf(" (no forecast: %s)", res.Reason)
	}
	ch := chart.Chart{
		Title:      title,
		Width:      width,
		Height:     height,
		Background: chart.Style{Padding: chart.Box{Top: 40, Left: 16, Right: 16, Bottom: 16}},
		XAxis: chart.XAxis{
			Name:           "Year",
			Range:          paddedRange(xs),
			ValueFormatter: yearFormatter,
		},
		YAxis:  chart.YAxis{Name: res.Metric, Range: paddedRange(ys)},
		Series: series,
	}
	ch.Elements = []chart.Renderable{chart.Legend(&ch)}
	if err := ch.Render(chart.PNG, w); err != nil {
		return fmt.Errorf("forecast chart: %w", err)
	}
	return nil
}

func yearFormatter(v interface{}) string {
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%.0f", f)
	}
	return ""
}

// paddedRange widens the data range by 5% on each side. A single value gets
// a unit-wide range so the axis never collapses.
func paddedRange(vals []float64) *chart.ContinuousRange {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	pad := (hi - lo) * 0.05
	if pad == 0 {
		pad = math.Max(math.Abs(lo)*0.05, 0.5)
	}
	return &chart.ContinuousRange{Min: lo - pad, Max: hi + pad}
}
