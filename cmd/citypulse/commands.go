package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/lox/citypulse/internal/api"
	"github.com/lox/citypulse/internal/export"
	"github.com/lox/citypulse/internal/narrative"
	"github.com/lox/citypulse/internal/render"
)

type ServeCmd struct {
	Listen      string `name:"listen" default:":8080" env:"CITYPULSE_LISTEN" help:"HTTP listen address."`
	OpenAIKey   string `name:"openai-key" env:"OPENAI_API_KEY" help:"Enables generated insight sentences."`
	OpenAIModel string `name:"openai-model" default:"gpt-4o-mini" env:"CITYPULSE_OPENAI_MODEL" help:"Chat model for insight sentences."`
	ChartCache  string `name:"chart-cache" env:"CITYPULSE_CHART_CACHE" help:"Directory for cached cluster charts; disabled when empty."`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.engine(ctx)
	if err != nil {
		return err
	}
	f, err := g.forecaster()
	if err != nil {
		return err
	}

	var narrator narrative.Phraser = narrative.Template{}
	if gen, err := narrative.NewGenerator(c.OpenAIKey, c.OpenAIModel, g.logger); err != nil {
		g.logger.Info().Err(err).Msg("generated insights disabled")
	} else {
		narrator = gen
	}

	srv := api.NewServer(e, f, narrator, c.Listen, g.logger)
	srv.SetSchema(g.schema())
	if c.ChartCache != "" {
		cache, err := render.NewCache(c.ChartCache, 0)
		if err != nil {
			return err
		}
		srv.SetChartCache(cache)
	}
	return srv.Run(ctx)
}

type ClustersCmd struct{}

func (c *ClustersCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.engine(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CITY\tCLUSTER")
	for _, a := range e.Clusters() {
		fmt.Fprintf(tw, "%s\t%d\n", a.City, a.Cluster)
	}
	return tw.Flush()
}

type TwinCmd struct {
	City string `arg:"" help:"City to match."`
}

func (c *TwinCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.engine(ctx)
	if err != nil {
		return err
	}
	t, err := e.Twin(c.City)
	if err != nil {
		return err
	}
	fmt.Printf("%s -> %s (distance %.4g)\n", t.City, t.Twin, t.Distance)
	return nil
}

type InsightCmd struct {
	City string `arg:"" help:"City to describe."`
}

func (c *InsightCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.engine(ctx)
	if err != nil {
		return err
	}
	in, err := e.Insight(c.City)
	if err != nil {
		return err
	}
	fmt.Println(narrative.Sentence(in))
	return nil
}

type CompareCmd struct {
	Metric string   `arg:"" help:"Metric to compare."`
	Cities []string `arg:"" optional:"" help:"Cities, all when omitted."`
}

func (c *CompareCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.engine(ctx)
	if err != nil {
		return err
	}
	cities := c.Cities
	if len(cities) == 0 {
		cities = e.Table().Cities()
	}
	values, err := e.Compare(c.Metric, cities)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "CITY\t%s\n", strings.ToUpper(c.Metric))
	for _, v := range values {
		fmt.Fprintf(tw, "%s\t%g\n", v.City, v.Value)
	}
	return tw.Flush()
}

type CorrelateCmd struct {
	Cities []string `arg:"" optional:"" help:"Cities, all when omitted."`
}

func (c *CorrelateCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.engine(ctx)
	if err != nil {
		return err
	}
	cities := c.Cities
	if len(cities) == 0 {
		cities = e.Table().Cities()
	}
	corr, err := e.Correlate(cities)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "\t%s\t\n", strings.Join(corr.Metrics, "\t"))
	for i, m := range corr.Metrics {
		cells := make([]string, len(corr.Metrics))
		for j, v := range corr.Matrix[i] {
			if math.IsNaN(v) {
				cells[j] = "-"
			} else {
				cells[j] = fmt.Sprintf("%.3f", v)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t\n", m, strings.Join(cells, "\t"))
	}
	return tw.Flush()
}

type ForecastCmd struct {
	City   string `arg:"" help:"City to forecast."`
	Metric string `arg:"" help:"Metric to forecast."`
}

func (c *ForecastCmd) Run(ctx context.Context, g *Globals) error {
	f, err := g.forecaster()
	if err != nil {
		return err
	}
	res, err := f.Forecast(ctx, c.City, c.Metric)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "YEAR\tVALUE\tLOWER\tUPPER\t")
	for _, p := range res.History {
		fmt.Fprintf(tw, "%d\t%g\t\t\t\n", p.Year, p.Value)
	}
	for _, p := range res.Forecast {
		fmt.Fprintf(tw, "%d*\t%.4g\t%.4g\t%.4g\t\n", p.Year, p.Value, p.Lower, p.Upper)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if res.Degraded() {
		fmt.Printf("no forecast: %s", res.Reason)
		if res.Detail != "" {
			fmt.Printf(" (%s)", res.Detail)
		}
		fmt.Println()
	}
	return nil
}

type ExportCmd struct {
	Format string `name:"format" default:"csv" enum:"csv,xlsx" help:"Output format."`
	Out    string `name:"out" required:"" type:"path" help:"Output file."`
}

func (c *ExportCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.engine(ctx)
	if err != nil {
		return err
	}
	format, err := export.ParseFormat(c.Format)
	if err != nil {
		return err
	}
	f, err := os.Create(c.Out)
	if err != nil {
		return fmt.Errorf("create %s: %w", c.Out, err)
	}
	if err := export.Write(f, format, e.Table(), g.schema()); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	g.logger.Info().Str("path", c.Out).Str("format", c.Format).Int("cities", e.Table().Len()).Msg("exported")
	return nil
}

type SnapshotCmd struct {
	DB string `name:"db" required:"" type:"path" help:"SQLite database to write."`
}

// Run reads both configured sources and replaces the snapshot in DB with them.
func (c *SnapshotCmd) Run(ctx context.Context, g *Globals) error {
	metrics, err := g.loadMetricTable(ctx)
	if err != nil {
		return fmt.Errorf("load metrics: %w", err)
	}
	src, err := g.seriesSource()
	if err != nil {
		return err
	}
	series, err := src.Load(ctx)
	if err != nil {
		return fmt.Errorf("load series: %w", err)
	}

	st, err := g.openStore(c.DB)
	if err != nil {
		return err
	}
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := st.ImportMetricTable(ctx, metrics); err != nil {
		return err
	}
	if err := st.ImportTimeSeries(ctx, series); err != nil {
		return err
	}
	g.logger.Info().
		Str("db", c.DB).
		Int("cities", metrics.Len()).
		Int("observations", len(series.Observations)).
		Msg("snapshot written")
	return nil
}
