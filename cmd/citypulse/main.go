package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lox/citypulse/internal/analytics"
	"github.com/lox/citypulse/internal/forecast"
	"github.com/lox/citypulse/internal/ingest"
	"github.com/lox/citypulse/internal/models"
	"github.com/lox/citypulse/internal/store"
	"github.com/rs/zerolog"
)

const sqlitePrefix = "sqlite:"

type Globals struct {
	EnvFile   string `name:"env-file" default:".env" help:"Optional dotenv file loaded before flags are read."`
	LogLevel  string `name:"log-level" default:"info" enum:"debug,info,warn,error" env:"CITYPULSE_LOG_LEVEL" help:"Log level."`
	LogFormat string `name:"log-format" default:"console" enum:"console,json" env:"CITYPULSE_LOG_FORMAT" help:"Log output format."`

	Metrics string `name:"metrics" default:"data/city_metrics.csv" env:"CITYPULSE_METRICS" help:"Metric table: path, file://, http(s)://, ftp:// or sqlite:PATH."`
	Series  string `name:"series" default:"data/city_timeseries.csv" env:"CITYPULSE_SERIES" help:"Time-series table: path, file://, http(s)://, ftp:// or sqlite:PATH."`

	CityColumn string `name:"city-column" default:"City" env:"CITYPULSE_CITY_COLUMN" help:"City column name in both sources and exports."`
	YearColumn string `name:"year-column" default:"Year" env:"CITYPULSE_YEAR_COLUMN" help:"Year column name in the time-series source."`
	GiniColumn string `name:"gini-column" default:"Gini Coefficient" env:"CITYPULSE_GINI_COLUMN" help:"Gini column name in the metric source and exports."`

	K       int    `name:"k" default:"4" env:"CITYPULSE_K" help:"Number of clusters."`
	Seed    uint64 `name:"seed" default:"0" env:"CITYPULSE_SEED" help:"Clustering seed."`
	NInit   int    `name:"n-init" default:"10" env:"CITYPULSE_N_INIT" help:"Seeded clustering restarts."`
	MaxIter int    `name:"max-iter" default:"300" env:"CITYPULSE_MAX_ITER" help:"Lloyd iterations per restart."`

	logger  zerolog.Logger
	fetcher *ingest.Fetcher
	stores  map[string]*store.Store
}

type CLI struct {
	Globals

	Serve     ServeCmd     `cmd:"" help:"Serve the JSON and chart API."`
	Clusters  ClustersCmd  `cmd:"" help:"Print every city's cluster."`
	Twin      TwinCmd      `cmd:"" help:"Find a city's nearest neighbour."`
	Insight   InsightCmd   `cmd:"" help:"Print a city's strongest and weakest metric."`
	Compare   CompareCmd   `cmd:"" help:"Compare one metric across cities."`
	Correlate CorrelateCmd `cmd:"" help:"Print the metric correlation matrix over cities."`
	Forecast  ForecastCmd  `cmd:"" help:"Forecast a city's metric three years ahead."`
	Export    ExportCmd    `cmd:"" help:"Write the clustered table as CSV or XLSX."`
	Snapshot  SnapshotCmd  `cmd:"" help:"Import both source tables into a SQLite snapshot."`
}

func main() {
	if err := loadEnvFile(envFileFromArgs(os.Args[1:])); err != nil {
		fmt.Fprintf(os.Stderr, "citypulse: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	_, err := run(ctx, os.Args[1:])
	cancel()
	if err != nil {
		var perr *kong.ParseError
		if errors.As(err, &perr) {
			perr.Context.PrintUsage(false)
		}
		fmt.Fprintf(os.Stderr, "citypulse: %v\n", err)
		os.Exit(1)
	}
}

// run parses args and executes the selected command. Stores opened along the
// way are closed before it returns, whatever the outcome.
func run(ctx context.Context, args []string) (*CLI, error) {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("citypulse"),
		kong.Description("City development analytics: clustering, twin cities, insights and forecasts."),
	)
	if err != nil {
		return nil, err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return &cli, err
	}

	logger, err := newLogger(os.Stderr, cli.LogLevel, cli.LogFormat)
	if err != nil {
		return &cli, err
	}
	cli.logger = logger
	cli.fetcher = ingest.NewFetcher()
	cli.stores = make(map[string]*store.Store)
	defer cli.closeStores()

	kctx.BindTo(ctx, (*context.Context)(nil))
	return &cli, kctx.Run(&cli.Globals)
}

// envFileFromArgs finds --env-file ahead of kong so the file can feed env tags.
func envFileFromArgs(args []string) (string, bool) {
	for i, a := range args {
		switch {
		case a == "--env-file" && i+1 < len(args):
			return args[i+1], true
		case strings.HasPrefix(a, "--env-file="):
			return strings.TrimPrefix(a, "--env-file="), true
		}
	}
	return ".env", false
}

// loadEnvFile loads path into the environment. A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", path, err)
}

func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parse log level: %w", err)
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func (g *Globals) schema() ingest.Schema {
	return ingest.Schema{City: g.CityColumn, Year: g.YearColumn, Gini: g.GiniColumn}
}

func (g *Globals) clusterOptions() analytics.ClusterOptions {
	return analytics.ClusterOptions{K: g.K, Seed: g.Seed, NInit: g.NInit, MaxIter: g.MaxIter}
}

func (g *Globals) openStore(uri string) (*store.Store, error) {
	path := strings.TrimPrefix(uri, sqlitePrefix)
	if st, ok := g.stores[path]; ok {
		return st, nil
	}
	st, err := store.Open(path, g.logger)
	if err != nil {
		return nil, err
	}
	g.stores[path] = st
	return st, nil
}

func (g *Globals) closeStores() {
	for path, st := range g.stores {
		if err := st.Close(); err != nil {
			g.logger.Warn().Err(err).Str("path", path).Msg("close store")
		}
		delete(g.stores, path)
	}
}

func (g *Globals) loadMetricTable(ctx context.Context) (*models.MetricTable, error) {
	if strings.HasPrefix(g.Metrics, sqlitePrefix) {
		st, err := g.openStore(g.Metrics)
		if err != nil {
			return nil, err
		}
		return st.LoadMetricTable(ctx)
	}
	return ingest.LoadMetricTable(ctx, g.fetcher, g.Metrics, g.schema(), g.logger)
}

// engine loads the metric source and clusters it once.
func (g *Globals) engine(ctx context.Context) (*analytics.Engine, error) {
	t, err := g.loadMetricTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("load metrics: %w", err)
	}
	return analytics.NewEngine(t,
		analytics.WithClusterOptions(g.clusterOptions()),
		analytics.WithLogger(g.logger),
	)
}

func (g *Globals) seriesSource() (forecast.Source, error) {
	if strings.HasPrefix(g.Series, sqlitePrefix) {
		st, err := g.openStore(g.Series)
		if err != nil {
			return nil, err
		}
		return store.TimeSeriesSource{Store: st}, nil
	}
	return ingest.NewTimeSeriesFile(g.fetcher, g.Series, g.schema(), g.logger), nil
}

func (g *Globals) forecaster() (*forecast.Forecaster, error) {
	src, err := g.seriesSource()
	if err != nil {
		return nil, err
	}
	return forecast.NewForecaster(src, g.logger), nil
}
