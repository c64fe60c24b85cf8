package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/lox/citypulse/internal/analytics"
	"github.com/lox/citypulse/internal/forecast"
	"github.com/lox/citypulse/internal/ingest"
	"github.com/lox/citypulse/internal/narrative"
	"github.com/lox/citypulse/internal/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Forecaster is satisfied by *forecast.Forecaster.
type Forecaster interface {
	Forecast(ctx context.Context, city, metric string) (*forecast.Result, error)
}

type Server struct {
	engine     *analytics.Engine
	forecaster Forecaster
	narrator   narrative.Phraser
	addr       string
	logger     zerolog.Logger

	schema  ingest.Schema
	charts  *render.Cache
	chartMu sync.Mutex // serializes cluster chart rendering so one request fills the cache
}

// NewServer wires the read-only engine and the forecaster to HTTP. A nil
// narrator falls back to the fixed insight sentence.
func NewServer(engine *analytics.Engine, forecaster Forecaster, narrator narrative.Phraser, addr string, logger zerolog.Logger) *Server {
	if narrator == nil {
		narrator = narrative.Template{}
	}
	return &Server{
		engine:     engine,
		forecaster: forecaster,
		narrator:   narrator,
		addr:       addr,
		logger:     logger,
		schema:     ingest.DefaultSchema(),
	}
}

// SetSchema sets the column names used by exports.
func (s *Server) SetSchema(schema ingest.Schema) {
	s.schema = schema
}

// SetChartCache enables on-disk caching of cluster charts. The engine never
// changes after startup, so cached charts stay valid for the process.
func (s *Server) SetChartCache(c *render.Cache) {
	s.charts = c
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/cities", s.handleCities)
	mux.HandleFunc("/api/clusters", s.handleClusters)
	mux.HandleFunc("/api/clusters/chart.png", s.handleClusterChart)
	mux.HandleFunc("/api/twin", s.handleTwin)
	mux.HandleFunc("/api/insight", s.handleInsight)
	mux.HandleFunc("/api/compare", s.handleCompare)
	mux.HandleFunc("/api/correlation", s.handleCorrelation)
	mux.HandleFunc("/api/profile", s.handleProfile)
	mux.HandleFunc("/api/forecast", s.handleForecast)
	mux.HandleFunc("/api/forecast/chart.png", s.handleForecastChart)
	mux.HandleFunc("/api/export", s.handleExport)
	return s.requestID(s.logRequests(mux))
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.addr).Msg("listening")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
