package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/lox/citypulse/internal/analytics"
	"github.com/lox/citypulse/internal/export"
	"github.com/lox/citypulse/internal/render"
	"github.com/rs/zerolog"
)

type healthStatus struct {
	Status   string `json:"status"`
	Cities   int    `json:"cities"`
	Metrics  int    `json:"metrics"`
	Clusters int    `json:"clusters"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	t := s.engine.Table()
	writeJSON(w, r, healthStatus{
		Status:   "ok",
		Cities:   t.Len(),
		Metrics:  len(t.Metrics()),
		Clusters: s.engine.ClusterCount(),
	})
}

type citiesResponse struct {
	Cities  []string `json:"cities"`
	Metrics []string `json:"metrics"`
}

func (s *Server) handleCities(w http.ResponseWriter, r *http.Request) {
	t := s.engine.Table()
	writeJSON(w, r, citiesResponse{Cities: t.Cities(), Metrics: t.Metrics()})
}

type clustersResponse struct {
	K        int                           `json:"k"`
	Clusters []analytics.ClusterAssignment `json:"clusters"`
	Metric   string                        `json:"metric,omitempty"`
	Points   []analytics.ClusterPoint      `json:"points,omitempty"`
}

// handleClusters lists assignments; with ?metric= it adds the scatter points
// of that metric against gini.
func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	resp := clustersResponse{K: s.engine.ClusterCount(), Clusters: s.engine.Clusters()}
	if metric := r.URL.Query().Get("metric"); metric != "" {
		points, err := s.engine.ClusterPoints(metric)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Metric = metric
		resp.Points = points
	}
	writeJSON(w, r, resp)
}

func (s *Server) handleClusterChart(w http.ResponseWriter, r *http.Request) {
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		metric = s.engine.Table().Metrics()[0]
	}
	data, err := s.clusterChart(metric)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writePNG(w, data)
}

func (s *Server) clusterChart(metric string) ([]byte, error) {
	key := "clusters/" + metric
	if s.charts != nil {
		s.chartMu.Lock()
		defer s.chartMu.Unlock()
		if data, ok := s.charts.Get(key); ok {
			return data, nil
		}
	}

	points, err := s.engine.ClusterPoints(metric)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := render.Clusters(&buf, metric, points); err != nil {
		return nil, err
	}
	if s.charts != nil {
		if err := s.charts.Set(key, buf.Bytes()); err != nil {
			s.logger.Warn().Err(err).Str("metric", metric).Msg("cache cluster chart")
		}
	}
	return buf.Bytes(), nil
}

func (s *Server) handleTwin(w http.ResponseWriter, r *http.Request) {
	city, ok := requireParam(w, r, "city")
	if !ok {
		return
	}
	twin, err := s.engine.Twin(city)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, twin)
}

type insightResponse struct {
	analytics.Insight
	Sentence string `json:"sentence"`
}

func (s *Server) handleInsight(w http.ResponseWriter, r *http.Request) {
	city, ok := requireParam(w, r, "city")
	if !ok {
		return
	}
	in, err := s.engine.Insight(city)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, insightResponse{Insight: in, Sentence: s.narrator.Phrase(r.Context(), in)})
}

type compareResponse struct {
	Metric string                `json:"metric"`
	Values []analytics.CityValue `json:"values"`
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	metric, ok := requireParam(w, r, "metric")
	if !ok {
		return
	}
	cities := cityList(r)
	if len(cities) == 0 {
		cities = s.engine.Table().Cities()
	}
	values, err := s.engine.Compare(metric, cities)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, compareResponse{Metric: metric, Values: values})
}

type correlationResponse struct {
	Metrics []string     `json:"metrics"`
	Cities  []string     `json:"cities"`
	Matrix  [][]*float64 `json:"matrix"`
}

func (s *Server) handleCorrelation(w http.ResponseWriter, r *http.Request) {
	cities := cityList(r)
	if len(cities) == 0 {
		cities = s.engine.Table().Cities()
	}
	c, err := s.engine.Correlate(cities)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, correlationResponse{Metrics: c.Metrics, Cities: c.Cities, Matrix: nullable(c.Matrix)})
}

type profileResponse struct {
	City    string                  `json:"city"`
	Cluster int                     `json:"cluster"`
	Values  []analytics.MetricValue `json:"values"`
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	city, ok := requireParam(w, r, "city")
	if !ok {
		return
	}
	values, err := s.engine.Profile(city)
	if err != nil {
		writeError(w, r, err)
		return
	}
	row, _ := s.engine.Table().Row(city)
	writeJSON(w, r, profileResponse{City: city, Cluster: row.Cluster, Values: values})
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	city, ok := requireParam(w, r, "city")
	if !ok {
		return
	}
	metric, ok := requireParam(w, r, "metric")
	if !ok {
		return
	}
	res, err := s.forecaster.Forecast(r.Context(), city, metric)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, res)
}

func (s *Server) handleForecastChart(w http.ResponseWriter, r *http.Request) {
	city, ok := requireParam(w, r, "city")
	if !ok {
		return
	}
	metric, ok := requireParam(w, r, "metric")
	if !ok {
		return
	}
	res, err := s.forecaster.Forecast(r.Context(), city, metric)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := render.Forecast(&buf, res); err != nil {
		writeError(w, r, err)
		return
	}
	writePNG(w, buf.Bytes())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("format")
	if name == "" {
		name = string(export.FormatCSV)
	}
	format, err := export.ParseFormat(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var buf bytes.Buffer
	if err := export.Write(&buf, format, s.engine.Table(), s.schema); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="clusters.%s"`, format))
	w.Write(buf.Bytes())
}

func requireParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		http.Error(w, fmt.Sprintf("missing %s parameter", name), http.StatusBadRequest)
		return "", false
	}
	return v, true
}

// cityList accepts repeated ?city= parameters and comma separated ?cities=.
func cityList(r *http.Request) []string {
	q := r.URL.Query()
	var out []string
	for _, c := range q["city"] {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	for _, c := range strings.Split(q.Get("cities"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func nullable(m [][]float64) [][]*float64 {
	out := make([][]*float64, len(m))
	for i, row := range m {
		out[i] = make([]*float64, len(row))
		for j, v := range row {
			if math.IsNaN(v) {
				continue
			}
			v := v
			out[i][j] = &v
		}
	}
	return out
}

// statusClientClosedRequest marks requests abandoned by the caller.
const statusClientClosedRequest = 499

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, analytics.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, analytics.ErrUnavailable), errors.Is(err, render.ErrNoData):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	case statusClientClosedRequest, http.StatusGatewayTimeout:
		zerolog.Ctx(r.Context()).Debug().Err(err).Str("path", r.URL.Path).Msg("request abandoned")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("write response")
	}
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}
