// HTTP control surface for the trace generator
// Exposes engine start/stop/status and read access to the trace sink as JSON
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lkendrickd/trace-generator/pkg/store"
	"github.com/lkendrickd/trace-generator/pkg/synth"
	"go.uber.org/zap"
)

const (
	defaultFetchLimit = 30
	sinkTimeout       = 5 * time.Second
)

// Generator is the engine as seen by the API.
type Generator interface {
	Start() bool
	Stop() bool
	Status() synth.Status
	Snapshot() synth.Status
	Scenarios() []*synth.Scenario
	Services() []string
}

var _ Generator = (*synth.Engine)(nil)

// Options configures the handler.
type Options struct {
	// FetchLimit is the number of traces returned when no limit is given.
	FetchLimit int
	Logger     *zap.Logger
}

type server struct {
	gen        Generator
	sink       store.Reader
	fetchLimit int
	logger     *zap.Logger
}

// New returns the API router.
func New(gen Generator, sink store.Reader, opts Options) http.Handler {
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = defaultFetchLimit
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &server{gen: gen, sink: sink, fetchLimit: opts.FetchLimit, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Post("/start", s.start)
		r.Post("/stop", s.stop)
		r.Get("/traces", s.traces)
		r.Get("/traces/counts", s.counts)
		r.Get("/services", s.services)
		r.Get("/scenarios", s.scenarios)
	})
	return r
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type sinkInfo struct {
	Type    string `json:"type"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type healthResponse struct {
	Status    string       `json:"status"`
	Generator synth.Status `json:"generator"`
	Store     sinkInfo     `json:"store"`
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), sinkTimeout)
	defer cancel()

	info := sinkInfo{Type: s.sink.Kind(), Healthy: true}
	if err := s.sink.Ping(ctx); err != nil {
		info.Healthy = false
		info.Error = err.Error()
	}
	status := "healthy"
	if !info.Healthy {
		status = "degraded"
	}
	// The engine's health probe is the same sink ping, so reuse its result.
	gen := s.gen.Snapshot()
	gen.TracerHealthy = gen.TracerHealthy && info.Healthy
	writeJSON(w, http.StatusOK, healthResponse{Status: status, Generator: gen, Store: info})
}

func (s *server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gen.Status())
}

type controlResponse struct {
	Changed bool         `json:"changed"`
	Message string       `json:"message"`
	Status  synth.Status `json:"status"`
}

func (s *server) start(w http.ResponseWriter, _ *http.Request) {
	resp := controlResponse{Changed: s.gen.Start(), Message: "trace generation started"}
	if !resp.Changed {
		resp.Message = "trace generation is already running"
	}
	resp.Status = s.gen.Status()
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) stop(w http.ResponseWriter, _ *http.Request) {
	resp := controlResponse{Changed: s.gen.Stop(), Message: "trace generation stopped"}
	if !resp.Changed {
		resp.Message = "trace generation is already stopped"
	}
	resp.Status = s.gen.Status()
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) traces(w http.ResponseWriter, r *http.Request) {
	limit := s.fetchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	limit = store.ClampLimit(limit, s.fetchLimit)

	ctx, cancel := context.WithTimeout(r.Context(), sinkTimeout)
	defer cancel()
	records, err := s.sink.Traces(ctx, limit)
	if err != nil {
		s.sinkError(w, "fetching traces", err)
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *server) counts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), sinkTimeout)
	defer cancel()
	c, err := s.sink.Counts(ctx)
	if err != nil {
		s.sinkError(w, "counting traces", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type servicesResponse struct {
	Configured []string `json:"configured"`
	Observed   []string `json:"observed"`
}

func (s *server) services(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), sinkTimeout)
	defer cancel()
	observed, err := s.sink.ServiceNames(ctx)
	if err != nil {
		s.sinkError(w, "listing services", err)
		return
	}
	if observed == nil {
		observed = []string{}
	}
	writeJSON(w, http.StatusOK, servicesResponse{Configured: s.gen.Services(), Observed: observed})
}

type scenarioSummary struct {
	Name    string  `json:"name"`
	Weight  float64 `json:"weight"`
	Spans   int     `json:"spans"`
	Exports bool    `json:"exports_context"`
}

func (s *server) scenarios(w http.ResponseWriter, _ *http.Request) {
	scenarios := s.gen.Scenarios()
	out := make([]scenarioSummary, len(scenarios))
	for i, sc := range scenarios {
		out[i] = scenarioSummary{Name: sc.Name, Weight: sc.Weight, Spans: len(sc.Spans), Exports: sc.Exports()}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) sinkError(w http.ResponseWriter, what string, err error) {
	s.logger.Error("trace sink query failed", zap.String("query", what), zap.Error(err))
	writeError(w, http.StatusInternalServerError, what+": "+err.Error())
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
