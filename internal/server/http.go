package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coffersTech/logbook/internal/engine"
	"github.com/coffersTech/logbook/internal/logging"
	"github.com/coffersTech/logbook/internal/model"
	"github.com/coffersTech/logbook/internal/service"
)

const (
	defaultHistogramSpan     = time.Hour
	defaultHistogramInterval = time.Minute
	defaultMaxBodyBytes      = 1 << 20
)

// Options tunes the HTTP server. Zero values fall back to defaults.
type Options struct {
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// IngestServer exposes the record service over HTTP.
type IngestServer struct {
	svc    *service.Service
	opts   Options
	logger *slog.Logger
	srv    *http.Server
	now    func() time.Time
}

func NewIngestServer(svc *service.Service, opts Options) *IngestServer {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &IngestServer{svc: svc, opts: opts, logger: logger, now: time.Now}
}

// Handler returns the route table.
func (s *IngestServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/histogram", s.handleHistogram)
	mux.HandleFunc("/api/context", s.handleContext)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		mux.Handle("/metrics", s.opts.Metrics)
	}
	return mux
}

// Start runs the HTTP server until Shutdown is called.
func (s *IngestServer) Start(addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		ErrorLog:     slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *IngestServer) Shutdown(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

func (s *IngestServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleIngest(w, r)
	case http.MethodGet:
		s.handleQuery(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleIngest accepts one record object or an array of them. The response
// mirrors the request shape.
func (s *IngestServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			return
		}
		s.logger.Warn("failed to read ingest body", "remote", r.RemoteAddr, "error", err)
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var result any
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		result, err = s.svc.IngestBatch(body)
	} else {
		result, err = s.svc.Ingest(body)
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *IngestServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.Query(engine.FilterFromValues(r.URL.Query()))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *IngestServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	stats, err := s.svc.Stats()
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleHistogram takes RFC 3339 start and end and a Go duration interval.
// The record filter parameters of /api/logs apply as well.
func (s *IngestServer) handleHistogram(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	q := r.URL.Query()

	end := s.now()
	if v := q.Get("end"); v != "" {
		ts, err := model.ParseTimestamp(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
			return
		}
		end = ts.Time()
	}
	start := end.Add(-defaultHistogramSpan)
	if v := q.Get("start"); v != "" {
		ts, err := model.ParseTimestamp(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
			return
		}
		start = ts.Time()
	}
	interval := defaultHistogramInterval
	if v := q.Get("interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid interval: "+err.Error())
			return
		}
		interval = d
	}

	points, err := s.svc.Histogram(engine.FilterFromValues(q), start, end, interval)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidHistogram) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// handleContext returns the records around ?timestamp=, narrowed by the
// usual filter parameters. limit is per side.
func (s *IngestServer) handleContext(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	q := r.URL.Query()

	ts, err := model.ParseTimestamp(q.Get("timestamp"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "timestamp is required: "+err.Error())
		return
	}
	limit, _ := strconv.Atoi(q.Get(engine.ParamLimit))
	q.Del(engine.ParamLimit)

	result, err := s.svc.Context(engine.FilterFromValues(q), ts.Time(), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *IngestServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *IngestServer) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case service.IsClientError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case service.IsStoreError(err):
		// Store details stay in the server log.
		s.logger.Error("storage failure", "error", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", "GET")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.GetLogger().Warn("JSON encode error", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
