// Package service is the ingest and query surface over the record store.
package service

import (
	"errors"
	"log/slog"
	"time"

	"github.com/coffersTech/logbook/internal/engine"
	"github.com/coffersTech/logbook/internal/logging"
	"github.com/coffersTech/logbook/internal/metrics"
	"github.com/coffersTech/logbook/internal/model"
	"github.com/coffersTech/logbook/internal/storage"
	"github.com/coffersTech/logbook/internal/validator"
)

// Store is the persistence the service needs. *storage.FileStore satisfies it.
type Store interface {
	Load() (model.Collection, error)
	Append(records ...model.LogRecord) error
	Stat() (storage.Info, error)
}

type Service struct {
	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func New(store Store, opts ...Option) *Service {
	s := &Service{store: store}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.GetLogger()
	}
	return s
}

// Ingest validates one JSON-encoded record and appends it. The stored record
// is returned as accepted. Errors are *validator.ValidationError or
// *storage.StoreError.
func (s *Service) Ingest(raw []byte) (model.LogRecord, error) {
	rec, err := validator.Parse(raw)
	if err != nil {
		s.metrics.IngestFailed(metrics.ReasonValidation)
		s.logger.Debug("rejected record", "error", err)
		return model.LogRecord{}, err
	}
	if err := s.persist(rec); err != nil {
		return model.LogRecord{}, err
	}
	return rec, nil
}

// IngestBatch accepts a single object or an array of objects. Every element
// is validated before anything is written; the batch lands in one append.
func (s *Service) IngestBatch(raw []byte) ([]model.LogRecord, error) {
	records, err := validator.ParseBatch(raw)
	if err != nil {
		s.metrics.IngestFailed(metrics.ReasonValidation)
		s.logger.Debug("rejected batch", "error", err)
		return nil, err
	}
	if err := s.persist(records...); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Service) persist(records ...model.LogRecord) error {
	if err := s.store.Append(records...); err != nil {
		s.metrics.IngestFailed(metrics.ReasonStore)
		s.logger.Error("failed to persist records", "count", len(records), "error", err)
		return err
	}
	s.metrics.IngestSucceeded(len(records))
	return nil
}

// Query returns the records matching f, newest first. The only possible
// error is a store read failure; no match is an empty, non-nil slice.
func (s *Service) Query(f engine.Filter) ([]model.LogRecord, error) {
	start := time.Now()
	coll, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	result := engine.Execute(coll, f)
	s.metrics.ObserveQuery(time.Since(start))
	return result, nil
}

// Stats summarizes every stored record and reports the image size on disk.
func (s *Service) Stats() (engine.Stats, error) {
	coll, err := s.snapshot()
	if err != nil {
		return engine.Stats{}, err
	}
	stats := engine.Summarize(coll)

	info, err := s.store.Stat()
	if err != nil {
		s.logger.Error("failed to stat record image", "error", err)
		return engine.Stats{}, err
	}
	stats.DiskUsage = info.Size
	return stats, nil
}

// Histogram buckets the records matching f between start and end.
func (s *Service) Histogram(f engine.Filter, start, end time.Time, interval time.Duration) ([]engine.HistogramPoint, error) {
	coll, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	return engine.ComputeHistogram(coll, f, start, end, interval)
}

// Context returns the records around the one closest to at.
func (s *Service) Context(f engine.Filter, at time.Time, limit int) (engine.ContextResult, error) {
	coll, err := s.snapshot()
	if err != nil {
		return engine.ContextResult{}, err
	}
	return engine.Context(coll, f, at, limit), nil
}

func (s *Service) snapshot() (model.Collection, error) {
	coll, err := s.store.Load()
	if err != nil {
		s.logger.Error("failed to load records", "error", err)
		return nil, err
	}
	s.metrics.SetStored(len(coll))
	return coll, nil
}

// IsClientError reports whether err was caused by the caller's input.
func IsClientError(err error) bool {
	var verr *validator.ValidationError
	return errors.As(err, &verr)
}

// IsStoreError reports whether err is a retriable persistence failure.
func IsStoreError(err error) bool {
	var serr *storage.StoreError
	return errors.As(err, &serr)
}
