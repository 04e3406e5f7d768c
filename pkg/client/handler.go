package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Attribute keys the handler lifts out of metadata into record fields.
const (
	TraceIDKey = "traceId"
	SpanIDKey  = "spanId"
)

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// ResourceID and Commit are stamped on every record.
	ResourceID string
	Commit     string

	// Level is the minimum level shipped. Defaults to slog.LevelInfo.
	Level slog.Leveler

	BatchSize     int           // default 100
	FlushInterval time.Duration // default 1s
	QueueSize     int           // default 10000

	// ErrorLog receives delivery failures. Defaults to stderr.
	ErrorLog io.Writer
}

// Handler is a slog.Handler that converts records and ships them to a
// logbook server in batches from a background goroutine. Records are dropped,
// not blocked on, when the queue is full. Call Shutdown to flush.
type Handler struct {
	sink   *sink
	attrs  []slog.Attr
	groups []string
}

// sink is shared by a Handler and every handler derived from it.
type sink struct {
	client *Client
	opts   HandlerOptions
	queue  chan Record
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewHandler(c *Client, opts HandlerOptions) *Handler {
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 10000
	}
	if opts.ErrorLog == nil {
		opts.ErrorLog = os.Stderr
	}

	s := &sink{
		client: c,
		opts:   opts,
		queue:  make(chan Record, opts.QueueSize),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return &Handler{sink: s}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.sink.opts.Level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	rec, err := h.convert(r)
	if err != nil {
		return err
	}

	select {
	case h.sink.queue <- rec:
	default:
		fmt.Fprintf(h.sink.opts.ErrorLog, "logbook: queue full, dropping record\n")
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := *h
	h2.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	h2.attrs = append(h2.attrs, h.attrs...)
	for _, a := range attrs {
		h2.attrs = append(h2.attrs, qualify(h.groups, a))
	}
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = append(append([]string(nil), h.groups...), name)
	return &h2
}

// Shutdown flushes queued records and stops the background sender. It is
// safe to call more than once.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.sink.once.Do(func() { close(h.sink.done) })

	finished := make(chan struct{})
	go func() {
		h.sink.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) convert(r slog.Record) (Record, error) {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := Record{
		Level:      levelName(r.Level),
		Message:    r.Message,
		ResourceID: h.sink.opts.ResourceID,
		Timestamp:  ts.Format(time.RFC3339Nano),
		Commit:     h.sink.opts.Commit,
	}

	meta := make(map[string]any)
	collect := func(a slog.Attr) {
		a.Value = a.Value.Resolve()
		if a.Equal(slog.Attr{}) {
			return
		}
		switch a.Key {
		case TraceIDKey:
			rec.TraceID = a.Value.String()
			return
		case SpanIDKey:
			rec.SpanID = a.Value.String()
			return
		}
		meta[a.Key] = attrValue(a.Value)
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(qualify(h.groups, a))
		return true
	})

	if rec.TraceID == "" {
		rec.TraceID = uuid.NewString()
	}
	if rec.SpanID == "" {
		rec.SpanID = uuid.NewString()
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return Record{}, fmt.Errorf("encoding metadata: %w", err)
	}
	rec.Metadata = data
	return rec, nil
}

// qualify prefixes a with the open groups, dot-separated.
func qualify(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 {
		return a
	}
	a.Key = strings.Join(groups, ".") + "." + a.Key
	return a
}

func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindGroup:
		m := make(map[string]any)
		for _, a := range v.Group() {
			m[a.Key] = attrValue(a.Value.Resolve())
		}
		return m
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return encodable(v.Any())
	default:
		return v.Any()
	}
}

// encodable returns x, or its fmt rendering when encoding/json rejects it
// (funcs, channels, cycles), so one odd attr never drops the record.
func encodable(x any) any {
	if _, err := json.Marshal(x); err != nil {
		return fmt.Sprint(x)
	}
	return x
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

func (s *sink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, s.opts.BatchSize)
	send := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.client.Ingest(ctx, batch...); err != nil {
			fmt.Fprintf(s.opts.ErrorLog, "logbook: failed to send %d records: %v\n", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-s.queue:
			batch = append(batch, rec)
			if len(batch) >= s.opts.BatchSize {
				send()
			}
		case <-ticker.C:
			send()
		case <-s.done:
			for {
				select {
				case rec := <-s.queue:
					batch = append(batch, rec)
					if len(batch) >= s.opts.BatchSize {
						send()
					}
				default:
					send()
					return
				}
			}
		}
	}
}
