package engine

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coffersTech/logbook/internal/model"
	"github.com/coffersTech/logbook/internal/pkg/querylang"
)

// Query parameter names accepted by FilterFromValues.
const (
	ParamLevel          = "level"
	ParamMessage        = "message"
	ParamResourceID     = "resourceId"
	ParamTimestampStart = "timestamp_start"
	ParamTimestampEnd   = "timestamp_end"
	ParamTraceID        = "traceId"
	ParamSpanID         = "spanId"
	ParamCommit         = "commit"
	ParamQuery          = "q"
	ParamLimit          = "limit"
)

// Filter is a conjunction of optional predicates. The zero value matches
// every record.
type Filter struct {
	Level      string
	Message    string // case-insensitive substring
	ResourceID string // case-insensitive substring
	Start      *time.Time
	End        *time.Time
	TraceID    string
	SpanID     string
	Commit     string
	Query      querylang.Node
	Limit      int // <= 0 means unbounded
}

// FilterFromValues builds a Filter from request parameters. Empty values are
// treated as absent. Malformed time bounds, queries and limits are dropped
// rather than rejected: a bad filter narrows nothing.
func FilterFromValues(v url.Values) Filter {
	f := Filter{
		Level:      v.Get(ParamLevel),
		Message:    v.Get(ParamMessage),
		ResourceID: v.Get(ParamResourceID),
		TraceID:    v.Get(ParamTraceID),
		SpanID:     v.Get(ParamSpanID),
		Commit:     v.Get(ParamCommit),
	}

	if s := v.Get(ParamTimestampStart); s != "" {
		if ts, err := model.ParseTimestamp(s); err == nil {
			t := ts.Time()
			f.Start = &t
		}
	}
	if s := v.Get(ParamTimestampEnd); s != "" {
		if ts, err := model.ParseTimestamp(s); err == nil {
			t := ts.Time()
			f.End = &t
		}
	}
	if q := v.Get(ParamQuery); q != "" {
		if node, err := querylang.Parse(q); err == nil {
			f.Query = node
		}
	}
	if s := v.Get(ParamLimit); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			f.Limit = n
		}
	}
	return f
}

// Match reports whether rec satisfies every predicate set on f.
func (f Filter) Match(rec *model.LogRecord) bool {
	if f.Level != "" && string(rec.Level) != f.Level {
		return false
	}
	if f.Message != "" && !containsFold(rec.Message, f.Message) {
		return false
	}
	if f.ResourceID != "" && !containsFold(rec.ResourceID, f.ResourceID) {
		return false
	}

	at := rec.Timestamp.Time()
	if f.Start != nil && at.Before(*f.Start) {
		return false
	}
	if f.End != nil && at.After(*f.End) {
		return false
	}

	if f.TraceID != "" && rec.TraceID != f.TraceID {
		return false
	}
	if f.SpanID != "" && rec.SpanID != f.SpanID {
		return false
	}
	if f.Commit != "" && rec.Commit != f.Commit {
		return false
	}

	if f.Query != nil && !querylang.Match(f.Query, recordView{rec}) {
		return false
	}
	return true
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// recordView adapts a stored record to the query language evaluator.
type recordView struct{ *model.LogRecord }

func (r recordView) GetLevel() string      { return string(r.Level) }
func (r recordView) GetMessage() string    { return r.Message }
func (r recordView) GetResourceID() string { return r.ResourceID }
func (r recordView) GetTraceID() string    { return r.TraceID }
func (r recordView) GetSpanID() string     { return r.SpanID }
func (r recordView) GetCommit() string     { return r.Commit }
