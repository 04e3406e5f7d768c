package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Level is the severity of a log record.
type Level string

const (
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
)

// Levels lists the accepted levels in their canonical order.
var Levels = []Level{LevelError, LevelWarn, LevelInfo, LevelDebug}

// ParseLevel matches s exactly (case-sensitive) against the known levels.
func ParseLevel(s string) (Level, bool) {
	for _, l := range Levels {
		if string(l) == s {
			return l, true
		}
	}
	return "", false
}

// LevelNames returns the accepted levels joined for error messages.
func LevelNames() string {
	names := make([]string, len(Levels))
	for i, l := range Levels {
		names[i] = string(l)
	}
	return strings.Join(names, ", ")
}

// timestampLayouts are tried in order. Both require a zone designator.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
}

var ErrInvalidTimestamp = errors.New("invalid timestamp")

// Timestamp keeps the text a record was ingested with next to the instant
// it resolves to. It marshals back to the original text.
type Timestamp struct {
	raw string
	at  time.Time
}

// ParseTimestamp resolves s to an instant. Zone-less values are rejected.
func ParseTimestamp(s string) (Timestamp, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{raw: s, at: t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
}

// Time returns the parsed instant.
func (ts Timestamp) Time() time.Time { return ts.at }

// String returns the text the timestamp was parsed from.
func (ts Timestamp) String() string { return ts.raw }

func (ts Timestamp) IsZero() bool { return ts.raw == "" }

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.raw)
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidTimestamp, data)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*ts = parsed
	return nil
}

// Metadata is an opaque JSON object. The raw bytes are kept as received so
// key order survives a round trip.
type Metadata json.RawMessage

var ErrMetadataNotObject = errors.New("metadata must be a JSON object")

func (m Metadata) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return m, nil
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ErrMetadataNotObject
	}
	*m = append((*m)[:0], trimmed...)
	return nil
}

// LogRecord is a single stored log entry. Records are never modified after
// they are accepted.
type LogRecord struct {
	Level      Level     `json:"level"`
	Message    string    `json:"message"`
	ResourceID string    `json:"resourceId"`
	Timestamp  Timestamp `json:"timestamp"`
	TraceID    string    `json:"traceId"`
	SpanID     string    `json:"spanId"`
	Commit     string    `json:"commit"`
	Metadata   Metadata  `json:"metadata"`
}

// Collection is the full set of records, persisted as one unit.
type Collection []LogRecord
