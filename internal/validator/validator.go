package validator

import (
	"fmt"

	"github.com/coffersTech/logbook/internal/model"
	"github.com/valyala/fastjson"
)

// requiredFields is checked in this order; the first missing one is reported.
var requiredFields = []string{
	"level",
	"message",
	"resourceId",
	"timestamp",
	"traceId",
	"spanId",
	"commit",
	"metadata",
}

// stringFields must hold JSON strings. level and timestamp are checked by
// their own rules first.
var stringFields = []string{"message", "resourceId", "traceId", "spanId", "commit"}

// ValidationError reports the first check a candidate record failed.
type ValidationError struct {
	Field  string
	Reason string
	// Index is the position inside a batch, -1 for a single record.
	Index int
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("record %d: %s", e.Index, e.Reason)
	}
	return e.Reason
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...), Index: -1}
}

var parserPool fastjson.ParserPool

// Parse validates a single JSON-encoded record.
func Parse(data []byte) (model.LogRecord, error) {
	p := parserPool.Get()
	defer parserPool.Put(p)

	v, err := p.ParseBytes(data)
	if err != nil {
		return model.LogRecord{}, invalid("", "invalid JSON: %v", err)
	}
	return Validate(v)
}

// ParseBatch validates a JSON object or an array of objects. Nothing is
// returned unless every element passes.
func ParseBatch(data []byte) ([]model.LogRecord, error) {
	p := parserPool.Get()
	defer parserPool.Put(p)

	v, err := p.ParseBytes(data)
	if err != nil {
		return nil, invalid("", "invalid JSON: %v", err)
	}

	if v.Type() != fastjson.TypeArray {
		rec, err := Validate(v)
		if err != nil {
			return nil, err
		}
		return []model.LogRecord{rec}, nil
	}

	arr, _ := v.Array()
	if len(arr) == 0 {
		return nil, invalid("", "batch must contain at least one record")
	}
	records := make([]model.LogRecord, 0, len(arr))
	for i, item := range arr {
		rec, err := Validate(item)
		if err != nil {
			verr := err.(*ValidationError)
			verr.Index = i
			return nil, verr
		}
		records = append(records, rec)
	}
	return records, nil
}

// Validate narrows an untyped JSON value into a LogRecord. Checks run in a
// fixed order and stop at the first failure: presence of every required
// field, level, timestamp, metadata shape, then string-typed fields.
func Validate(v *fastjson.Value) (model.LogRecord, error) {
	if v == nil || v.Type() != fastjson.TypeObject {
		return model.LogRecord{}, invalid("", "record must be a JSON object")
	}

	for _, field := range requiredFields {
		f := v.Get(field)
		if f == nil || f.Type() == fastjson.TypeNull {
			return model.LogRecord{}, invalid(field, "missing required field %q", field)
		}
	}

	levelVal := v.Get("level")
	levelStr, ok := stringOf(levelVal)
	level, known := model.ParseLevel(levelStr)
	if !ok || !known {
		return model.LogRecord{}, invalid("level", "invalid level %s: must be one of %s", levelVal.String(), model.LevelNames())
	}

	tsVal := v.Get("timestamp")
	tsStr, ok := stringOf(tsVal)
	if !ok {
		return model.LogRecord{}, invalid("timestamp", "invalid timestamp %s: must be an RFC 3339 date-time with a time zone", tsVal.String())
	}
	ts, err := model.ParseTimestamp(tsStr)
	if err != nil {
		return model.LogRecord{}, invalid("timestamp", "invalid timestamp %q: must be an RFC 3339 date-time with a time zone", tsStr)
	}

	metaVal := v.Get("metadata")
	if metaVal.Type() != fastjson.TypeObject {
		return model.LogRecord{}, invalid("metadata", "metadata must be a JSON object")
	}

	strs := make(map[string]string, len(stringFields))
	for _, field := range stringFields {
		s, ok := stringOf(v.Get(field))
		if !ok {
			return model.LogRecord{}, invalid(field, "field %q must be a string", field)
		}
		strs[field] = s
	}

	return model.LogRecord{
		Level:      level,
		Message:    strs["message"],
		ResourceID: strs["resourceId"],
		Timestamp:  ts,
		TraceID:    strs["traceId"],
		SpanID:     strs["spanId"],
		Commit:     strs["commit"],
		// MarshalTo copies out of the parser's buffer and keeps key order.
		Metadata: model.Metadata(metaVal.MarshalTo(nil)),
	}, nil
}

// stringOf copies the string out of v; the parser reuses its buffer.
func stringOf(v *fastjson.Value) (string, bool) {
	b, err := v.StringBytes()
	if err != nil {
		return "", false
	}
	return string(b), true
}
