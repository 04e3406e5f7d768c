package engine

import (
	"sort"
	"time"

	"github.com/coffersTech/logbook/internal/model"
)

// Execute scans snapshot once and returns the matching records, newest first.
// Records with equal instants keep their stored order. The result never
// aliases snapshot and is never nil.
func Execute(snapshot model.Collection, f Filter) []model.LogRecord {
	result := make([]model.LogRecord, 0)
	for i := range snapshot {
		if f.Match(&snapshot[i]) {
			result = append(result, snapshot[i])
		}
	}

	sortNewestFirst(result)

	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result
}

func sortNewestFirst(records []model.LogRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Time().After(records[j].Timestamp.Time())
	})
}

// ContextResult is a record and its neighbours in time.
type ContextResult struct {
	Pre    []model.LogRecord `json:"pre"`
	Anchor *model.LogRecord  `json:"anchor"`
	Post   []model.LogRecord `json:"post"`
}

// Context finds the record closest to at among those matching f and returns
// up to limit records on either side of it, oldest first. Anchor is nil when
// nothing matches.
func Context(snapshot model.Collection, f Filter, at time.Time, limit int) ContextResult {
	if limit <= 0 {
		limit = 10
	}
	f.Limit = 0

	rows := Execute(snapshot, f)
	// Execute returns newest first; walk oldest first from here on.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}

	result := ContextResult{
		Pre:  make([]model.LogRecord, 0, limit),
		Post: make([]model.LogRecord, 0, limit),
	}
	if len(rows) == 0 {
		return result
	}

	anchor := len(rows) - 1
	for i := range rows {
		t := rows[i].Timestamp.Time()
		if t.Before(at) {
			continue
		}
		anchor = i
		if i > 0 && at.Sub(rows[i-1].Timestamp.Time()) < t.Sub(at) {
			anchor = i - 1
		}
		break
	}
	result.Anchor = &rows[anchor]

	result.Pre = append(result.Pre, rows[max(0, anchor-limit):anchor]...)
	result.Post = append(result.Post, rows[anchor+1:min(len(rows), anchor+limit+1)]...)
	return result
}
