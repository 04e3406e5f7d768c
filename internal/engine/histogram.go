package engine

import (
	"errors"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/coffersTech/logbook/internal/model"
)

// maxHistogramBuckets bounds the span/interval ratio of one request.
const maxHistogramBuckets = 10000

var ErrInvalidHistogram = errors.New("invalid histogram range")

type HistogramPoint struct {
	Time  time.Time `json:"time"`
	Count int       `json:"count"`
}

// ComputeHistogram counts records matching f in [start, end] per interval,
// aligned to multiples of interval since the Unix epoch. Only non-empty
// buckets are returned, in ascending time order.
func ComputeHistogram(snapshot model.Collection, f Filter, start, end time.Time, interval time.Duration) ([]HistogramPoint, error) {
	if interval <= 0 || end.Before(start) {
		return nil, ErrInvalidHistogram
	}
	span := end.Sub(start)
	if span == math.MaxInt64 || span/interval > maxHistogramBuckets {
		return nil, ErrInvalidHistogram
	}

	// Buckets are offsets from origin, so instants outside the UnixNano
	// range still land in the right place.
	origin := alignToEpoch(start, interval)

	buckets := make(map[int64]int)
	for i := range snapshot {
		rec := &snapshot[i]
		at := rec.Timestamp.Time()
		if at.Before(start) || at.After(end) || !f.Match(rec) {
			continue
		}
		buckets[int64(at.Sub(origin)/interval)]++
	}

	points := make([]HistogramPoint, 0, len(buckets))
	for k, c := range buckets {
		points = append(points, HistogramPoint{
			Time:  origin.Add(time.Duration(k) * interval).UTC(),
			Count: c,
		})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Time.Before(points[j].Time)
	})
	return points, nil
}

// alignToEpoch returns the start of the epoch-aligned interval containing t.
// The nanosecond offset from the epoch can exceed int64, hence big.Int.
func alignToEpoch(t time.Time, interval time.Duration) time.Time {
	ns := new(big.Int).Mul(big.NewInt(t.Unix()), big.NewInt(int64(time.Second)))
	ns.Add(ns, big.NewInt(int64(t.Nanosecond())))
	rem := new(big.Int).Mod(ns, big.NewInt(int64(interval)))
	return t.Add(-time.Duration(rem.Int64()))
}
