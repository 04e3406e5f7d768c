package engine

import (
	"sort"

	"github.com/coffersTech/logbook/internal/model"
)

// topResourcesLimit caps Stats.TopResources.
const topResourcesLimit = 10

// ResourceCount is one entry of Stats.TopResources.
type ResourceCount struct {
	ResourceID string `json:"resourceId"`
	Count      int    `json:"count"`
}

// Stats summarizes a snapshot for the dashboard.
type Stats struct {
	TotalLogs      int              `json:"total_logs"`
	LevelDist      map[string]int   `json:"level_dist"`
	TopResources   []ResourceCount  `json:"top_resources"`
	FirstTimestamp *model.Timestamp `json:"first_timestamp,omitempty"`
	LastTimestamp  *model.Timestamp `json:"last_timestamp,omitempty"`
	// DiskUsage is the size of the persisted image in bytes. Summarize
	// leaves it zero; the caller fills it from the store.
	DiskUsage int64 `json:"disk_usage"`
}

// Summarize computes Stats in one pass. Every known level is present in
// LevelDist, with zero when unused.
func Summarize(snapshot model.Collection) Stats {
	stats := Stats{
		TotalLogs:    len(snapshot),
		LevelDist:    make(map[string]int, len(model.Levels)),
		TopResources: make([]ResourceCount, 0),
	}
	for _, l := range model.Levels {
		stats.LevelDist[string(l)] = 0
	}

	resources := make(map[string]int)
	for i := range snapshot {
		rec := &snapshot[i]
		stats.LevelDist[string(rec.Level)]++
		resources[rec.ResourceID]++

		at := rec.Timestamp.Time()
		if stats.FirstTimestamp == nil || at.Before(stats.FirstTimestamp.Time()) {
			ts := rec.Timestamp
			stats.FirstTimestamp = &ts
		}
		if stats.LastTimestamp == nil || at.After(stats.LastTimestamp.Time()) {
			ts := rec.Timestamp
			stats.LastTimestamp = &ts
		}
	}

	for id, n := range resources {
		stats.TopResources = append(stats.TopResources, ResourceCount{ResourceID: id, Count: n})
	}
	sort.Slice(stats.TopResources, func(i, j int) bool {
		a, b := stats.TopResources[i], stats.TopResources[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.ResourceID < b.ResourceID
	})
	if len(stats.TopResources) > topResourcesLimit {
		stats.TopResources = stats.TopResources[:topResourcesLimit]
	}
	return stats
}
