package models

import (
	"time"
)

// DefaultFreshnessWindow is how long a rendered timetable is served from cache.
const DefaultFreshnessWindow = 5 * time.Hour

// CacheEntry points at the most recent render of a fingerprint.
type CacheEntry struct {
	Fingerprint     string        `json:"fingerprint"`
	Locator         string        `json:"locator"`
	CreatedAt       time.Time     `json:"created_at"`
	FreshnessWindow time.Duration `json:"freshness_window"`
}

// IsExpired reports whether the entry is older than its freshness window at now.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	window := e.FreshnessWindow
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return now.Sub(e.CreatedAt) > window
}
