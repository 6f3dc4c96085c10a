package auth

import (
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/httperr"
)

// usageRetention is how long usage windows are kept before reaping.
const usageRetention = 7 * 24 * time.Hour

// Usage holds request and token counts for one window.
type Usage struct {
	Requests int64
	Tokens   int64
}

// UsageTracker aggregates per-key usage in daily and hourly windows and
// answers quota checks. Counters are monotonic within a window; windows older
// than seven days are reaped. Safe for concurrent use.
type UsageTracker struct {
	mu sync.Mutex

	// counters maps keyID → window label → counts. Labels are UTC and take
	// the form "2026-08-24" for days and "2026-08-24T15" for hours.
	counters map[string]map[string]*Usage

	now func() time.Time
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		counters: make(map[string]map[string]*Usage),
		now:      time.Now,
	}
}

func dayLabel(t time.Time) string  { return t.UTC().Format("2006-01-02") }
func hourLabel(t time.Time) string { return t.UTC().Format("2006-01-02T15") }

func (u *UsageTracker) bucket(keyID, label string) *Usage {
	byWindow, ok := u.counters[keyID]
	if !ok {
		byWindow = make(map[string]*Usage)
		u.counters[keyID] = byWindow
	}
	usage, ok := byWindow[label]
	if !ok {
		usage = &Usage{}
		byWindow[label] = usage
	}
	return usage
}

// RecordRequest increments the request counters for both current windows.
// Called pre-dispatch, after the quota check admits.
func (u *UsageTracker) RecordRequest(keyID string) {
	now := u.now()
	u.mu.Lock()
	defer u.mu.Unlock()
	u.bucket(keyID, dayLabel(now)).Requests++
	u.bucket(keyID, hourLabel(now)).Requests++
}

// RecordTokens adds n tokens to both current windows. Called post-response
// when the provider reports usage.
func (u *UsageTracker) RecordTokens(keyID string, n int64) {
	if n <= 0 {
		return
	}
	now := u.now()
	u.mu.Lock()
	defer u.mu.Unlock()
	u.bucket(keyID, dayLabel(now)).Tokens += n
	u.bucket(keyID, hourLabel(now)).Tokens += n
}

// Snapshot returns the current hourly and daily usage for keyID.
func (u *UsageTracker) Snapshot(keyID string) (hourly, daily Usage) {
	now := u.now()
	u.mu.Lock()
	defer u.mu.Unlock()
	if byWindow, ok := u.counters[keyID]; ok {
		if c, ok := byWindow[hourLabel(now)]; ok {
			hourly = *c
		}
		if c, ok := byWindow[dayLabel(now)]; ok {
			daily = *c
		}
	}
	return hourly, daily
}

// CheckQuota verifies that admitting one more request (and, optionally,
// projected tokens) stays within q. A request landing exactly on the limit is
// admitted; the one after fails with a quota error carrying the reset time of
// the breached window.
func (u *UsageTracker) CheckQuota(keyID string, q Quota) error {
	now := u.now()
	hourly, daily := u.Snapshot(keyID)

	nextHour := now.UTC().Truncate(time.Hour).Add(time.Hour)
	nextDay := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)

	type check struct {
		limit     int64
		used      int64
		dimension string
		window    string
		reset     time.Time
	}
	checks := []check{
		{q.RequestsPerHour, hourly.Requests, "requests", "hourly", nextHour},
		{q.RequestsPerDay, daily.Requests, "requests", "daily", nextDay},
		{q.TokensPerHour, hourly.Tokens, "tokens", "hourly", nextHour},
		{q.TokensPerDay, daily.Tokens, "tokens", "daily", nextDay},
	}
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		if c.used >= c.limit {
			return httperr.QuotaExceeded(httperr.QuotaDetails{
				Limit:     c.limit,
				Used:      c.used,
				Dimension: c.dimension,
				Window:    c.window,
				ResetTime: c.reset.Format(time.RFC3339),
			}, c.reset)
		}
	}
	return nil
}

// Reap removes windows older than the retention period and returns how many
// were dropped.
func (u *UsageTracker) Reap() int {
	cutoff := u.now().Add(-usageRetention)
	cutoffDay := dayLabel(cutoff)

	u.mu.Lock()
	defer u.mu.Unlock()

	removed := 0
	for keyID, byWindow := range u.counters {
		for label := range byWindow {
			// Both label forms sort lexicographically by time, so a plain
			// string compare against the cutoff day suffices.
			if label < cutoffDay {
				delete(byWindow, label)
				removed++
			}
		}
		if len(byWindow) == 0 {
			delete(u.counters, keyID)
		}
	}
	return removed
}
