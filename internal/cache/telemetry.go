package cache

import (
	"sort"
	"sync"
	"time"
)

// sampleRingSize bounds the response-time sample window.
const sampleRingSize = 1000

// trafficCount tracks hit/total counters for one endpoint or model.
type trafficCount struct {
	Hits  int64 `json:"hits"`
	Total int64 `json:"total"`
}

// TopEntry is one row in a top-by-traffic listing.
type TopEntry struct {
	Name  string `json:"name"`
	Total int64  `json:"total"`
	Hits  int64  `json:"hits"`
}

// Stats is the snapshot returned by [RequestCache.Stats].
type Stats struct {
	Hits            int64                   `json:"hits"`
	Misses          int64                   `json:"misses"`
	Errors          int64                   `json:"errors"`
	HitRate         float64                 `json:"hit_rate"`
	MissRate        float64                 `json:"miss_rate"`
	ErrorRate       float64                 `json:"error_rate"`
	RequestsPerSec  float64                 `json:"requests_per_second"`
	AvgResponseTime time.Duration           `json:"avg_response_time"`
	Entries         int                     `json:"entries"`
	HitsByEndpoint  map[string]int64        `json:"hits_by_endpoint"`
	HitsByModel     map[string]int64        `json:"hits_by_model"`
	ErrorsByType    map[string]int64        `json:"errors_by_type"`
	TopEndpoints    []TopEntry              `json:"top_endpoints"`
	TopModels       []TopEntry              `json:"top_models"`
	Uptime          time.Duration           `json:"uptime"`
}

// telemetry aggregates cache traffic counters. Safe for concurrent use.
type telemetry struct {
	mu sync.Mutex

	hits, misses int64
	errorsByType map[string]int64
	byEndpoint   map[string]*trafficCount
	byModel      map[string]*trafficCount

	samples [sampleRingSize]time.Duration
	sampleN int // total samples observed, ring holds min(sampleN, size)

	started time.Time
	now     func() time.Time
}

func newTelemetry() *telemetry {
	t := &telemetry{
		errorsByType: make(map[string]int64),
		byEndpoint:   make(map[string]*trafficCount),
		byModel:      make(map[string]*trafficCount),
		now:          time.Now,
	}
	t.started = t.now()
	return t
}

func (t *telemetry) lookup(endpoint, model string, hit bool, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if hit {
		t.hits++
	} else {
		t.misses++
	}
	t.bump(t.byEndpoint, endpoint, hit)
	if model != "" {
		t.bump(t.byModel, model, hit)
	}
	t.samples[t.sampleN%sampleRingSize] = elapsed
	t.sampleN++
}

func (t *telemetry) bump(m map[string]*trafficCount, name string, hit bool) {
	c, ok := m[name]
	if !ok {
		c = &trafficCount{}
		m[name] = c
	}
	c.Total++
	if hit {
		c.Hits++
	}
}

// errorf records one failure under an "operation:ErrorName" bucket.
func (t *telemetry) errorf(bucket string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorsByType[bucket]++
}

func (t *telemetry) snapshot(entries int) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs int64
	errorsByType := make(map[string]int64, len(t.errorsByType))
	for k, v := range t.errorsByType {
		errorsByType[k] = v
		errs += v
	}

	total := t.hits + t.misses
	s := Stats{
		Hits:           t.hits,
		Misses:         t.misses,
		Errors:         errs,
		Entries:        entries,
		HitsByEndpoint: make(map[string]int64, len(t.byEndpoint)),
		HitsByModel:    make(map[string]int64, len(t.byModel)),
		ErrorsByType:   errorsByType,
		Uptime:         t.now().Sub(t.started),
	}
	if total > 0 {
		s.HitRate = float64(t.hits) / float64(total)
		s.MissRate = float64(t.misses) / float64(total)
		s.ErrorRate = float64(errs) / float64(total)
	}
	if secs := s.Uptime.Seconds(); secs > 0 {
		s.RequestsPerSec = float64(total) / secs
	}

	n := t.sampleN
	if n > sampleRingSize {
		n = sampleRingSize
	}
	if n > 0 {
		var sum time.Duration
		for i := 0; i < n; i++ {
			sum += t.samples[i]
		}
		s.AvgResponseTime = sum / time.Duration(n)
	}

	for name, c := range t.byEndpoint {
		s.HitsByEndpoint[name] = c.Hits
	}
	for name, c := range t.byModel {
		s.HitsByModel[name] = c.Hits
	}
	s.TopEndpoints = topN(t.byEndpoint, 10)
	s.TopModels = topN(t.byModel, 10)
	return s
}

// topN returns the n busiest entries by total traffic, ties broken by name.
func topN(m map[string]*trafficCount, n int) []TopEntry {
	out := make([]TopEntry, 0, len(m))
	for name, c := range m {
		out = append(out, TopEntry{Name: name, Total: c.Total, Hits: c.Hits})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
