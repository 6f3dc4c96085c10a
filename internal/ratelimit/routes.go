package ratelimit

import (
	"strings"
	"time"
)

// RouteClass identifies a group of routes sharing one limiter.
type RouteClass string

const (
	RouteChat       RouteClass = "chat"
	RouteEmbeddings RouteClass = "embeddings"
	RouteAudio      RouteClass = "audio"
	RouteModels     RouteClass = "models"
	RouteHealth     RouteClass = "health"
	RouteOther      RouteClass = "other"
)

// ClassifyPath maps a request path to its route class.
func ClassifyPath(path string) RouteClass {
	switch {
	case strings.HasPrefix(path, "/v1/chat/completions"):
		return RouteChat
	case strings.HasPrefix(path, "/v1/embeddings"):
		return RouteEmbeddings
	case strings.HasPrefix(path, "/v1/audio/"):
		return RouteAudio
	case strings.HasPrefix(path, "/v1/models"):
		return RouteModels
	case path == "/health" || strings.HasPrefix(path, "/health/"):
		return RouteHealth
	default:
		return RouteOther
	}
}

// Set holds one limiter per route class plus the janitor that reaps them.
type Set struct {
	limiters map[RouteClass]Limiter
	janitor  *Janitor
}

// NewDefaultSet builds the default route-to-strategy mapping:
//
//	chat        token bucket  capacity 120, refill 60/min
//	embeddings  fixed window  30/min
//	audio       sliding window 20 per 5 min
//	models      fixed window  200/min
//	health      fixed window  300/min
//	other       fixed window  100 per 15 min
func NewDefaultSet() *Set {
	limiters := map[RouteClass]Limiter{
		RouteChat:       NewTokenBucket(120, 60, time.Minute),
		RouteEmbeddings: NewFixedWindow(time.Minute, 30),
		RouteAudio:      NewSlidingWindow(5*time.Minute, 20),
		RouteModels:     NewFixedWindow(time.Minute, 200),
		RouteHealth:     NewFixedWindow(time.Minute, 300),
		RouteOther:      NewFixedWindow(15*time.Minute, 100),
	}
	all := make([]Limiter, 0, len(limiters))
	for _, l := range limiters {
		all = append(all, l)
	}
	return &Set{
		limiters: limiters,
		janitor:  NewJanitor(time.Hour, all...),
	}
}

// For returns the limiter for the given route class, falling back to the
// "other" limiter for unknown classes.
func (s *Set) For(class RouteClass) Limiter {
	if l, ok := s.limiters[class]; ok {
		return l
	}
	return s.limiters[RouteOther]
}

// Start launches the bucket janitor.
func (s *Set) Start() { s.janitor.Start() }

// Stop terminates the bucket janitor.
func (s *Set) Stop() { s.janitor.Stop() }
