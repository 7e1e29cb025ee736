// Package ratelimit provides a sliding-window limiter over an LRU-bounded
// key map. Keys are source addresses for the webhook endpoint and
// workspace ids for the LM analyzer.
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxKeys bounds the process-wide key map; least-recently-seen keys are
// evicted, which at worst grants an evicted abuser a fresh window.
const maxKeys = 4096

// SlidingWindow allows at most limit events per key within the window.
type SlidingWindow struct {
	mu     sync.Mutex
	keys   *lru.Cache[string, []time.Time]
	limit  int
	window time.Duration
	now    func() time.Time
}

// New creates a limiter allowing limit events per window per key.
func New(limit int, window time.Duration) *SlidingWindow {
	cache, _ := lru.New[string, []time.Time](maxKeys)
	return &SlidingWindow{
		keys:   cache,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records an event for key and reports whether it fits the window.
func (s *SlidingWindow) Allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-s.window)

	stamps, _ := s.keys.Get(key)
	live := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	if len(live) >= s.limit {
		s.keys.Add(key, live)
		return false
	}
	live = append(live, now)
	s.keys.Add(key, live)
	return true
}
