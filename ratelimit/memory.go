package ratelimit

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v2"
)

// MemoryStore keeps windows in process memory. Each identity is updated
// under its own bucket lock so identities never contend with each other.
type MemoryStore struct {
	cfg     Config
	windows *xsync.MapOf[string, []time.Time]
}

func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{
		cfg:     cfg.withDefaults(),
		windows: xsync.NewMapOf[[]time.Time](),
	}
}

func (s *MemoryStore) Allow(_ context.Context, identity string, now time.Time) (bool, error) {
	cutoff := now.Add(-s.cfg.Window)
	allowed := false
	s.windows.Compute(identity, func(stamps []time.Time, _ bool) ([]time.Time, bool) {
		stamps = prune(stamps, cutoff)
		if len(stamps) >= s.cfg.MaxRequests {
			return stamps, false
		}
		allowed = true
		return append(stamps, now), false
	})
	return allowed, nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.cfg.Window)
	var keys []string
	s.windows.Range(func(key string, _ []time.Time) bool {
		keys = append(keys, key)
		return true
	})
	removed := 0
	for _, key := range keys {
		s.windows.Compute(key, func(stamps []time.Time, loaded bool) ([]time.Time, bool) {
			if !loaded {
				return nil, true
			}
			stamps = prune(stamps, cutoff)
			if len(stamps) == 0 {
				removed++
				return nil, true
			}
			return stamps, false
		})
	}
	return removed, nil
}

// Len is the number of identities currently tracked.
func (s *MemoryStore) Len() int {
	return s.windows.Size()
}

// Count is the number of requests recorded for identity that are still
// inside the window at now.
func (s *MemoryStore) Count(identity string, now time.Time) int {
	cutoff := now.Add(-s.cfg.Window)
	n := 0
	s.windows.Compute(identity, func(stamps []time.Time, loaded bool) ([]time.Time, bool) {
		if !loaded {
			return nil, true
		}
		for _, ts := range stamps {
			if ts.After(cutoff) {
				n++
			}
		}
		return stamps, false
	})
	return n
}

// prune drops timestamps at or before cutoff. Timestamps are appended in
// call order so the slice is mostly sorted, but concurrent callers may pass
// slightly out-of-order times; every entry is checked.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
