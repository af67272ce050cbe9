// Package cache implements the call-caching index (spec §4.C): a
// fingerprint maps to an ordered list of PriorResult candidates,
// most-recent-first, so a stale or invalid candidate falls through to
// the next one instead of failing the lookup outright.
//
// The in-memory Index is grounded on the teacher's ResultCache
// (dag_engine.go): LRU-by-last-use eviction plus a TTL sweep goroutine.
// It generalizes single-result Get/Put to ordered multi-candidate
// Lookup/Record, since a Call fingerprint can collide across many
// distinct workflow runs and the freshest candidate should be tried
// first.
package cache

import (
	"context"
	"sync"
	"time"
)

// Detritus is the fixed-keyed set of auxiliary paths every Call
// produces; all five are present on a successful Call (spec §3).
type Detritus struct {
	Script     string
	Stdout     string
	Stderr     string
	ReturnCode string
	CallRoot   string
}

// PriorResult is one previously observed outcome for a given
// fingerprint, eligible to be replayed as a cache hit.
type PriorResult struct {
	WorkflowID string
	CallKey    string
	Outputs    map[string]string // output name -> path/value reference
	Detritus   Detritus
	RecordedAt time.Time
}

// Index is the call-caching index: Lookup returns candidates for a
// fingerprint most-recent-first; Invalidate removes one that failed
// hit-copy so callers can fall through to the next candidate.
type Index interface {
	Lookup(ctx context.Context, fingerprint string) ([]PriorResult, error)
	Record(ctx context.Context, fingerprint string, result PriorResult) error
	Invalidate(ctx context.Context, fingerprint string, callKey string) error
}

type entry struct {
	results  []PriorResult // most-recent-first
	lastUsed time.Time
}

// MemIndex is an in-process, LRU+TTL call-cache index. Its entries live
// only for the engine process's lifetime; this module has no persistent
// Index implementation, so cache entries do not survive a restart.
type MemIndex struct {
	mu      sync.Mutex
	entries map[string]*entry
	maxSize int
	ttl     time.Duration
	stop    chan struct{}
}

// NewMemIndex starts an index with LRU eviction at maxSize entries and a
// background sweep evicting entries unused for longer than ttl.
func NewMemIndex(maxSize int, ttl time.Duration) *MemIndex {
	idx := &MemIndex{
		entries: make(map[string]*entry),
		maxSize: maxSize,
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go idx.sweep()
	return idx
}

// Close stops the background sweep goroutine.
func (idx *MemIndex) Close() {
	close(idx.stop)
}

func (idx *MemIndex) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-idx.stop:
			return
		case <-ticker.C:
			idx.mu.Lock()
			now := time.Now()
			for k, e := range idx.entries {
				if now.Sub(e.lastUsed) > idx.ttl {
					delete(idx.entries, k)
				}
			}
			idx.mu.Unlock()
		}
	}
}

func (idx *MemIndex) Lookup(_ context.Context, fingerprint string) ([]PriorResult, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[fingerprint]
	if !ok {
		return nil, nil
	}
	e.lastUsed = time.Now()
	out := make([]PriorResult, len(e.results))
	copy(out, e.results)
	return out, nil
}

func (idx *MemIndex) Record(_ context.Context, fingerprint string, result PriorResult) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[fingerprint]
	if !ok {
		if len(idx.entries) >= idx.maxSize {
			idx.evictOldestLocked()
		}
		e = &entry{}
		idx.entries[fingerprint] = e
	}
	e.lastUsed = time.Now()
	// Most-recent-first: prepend.
	e.results = append([]PriorResult{result}, e.results...)
	return nil
}

func (idx *MemIndex) Invalidate(_ context.Context, fingerprint string, callKey string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[fingerprint]
	if !ok {
		return nil
	}
	filtered := e.results[:0]
	for _, r := range e.results {
		if r.CallKey != callKey {
			filtered = append(filtered, r)
		}
	}
	e.results = filtered
	return nil
}

func (idx *MemIndex) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	for k, e := range idx.entries {
		if oldestKey == "" || e.lastUsed.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.lastUsed
		}
	}
	if oldestKey != "" {
		delete(idx.entries, oldestKey)
	}
}
