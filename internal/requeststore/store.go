// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package requeststore is a process-wide map of per-request trace metadata
// keyed by the host framework's call id. It bridges state across callback
// boundaries that share nothing but the call id.
package requeststore

import (
	"sync"
	"time"
)

// DefaultTTL is how long an entry survives after its last write.
const DefaultTTL = 60 * time.Second

type record struct {
	data      map[string]any
	updatedAt time.Time
}

// Store is a TTL map of call id to trace metadata. Eviction piggybacks on
// writes; readers get the last value or an empty map.
type Store struct {
	mu      sync.Mutex
	entries map[string]record
	ttl     time.Duration

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a Store with the given TTL; zero means DefaultTTL.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{entries: make(map[string]record), ttl: ttl, now: time.Now}
}

// Set merges the given metadata into the entry for callID and evicts expired
// entries opportunistically.
func (s *Store) Set(callID string, metadata map[string]any) {
	if callID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, rec := range s.entries {
		if now.Sub(rec.updatedAt) >= s.ttl {
			delete(s.entries, id)
		}
	}
	rec, ok := s.entries[callID]
	if !ok {
		rec = record{data: make(map[string]any)}
	}
	for k, v := range metadata {
		rec.data[k] = v
	}
	rec.updatedAt = now
	s.entries[callID] = rec
}

// Get returns a copy of the metadata for callID, or an empty map.
func (s *Store) Get(callID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entries[callID]
	out := make(map[string]any, len(rec.data))
	if !ok {
		return out
	}
	for k, v := range rec.data {
		out[k] = v
	}
	return out
}

// Len returns the live entry count. For tests and diagnostics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
