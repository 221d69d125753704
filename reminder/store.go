// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package reminder

import (
	"sort"
	"sync"
	"time"
)

// Entry is the recorded status of one occurrence
type Entry struct {
	Key          OccurrenceKey `json:"key"`
	Status       DoseStatus    `json:"status"`
	LastActionAt time.Time     `json:"lastActionAt"`
}

// StateStore holds what the user did with each occurrence.
// Get never fails: unknown keys and read errors fall back to InferStatus.
type StateStore interface {
	Get(key OccurrenceKey) DoseStatus
	Lookup(key OccurrenceKey) (Entry, bool)
	Set(key OccurrenceKey, status DoseStatus, at time.Time) error
	Clear(key OccurrenceKey) error
	Entries() ([]Entry, error)
}

// MemoryStateStore is a StateStore kept in process memory
type MemoryStateStore struct {
	mu      sync.RWMutex
	entries map[OccurrenceKey]Entry
	now     func() time.Time
}

// NewMemoryStateStore creates an empty store; now defaults to time.Now.
func NewMemoryStateStore(now func() time.Time) *MemoryStateStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStateStore{entries: make(map[OccurrenceKey]Entry), now: now}
}

func (s *MemoryStateStore) Get(key OccurrenceKey) DoseStatus {
	if e, ok := s.Lookup(key); ok {
		return e.Status
	}
	return InferStatus(key, s.now())
}

func (s *MemoryStateStore) Lookup(key OccurrenceKey) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

func (s *MemoryStateStore) Set(key OccurrenceKey, status DoseStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = Entry{Key: key, Status: status, LastActionAt: at}
	return nil
}

func (s *MemoryStateStore) Clear(key OccurrenceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Entries returns all entries ordered by key
func (s *MemoryStateStore) Entries() ([]Entry, error) {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}
