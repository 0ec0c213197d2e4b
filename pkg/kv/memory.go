// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often the background cleanup runs.
const DefaultCleanupInterval = 5 * time.Minute

// timedEntry wraps a value with its expiry for TTL tracking.
// A zero expiresAt means the entry never expires.
type timedEntry struct {
	value     string
	expiresAt time.Time
}

func (e *timedEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// counterEntry tracks a fixed-window counter.
type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// setEntry tracks a string set with a shared expiry.
type setEntry struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// MemoryStore implements Store with in-memory maps.
// It is thread-safe and suitable for development and testing; production
// deployments use the Redis backend.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]*timedEntry
	counters map[string]*counterEntry
	sets     map[string]*setEntry

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryStoreOption configures a MemoryStore instance.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStore creates a MemoryStore and starts its background cleanup
// goroutine. Call Close when the store is no longer needed.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries:         make(map[string]*timedEntry),
		counters:        make(map[string]*counterEntry),
		sets:            make(map[string]*setEntry),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()
	return s
}

// Ping is a no-op for in-memory storage since it is always available.
func (*MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes expired entries. Keys are collected under the read
// lock first to keep the write lock hold time short.
func (s *MemoryStore) cleanupExpired() {
	now := time.Now()

	s.mu.RLock()
	var expiredEntries, expiredCounters, expiredSets []string
	for k, v := range s.entries {
		if v.expired(now) {
			expiredEntries = append(expiredEntries, k)
		}
	}
	for k, v := range s.counters {
		if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
			expiredCounters = append(expiredCounters, k)
		}
	}
	for k, v := range s.sets {
		if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
			expiredSets = append(expiredSets, k)
		}
	}
	s.mu.RUnlock()

	if len(expiredEntries) == 0 && len(expiredCounters) == 0 && len(expiredSets) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range expiredEntries {
		delete(s.entries, k)
	}
	for _, k := range expiredCounters {
		delete(s.counters, k)
	}
	for _, k := range expiredSets {
		delete(s.sets, k)
	}
}

// Get returns the value for key, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok || entry.expired(time.Now()) {
		return "", ErrNotFound
	}
	return entry.value, nil
}

// Set stores value under key.
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = newEntry(value, ttl)
	return nil
}

// SetNX stores value only if key does not exist.
func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok && !entry.expired(time.Now()) {
		return false, nil
	}
	s.entries[key] = newEntry(value, ttl)
	return true, nil
}

// GetDel atomically returns and removes the value for key.
func (s *MemoryStore) GetDel(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.expired(time.Now()) {
		return "", ErrNotFound
	}
	delete(s.entries, key)
	return entry.value, nil
}

// Delete removes key. Missing keys are not an error.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// CompareAndDelete removes key only if it currently holds expect.
func (s *MemoryStore) CompareAndDelete(_ context.Context, key, expect string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.expired(time.Now()) || entry.value != expect {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// Incr increments the fixed-window counter at key.
func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	counter, ok := s.counters[key]
	if !ok || (!counter.expiresAt.IsZero() && now.After(counter.expiresAt)) {
		counter = &counterEntry{}
		if ttl > 0 {
			counter.expiresAt = now.Add(ttl)
		}
		s.counters[key] = counter
	}
	counter.count++
	return counter.count, nil
}

// SetAdd adds member to the set at key.
func (s *MemoryStore) SetAdd(_ context.Context, key, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	set, ok := s.sets[key]
	if !ok || (!set.expiresAt.IsZero() && now.After(set.expiresAt)) {
		set = &setEntry{members: make(map[string]struct{})}
		s.sets[key] = set
	}
	set.members[member] = struct{}{}
	if ttl > 0 {
		set.expiresAt = now.Add(ttl)
	} else {
		set.expiresAt = time.Time{}
	}
	return nil
}

// SetMembers returns all members of the set at key.
func (s *MemoryStore) SetMembers(_ context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.sets[key]
	if !ok || (!set.expiresAt.IsZero() && time.Now().After(set.expiresAt)) {
		return nil, nil
	}
	members := make([]string, 0, len(set.members))
	for m := range set.members {
		members = append(members, m)
	}
	return members, nil
}

// SetRemove removes member from the set at key.
func (s *MemoryStore) SetRemove(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if set, ok := s.sets[key]; ok {
		delete(set.members, member)
		if len(set.members) == 0 {
			delete(s.sets, key)
		}
	}
	return nil
}

func newEntry(value string, ttl time.Duration) *timedEntry {
	entry := &timedEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	return entry
}

// Compile-time interface compliance check.
var _ Store = (*MemoryStore)(nil)
