package kvstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kvstore: store closed")

type record struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (r record) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && !now.Before(r.expiresAt)
}

// MemoryStore is a mutex-guarded in-process KVStore. Expired records stop
// being visible immediately; their memory is reclaimed by Sweep, by the
// background sweeper, or by an overwrite.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]record
	closed  bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]record)}
}

// Put stores a copy of value under key, replacing any previous record.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	rec := record{value: append([]byte(nil), value...)}
	if ttl > 0 {
		rec.expiresAt = time.Now().Add(ttl)
	}
	s.records[key] = rec
	return nil
}

// Get returns a copy of the value stored under key.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}

	rec, ok := s.records[key]
	if !ok || rec.expired(time.Now()) {
		return nil, false, nil
	}
	return append([]byte(nil), rec.value...), true, nil
}

// Delete removes key if present.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	delete(s.records, key)
	return nil
}

// Close marks the store closed and drops its records.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
	return nil
}

// Len reports the number of resident records, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Sweep removes expired records and reports how many were reclaimed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}

	now := time.Now()
	removed := 0
	for key, rec := range s.records {
		if rec.expired(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed
}

// StartSweeper starts a background goroutine that calls Sweep every
// interval. Returns a stop function that must be called to stop it.
func (s *MemoryStore) StartSweeper(interval time.Duration) func() {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}
