package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process. It backs tests and the single-instance memory driver.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty memory-backed idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	id := compositeKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok || record.expired(now) {
		record = pendingRecord(key, fingerprint, now, effectiveTTL(ttl))
		s.records[id] = record
		return Reservation{State: ReservationStateNew, Record: record}, nil
	}
	return classify(record, fingerprint)
}

func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	id := compositeKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if ok && record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	if !ok {
		record = Record{Key: key, Fingerprint: fingerprint}
	}
	s.records[id] = complete(record, resp, now, effectiveTTL(ttl))
	return nil
}

// CleanupExpired removes up to limit expired records. A non-positive limit removes all of them.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, record := range s.records {
		if record.ExpiresAt.IsZero() || !record.expired(now) {
			continue
		}
		delete(s.records, id)
		removed++
		if limit > 0 && removed >= limit {
			break
		}
	}
	return removed, nil
}

// Release deletes the reservation held by fingerprint so the client may retry.
func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	id := compositeKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.records[id]; ok && record.Fingerprint == fingerprint {
		delete(s.records, id)
	}
	return nil
}

// Len reports how many records are held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
