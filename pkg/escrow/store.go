package escrow

import (
	"context"
	"sync"
	"time"
)

// Store persists escrow entries keyed by (tenant_id, author_uuid).
type Store interface {
	// Upsert inserts e unless an entry for its key exists. Existing entries
	// are never overwritten; created reports whether e was written.
	Upsert(ctx context.Context, e Entry) (created bool, err error)
	// Get returns (nil, nil) when no entry exists.
	Get(ctx context.Context, tenantID, authorUUID string) (*Entry, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Count(ctx context.Context, tenantID string) (int64, error)
	// Atomic reports whether Upsert is an atomic insert-if-absent. Writers
	// serialize per tenant when it is not.
	Atomic() bool
}

type key struct{ tenant, author string }

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[key]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[key]Entry)}
}

func (s *MemoryStore) Upsert(_ context.Context, e Entry) (bool, error) {
	if err := e.validate(); err != nil {
		return false, err
	}
	k := key{e.TenantID, e.AuthorUUID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[k]; ok {
		return false, nil
	}
	s.entries[k] = e
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, tenantID, authorUUID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key{tenantID, authorUUID}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Count(_ context.Context, tenantID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for k := range s.entries {
		if k.tenant == tenantID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Atomic() bool { return true }
