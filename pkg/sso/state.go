package sso

import (
	"context"
	"sync"
	"time"
)

// StateStore is the TTL-bound, single-use correlation store for redirect
// protocol steps (OAuth2 state, SAML request IDs).
//
// Consume must be an atomic get-and-delete: two concurrent requests
// presenting the same key must not both succeed.
type StateStore interface {
	// Put stores a protocol state under its ID for StateTTL.
	Put(ctx context.Context, state *ProtocolState) error

	// Consume atomically fetches and deletes the state. A missing, already
	// consumed, or expired key yields a ProtocolError with invalid_state.
	Consume(ctx context.Context, id string) (*ProtocolState, error)

	// Cleanup removes expired entries and reports how many were dropped.
	// Intended to be driven by an external scheduler.
	Cleanup(ctx context.Context) (int, error)
}

// MemoryStateStore is a mutex-guarded in-process StateStore for
// single-instance deployments.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]*ProtocolState
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStateStore creates an in-memory state store with the default TTL
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		entries: make(map[string]*ProtocolState),
		ttl:     StateTTL,
		now:     time.Now,
	}
}

// Put stores a protocol state
func (s *MemoryStateStore) Put(_ context.Context, state *ProtocolState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = s.now()
	}
	s.entries[state.ID] = state
	return nil
}

// Consume atomically fetches and deletes a protocol state
func (s *MemoryStateStore) Consume(_ context.Context, id string) (*ProtocolState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.entries[id]
	if !ok {
		return nil, protocolErr(CodeInvalidState, "unknown or already consumed state %q", id)
	}
	delete(s.entries, id)

	if s.now().Sub(state.CreatedAt) > s.ttl {
		return nil, protocolErr(CodeInvalidState, "state %q expired", id)
	}
	return state, nil
}

// Cleanup drops expired entries
func (s *MemoryStateStore) Cleanup(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	cutoff := s.now().Add(-s.ttl)
	for id, state := range s.entries {
		if state.CreatedAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}
