// Package session persists per-platform, per-account authentication state so
// interactive login is needed only once per account.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/bettaflow/mediaspider/internal/model"
)

// Record holds the serialized auth state for one (platform, account) pair.
type Record struct {
	Platform model.Platform `json:"platform"`
	Account  string         `json:"account"`
	// AuthState carries the serialized cookie jar exported from the browser.
	AuthState     []byte    `json:"auth_state"`
	UserAgent     string    `json:"user_agent,omitempty"`
	SavedAt       time.Time `json:"saved_at"`
	LastValidated time.Time `json:"last_validated"`
}

// Store is the session persistence contract. Saves are last-writer-wins
// guarded by SavedAt so a stale login never overwrites a fresher one.
type Store interface {
	// Load returns the record for the key, or model.ErrNotFound.
	Load(ctx context.Context, platform model.Platform, account string) (*Record, error)
	// Save persists the record; returns model.ErrStaleSave when a newer
	// record is already stored.
	Save(ctx context.Context, rec *Record) error
	// Invalidate removes the record so it is never silently reused.
	Invalidate(ctx context.Context, platform model.Platform, account string) error
}

func key(platform model.Platform, account string) string {
	return "session:" + string(platform) + ":" + account
}

// MemoryStore is an in-process Store for single-node runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, platform model.Platform, account string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key(platform, account)]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(rec.Platform, rec.Account)
	if existing, ok := s.records[k]; ok && existing.SavedAt.After(rec.SavedAt) {
		return model.ErrStaleSave
	}
	cp := *rec
	s.records[k] = &cp
	return nil
}

// Invalidate implements Store.
func (s *MemoryStore) Invalidate(_ context.Context, platform model.Platform, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key(platform, account))
	return nil
}
