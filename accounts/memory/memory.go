// Package memory provides an in-memory implementation of accounts.Store. It is
// suitable for tests and single-process demos; records do not survive a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/botfleet/accounts"
)

// Store implements accounts.Store with maps guarded by a mutex.
type Store struct {
	mu         sync.RWMutex
	records    map[string]*accounts.Record
	byUsername map[string]string
	now        func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records:    make(map[string]*accounts.Record),
		byUsername: make(map[string]string),
		now:        time.Now,
	}
}

func (s *Store) Create(ctx context.Context, rec *accounts.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.AccountID]; ok {
		return accounts.ErrExists
	}
	if rec.Username != "" {
		if _, ok := s.byUsername[rec.Username]; ok {
			return accounts.ErrUsernameTaken
		}
	}
	cp := rec.Clone()
	now := s.now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.records[cp.AccountID] = cp
	if cp.Username != "" {
		s.byUsername[cp.Username] = cp.AccountID
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, accountID string) (*accounts.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[accountID]
	if !ok {
		return nil, accounts.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) FindByUsername(ctx context.Context, username string) (*accounts.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUsername[username]
	if !ok {
		return nil, accounts.ErrNotFound
	}
	return s.records[id].Clone(), nil
}

func (s *Store) Update(ctx context.Context, accountID string, patch accounts.Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[accountID]
	if !ok {
		return accounts.ErrNotFound
	}
	patch.Apply(rec, s.now().UTC())
	return nil
}

func (s *Store) Delete(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[accountID]
	if !ok {
		return nil
	}
	delete(s.records, accountID)
	if rec.Username != "" && s.byUsername[rec.Username] == accountID {
		delete(s.byUsername, rec.Username)
	}
	return nil
}

func (s *Store) ListRestorable(ctx context.Context) ([]*accounts.Record, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if rec.Restorable() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) List(ctx context.Context) ([]*accounts.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*accounts.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *Store) Close() error { return nil }

var _ accounts.Store = (*Store)(nil)
