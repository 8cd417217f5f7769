// Package inmem provides an in-memory unit.Store. It is used by tests
// and by the daemon when run without a document store configured; the
// production implementation is pkg/unit/mongodb.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gitopsd/gitopsd/pkg/unit"
)

type Store struct {
	mu      sync.Mutex
	units   map[string]*unit.Unit
	byURL   map[string]string
	nowFunc func() time.Time
}

var _ unit.Store = &Store{}

func New() *Store {
	return &Store{
		units:   map[string]*unit.Unit{},
		byURL:   map[string]string{},
		nowFunc: time.Now,
	}
}

func (s *Store) Get(ctx context.Context, name string) (*unit.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[name]
	if !ok {
		return nil, unit.ErrNotFound(name)
	}
	return copyUnit(u), nil
}

func (s *Store) Lookup(ctx context.Context, sourceURL string) (*unit.Unit, error) {
	key, err := unit.Canonical(sourceURL)
	if err != nil {
		return nil, unit.ErrNotFound(sourceURL)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.byURL[key]
	if !ok {
		return nil, unit.ErrNotFound(sourceURL)
	}
	return copyUnit(s.units[name]), nil
}

func (s *Store) List(ctx context.Context) ([]*unit.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*unit.Unit
	for _, u := range s.units {
		res = append(res, copyUnit(u))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (s *Store) SavePublished(ctx context.Context, u *unit.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	stored, ok := s.units[u.Name]
	if !ok {
		stored = &unit.Unit{Name: u.Name, CreatedAt: now}
		s.units[u.Name] = stored
	}
	stored.SourceRepo = u.SourceRepo
	stored.Bundle = copyBundle(u.Bundle)
	stored.UpdatedAt = now
	if key, err := unit.Canonical(u.SourceRepo.URL); err == nil {
		s.byURL[key] = u.Name
	}
	return nil
}

func (s *Store) Accept(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[name]
	if !ok {
		return 0, unit.ErrNotFound(name)
	}
	u.Version++
	u.UpdatedAt = s.nowFunc()
	return u.Version, nil
}

func (s *Store) UpdateStatus(ctx context.Context, name string, version int64, status unit.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[name]
	if !ok {
		return false, unit.ErrNotFound(name)
	}
	if u.Version != version {
		return false, nil
	}
	u.Status = status
	u.UpdatedAt = s.nowFunc()
	return true, nil
}

func (s *Store) PutStatus(ctx context.Context, name string, status unit.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[name]
	if !ok {
		return unit.ErrNotFound(name)
	}
	u.Status.Health = status.Health
	u.Status.SyncState = status.SyncState
	u.Status.ReadyReplicas = status.ReadyReplicas
	u.Status.DesiredReplicas = status.DesiredReplicas
	u.UpdatedAt = s.nowFunc()
	return nil
}

func copyUnit(u *unit.Unit) *unit.Unit {
	c := *u
	c.Bundle = copyBundle(u.Bundle)
	if u.Status.LastAttempt != nil {
		att := *u.Status.LastAttempt
		c.Status.LastAttempt = &att
	}
	return &c
}

func copyBundle(b unit.Bundle) unit.Bundle {
	if b == nil {
		return nil
	}
	c := make(unit.Bundle, len(b))
	for k, v := range b {
		c[k] = v
	}
	return c
}
