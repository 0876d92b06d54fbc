package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mohammed-shakir/occurrence-filter/internal/core/model"
	"github.com/mohammed-shakir/occurrence-filter/internal/core/observability"
	"github.com/mohammed-shakir/occurrence-filter/internal/logger"
)

// Registry holds live sessions, bounded by count and idle time. Evicted
// sessions are closed.
type Registry struct {
	ds     model.Dataset
	deps   Deps
	logger *slog.Logger
	lru    *expirable.LRU[string, *Session]
	newID  func() string
}

func NewRegistry(ds model.Dataset, deps Deps, max int, ttl time.Duration) *Registry {
	if max <= 0 {
		max = 1024
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := &Registry{ds: ds, deps: deps, logger: deps.Logger.With("component", "registry"), newID: logger.NewID}
	r.lru = expirable.NewLRU[string, *Session](max, r.onEvict, ttl)
	return r
}

// onEvict runs under the LRU lock, so teardown happens off it.
func (r *Registry) onEvict(id string, s *Session) {
	s.retire()
	r.logger.Info("session evicted", "session", id)
	go func() {
		s.Close()
		observability.SetSessionsActive(r.lru.Len())
	}()
}

// Create starts a new session and registers it.
func (r *Registry) Create() *Session {
	s := New(r.newID(), r.ds, r.deps)
	r.lru.Add(s.ID(), s)
	observability.SetSessionsActive(r.lru.Len())
	s.Start()
	return s
}

// Get returns a live session and refreshes its idle timer. A session evicted
// between the lookup and the refresh is removed again, not revived.
func (r *Registry) Get(id string) (*Session, error) {
	s, ok := r.lru.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	if !s.retired.Load() {
		r.lru.Add(id, s)
	}
	if s.retired.Load() {
		r.lru.Remove(id)
		return nil, ErrNotFound
	}
	return s, nil
}

// Lookup returns the snapshot of a live session, or the mirrored one.
func (r *Registry) Lookup(ctx context.Context, id string) (Snapshot, error) {
	if s, err := r.Get(id); err == nil {
		return s.Snapshot(), nil
	}
	if r.deps.Mirror == nil {
		return Snapshot{}, ErrNotFound
	}
	return r.deps.Mirror.Load(ctx, id)
}

func (r *Registry) Delete(id string) bool {
	return r.lru.Remove(id)
}

func (r *Registry) Len() int { return r.lru.Len() }

// Purge closes every session and returns once they are torn down.
func (r *Registry) Purge() {
	live := r.lru.Values()
	r.lru.Purge()
	for _, s := range live {
		s.Close()
	}
	observability.SetSessionsActive(0)
}
