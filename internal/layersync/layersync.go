// Package layersync keeps a map sub-layer's SQL in step with the current
// selection.
package layersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mohammed-shakir/occurrence-filter/internal/core/model"
	"github.com/mohammed-shakir/occurrence-filter/internal/core/observability"
	"github.com/mohammed-shakir/occurrence-filter/internal/query"
)

var ErrLayerUnavailable = errors.New("map layer unavailable")

type State int

const (
	Uninitialized State = iota
	Cleared
	Filtered
)

func (s State) String() string {
	switch s {
	case Cleared:
		return "cleared"
	case Filtered:
		return "filtered"
	default:
		return "uninitialized"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "cleared":
		*s = Cleared
	case "filtered":
		*s = Filtered
	case "uninitialized", "":
		*s = Uninitialized
	default:
		return fmt.Errorf("unknown layer state %q", b)
	}
	return nil
}

type Outcome string

const (
	Applied    Outcome = "applied"
	Deferred   Outcome = "deferred"
	Dropped    Outcome = "dropped"
	Superseded Outcome = "superseded"
	Failed     Outcome = "failed"
)

// Status describes what the sub-layer currently shows. Selection is the most
// recently requested selection, ordered by Requested.
type Status struct {
	State      State                `json:"state"`
	Value      model.AttributeValue `json:"value,omitempty"`
	Query      model.FilterQuery    `json:"query,omitempty"`
	Generation uint64               `json:"generation"`
	Requested  uint64               `json:"requested"`
	Pending    bool                 `json:"pending"`
	Attached   bool                 `json:"attached"`
	Err        string               `json:"error,omitempty"`
	Selection  model.Selection      `json:"-"`
}

type request struct {
	gen uint64
	sel model.Selection
	sql model.FilterQuery
}

// Synchronizer serializes sub-layer writes. Requests made before Attach are
// queued (latest only); requests after Fail are dropped.
type Synchronizer struct {
	logger *slog.Logger
	table  string
	column string

	mu        sync.Mutex
	handle    model.LayerHandle
	failed    error
	pending   *request
	gen       uint64
	requested model.Selection
	applied   Status

	writeMu sync.Mutex
}

func New(logger *slog.Logger, table, column string) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{logger: logger, table: table, column: column}
}

func (s *Synchronizer) ClearFilter(ctx context.Context) (Outcome, error) {
	return s.Sync(ctx, model.NoFilter())
}

func (s *Synchronizer) ApplyFilter(ctx context.Context, v model.AttributeValue) (Outcome, error) {
	return s.Sync(ctx, model.Select(v))
}

// Sync requests that the sub-layer show sel.
func (s *Synchronizer) Sync(ctx context.Context, sel model.Selection) (Outcome, error) {
	kind := kindOf(sel)
	q, err := query.For(s.table, s.column, sel)
	if err != nil {
		observability.ObserveLayerUpdate(kind, "invalid")
		return Failed, err
	}

	s.mu.Lock()
	s.gen++
	s.requested = sel
	r := request{gen: s.gen, sel: sel, sql: q}
	if s.failed != nil {
		cause := s.failed
		s.mu.Unlock()
		observability.ObserveLayerUpdate(kind, string(Dropped))
		s.logger.WarnContext(ctx, "layer unavailable, dropping update", "selection", sel.String(), "cause", cause)
		return Dropped, nil
	}
	if s.handle == nil {
		s.pending = &r
		s.mu.Unlock()
		observability.ObserveLayerUpdate(kind, string(Deferred))
		s.logger.DebugContext(ctx, "layer not ready, update queued", "selection", sel.String(), "generation", r.gen)
		return Deferred, nil
	}
	h := s.handle
	s.mu.Unlock()

	return s.write(ctx, h, r)
}

// Attach installs the resolved handle and flushes the queued request. The
// handle's own query becomes the applied state, so re-requesting what the map
// already shows never reaches the layer.
func (s *Synchronizer) Attach(ctx context.Context, h model.LayerHandle) (Outcome, error) {
	initial := model.FilterQuery(h.Query())

	s.mu.Lock()
	s.handle = h
	s.failed = nil
	p := s.pending
	s.pending = nil
	if s.applied.State == Uninitialized && initial != "" {
		s.applied.Query = initial
		if base := query.BaseQuery(s.table); sameStatement(initial, base) {
			s.applied.Query = base
			s.applied.State = Cleared
		}
	}
	s.mu.Unlock()

	if p == nil {
		return "", nil
	}
	return s.write(ctx, h, *p)
}

// Fail records that the map never resolved. A queued request is discarded.
func (s *Synchronizer) Fail(ctx context.Context, err error) {
	s.mu.Lock()
	s.failed = fmt.Errorf("%w: %w", ErrLayerUnavailable, err)
	p := s.pending
	s.pending = nil
	s.applied.Err = err.Error()
	s.mu.Unlock()

	if p != nil {
		observability.ObserveLayerUpdate(kindOf(p.sel), string(Dropped))
		s.logger.WarnContext(ctx, "layer failed, dropping queued update", "selection", p.sel.String(), "err", err)
	}
}

func (s *Synchronizer) Current() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.applied
	st.Requested = s.gen
	st.Pending = s.pending != nil
	st.Attached = s.handle != nil
	st.Selection = s.requested
	return st
}

func (s *Synchronizer) write(ctx context.Context, h model.LayerHandle, r request) (Outcome, error) {
	kind := kindOf(r.sel)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if r.gen != s.gen {
		s.mu.Unlock()
		observability.ObserveLayerUpdate(kind, string(Superseded))
		return Superseded, nil
	}
	same := s.applied.State != Uninitialized && s.applied.Query == r.sql
	s.mu.Unlock()

	if !same {
		if err := h.Set(ctx, model.SubLayerConfig{SQL: string(r.sql)}); err != nil {
			observability.ObserveLayerUpdate(kind, string(Failed))
			s.logger.ErrorContext(ctx, "sublayer update failed", "selection", r.sel.String(), "err", err)
			s.mu.Lock()
			s.applied.Err = err.Error()
			s.mu.Unlock()
			return Failed, fmt.Errorf("set sublayer: %w", err)
		}
	}

	st := Status{State: Cleared, Query: r.sql, Generation: r.gen}
	if r.sel.Filtered {
		st.State = Filtered
		st.Value = r.sel.Value
	}
	s.mu.Lock()
	s.applied = st
	s.mu.Unlock()

	observability.ObserveLayerUpdate(kind, string(Applied))
	s.logger.InfoContext(ctx, "sublayer updated", "state", st.State.String(), "query", string(r.sql), "generation", r.gen)
	return Applied, nil
}

// sameStatement compares two literal-free statements ignoring case and spacing.
func sameStatement(a, b model.FilterQuery) bool {
	norm := func(q model.FilterQuery) string {
		return strings.Join(strings.Fields(strings.TrimSuffix(strings.TrimSpace(string(q)), ";")), " ")
	}
	return strings.EqualFold(norm(a), norm(b))
}

func kindOf(sel model.Selection) string {
	if sel.Filtered {
		return "filter"
	}
	return "clear"
}
