// Package session composes the catalog loader, the selection control and the
// layer synchronizer into one page session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohammed-shakir/occurrence-filter/internal/catalog"
	"github.com/mohammed-shakir/occurrence-filter/internal/core/model"
	"github.com/mohammed-shakir/occurrence-filter/internal/layersync"
	"github.com/mohammed-shakir/occurrence-filter/internal/logger"
	"github.com/mohammed-shakir/occurrence-filter/internal/query"
	"github.com/mohammed-shakir/occurrence-filter/internal/selection"
	"github.com/mohammed-shakir/occurrence-filter/internal/selectionevents"
	"github.com/mohammed-shakir/occurrence-filter/internal/tabular"
	"github.com/mohammed-shakir/occurrence-filter/internal/viz"
)

var ErrNotFound = errors.New("session not found")

type EventSink interface {
	Publish(ev selectionevents.Event)
}

// Mirror stores snapshots outside the process so other instances can read them.
type Mirror interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, id string) (Snapshot, error)
	Delete(ctx context.Context, id string) error
}

type Deps struct {
	Logger  *slog.Logger
	Tabular tabular.Service
	Viz     viz.Service
	Events  EventSink
	Mirror  Mirror
}

type Snapshot struct {
	ID            string               `json:"id"`
	Dataset       string               `json:"dataset"`
	CreatedAt     time.Time            `json:"created_at"`
	Ready         bool                 `json:"ready"`
	CatalogLoaded bool                 `json:"catalog_loaded"`
	CatalogSize   int                  `json:"catalog_size"`
	CatalogError  string               `json:"catalog_error,omitempty"`
	MapLoaded     bool                 `json:"map_loaded"`
	LayerError    string               `json:"layer_error,omitempty"`
	Filtered      bool                 `json:"filtered"`
	Value         string               `json:"value,omitempty"`
	Layer         layersync.Status     `json:"layer"`
	TileURL       string               `json:"tile_url,omitempty"`
	Display       model.DisplayOptions `json:"display"`
}

type Session struct {
	id      string
	ds      model.Dataset
	logger  *slog.Logger
	deps    Deps
	created time.Time

	loader *catalog.Loader
	binder *selection.Binder
	sync   *layersync.Synchronizer

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	start     sync.Once
	stop      sync.Once
	readyOnce sync.Once
	ready     chan struct{}
	retired   atomic.Bool

	mu          sync.Mutex
	catalogDone bool
	catalogSize int
	catalogErr  error
	mapDone     bool
	mapErr      error
	handle      model.LayerHandle
	display     model.DisplayOptions
}

func New(id string, ds model.Dataset, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	ctx = logger.WithSession(logger.WithDataset(ctx, ds.Name), id)

	lg := deps.Logger.With("component", "session")
	return &Session{
		id:      id,
		ds:      ds,
		logger:  lg,
		deps:    deps,
		created: time.Now().UTC(),
		loader:  catalog.NewLoader(lg, deps.Tabular, ds.Table, ds.Column),
		binder:  selection.NewBinder(ds.SentinelLabel, ds.Divider),
		sync:    layersync.New(lg, ds.Table, ds.Column),
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		display: ds.Display,
	}
}

func (s *Session) ID() string { return s.id }

// Start launches the catalog fetch and the map load. Either may finish first.
func (s *Session) Start() {
	s.start.Do(func() {
		s.wg.Add(2)
		go s.loadCatalog()
		go s.loadMap()
	})
}

func (s *Session) loadCatalog() {
	defer s.wg.Done()
	cat, err := s.loader.Load(s.ctx)

	s.mu.Lock()
	s.catalogDone = true
	s.catalogErr = err
	s.catalogSize = cat.Len()
	s.mu.Unlock()

	if err == nil {
		s.binder.Bind(cat, s.onChange)
	}
	s.resolved()
}

func (s *Session) loadMap() {
	defer s.wg.Done()
	h, display, err := s.resolveHandle()

	s.mu.Lock()
	s.mapDone = true
	s.mapErr = err
	if err == nil {
		s.handle = h
		s.display = display
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.ErrorContext(s.ctx, "map load failed", "viz", s.ds.VizURL, "err", err)
		s.sync.Fail(s.ctx, err)
	} else {
		out, aerr := s.sync.Attach(s.ctx, h)
		if out != "" {
			s.publish(s.currentSelection(), out, aerr)
		}
	}
	s.resolved()
}

func (s *Session) resolveHandle() (model.LayerHandle, model.DisplayOptions, error) {
	if s.deps.Viz == nil {
		return nil, s.ds.Display, errors.New("no visualization service")
	}
	vis, err := s.deps.Viz.Load(s.ctx, s.ds.VizURL, s.ds.Display)
	if err != nil {
		return nil, s.ds.Display, fmt.Errorf("load visualization: %w", err)
	}
	h, err := vis.SubLayer(s.ds.LayerIndex, s.ds.SubLayerIndex)
	if err != nil {
		return nil, vis.Options, err
	}
	return h, vis.Options, nil
}

func (s *Session) resolved() {
	s.mu.Lock()
	done := s.catalogDone && s.mapDone
	s.mu.Unlock()
	if done {
		s.readyOnce.Do(func() {
			close(s.ready)
			s.logger.InfoContext(s.ctx, "session resolved", "interactive", s.Ready())
		})
	}
	s.mirror()
}

// onChange is the single handler bound to the control. The synchronizer
// records sel under the same generation that orders layer writes.
func (s *Session) onChange(ctx context.Context, sel model.Selection) error {
	out, err := s.sync.Sync(ctx, sel)
	s.publish(sel, out, err)
	s.mirror()
	return err
}

func (s *Session) publish(sel model.Selection, out layersync.Outcome, err error) {
	if s.deps.Events == nil || err != nil {
		return
	}
	if out != layersync.Applied && out != layersync.Deferred {
		return
	}
	ev := selectionevents.Event{
		Session: s.id,
		Dataset: s.ds.Name,
		Kind:    "clear",
		Outcome: string(out),
		TS:      time.Now().UTC(),
	}
	if sel.Filtered {
		ev.Kind = "filter"
		ev.Value = string(sel.Value)
	}
	if q, qerr := query.For(s.ds.Table, s.ds.Column, sel); qerr == nil {
		ev.Query = string(q)
	}
	s.deps.Events.Publish(ev)
}

func (s *Session) mirror() {
	if s.deps.Mirror == nil || s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, time.Second)
	defer cancel()
	if err := s.deps.Mirror.Save(ctx, s.Snapshot()); err != nil {
		s.logger.WarnContext(ctx, "mirror save failed", "err", err)
	}
}

func (s *Session) currentSelection() model.Selection {
	return s.sync.Current().Selection
}

// Wait blocks until both loads resolved or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether both loads succeeded and the control is live.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalogDone && s.catalogErr == nil && s.mapDone && s.mapErr == nil
}

func (s *Session) Control() (*selection.Control, error) {
	return s.binder.Control()
}

// Entries renders the control with the latest requested selection marked.
func (s *Session) Entries() ([]selection.Entry, error) {
	ctl, err := s.binder.Control()
	if err != nil {
		return nil, err
	}
	return ctl.Entries(s.currentSelection()), nil
}

func (s *Session) Select(ctx context.Context, index int) (Snapshot, error) {
	ctl, err := s.binder.Control()
	if err != nil {
		return s.Snapshot(), err
	}
	_, err = ctl.Select(ctx, index)
	return s.Snapshot(), err
}

func (s *Session) Clear(ctx context.Context) (Snapshot, error) {
	ctl, err := s.binder.Control()
	if err != nil {
		return s.Snapshot(), err
	}
	_, err = ctl.Clear(ctx)
	return s.Snapshot(), err
}

func (s *Session) Snapshot() Snapshot {
	layer := s.sync.Current()

	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:            s.id,
		Dataset:       s.ds.Name,
		CreatedAt:     s.created,
		Ready:         s.catalogDone && s.catalogErr == nil && s.mapDone && s.mapErr == nil,
		CatalogLoaded: s.catalogDone && s.catalogErr == nil,
		CatalogSize:   s.catalogSize,
		MapLoaded:     s.mapDone && s.mapErr == nil,
		Filtered:      layer.Selection.Filtered,
		Value:         string(layer.Selection.Value),
		Layer:         layer,
		Display:       s.display,
	}
	if s.catalogErr != nil {
		snap.CatalogError = s.catalogErr.Error()
	}
	if s.mapErr != nil {
		snap.LayerError = s.mapErr.Error()
	} else if layer.Err != "" {
		snap.LayerError = layer.Err
	}
	if s.handle != nil {
		snap.TileURL = s.handle.TileURL()
	}
	return snap
}

// retire marks the session as leaving its registry. It never blocks.
func (s *Session) retire() { s.retired.Store(true) }

// Close cancels in-flight loads and waits for them. Safe to call twice.
func (s *Session) Close() {
	s.retire()
	s.stop.Do(func() {
		s.cancel()
		s.wg.Wait()
		if s.deps.Mirror != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := s.deps.Mirror.Delete(ctx, s.id); err != nil {
				s.logger.Warn("mirror delete failed", "session", s.id, "err", err)
			}
		}
		s.logger.InfoContext(s.ctx, "session closed")
	})
}

// Readiness lists the loads that have not succeeded yet.
func (s *Session) Readiness() (bool, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var waiting []string
	switch {
	case !s.catalogDone:
		waiting = append(waiting, "catalog")
	case s.catalogErr != nil:
		waiting = append(waiting, "catalog_failed")
	}
	switch {
	case !s.mapDone:
		waiting = append(waiting, "map")
	case s.mapErr != nil:
		waiting = append(waiting, "map_failed")
	}
	return len(waiting) == 0, waiting
}
