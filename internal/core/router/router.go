// Package router exposes page sessions over HTTP.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/occurrence-filter/internal/core/health"
	"github.com/mohammed-shakir/occurrence-filter/internal/core/model"
	"github.com/mohammed-shakir/occurrence-filter/internal/layersync"
	"github.com/mohammed-shakir/occurrence-filter/internal/query"
	"github.com/mohammed-shakir/occurrence-filter/internal/selection"
	"github.com/mohammed-shakir/occurrence-filter/internal/session"
)

const maxBody = 4 << 10

type Handlers struct {
	logger   *slog.Logger
	reg      *session.Registry
	ds       model.Dataset
	pageWait time.Duration
}

func New(logger *slog.Logger, reg *session.Registry, ds model.Dataset, pageWait time.Duration) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if pageWait <= 0 {
		pageWait = 5 * time.Second
	}
	return &Handlers{logger: logger, reg: reg, ds: ds, pageWait: pageWait}
}

func (h *Handlers) Routes(r chi.Router) {
	r.Get("/", h.Page)
	r.Post("/sessions", h.CreateSession)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Delete("/", h.DeleteSession)
		r.Get("/ready", h.Ready)
		r.Get("/control", h.Control)
		r.Post("/selection", h.Select)
		r.Post("/clear", h.Clear)
		r.Get("/layer", h.Layer)
	})
}

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	s := h.reg.Create()
	h.logger.InfoContext(r.Context(), "session created", "session", s.ID())
	writeJSON(w, http.StatusCreated, s.Snapshot())
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.reg.Lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.reg.Delete(chi.URLParam(r, "id")) {
		h.writeError(w, r, session.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	health.Readiness(s)(w, r)
}

type controlResponse struct {
	Session string            `json:"session"`
	Entries []selection.Entry `json:"entries"`
}

func (h *Handlers) Control(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	entries, err := s.Entries()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{Session: s.ID(), Entries: entries})
}

type selectRequest struct {
	Index *int `json:"index"`
}

func (h *Handlers) Select(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req selectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid body: %v", err)})
		return
	}
	if req.Index == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing required field: index"})
		return
	}
	snap, err := s.Select(r.Context(), *req.Index)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handlers) Clear(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	snap, err := s.Clear(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type layerResponse struct {
	State   layersync.State   `json:"state"`
	Query   model.FilterQuery `json:"query"`
	TileURL string            `json:"tile_url"`
}

// Layer reports the sub-layer query with an ETag so pollers can skip
// unchanged states.
func (h *Handlers) Layer(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	snap := s.Snapshot()
	tag := ETag(string(snap.Layer.Query), snap.TileURL)
	w.Header().Set("ETag", tag)
	w.Header().Set("Cache-Control", "no-cache")
	if r.Header.Get("If-None-Match") == tag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, layerResponse{State: snap.Layer.State, Query: snap.Layer.Query, TileURL: snap.TileURL})
}

// ETag hashes the visible layer state.
func ETag(q, tileURL string) string {
	d := xxhash.New()
	_, _ = d.WriteString(q)
	_, _ = d.WriteString("\n")
	_, _ = d.WriteString(tileURL)
	return fmt.Sprintf(`"%016x"`, d.Sum64())
}

func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return s, true
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, session.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, selection.ErrNotBound):
		code = http.StatusConflict
	case errors.Is(err, query.ErrInvalidValue), errors.Is(err, query.ErrInvalidIdentifier):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if code >= 500 {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
