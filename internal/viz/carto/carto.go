// Package carto loads CARTO viz.json documents and drives their layer groups
// through the Maps API anonymous map endpoint.
package carto

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mohammed-shakir/occurrence-filter/internal/core/model"
	"github.com/mohammed-shakir/occurrence-filter/internal/core/observability"
	"github.com/mohammed-shakir/occurrence-filter/internal/viz"
)

const (
	layerGroup    = "layergroup"
	mapAPIVersion = "1.3.0"
)

type Client struct {
	logger *slog.Logger
	client *http.Client
}

func New(logger *slog.Logger, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{logger: logger, client: client}
}

type vizDoc struct {
	Title  string          `json:"title"`
	Zoom   int             `json:"zoom"`
	Center json.RawMessage `json:"center"`
	Layers []vizLayer      `json:"layers"`
}

type vizLayer struct {
	Type    string          `json:"type"`
	Options vizLayerOptions `json:"options"`
}

type vizLayerOptions struct {
	UserName        string           `json:"user_name"`
	MapsAPITemplate string           `json:"maps_api_template"`
	LayerDefinition *layerDefinition `json:"layer_definition"`
}

type layerDefinition struct {
	StatTag string     `json:"stat_tag"`
	Version string     `json:"version"`
	Layers  []subLayer `json:"layers"`
}

type subLayer struct {
	Type    string          `json:"type"`
	Visible *bool           `json:"visible,omitempty"`
	Options subLayerOptions `json:"options"`
}

type subLayerOptions struct {
	SQL             string `json:"sql"`
	CartoCSS        string `json:"cartocss"`
	CartoCSSVersion string `json:"cartocss_version"`
}

type mapConfig struct {
	Version string        `json:"version"`
	StatTag string        `json:"stat_tag,omitempty"`
	Layers  []mapCfgLayer `json:"layers"`
}

type mapCfgLayer struct {
	Type    string          `json:"type"`
	Options subLayerOptions `json:"options"`
}

type mapResponse struct {
	LayerGroupID string   `json:"layergroupid"`
	Errors       []string `json:"errors"`
}

// Load fetches the viz.json at ref and instantiates every layer group it holds.
// Non-zero display options override the document's viewport.
func (c *Client) Load(ctx context.Context, ref string, opts model.DisplayOptions) (*viz.Vis, error) {
	base, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, fmt.Errorf("parse viz url: %w", err)
	}

	var doc vizDoc
	if err := c.getJSON(ctx, base.String(), &doc); err != nil {
		return nil, fmt.Errorf("fetch viz.json: %w", err)
	}

	out := &viz.Vis{Title: doc.Title, Options: mergeOptions(doc, opts)}
	for i, l := range doc.Layers {
		layer := viz.Layer{Type: l.Type}
		if l.Type == layerGroup && l.Options.LayerDefinition != nil {
			g := &group{
				c:       c,
				mapsAPI: mapsAPIBase(l.Options, base),
				statTag: l.Options.LayerDefinition.StatTag,
				defs:    append([]subLayer(nil), l.Options.LayerDefinition.Layers...),
			}
			if err := g.instantiate(ctx, g.defs); err != nil {
				return nil, fmt.Errorf("instantiate layer %d: %w", i, err)
			}
			for j := range g.defs {
				layer.SubLayers = append(layer.SubLayers, &handle{g: g, idx: j})
			}
		}
		out.Layers = append(out.Layers, layer)
	}
	c.logger.InfoContext(ctx, "visualization loaded", "title", doc.Title, "layers", len(out.Layers))
	return out, nil
}

func mergeOptions(doc vizDoc, opts model.DisplayOptions) model.DisplayOptions {
	out := opts
	if out.Zoom == 0 {
		out.Zoom = doc.Zoom
	}
	if out.CenterLat == 0 && out.CenterLon == 0 {
		out.CenterLat, out.CenterLon = parseCenter(doc.Center)
	}
	return out
}

// viz.json stores center either as an array or as a JSON-encoded string of one.
func parseCenter(raw json.RawMessage) (float64, float64) {
	if len(raw) == 0 {
		return 0, 0
	}
	var pair []float64
	if json.Unmarshal(raw, &pair) == nil && len(pair) == 2 {
		return pair[0], pair[1]
	}
	var s string
	if json.Unmarshal(raw, &s) == nil && json.Unmarshal([]byte(s), &pair) == nil && len(pair) == 2 {
		return pair[0], pair[1]
	}
	return 0, 0
}

func mapsAPIBase(o vizLayerOptions, vizURL *url.URL) string {
	if tpl := strings.TrimSpace(o.MapsAPITemplate); tpl != "" {
		return strings.TrimRight(strings.ReplaceAll(tpl, "{user}", o.UserName), "/")
	}
	return vizURL.Scheme + "://" + vizURL.Host
}

func (c *Client) getJSON(ctx context.Context, u string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, "viz_json", dst)
}

func (c *Client) do(req *http.Request, upstream string, dst any) error {
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	observability.ObserveUpstreamLatency(upstream, time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		var mr mapResponse
		if json.Unmarshal(b, &mr) == nil && len(mr.Errors) > 0 {
			return fmt.Errorf("%s status %d: %s", upstream, resp.StatusCode, strings.Join(mr.Errors, "; "))
		}
		return fmt.Errorf("%s status %d: %s", upstream, resp.StatusCode, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", upstream, err)
	}
	return nil
}

// group is one instantiated layergroup. Writes go through instantiate so the
// committed definitions always match the current layergroupid.
type group struct {
	c       *Client
	mapsAPI string
	statTag string

	mu      sync.RWMutex
	defs    []subLayer
	groupID string
}

func (g *group) instantiate(ctx context.Context, defs []subLayer) error {
	cfg := mapConfig{Version: mapAPIVersion, StatTag: g.statTag}
	for _, d := range defs {
		if d.Visible != nil && !*d.Visible {
			continue
		}
		t := strings.ToLower(d.Type)
		if t == "" {
			t = "cartodb"
		}
		cfg.Layers = append(cfg.Layers, mapCfgLayer{Type: t, Options: d.Options})
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode map config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.mapsAPI+"/api/v1/map", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	var mr mapResponse
	if err := g.c.do(req, "maps_api", &mr); err != nil {
		return err
	}
	if mr.LayerGroupID == "" {
		return errors.New("maps api returned no layergroupid")
	}

	g.mu.Lock()
	g.defs = defs
	g.groupID = mr.LayerGroupID
	g.mu.Unlock()
	return nil
}

func (g *group) tileURL() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mapsAPI + "/api/v1/map/" + g.groupID + "/{z}/{x}/{y}.png"
}

type handle struct {
	g   *group
	idx int
}

func (h *handle) Set(ctx context.Context, cfg model.SubLayerConfig) error {
	h.g.mu.RLock()
	defs := append([]subLayer(nil), h.g.defs...)
	h.g.mu.RUnlock()

	defs[h.idx].Options.SQL = cfg.SQL
	if err := h.g.instantiate(ctx, defs); err != nil {
		return fmt.Errorf("set sublayer %d: %w", h.idx, err)
	}
	return nil
}

func (h *handle) Query() string {
	h.g.mu.RLock()
	defer h.g.mu.RUnlock()
	return h.g.defs[h.idx].Options.SQL
}

func (h *handle) TileURL() string { return h.g.tileURL() }
