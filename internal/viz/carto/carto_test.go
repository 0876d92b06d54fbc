package carto

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/mohammed-shakir/occurrence-filter/internal/core/model"
)

type mapsAPIDouble struct {
	mu      sync.Mutex
	configs []mapConfig
	fail    bool
	srv     *httptest.Server
}

func newMapsAPIDouble(t *testing.T) *mapsAPIDouble {
	t.Helper()
	d := &mapsAPIDouble{}
	mux := http.NewServeMux()
	mux.HandleFunc("/viz.json", func(w http.ResponseWriter, _ *http.Request) {
		doc := `{
			"title": "occurrences",
			"zoom": 6,
			"center": "[50.5, 4.4]",
			"layers": [
				{"type": "tiled", "options": {"urlTemplate": "https://tiles/{z}/{x}/{y}.png"}},
				{"type": "layergroup", "options": {
					"user_name": "lifewatch",
					"maps_api_template": "` + d.srv.URL + `",
					"layer_definition": {"stat_tag": "abc", "version": "3.0.0", "layers": [
						{"type": "CartoDB", "options": {"sql": "select * from occurrence_1", "cartocss": "#l{}", "cartocss_version": "2.1.1"}}
					]}
				}}
			]
		}`
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, doc)
	})
	mux.HandleFunc("/api/v1/map", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var cfg mapConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		d.mu.Lock()
		d.configs = append(d.configs, cfg)
		n := len(d.configs)
		fail := d.fail
		d.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"errors":["syntax error at or near \"FROM\""]}`)
			return
		}
		_, _ = io.WriteString(w, `{"layergroupid":"lg`+strconv.Itoa(n)+`"}`)
	})
	d.srv = httptest.NewServer(mux)
	t.Cleanup(d.srv.Close)
	return d
}

func (d *mapsAPIDouble) last() mapConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configs[len(d.configs)-1]
}

func TestLoad_ParsesLayersAndInstantiates(t *testing.T) {
	d := newMapsAPIDouble(t)
	c := New(slog.New(slog.NewTextHandler(io.Discard, nil)), d.srv.Client())

	v, err := c.Load(context.Background(), d.srv.URL+"/viz.json", model.DisplayOptions{Zoom: 8})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(v.Layers) != 2 || v.Layers[0].Type != "tiled" || v.Layers[1].Type != "layergroup" {
		t.Fatalf("layers=%+v", v.Layers)
	}
	if v.Options.Zoom != 8 {
		t.Fatalf("zoom=%d want override 8", v.Options.Zoom)
	}
	if v.Options.CenterLat != 50.5 || v.Options.CenterLon != 4.4 {
		t.Fatalf("center=%v,%v", v.Options.CenterLat, v.Options.CenterLon)
	}

	h, err := v.SubLayer(1, 0)
	if err != nil {
		t.Fatalf("SubLayer: %v", err)
	}
	if h.Query() != "select * from occurrence_1" {
		t.Fatalf("query=%q", h.Query())
	}
	if want := d.srv.URL + "/api/v1/map/lg1/{z}/{x}/{y}.png"; h.TileURL() != want {
		t.Fatalf("tile=%q want %q", h.TileURL(), want)
	}
	cfg := d.last()
	if cfg.Version != mapAPIVersion || len(cfg.Layers) != 1 || cfg.Layers[0].Type != "cartodb" {
		t.Fatalf("map config=%+v", cfg)
	}
}

func TestSet_ReinstantiatesWithNewSQL(t *testing.T) {
	d := newMapsAPIDouble(t)
	c := New(nil, d.srv.Client())
	v, err := c.Load(context.Background(), d.srv.URL+"/viz.json", model.DisplayOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	h, _ := v.SubLayer(1, 0)

	sql := "SELECT * FROM occurrence_1 WHERE scientificname = 'O''Brien'"
	if err := h.Set(context.Background(), model.SubLayerConfig{SQL: sql}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if h.Query() != sql {
		t.Fatalf("query=%q", h.Query())
	}
	if got := d.last().Layers[0].Options; got.SQL != sql || got.CartoCSS != "#l{}" {
		t.Fatalf("sent options=%+v", got)
	}
	if !strings.Contains(h.TileURL(), "/lg2/") {
		t.Fatalf("tile url not refreshed: %q", h.TileURL())
	}
}

func TestSet_FailureKeepsPreviousQuery(t *testing.T) {
	d := newMapsAPIDouble(t)
	c := New(nil, d.srv.Client())
	v, err := c.Load(context.Background(), d.srv.URL+"/viz.json", model.DisplayOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	h, _ := v.SubLayer(1, 0)

	d.mu.Lock()
	d.fail = true
	d.mu.Unlock()

	err = h.Set(context.Background(), model.SubLayerConfig{SQL: "SELECT FROM"})
	if err == nil || !strings.Contains(err.Error(), "syntax error") {
		t.Fatalf("err=%v", err)
	}
	if h.Query() != "select * from occurrence_1" {
		t.Fatalf("query changed on failure: %q", h.Query())
	}
}

func TestLoad_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := New(nil, srv.Client()).Load(context.Background(), srv.URL+"/viz.json", model.DisplayOptions{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseCenter(t *testing.T) {
	for _, tc := range []struct {
		raw      string
		lat, lon float64
	}{
		{`[51.1, 4.2]`, 51.1, 4.2},
		{`"[51.1, 4.2]"`, 51.1, 4.2},
		{`"bogus"`, 0, 0},
		{``, 0, 0},
	} {
		lat, lon := parseCenter(json.RawMessage(tc.raw))
		if lat != tc.lat || lon != tc.lon {
			t.Fatalf("parseCenter(%s)=%v,%v", tc.raw, lat, lon)
		}
	}
}
