package router

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/occurrence-filter/internal/core/model"
	"github.com/mohammed-shakir/occurrence-filter/internal/session"
	"github.com/mohammed-shakir/occurrence-filter/internal/tabular"
	"github.com/mohammed-shakir/occurrence-filter/internal/viz"
)

var ds = model.Dataset{
	Name:          "occurrence_1",
	Table:         "occurrence_1",
	Column:        "scientificname",
	LayerIndex:    0,
	SubLayerIndex: 0,
	SentinelLabel: "All species",
	Divider:       true,
	Display:       model.DisplayOptions{Zoom: 8, CenterLat: 51.1, CenterLon: 4.2, CartoLogo: true},
}

type stubTabular struct {
	gate chan struct{}
	rows []tabular.Row
}

func (s *stubTabular) Query(ctx context.Context, _ string) ([]tabular.Row, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.rows, nil
}

type stubHandle struct {
	mu  sync.Mutex
	sql string
}

func (h *stubHandle) Set(_ context.Context, cfg model.SubLayerConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sql = cfg.SQL
	return nil
}

func (h *stubHandle) Query() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sql
}

func (h *stubHandle) TileURL() string { return "https://maps.test/api/v1/map/lg/{z}/{x}/{y}.png" }

type stubViz struct{ h *stubHandle }

func (v stubViz) Load(_ context.Context, _ string, opts model.DisplayOptions) (*viz.Vis, error) {
	return &viz.Vis{Options: opts, Layers: []viz.Layer{{Type: "layergroup", SubLayers: []model.LayerHandle{v.h}}}}, nil
}

func newTestServer(t *testing.T, tab *stubTabular) (*httptest.Server, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(ds, session.Deps{Tabular: tab, Viz: stubViz{h: &stubHandle{}}}, 8, time.Minute)
	t.Cleanup(reg.Purge)

	r := chi.NewRouter()
	New(nil, reg, ds, time.Second).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, reg
}

func rowsOf(vals ...string) []tabular.Row {
	out := make([]tabular.Row, 0, len(vals))
	for _, v := range vals {
		out = append(out, tabular.Row{"scientificname": v})
	}
	return out
}

func do(t *testing.T, srv *httptest.Server, method, path, body string, hdr map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func createReady(t *testing.T, srv *httptest.Server, reg *session.Registry) string {
	t.Helper()
	resp := do(t, srv, http.MethodPost, "/sessions", "", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d want 201", resp.StatusCode)
	}
	snap := decode[session.Snapshot](t, resp)
	s, err := reg.Get(snap.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return snap.ID
}

func TestSelectionFlow(t *testing.T) {
	srv, reg := newTestServer(t, &stubTabular{rows: rowsOf("Zebra", "Apple", "Mango")})
	id := createReady(t, srv, reg)

	resp := do(t, srv, http.MethodGet, "/sessions/"+id+"/control", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("control status=%d", resp.StatusCode)
	}
	ctl := decode[controlResponse](t, resp)
	if len(ctl.Entries) != 5 || ctl.Entries[2].Label != "Apple" || !ctl.Entries[1].Divider {
		t.Fatalf("entries=%+v", ctl.Entries)
	}

	resp = do(t, srv, http.MethodPost, "/sessions/"+id+"/selection", `{"index":3}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("select status=%d", resp.StatusCode)
	}
	snap := decode[session.Snapshot](t, resp)
	if snap.Value != "Zebra" || snap.Layer.Query != "SELECT * FROM occurrence_1 WHERE scientificname = 'Zebra'" {
		t.Fatalf("snapshot=%+v", snap)
	}

	resp = do(t, srv, http.MethodPost, "/sessions/"+id+"/clear", "", nil)
	snap = decode[session.Snapshot](t, resp)
	if snap.Filtered || snap.Layer.Query != "SELECT * FROM occurrence_1" {
		t.Fatalf("after clear=%+v", snap)
	}

	resp = do(t, srv, http.MethodGet, "/sessions/"+id+"/ready", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready status=%d", resp.StatusCode)
	}
}

func TestSelect_BadBody(t *testing.T) {
	srv, reg := newTestServer(t, &stubTabular{rows: rowsOf("Apple")})
	id := createReady(t, srv, reg)

	for _, body := range []string{`not json`, `{}`} {
		resp := do(t, srv, http.MethodPost, "/sessions/"+id+"/selection", body, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: status=%d want 400", body, resp.StatusCode)
		}
	}
}

func TestControl_ConflictUntilCatalogLoads(t *testing.T) {
	gate := make(chan struct{})
	srv, _ := newTestServer(t, &stubTabular{gate: gate, rows: rowsOf("Apple")})

	resp := do(t, srv, http.MethodPost, "/sessions", "", nil)
	snap := decode[session.Snapshot](t, resp)

	if resp := do(t, srv, http.MethodGet, "/sessions/"+snap.ID+"/control", "", nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("control status=%d want 409", resp.StatusCode)
	}
	if resp := do(t, srv, http.MethodPost, "/sessions/"+snap.ID+"/selection", `{"index":1}`, nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("select status=%d want 409", resp.StatusCode)
	}
	if resp := do(t, srv, http.MethodGet, "/sessions/"+snap.ID+"/ready", "", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ready status=%d want 503", resp.StatusCode)
	}
	close(gate)
}

func TestLayer_ETag(t *testing.T) {
	srv, reg := newTestServer(t, &stubTabular{rows: rowsOf("Apple")})
	id := createReady(t, srv, reg)
	_ = do(t, srv, http.MethodPost, "/sessions/"+id+"/selection", `{"index":1}`, nil)

	resp := do(t, srv, http.MethodGet, "/sessions/"+id+"/layer", "", nil)
	tag := resp.Header.Get("ETag")
	if resp.StatusCode != http.StatusOK || tag == "" {
		t.Fatalf("status=%d etag=%q", resp.StatusCode, tag)
	}
	body := decode[layerResponse](t, resp)
	if body.Query != "SELECT * FROM occurrence_1 WHERE scientificname = 'Apple'" || body.TileURL == "" {
		t.Fatalf("layer=%+v", body)
	}

	resp = do(t, srv, http.MethodGet, "/sessions/"+id+"/layer", "", map[string]string{"If-None-Match": tag})
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("status=%d want 304", resp.StatusCode)
	}

	_ = do(t, srv, http.MethodPost, "/sessions/"+id+"/clear", "", nil)
	resp = do(t, srv, http.MethodGet, "/sessions/"+id+"/layer", "", map[string]string{"If-None-Match": tag})
	if resp.StatusCode != http.StatusOK || resp.Header.Get("ETag") == tag {
		t.Fatalf("status=%d etag unchanged after clear", resp.StatusCode)
	}
}

func TestUnknownSession_404(t *testing.T) {
	srv, _ := newTestServer(t, &stubTabular{})
	for _, p := range []string{"/sessions/nope", "/sessions/nope/control", "/sessions/nope/layer"} {
		if resp := do(t, srv, http.MethodGet, p, "", nil); resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s status=%d want 404", p, resp.StatusCode)
		}
	}
	if resp := do(t, srv, http.MethodDelete, "/sessions/nope", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete status=%d want 404", resp.StatusCode)
	}
}

func TestDeleteSession(t *testing.T) {
	srv, reg := newTestServer(t, &stubTabular{rows: rowsOf("Apple")})
	id := createReady(t, srv, reg)

	if resp := do(t, srv, http.MethodDelete, "/sessions/"+id, "", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status=%d want 204", resp.StatusCode)
	}
	if resp := do(t, srv, http.MethodGet, "/sessions/"+id, "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d want 404", resp.StatusCode)
	}
}

func TestPage_RendersControl(t *testing.T) {
	srv, _ := newTestServer(t, &stubTabular{rows: rowsOf("Mango", "O'Brien <b>")})

	resp := do(t, srv, http.MethodGet, "/", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	html := string(b)
	for _, want := range []string{
		`<option value="0" selected>All species</option>`,
		`<option disabled>──────────</option>`,
		`<option value="1">Mango</option>`,
		`O&#39;Brien &lt;b&gt;`,
		`id="map-canvas"`,
		`data-zoom="8"`,
		`data-shareable="false"`,
		`data-cartodb-logo="true"`,
	} {
		if !strings.Contains(html, want) {
			t.Fatalf("page missing %q:\n%s", want, html)
		}
	}
}

func TestETag_ChangesWithState(t *testing.T) {
	a := ETag("SELECT * FROM t", "u1")
	if a != ETag("SELECT * FROM t", "u1") {
		t.Fatal("etag must be deterministic")
	}
	if a == ETag("SELECT * FROM t", "u2") || a == ETag("SELECT * FROM t WHERE c = 'x'", "u1") {
		t.Fatal("etag must change with state")
	}
}
