package router

import (
	"context"
	"html/template"
	"net/http"

	"github.com/mohammed-shakir/occurrence-filter/internal/core/model"
	"github.com/mohammed-shakir/occurrence-filter/internal/selection"
)

const pageTmpl = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
  html, body { height: 100%; margin: 0; font-family: sans-serif; }
  #controls { position: absolute; top: 10px; left: 50px; z-index: 10; background: #fff; padding: 6px; }
  #map-canvas { height: 100%; width: 100%; }
</style>
</head>
<body>
<div id="controls">
  <select id="select-species"{{if not .Bound}} disabled{{end}}>
  {{- range .Entries}}
    {{- if .Divider}}
    <option disabled>{{.Label}}</option>
    {{- else}}
    <option value="{{.Index}}"{{if .Selected}} selected{{end}}>{{.Label}}</option>
    {{- end}}
  {{- end}}
  </select>
  {{if .Error}}<span class="error">{{.Error}}</span>{{end}}
</div>
<div id="map-canvas"
  data-session="{{.Session}}"
  data-tile-url="{{.TileURL}}"
  data-zoom="{{.Display.Zoom}}"
  data-center-lat="{{.Display.CenterLat}}"
  data-center-lon="{{.Display.CenterLon}}"
  data-shareable="{{.Display.Shareable}}"
  data-cartodb-logo="{{.Display.CartoLogo}}"></div>
<script>
(function() {
  var map = document.getElementById("map-canvas");
  var base = "sessions/" + map.dataset.session;
  document.getElementById("select-species").addEventListener("change", function(e) {
    fetch(base + "/selection", {
      method: "POST",
      headers: {"Content-Type": "application/json"},
      body: JSON.stringify({index: parseInt(e.target.value, 10)})
    }).then(function(r) { return r.json(); }).then(function(s) {
      if (s.tile_url) { map.dataset.tileUrl = s.tile_url; }
      map.dispatchEvent(new CustomEvent("layerchange", {detail: s}));
    });
  });
})();
</script>
</body>
</html>
`

var page = template.Must(template.New("page").Parse(pageTmpl))

type pageData struct {
	Title   string
	Session string
	Bound   bool
	Entries []selection.Entry
	TileURL string
	Display model.DisplayOptions
	Error   string
}

// Page starts a session and renders the select control for it. Loads still
// pending after pageWait leave the control disabled.
func (h *Handlers) Page(w http.ResponseWriter, r *http.Request) {
	s := h.reg.Create()

	ctx, cancel := context.WithTimeout(r.Context(), h.pageWait)
	defer cancel()
	_ = s.Wait(ctx)

	snap := s.Snapshot()
	data := pageData{
		Title:   h.ds.Name,
		Session: s.ID(),
		TileURL: snap.TileURL,
		Display: snap.Display,
	}
	switch {
	case snap.CatalogError != "":
		data.Error = "species list unavailable"
	case snap.LayerError != "":
		data.Error = "map unavailable"
	}
	if entries, err := s.Entries(); err == nil {
		data.Bound = true
		data.Entries = entries
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := page.Execute(w, data); err != nil {
		h.logger.ErrorContext(r.Context(), "render page", "err", err)
	}
}
