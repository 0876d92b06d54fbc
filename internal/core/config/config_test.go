package config

import (
	"strings"
	"testing"
	"time"
)

func TestFromEnv_DefaultPreset(t *testing.T) {
	t.Setenv("DATASET", "")
	cfg := FromEnv()

	ds := cfg.Dataset
	if ds.Table != "occurrence_1" || ds.Column != "scientificname" {
		t.Fatalf("unexpected dataset: %+v", ds)
	}
	if ds.LayerIndex != 1 || ds.SubLayerIndex != 0 {
		t.Fatalf("sub-layer address = %d/%d want 1/0", ds.LayerIndex, ds.SubLayerIndex)
	}
	if ds.Display.Zoom != 8 || ds.Display.CenterLat != 51.1 || ds.Display.CenterLon != 4.2 {
		t.Fatalf("unexpected display options: %+v", ds.Display)
	}
	if !ds.Divider || ds.SentinelLabel != "All species" {
		t.Fatalf("unexpected control options: %+v", ds)
	}
	if cfg.SQLBackend != BackendCarto || cfg.MirrorDriver != MirrorNone {
		t.Fatalf("unexpected backends: %s/%s", cfg.SQLBackend, cfg.MirrorDriver)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestFromEnv_OverridesOnTopOfPreset(t *testing.T) {
	t.Setenv("DATASET", "alien_macroinvertebrates")
	t.Setenv("DATASET_TABLE", "my_occurrences")
	t.Setenv("MAP_ZOOM", "11")
	t.Setenv("SESSION_TTL", "90s")
	t.Setenv("EVENTS_ENABLED", "yes")

	cfg := FromEnv()
	if cfg.Dataset.Name != "alien_macroinvertebrates" || cfg.Dataset.Table != "my_occurrences" {
		t.Fatalf("override not applied: %+v", cfg.Dataset)
	}
	if !strings.Contains(cfg.Dataset.SQLAPIURL, "lifewatch.cartodb.com") {
		t.Fatalf("preset SQL API lost: %q", cfg.Dataset.SQLAPIURL)
	}
	if cfg.Dataset.Display.Zoom != 11 {
		t.Fatalf("zoom=%d want 11", cfg.Dataset.Display.Zoom)
	}
	if cfg.SessionTTL != 90*time.Second || !cfg.Events.Enabled {
		t.Fatalf("unexpected session/events cfg: %v %+v", cfg.SessionTTL, cfg.Events)
	}
}

func TestValidate_RejectsUnsafeIdentifiersAndBadURLs(t *testing.T) {
	t.Setenv("DATASET", "")
	cfg := FromEnv()
	cfg.Dataset.Table = "occurrence_1; DROP TABLE x"
	cfg.Dataset.VizURL = "ftp://example.com/viz.json"
	cfg.SQLBackend = BackendPostgres

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"DATASET_TABLE", "VIZ_URL", "POSTGRES_DSN"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestGetbool_UnknownValueKeepsDefault(t *testing.T) {
	t.Setenv("X_FLAG", "maybe")
	if !getbool("X_FLAG", true) {
		t.Fatal("unknown value must keep default")
	}
}
