package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/occurrence-filter/internal/core/model"
	"github.com/mohammed-shakir/occurrence-filter/internal/query"
)

type EventsCfg struct {
	Enabled bool
	Brokers string
	Topic   string
	Queue   int
}

type Config struct {
	Addr            string
	LogLevel        string
	LogConsole      bool
	LogSampleN      int
	Dataset         model.Dataset
	SQLBackend      string
	PostgresDSN     string
	UpstreamTimeout time.Duration
	SessionMax      int
	SessionTTL      time.Duration
	MirrorDriver    string
	RedisAddr       string
	Events          EventsCfg
	MetricsEnabled  bool
	MetricsAddr     string
	MetricsPath     string
}

const (
	BackendCarto    = "carto"
	BackendPostgres = "postgres"

	MirrorNone  = "none"
	MirrorRedis = "redis"
)

// presets reproduce the deployments the filter page originally shipped with
var presets = map[string]model.Dataset{
	"alien_macroinvertebrates": {
		Name:          "alien_macroinvertebrates",
		Table:         "alien_macroinvertebrates",
		Column:        "scientificname",
		SQLAPIURL:     "https://lifewatch.cartodb.com/api/v2/sql",
		VizURL:        "https://inbo.cartodb.com/u/lifewatch/api/v2/viz/b95fcc5e-2ad7-11e5-928a-0e6e1df11cbf/viz.json",
		LayerIndex:    1,
		SubLayerIndex: 0,
		Display:       model.DisplayOptions{Shareable: true, CartoLogo: true},
		SentinelLabel: "All species",
	},
	"occurrence_1": {
		Name:          "occurrence_1",
		Table:         "occurrence_1",
		Column:        "scientificname",
		SQLAPIURL:     "https://lifewatch.carto.com/api/v1/sql",
		VizURL:        "https://lifewatch.carto.com/api/v2/viz/33404524-6071-11e6-81a5-0e3ebc282e83/viz.json",
		LayerIndex:    1,
		SubLayerIndex: 0,
		Display: model.DisplayOptions{
			Zoom:      8,
			CenterLat: 51.1,
			CenterLon: 4.2,
		},
		SentinelLabel: "All species",
		Divider:       true,
	},
}

// Preset returns a copy of the named dataset preset.
func Preset(name string) (model.Dataset, bool) {
	d, ok := presets[name]
	return d, ok
}

func FromEnv() Config {
	ds, ok := Preset(getenv("DATASET", "occurrence_1"))
	if !ok {
		ds = model.Dataset{Name: getenv("DATASET", ""), Column: "scientificname", LayerIndex: 1, SentinelLabel: "All species"}
	}
	ds.Table = getenv("DATASET_TABLE", ds.Table)
	ds.Column = getenv("DATASET_COLUMN", ds.Column)
	ds.SQLAPIURL = getenv("SQL_API_URL", ds.SQLAPIURL)
	ds.VizURL = getenv("VIZ_URL", ds.VizURL)
	ds.LayerIndex = getint("VIZ_LAYER_INDEX", ds.LayerIndex)
	ds.SubLayerIndex = getint("VIZ_SUBLAYER_INDEX", ds.SubLayerIndex)
	ds.SentinelLabel = getenv("SENTINEL_LABEL", ds.SentinelLabel)
	ds.Divider = getbool("SELECT_DIVIDER", ds.Divider)
	ds.Display.Zoom = getint("MAP_ZOOM", ds.Display.Zoom)
	ds.Display.CenterLat = getfloat("MAP_CENTER_LAT", ds.Display.CenterLat)
	ds.Display.CenterLon = getfloat("MAP_CENTER_LON", ds.Display.CenterLon)
	ds.Display.Shareable = getbool("MAP_SHAREABLE", ds.Display.Shareable)
	ds.Display.CartoLogo = getbool("MAP_LOGO", ds.Display.CartoLogo)
	if ds.Name == "" {
		ds.Name = ds.Table
	}

	return Config{
		Addr:            getenv("ADDR", ":8090"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		LogConsole:      getbool("LOG_CONSOLE", false),
		LogSampleN:      getint("LOG_SAMPLE_N", 0),
		Dataset:         ds,
		SQLBackend:      strings.ToLower(getenv("SQL_BACKEND", BackendCarto)),
		PostgresDSN:     getenv("POSTGRES_DSN", ""),
		UpstreamTimeout: getduration("UPSTREAM_TIMEOUT", 30*time.Second),
		SessionMax:      getint("SESSION_MAX", 1024),
		SessionTTL:      getduration("SESSION_TTL", 30*time.Minute),
		MirrorDriver:    strings.ToLower(getenv("SESSION_MIRROR", MirrorNone)),
		RedisAddr:       getenv("REDIS_ADDR", "localhost:6379"),
		Events: EventsCfg{
			Enabled: getbool("EVENTS_ENABLED", false),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getenv("KAFKA_TOPIC", "selection-events"),
			Queue:   getint("EVENTS_QUEUE", 1024),
		},
		MetricsEnabled: getbool("METRICS_ENABLED", false),
		MetricsAddr:    getenv("METRICS_ADDR", ":9090"),
		MetricsPath:    getenv("METRICS_PATH", "/metrics"),
	}
}

// Validate rejects configurations that would build unsafe or unreachable queries.
func (c Config) Validate() error {
	var errs []error
	ds := c.Dataset
	if err := query.ValidIdentifier(ds.Table); err != nil {
		errs = append(errs, fmt.Errorf("DATASET_TABLE: %w", err))
	}
	if err := query.ValidIdentifier(ds.Column); err != nil {
		errs = append(errs, fmt.Errorf("DATASET_COLUMN: %w", err))
	}
	switch c.SQLBackend {
	case BackendCarto:
		if err := checkURL(ds.SQLAPIURL); err != nil {
			errs = append(errs, fmt.Errorf("SQL_API_URL: %w", err))
		}
	case BackendPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("SQL_BACKEND must be %s|%s (got %q)", BackendCarto, BackendPostgres, c.SQLBackend))
	}
	if err := checkURL(ds.VizURL); err != nil {
		errs = append(errs, fmt.Errorf("VIZ_URL: %w", err))
	}
	if ds.LayerIndex < 0 || ds.SubLayerIndex < 0 {
		errs = append(errs, errors.New("VIZ_LAYER_INDEX and VIZ_SUBLAYER_INDEX must be >= 0"))
	}
	switch c.MirrorDriver {
	case MirrorNone, MirrorRedis:
	default:
		errs = append(errs, fmt.Errorf("SESSION_MIRROR must be %s|%s (got %q)", MirrorNone, MirrorRedis, c.MirrorDriver))
	}
	if c.SessionMax <= 0 {
		errs = append(errs, errors.New("SESSION_MAX must be > 0"))
	}
	return errors.Join(errs...)
}

func checkURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https (got %q)", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
