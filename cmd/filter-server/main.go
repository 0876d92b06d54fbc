package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mohammed-shakir/occurrence-filter/internal/core/config"
	"github.com/mohammed-shakir/occurrence-filter/internal/core/httpclient"
	"github.com/mohammed-shakir/occurrence-filter/internal/core/observability"
	"github.com/mohammed-shakir/occurrence-filter/internal/core/router"
	"github.com/mohammed-shakir/occurrence-filter/internal/core/server"
	"github.com/mohammed-shakir/occurrence-filter/internal/logger"
	"github.com/mohammed-shakir/occurrence-filter/internal/metrics"
	"github.com/mohammed-shakir/occurrence-filter/internal/selectionevents"
	"github.com/mohammed-shakir/occurrence-filter/internal/session"
	"github.com/mohammed-shakir/occurrence-filter/internal/session/redismirror"
	"github.com/mohammed-shakir/occurrence-filter/internal/tabular"
	cartosql "github.com/mohammed-shakir/occurrence-filter/internal/tabular/carto"
	"github.com/mohammed-shakir/occurrence-filter/internal/tabular/postgres"
	cartoviz "github.com/mohammed-shakir/occurrence-filter/internal/viz/carto"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	envFile := flag.String("env", ".env", "optional dotenv file")
	datasetFlag := flag.String("dataset", "", "dataset preset name")
	flag.Parse()

	// a missing .env is fine; the process environment wins over the file
	_ = godotenv.Load(*envFile)
	if *datasetFlag != "" {
		_ = os.Setenv("DATASET", strings.TrimSpace(*datasetFlag))
	}

	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Dataset:   cfg.Dataset.Name,
		Component: "filter-server",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	if err := cfg.Validate(); err != nil {
		appLog.Error("invalid configuration", "err", err)
		return 2
	}

	observability.SetDataset(cfg.Dataset.Name)
	appLog.Info("starting filter-server",
		"addr", cfg.Addr,
		"version", Version,
		"dataset", cfg.Dataset.Name,
		"table", cfg.Dataset.Table,
		"sql_backend", cfg.SQLBackend,
		"mirror", cfg.MirrorDriver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		p := metrics.Init(metrics.Config{
			Enabled: true,
			Addr:    cfg.MetricsAddr,
			Path:    cfg.MetricsPath,
			Build: metrics.BuildInfo{
				Version:   Version,
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
		})
		observability.Init(p.Registerer(), true)
		metricsHandler = p.Handler()
		if cfg.MetricsAddr != "" && cfg.MetricsAddr != cfg.Addr {
			go func() {
				if err := p.Serve(ctx); err != nil {
					appLog.Error("metrics server exited", "err", err)
				}
			}()
		}
	} else {
		observability.Init(nil, false)
	}

	httpClient := httpclient.NewOutbound(cfg.UpstreamTimeout)

	tab, closeTab, err := newTabular(ctx, cfg, appLog, httpClient)
	if err != nil {
		appLog.Error("tabular backend setup failed", "err", err)
		return 1
	}
	defer closeTab()

	deps := session.Deps{
		Logger:  appLog,
		Tabular: tab,
		Viz:     cartoviz.New(appLog, httpClient),
	}

	if cfg.MirrorDriver == config.MirrorRedis {
		mctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		m, err := redismirror.New(mctx, cfg.RedisAddr, cfg.SessionTTL)
		cancel()
		if err != nil {
			appLog.Error("redis mirror setup failed", "addr", cfg.RedisAddr, "err", err)
			return 1
		}
		defer func() { _ = m.Close() }()
		deps.Mirror = m
	}

	if cfg.Events.Enabled {
		pub, err := selectionevents.NewPublisher(appLog, selectionevents.Brokers(cfg.Events.Brokers), cfg.Events.Topic, cfg.Events.Queue)
		if err != nil {
			appLog.Error("selection events setup failed", "brokers", cfg.Events.Brokers, "err", err)
			return 1
		}
		defer func() {
			if err := pub.Close(); err != nil {
				appLog.Warn("selection events close", "err", err)
			}
		}()
		deps.Events = pub
	}

	reg := session.NewRegistry(cfg.Dataset, deps, cfg.SessionMax, cfg.SessionTTL)
	defer reg.Purge()

	handler := server.NewHandler(appLog, router.New(appLog, reg, cfg.Dataset, cfg.UpstreamTimeout), metricsHandler)
	if err := server.Run(ctx, cfg, appLog, handler); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

func newTabular(ctx context.Context, cfg config.Config, appLog *slog.Logger, client *http.Client) (tabular.Service, func(), error) {
	switch cfg.SQLBackend {
	case config.BackendPostgres:
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		st, err := postgres.Open(pctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		appLog.Info("tabular backend", "kind", "postgres")
		return st, func() { _ = st.Close() }, nil
	case config.BackendCarto:
		c, err := cartosql.New(appLog, client, cfg.Dataset.SQLAPIURL)
		if err != nil {
			return nil, nil, err
		}
		appLog.Info("tabular backend", "kind", "carto", "url", cfg.Dataset.SQLAPIURL)
		return c, func() {}, nil
	default:
		return nil, nil, errors.New("unknown SQL backend " + cfg.SQLBackend)
	}
}
