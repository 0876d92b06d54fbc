// selection-tail consumes the selection event topic and logs each change.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mohammed-shakir/occurrence-filter/internal/logger"
	"github.com/mohammed-shakir/occurrence-filter/internal/selectionevents"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	zl := logger.Build(logger.Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Console:   os.Getenv("LOG_CONSOLE") == "true",
		Component: "selection-tail",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := selectionevents.ConsumerConfigFromEnv()
	c := selectionevents.NewConsumer(cfg, appLog, func(ctx context.Context, ev selectionevents.Event) error {
		ctx = logger.WithSession(logger.WithDataset(ctx, ev.Dataset), ev.Session)
		appLog.InfoContext(ctx, "selection",
			"kind", ev.Kind,
			"value", ev.Value,
			"outcome", ev.Outcome,
			"query", ev.Query,
			"ts", ev.TS)
		return nil
	})
	if err := c.Start(ctx); err != nil {
		appLog.Error("consumer exited with error", "err", err)
		return 1
	}
	return 0
}
