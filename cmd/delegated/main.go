// Command delegated runs the delegate background service: it accepts
// coding-agent task requests and executes them through a pool of
// subprocess workers with priority queueing, dependency ordering,
// scheduling, and crash-safe recovery.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/basket/delegate/internal/config"
	"github.com/basket/delegate/internal/container"
	otelPkg "github.com/basket/delegate/internal/otel"
	"github.com/basket/delegate/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		showVersion  = flag.Bool("version", false, "print version and exit")
		configPath   = flag.String("config", "", "config file path (default ~/.delegate/config.json)")
		agentBinary  = flag.String("agent", "claude", "agent CLI binary the workers run")
		otelExporter = flag.String("otel", "", "telemetry exporter: otlp-http, stdout, none (empty disables)")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return 0
	}

	cfg := config.Load(*configPath, nil)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  *otelExporter != "",
		Exporter: *otelExporter,
	})
	if err != nil {
		logger.Error("init telemetry", "error", err)
		return 1
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		logger.Error("init metrics", "error", err)
		return 1
	}

	spawner, err := worker.NewExecSpawner(*agentBinary, "-p")
	if err != nil {
		logger.Error("resolve agent binary", "error", err)
		return 1
	}

	c, err := container.New(cfg, container.Options{
		Spawner: spawner,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		logger.Error("wire kernel", "error", err)
		return 1
	}
	if err := c.Start(ctx); err != nil {
		logger.Error("start kernel", "error", err)
		c.Dispose(context.Background())
		return 1
	}
	logger.Info("delegated running", "version", Version, "db", cfg.DatabasePath)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Dispose with a fresh context: the signal context is already
	// cancelled and must not cut the graceful worker shutdown short.
	c.Dispose(context.Background())
	return 0
}
