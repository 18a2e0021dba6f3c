package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/rpattn/pricetrail/internal/config"
	"github.com/rpattn/pricetrail/internal/db"
	"github.com/rpattn/pricetrail/internal/ingestion"
	"github.com/rpattn/pricetrail/internal/logging"
	"github.com/rpattn/pricetrail/internal/metrics"
	"github.com/rpattn/pricetrail/internal/repository"
	"github.com/rpattn/pricetrail/internal/source"
	"github.com/rpattn/pricetrail/internal/targets"
)

func main() {
	fs := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	if err := run(fs); err != nil {
		fmt.Fprintf(os.Stderr, "ingestor: %v\n", err)
		os.Exit(1)
	}
}

func run(fs *pflag.FlagSet) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configPath, _ := fs.GetString("config")
	cfg, err := config.Load(configPath, fs)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	m := metrics.NewIngest()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	src, err := source.NewFromConfig(cfg.Source, logger, m)
	if err != nil {
		return err
	}

	ids, err := targets.Resolve(cfg.Ingest.Targets, cfg.Ingest.TargetsFile, logger)
	if err != nil {
		return err
	}
	logger.Info("starting ingestion cycle",
		"source", src.Name(),
		"storage", cfg.Storage.Driver,
		"targets", len(ids),
		"search", cfg.Ingest.SearchPhrase,
		"refresh", cfg.Ingest.Refresh,
	)

	svc := ingestion.NewService(store, src, m, logger)
	summary, runErr := svc.Run(ctx, ingestion.Request{
		Identifiers:  ids,
		SearchPhrase: cfg.Ingest.SearchPhrase,
		Refresh:      cfg.Ingest.Refresh,
	})

	if cfg.Metrics.PushgatewayURL != "" {
		pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.Push(pushCtx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
			logger.Warn("failed to push metrics", "error", err)
		}
		cancel()
	}

	if runErr != nil {
		return runErr
	}

	logger.Info("ingestion cycle finished",
		"run_id", summary.RunID.String(),
		"noop", summary.NoOp,
		"requested", summary.Requested,
		"skipped", summary.Skipped,
		"fetched", summary.Fetched,
		"dropped", summary.Dropped,
		"raced", summary.Raced,
		"products", summary.Products,
		"offers", summary.Offers,
	)
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (repository.Store, error) {
	if cfg.Storage.Driver == "memory" {
		logger.Info("using in-memory storage; nothing will be persisted")
		return repository.NewMemoryStore(), nil
	}

	if cfg.Storage.Migrate {
		if err := db.RunMigrations(cfg.Database, logger); err != nil {
			return nil, err
		}
	}

	conn, err := db.NewConnection(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	return repository.NewPostgresStore(conn), nil
}
