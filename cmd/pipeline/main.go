package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/storefront-funnel/internal/archive"
	"github.com/angelmondragon/storefront-funnel/internal/export"
	"github.com/angelmondragon/storefront-funnel/internal/funnel"
	"github.com/angelmondragon/storefront-funnel/internal/notify"
	"github.com/angelmondragon/storefront-funnel/internal/pipeline"
	"github.com/angelmondragon/storefront-funnel/internal/source"
	"github.com/angelmondragon/storefront-funnel/internal/warehouse"
	"github.com/angelmondragon/storefront-funnel/pkg/bigquery"
	"github.com/angelmondragon/storefront-funnel/pkg/config"
	"github.com/angelmondragon/storefront-funnel/pkg/db"
	pkgerrors "github.com/angelmondragon/storefront-funnel/pkg/errors"
	"github.com/angelmondragon/storefront-funnel/pkg/logger"
	"github.com/angelmondragon/storefront-funnel/pkg/metrics"
	"github.com/angelmondragon/storefront-funnel/pkg/migrate"
	"github.com/angelmondragon/storefront-funnel/pkg/pubsub"
)

const (
	serviceName = "funnel-pipeline"
	pushTimeout = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		return bootFailed(context.Background(), logg, "failed to load config", err)
	}

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return bootFailed(ctx, logg, "failed to bootstrap database", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return bootFailed(ctx, logg, "failed to run dev migrations", err)
	}

	registry := prometheus.NewRegistry()
	pipelineMetrics := metrics.NewPipelineMetrics(registry)

	fetcherOpts := []source.FetcherOption{
		source.WithFetcherLogger(logg),
		source.WithFetcherMetrics(pipelineMetrics),
	}
	rawArchive, closeArchive, err := archive.FromConfig(ctx, cfg.Archive, cfg.GCP, logg)
	if err != nil {
		return bootFailed(ctx, logg, "failed to bootstrap raw archive", err)
	}
	defer func() {
		if err := closeArchive(); err != nil {
			logg.Error(context.Background(), "error closing raw archive", err)
		}
	}()
	if rawArchive != nil {
		fetcherOpts = append(fetcherOpts, source.WithArchive(rawArchive))
	}

	apiClient := source.NewClient(cfg.Source, source.WithLogger(logg), source.WithMetrics(pipelineMetrics))
	fetcher := source.NewFetcher(apiClient, cfg.Source, fetcherOpts...)
	loader := warehouse.NewLoader(dbClient, cfg.Load, warehouse.WithLogger(logg), warehouse.WithMetrics(pipelineMetrics))

	params := pipeline.Params{
		Logger:  logg,
		Fetcher: fetcher,
		Loader:  loader,
		Metrics: pipelineMetrics,
		Synthesis: funnel.Options{
			MaxSyntheticViews:  cfg.Synthesis.MaxSyntheticViews,
			ConversionExponent: cfg.Synthesis.ConversionExponent,
		},
	}

	if cfg.BigQuery.Enabled {
		bqClient, err := bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg)
		if err != nil {
			return bootFailed(ctx, logg, "failed to bootstrap bigquery", err)
		}
		defer func() {
			if err := bqClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing bigquery", err)
			}
		}()
		mirror, err := export.New(bqClient, export.Config{
			Table:     cfg.BigQuery.EventsTable,
			BatchSize: cfg.BigQuery.BatchSize,
		}, export.WithLogger(logg), export.WithMetrics(pipelineMetrics))
		if err != nil {
			return bootFailed(ctx, logg, "failed to create event mirror", err)
		}
		params.Mirror = mirror
	}

	if strings.TrimSpace(cfg.PubSub.RunTopic) != "" {
		psClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			return bootFailed(ctx, logg, "failed to bootstrap pubsub", err)
		}
		defer func() {
			if err := psClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing pubsub", err)
			}
		}()
		notifier := notify.New(psClient.RunPublisher(), logg)
		defer notifier.Close()
		params.Notifier = notifier
	}

	orchestrator, err := pipeline.New(params)
	if err != nil {
		return bootFailed(ctx, logg, "failed to create pipeline", err)
	}

	report, runErr := orchestrator.Run(ctx)

	pusher := metrics.NewPusher(cfg.Metrics.PushgatewayURL, cfg.Metrics.Job, registry)
	pushCtx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	if err := pusher.Push(pushCtx, report.RunID); err != nil {
		logg.Error(ctx, "failed to push run metrics", err)
	}

	return pkgerrors.ExitCode(runErr)
}

// bootFailed logs a startup failure and returns its exit status. Anything not
// already a config error is reported as a bootstrap failure.
func bootFailed(ctx context.Context, logg *logger.Logger, msg string, err error) int {
	if !pkgerrors.IsCode(err, pkgerrors.CodeConfig) {
		err = pkgerrors.Wrap(pkgerrors.CodeBootstrap, err, msg)
	}
	logg.Error(ctx, msg, err)
	return pkgerrors.ExitCode(err)
}
