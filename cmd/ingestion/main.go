// Binary ingestion runs the feed-collection controller: it consumes job
// start/cancel requests from the bus and runs one bounded session per job.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	sdkotel "go.opentelemetry.io/otel"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/seanmx/sentiflow/internal/app/ingestion"
	"github.com/seanmx/sentiflow/internal/config"
	"github.com/seanmx/sentiflow/internal/infra/eventbus/kafka"
	"github.com/seanmx/sentiflow/internal/infra/eventdispatcher"
	"github.com/seanmx/sentiflow/internal/infra/feed"
	"github.com/seanmx/sentiflow/pkg/common"
	"github.com/seanmx/sentiflow/pkg/common/logger"
	"github.com/seanmx/sentiflow/pkg/common/otel"
)

const serviceType = "ingestion"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }

	svcName := fmt.Sprintf("INGESTION-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(os.Getenv("SENTIFLOW_CONFIG"))
	if err != nil {
		log.Error(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	prob := 1.0
	if raw := os.Getenv("OTEL_SAMPLING_RATIO"); raw != "" {
		if prob, err = strconv.ParseFloat(raw, 64); err != nil {
			log.Error(ctx, "failed to parse OTEL_SAMPLING_RATIO", "error", err)
			os.Exit(1)
		}
	}
	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      svcName,
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: prob,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"service.instance": hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(svcName)

	ready := new(atomic.Bool)
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			log.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	busMetrics, err := kafka.NewEventBusMetrics(sdkotel.GetMeterProvider())
	if err != nil {
		log.Error(ctx, "failed to create bus metrics", "error", err)
		os.Exit(1)
	}

	busCfg := &kafka.Config{
		Brokers:                cfg.Kafka.Brokers,
		JobStartTopic:          cfg.Kafka.JobStartTopic,
		JobCancelTopic:         cfg.Kafka.JobCancelTopic,
		RawDataTopic:           cfg.Kafka.RawDataTopic,
		InitialBatchTopic:      cfg.Kafka.InitialBatchTopic,
		IngestionCompleteTopic: cfg.Kafka.IngestionCompleteTopic,
		DataUpdateTopic:        cfg.Kafka.DataUpdateTopic,
		JobCompleteTopic:       cfg.Kafka.JobCompleteTopic,
		JobFailedTopic:         cfg.Kafka.JobFailedTopic,
		GroupID:                cfg.Kafka.GroupID + "-ingestion",
		ClientID:               svcName,
		ServiceType:            serviceType,
	}

	bus, err := kafka.ConnectWithRetry(ctx, busCfg, log, busMetrics, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect event bus", "error", err)
		os.Exit(1)
	}

	feedClient := feed.NewHTTPClient(feed.Config{
		BaseURL:           cfg.Feed.BaseURL,
		AuthToken:         cfg.Feed.AuthToken,
		PageSize:          cfg.Feed.PageSize,
		PollInterval:      cfg.Feed.PollInterval,
		RequestsPerSecond: cfg.Feed.RequestsPerSecond,
		RequestBurst:      cfg.Feed.RequestBurst,
	}, http.DefaultClient, log, tracer)

	limits := ingestion.DefaultLimits()
	if cfg.Ingestion.DefaultMaxDuration > 0 {
		limits.DefaultMaxDuration = cfg.Ingestion.DefaultMaxDuration
	}
	if cfg.Ingestion.WarmupCount > 0 {
		limits.WarmupCount = cfg.Ingestion.WarmupCount
	}
	if cfg.Ingestion.FeedRetryMaxAttempts > 0 {
		limits.FeedRetryMaxAttempts = cfg.Ingestion.FeedRetryMaxAttempts
	}
	if cfg.Ingestion.FeedRetryInitialWait > 0 {
		limits.FeedRetryInitialWait = cfg.Ingestion.FeedRetryInitialWait
	}
	if cfg.Ingestion.RecordsPerSecond > 0 {
		limits.RecordsPerSecond = cfg.Ingestion.RecordsPerSecond
	}
	if cfg.Ingestion.RecordBurst > 0 {
		limits.RecordBurst = cfg.Ingestion.RecordBurst
	}

	publisher := kafka.NewDomainEventPublisher(bus)
	controller := ingestion.NewController(hostname, feedClient, publisher, limits, log, tracer)

	dispatcher := eventdispatcher.New(svcName, tracer, log)
	if err := dispatcher.RegisterHandler(ctx, controller); err != nil {
		log.Error(ctx, "failed to register ingestion handler", "error", err)
		os.Exit(1)
	}

	if err := bus.Subscribe(ctx, controller.SupportedEvents(), dispatcher.Dispatch); err != nil {
		log.Error(ctx, "failed to subscribe to job requests", "error", err)
		os.Exit(1)
	}

	log.Info(ctx, "Ingestion controller initialized")
	ready.Store(true)

	sig := <-sigCh
	log.Info(ctx, "Received shutdown signal", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := bus.Close(); err != nil {
		log.Error(shutdownCtx, "Failed to close event bus", "error", err)
	}
	if err := controller.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "Failed to drain ingestion sessions", "error", err)
	}
}
