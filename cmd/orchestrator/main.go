// Binary orchestrator runs the job lifecycle state machine together with the
// HTTP API and the SSE broadcast hub.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	sdkotel "go.opentelemetry.io/otel"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/seanmx/sentiflow/internal/api"
	"github.com/seanmx/sentiflow/internal/app/broadcast"
	"github.com/seanmx/sentiflow/internal/app/orchestration"
	"github.com/seanmx/sentiflow/internal/config"
	"github.com/seanmx/sentiflow/internal/infra/eventbus/kafka"
	"github.com/seanmx/sentiflow/internal/infra/eventdispatcher"
	jobstore "github.com/seanmx/sentiflow/internal/infra/storage/analysis/postgres"
	"github.com/seanmx/sentiflow/pkg/common"
	"github.com/seanmx/sentiflow/pkg/common/logger"
	"github.com/seanmx/sentiflow/pkg/common/otel"
)

const serviceType = "orchestrator"

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

	svcName := fmt.Sprintf("ORCHESTRATOR-%s", hostname)
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

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 20
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "Migrations applied successfully. Starting application...")

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
		GroupID:                cfg.Kafka.GroupID + "-orchestrator",
		ClientID:               svcName,
		ServiceType:            serviceType,
	}

	bus, err := kafka.ConnectWithRetry(ctx, busCfg, log, busMetrics, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect event bus", "error", err)
		os.Exit(1)
	}

	repo := jobstore.NewJobStore(pool, tracer)

	hubCfg := broadcast.DefaultConfig()
	if cfg.Hub.HeartbeatInterval > 0 {
		hubCfg.HeartbeatInterval = cfg.Hub.HeartbeatInterval
	}
	if cfg.Hub.TerminalGrace > 0 {
		hubCfg.TerminalGrace = cfg.Hub.TerminalGrace
	}
	if cfg.Hub.SubscriberBuffer > 0 {
		hubCfg.SubscriberBuffer = cfg.Hub.SubscriberBuffer
	}
	if cfg.Hub.StaleThreshold > 0 {
		hubCfg.StaleThreshold = cfg.Hub.StaleThreshold
	}
	hub := broadcast.NewHub(hubCfg, log, tracer)
	go hub.Run(ctx)

	orchestrator := orchestration.NewOrchestrator(hostname, repo, hub, log, tracer)

	dispatcher := eventdispatcher.New(svcName, tracer, log)
	if err := dispatcher.RegisterHandler(ctx, orchestrator); err != nil {
		log.Error(ctx, "failed to register orchestrator handler", "error", err)
		os.Exit(1)
	}
	if err := dispatcher.RegisterHandler(ctx, hub); err != nil {
		log.Error(ctx, "failed to register hub handler", "error", err)
		os.Exit(1)
	}

	eventTypes := append(orchestrator.SupportedEvents(), hub.SupportedEvents()...)
	if err := bus.Subscribe(ctx, eventTypes, dispatcher.Dispatch); err != nil {
		log.Error(ctx, "failed to subscribe to lifecycle events", "error", err)
		os.Exit(1)
	}

	publisher := kafka.NewDomainEventPublisher(bus)
	apiServer, err := api.NewServer(cfg, log, tracer, repo, publisher, hub)
	if err != nil {
		log.Error(ctx, "failed to create api server", "error", err)
		os.Exit(1)
	}

	log.Info(ctx, "Orchestrator initialized")
	ready.Store(true)

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		log.Info(ctx, "Received shutdown signal", "signal", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := bus.Close(); err != nil {
			log.Error(shutdownCtx, "Failed to close event bus", "error", err)
		}
	case err := <-errCh:
		log.Error(ctx, "API server error", "error", err)
		os.Exit(1)
	}
}

// runMigrations applies all up migrations using a connection from the pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("SENTIFLOW_MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}
