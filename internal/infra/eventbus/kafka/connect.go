package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/seanmx/sentiflow/pkg/common/logger"
)

// ConnectWithRetry repeatedly attempts to build the Kafka event bus until the
// brokers become reachable or the backoff gives up. Services typically start
// before Kafka finishes electing leaders, so the first attempts are expected
// to fail.
func ConnectWithRetry(
	ctx context.Context,
	cfg *Config,
	log *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 5 * time.Second
	expBackoff.MaxInterval = 30 * time.Second
	expBackoff.MaxElapsedTime = 5 * time.Minute

	var bus *EventBus
	operation := func() error {
		var err error
		bus, err = NewEventBusFromConfig(cfg, log, metrics, tracer)
		if err != nil {
			log.Warn(ctx, "Failed to connect to Kafka, will retry", "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to kafka after retries: %w", err)
	}

	log.Info(ctx, "Successfully connected to Kafka", "brokers", cfg.Brokers)
	return bus, nil
}
