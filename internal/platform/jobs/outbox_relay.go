package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/hanko-field/commerce/internal/platform/observability"
	"github.com/hanko-field/commerce/internal/repositories"
)

const (
	defaultRelayInterval  = 2 * time.Second
	defaultRelayBatchSize = 100
)

// RelayMetrics receives outbox delivery observations.
type RelayMetrics interface {
	OutboxBatch(size int)
	OutboxPublished(sink string, err error)
}

// OutboxRelayDeps bundles the collaborators of an outbox relay.
type OutboxRelayDeps struct {
	Outbox    repositories.OutboxRepository
	Publisher EventPublisher
	Interval  time.Duration
	BatchSize int
	Clock     func() time.Time
	Logger    *zap.Logger
	Metrics   RelayMetrics
}

// OutboxRelay drains pending outbox rows into the configured broker. Delivery is at least once:
// a crash between publish and MarkSent republishes the event, and consumers dedupe on eventId.
type OutboxRelay struct {
	outbox    repositories.OutboxRepository
	publisher EventPublisher
	interval  time.Duration
	batchSize int
	clock     func() time.Time
	logger    *zap.Logger
	metrics   RelayMetrics
}

// NewOutboxRelay validates dependencies and applies defaults.
func NewOutboxRelay(deps OutboxRelayDeps) (*OutboxRelay, error) {
	if deps.Outbox == nil {
		return nil, errors.New("outbox relay: outbox repository is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("outbox relay: publisher is required")
	}

	interval := deps.Interval
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultRelayBatchSize
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopRelayMetrics{}
	}

	return &OutboxRelay{
		outbox:    deps.Outbox,
		publisher: deps.Publisher,
		interval:  interval,
		batchSize: batch,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:  logger.With(zap.String("component", "outbox_relay"), zap.String("sink", deps.Publisher.Name())),
		metrics: metrics,
	}, nil
}

// Run flushes on every tick until ctx is cancelled. Flush errors are logged and retried on the
// next tick.
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", zap.Duration("interval", r.interval), zap.Int("batch_size", r.batchSize))
	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("outbox flush failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Flush publishes one batch of pending events and returns how many were delivered. A failed
// publish marks the event failed and moves on to the next one.
func (r *OutboxRelay) Flush(ctx context.Context) (int, error) {
	ctx, span := observability.StartSpan(ctx, "outbox.flush", attribute.String("outbox.sink", r.publisher.Name()))
	defer span.End()

	events, err := r.outbox.FetchPending(ctx, r.batchSize)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("fetch pending events: %w", err)
	}
	r.metrics.OutboxBatch(len(events))
	span.SetAttributes(attribute.Int("outbox.batch_size", len(events)))

	published := 0
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return published, err
		}

		pubErr := r.publisher.Publish(ctx, event)
		r.metrics.OutboxPublished(r.publisher.Name(), pubErr)
		if pubErr != nil {
			r.logger.Warn("outbox publish failed",
				zap.String("event_id", event.ID),
				zap.String("order_id", event.AggregateID),
				zap.Int("attempts", event.Attempts+1),
				zap.Error(pubErr),
			)
			if err := r.outbox.MarkFailed(ctx, event.ID, pubErr.Error()); err != nil {
				return published, fmt.Errorf("mark event %s failed: %w", event.ID, err)
			}
			continue
		}

		if err := r.outbox.MarkSent(ctx, event.ID, r.clock()); err != nil {
			return published, fmt.Errorf("mark event %s sent: %w", event.ID, err)
		}
		published++
	}
	return published, nil
}

type noopRelayMetrics struct{}

func (noopRelayMetrics) OutboxBatch(int)               {}
func (noopRelayMetrics) OutboxPublished(string, error) {}
