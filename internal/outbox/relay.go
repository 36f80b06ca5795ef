package outbox

import (
	"context"
	"time"

	"github.com/fekuna/omnipos-inventory-service/internal/logger"
	"github.com/fekuna/omnipos-inventory-service/internal/metrics"
	"github.com/fekuna/omnipos-inventory-service/internal/stock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type RelayConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

// Relay forwards recorded domain events to an EventSink.
type Relay struct {
	store   Store
	sink    stock.EventSink
	cfg     RelayConfig
	logger  logger.ZapLogger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewRelay(store Store, sink stock.EventSink, cfg RelayConfig, log logger.ZapLogger, m *metrics.Metrics) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Relay{
		store:   store,
		sink:    sink,
		cfg:     cfg,
		logger:  log,
		metrics: m,
		tracer:  otel.Tracer("outbox-relay"),
	}
}

func (r *Relay) Start(ctx context.Context) {
	r.logger.Info("Starting outbox relay", zap.Duration("interval", r.cfg.Interval))

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping outbox relay")
			return
		case <-ticker.C:
			if _, err := r.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				r.logger.WithContext(ctx).Error("Error processing outbox batch", zap.Error(err))
			}
		}
	}
}

// ProcessBatch delivers one batch and returns how many records were published.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRelay.ProcessBatch")
	defer span.End()

	published := 0
	err := r.store.WithBatch(ctx, r.cfg.BatchSize, r.cfg.MaxAttempts, func(ctx context.Context, batch Batch) error {
		log := r.logger.WithContext(ctx)
		for _, rec := range batch.Records() {
			event, err := rec.Event()
			if err == nil {
				err = r.sink.Publish(ctx, event)
			}
			if err != nil {
				r.metrics.OutboxFailed.Inc()
				log.Warn("Outbox record delivery failed",
					zap.Int64("id", rec.ID),
					zap.String("event_type", rec.EventType),
					zap.Int("attempts", rec.Attempts+1),
					zap.Error(err),
				)
				if markErr := batch.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil {
					return markErr
				}
				continue
			}

			if err := batch.MarkPublished(ctx, rec.ID); err != nil {
				return err
			}
			r.metrics.OutboxPublished.Inc()
			published++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	span.SetAttributes(attribute.Int("outbox.published", published))
	return published, nil
}
