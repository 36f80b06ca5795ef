package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/fekuna/omnipos-inventory-service/internal/clock"
	"github.com/fekuna/omnipos-inventory-service/internal/logger"
	"github.com/fekuna/omnipos-inventory-service/internal/metrics"
	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const leaseKey = "lock:inventory:expiry-sweep"

type ExpiredFinder interface {
	FindExpiredReservations(ctx context.Context, now time.Time, limit int) ([]model.StockReservation, error)
}

type Expirer interface {
	ExpireReservation(ctx context.Context, reservationID string) (*model.StockReservation, error)
}

// Locker is an optional cross-instance lease so one process sweeps per cycle.
type Locker interface {
	AcquireLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, value string) error
}

type Config struct {
	Interval  time.Duration
	BatchSize int
	LeaseTTL  time.Duration
}

type Result struct {
	Found   int
	Expired int
	Skipped int
	Failed  int
}

type Sweeper struct {
	finder  ExpiredFinder
	expirer Expirer
	locker  Locker
	clock   clock.Clock
	cfg     Config
	logger  logger.ZapLogger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewSweeper builds a sweeper; locker may be nil.
func NewSweeper(finder ExpiredFinder, expirer Expirer, locker Locker, clk clock.Clock, cfg Config, log logger.ZapLogger, m *metrics.Metrics) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = cfg.Interval
	}
	return &Sweeper{
		finder:  finder,
		expirer: expirer,
		locker:  locker,
		clock:   clk,
		cfg:     cfg,
		logger:  log,
		metrics: m,
		tracer:  otel.Tracer("stock/sweeper"),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Starting reservation expiry sweeper",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping reservation expiry sweeper")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one cycle. Per-reservation failures are logged and counted; only
// failing to list candidates or take the lease aborts the cycle.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "Sweeper.Sweep")
	defer span.End()

	var res Result
	if s.locker != nil {
		token := uuid.New().String()
		ok, err := s.locker.AcquireLock(ctx, leaseKey, token, s.cfg.LeaseTTL)
		if err != nil {
			span.RecordError(err)
			return res, err
		}
		if !ok {
			s.logger.Debug("Expiry sweep lease held elsewhere, skipping cycle")
			return res, nil
		}
		defer func() {
			if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), leaseKey, token); err != nil {
				s.logger.Warn("Failed to release expiry sweep lease", zap.Error(err))
			}
		}()
	}

	s.metrics.SweepRuns.Inc()
	candidates, err := s.finder.FindExpiredReservations(ctx, s.clock.Now(), s.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	res.Found = len(candidates)

	log := s.logger.WithContext(ctx)
	for _, r := range candidates {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		_, err := s.expirer.ExpireReservation(ctx, r.ID)
		switch {
		case err == nil:
			res.Expired++
			s.metrics.SweepExpired.Inc()
		case errors.Is(err, model.ErrInvalidReservationState),
			errors.Is(err, model.ErrReservationNotFound),
			errors.Is(err, model.ErrReservationNotExpired):
			// Already committed, cancelled or expired by another writer.
			res.Skipped++
		default:
			res.Failed++
			s.metrics.SweepErrors.Inc()
			log.Error("Failed to expire reservation",
				zap.String("reservation_id", r.ID),
				zap.String("order_id", r.OrderID),
				zap.String("stock_item_id", r.StockItemID),
				zap.Error(err),
			)
		}
	}

	span.SetAttributes(
		attribute.Int("sweep.found", res.Found),
		attribute.Int("sweep.expired", res.Expired),
		attribute.Int("sweep.failed", res.Failed),
	)
	if res.Found > 0 {
		log.Info("Expiry sweep finished",
			zap.Int("found", res.Found),
			zap.Int("expired", res.Expired),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}
