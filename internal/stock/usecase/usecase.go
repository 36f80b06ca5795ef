package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fekuna/omnipos-inventory-service/internal/clock"
	"github.com/fekuna/omnipos-inventory-service/internal/logger"
	"github.com/fekuna/omnipos-inventory-service/internal/metrics"
	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/fekuna/omnipos-inventory-service/internal/stock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	ReservationTTL       time.Duration
	MaxRetries           int
	RetryInitialInterval time.Duration
}

type stockUseCase struct {
	repo    stock.Repository
	clock   clock.Clock
	cfg     Config
	logger  logger.ZapLogger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewStockUseCase(repo stock.Repository, clk clock.Clock, cfg Config, log logger.ZapLogger, m *metrics.Metrics) stock.UseCase {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 15 * time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 20 * time.Millisecond
	}
	return &stockUseCase{
		repo:    repo,
		clock:   clk,
		cfg:     cfg,
		logger:  log,
		metrics: m,
		tracer:  otel.Tracer("stock/usecase"),
	}
}

// withRetry reruns op on optimistic concurrency conflicts, at most
// cfg.MaxRetries extra times. Any other error is returned as is.
func (uc *stockUseCase) withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = uc.cfg.RetryInitialInterval
	b.MaxElapsedTime = 0

	attempts := 0
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, model.ErrConcurrencyConflict) {
			return backoff.Permanent(err)
		}
		attempts++
		if attempts <= uc.cfg.MaxRetries {
			uc.metrics.ConflictRetries.Inc()
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(uc.cfg.MaxRetries)), ctx))
}

// resolve returns the active stock item for key or model.ErrProductNotFound.
func (uc *stockUseCase) resolve(ctx context.Context, key model.StockKey) (*model.StockItem, error) {
	item, err := uc.repo.FindByProduct(ctx, key)
	if err != nil {
		return nil, err
	}
	if item == nil || !item.IsActive {
		return nil, &model.ReservationError{Err: model.ErrProductNotFound, Keys: []model.StockKey{key}}
	}
	return item, nil
}
