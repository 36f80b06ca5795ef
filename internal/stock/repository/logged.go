package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fekuna/omnipos-inventory-service/internal/logger"
	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/fekuna/omnipos-inventory-service/internal/stock"
	"go.uber.org/zap"
)

// LoggedRepository logs failed and slow units of work. Domain rejections are
// logged at debug since callers report them.
type LoggedRepository struct {
	stock.Repository
	logger        logger.ZapLogger
	slowThreshold time.Duration
}

func NewLoggedRepository(repo stock.Repository, log logger.ZapLogger, slowThreshold time.Duration) *LoggedRepository {
	return &LoggedRepository{Repository: repo, logger: log, slowThreshold: slowThreshold}
}

func (r *LoggedRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx stock.Tx) error) error {
	start := time.Now()
	err := r.Repository.WithinTx(ctx, fn)
	elapsed := time.Since(start)

	log := r.logger.WithContext(ctx)
	switch {
	case err == nil:
		if r.slowThreshold > 0 && elapsed > r.slowThreshold {
			log.Warn("slow stock transaction", zap.Duration("elapsed", elapsed))
		}
	case isDomainError(err):
		log.Debug("stock transaction rolled back", zap.Duration("elapsed", elapsed), zap.Error(err))
	default:
		log.Error("stock transaction failed", zap.Duration("elapsed", elapsed), zap.Error(err))
	}
	return err
}

func isDomainError(err error) bool {
	for _, kind := range []error{
		model.ErrProductNotFound,
		model.ErrInsufficientStock,
		model.ErrDuplicateReservation,
		model.ErrReservationNotFound,
		model.ErrInvalidReservationState,
		model.ErrConcurrencyConflict,
		model.ErrInvalidInput,
		model.ErrReservationNotExpired,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
