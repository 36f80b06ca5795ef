package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/fekuna/omnipos-inventory-service/internal/stock"
	"github.com/fekuna/omnipos-inventory-service/internal/stock/dto"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func (uc *stockUseCase) AdjustStock(ctx context.Context, input *dto.AdjustStockInput) (*model.StockItem, error) {
	ctx, span := uc.tracer.Start(ctx, "StockUseCase.AdjustStock", trace.WithAttributes(
		attribute.String("stock.key", input.Key.String()),
		attribute.Int64("stock.delta", input.Delta),
	))
	defer span.End()

	movementType, err := adjustmentType(input)
	if err != nil {
		uc.metrics.Adjustments.WithLabelValues("rejected").Inc()
		return nil, err
	}

	found, err := uc.resolve(ctx, input.Key)
	if err != nil {
		uc.metrics.Adjustments.WithLabelValues("skipped").Inc()
		return nil, err
	}

	var updated *model.StockItem
	err = uc.withRetry(ctx, func() error {
		return uc.repo.WithinTx(ctx, func(ctx context.Context, tx stock.Tx) error {
			item, err := tx.Load(ctx, found.ID, stock.LoadOptions{})
			if err != nil {
				return err
			}

			now := uc.clock.Now()
			before := item.CurrentStock
			events, err := item.Adjust(input.Delta, input.Reason, input.Actor, now)
			if err != nil {
				return err
			}
			updated = item
			if len(events) == 0 {
				return nil
			}

			if err := tx.Save(ctx, item); err != nil {
				return err
			}
			if err := tx.LogMovement(ctx, adjustmentMovement(item, input, movementType, before, now)); err != nil {
				return err
			}
			return tx.AppendEvents(ctx, events)
		})
	})
	if err != nil {
		span.RecordError(err)
		uc.metrics.Adjustments.WithLabelValues("rejected").Inc()
		return nil, err
	}

	uc.metrics.Adjustments.WithLabelValues("applied").Inc()
	uc.logger.WithContext(ctx).Info("Stock adjusted",
		zap.String("product_id", input.Key.ProductID),
		zap.String("variant_id", input.Key.VariantID),
		zap.Int64("delta", input.Delta),
		zap.Int64("current_stock", updated.CurrentStock),
		zap.String("actor", input.Actor),
	)
	return updated, nil
}

// BatchAdjust applies each line independently. Missing products are skipped
// and every line gets an outcome; the batch itself never fails.
func (uc *stockUseCase) BatchAdjust(ctx context.Context, input *dto.BatchAdjustInput) (*dto.BatchAdjustReport, error) {
	report := &dto.BatchAdjustReport{Items: make([]dto.AdjustOutcome, 0, len(input.Items))}

	for _, line := range input.Items {
		outcome := dto.AdjustOutcome{Key: line.Key, Delta: line.Delta}
		if err := ctx.Err(); err != nil {
			outcome.Status, outcome.Err = dto.OutcomeFailed, err
			report.Items = append(report.Items, outcome)
			continue
		}

		item, err := uc.AdjustStock(ctx, &dto.AdjustStockInput{
			Key:           line.Key,
			Delta:         line.Delta,
			MovementType:  input.MovementType,
			Reason:        input.Reason,
			ReferenceType: "batch_adjustment",
			ReferenceID:   line.ReferenceID,
			Actor:         input.Actor,
		})
		switch {
		case err == nil:
			outcome.Status = dto.OutcomeApplied
			outcome.CurrentStock = item.CurrentStock
		case errors.Is(err, model.ErrProductNotFound):
			outcome.Status, outcome.Err = dto.OutcomeSkipped, err
		default:
			outcome.Status, outcome.Err = dto.OutcomeFailed, err
		}
		report.Items = append(report.Items, outcome)
	}

	uc.logger.WithContext(ctx).Info("Batch adjustment finished",
		zap.Int("applied", report.Count(dto.OutcomeApplied)),
		zap.Int("skipped", report.Count(dto.OutcomeSkipped)),
		zap.Int("failed", report.Count(dto.OutcomeFailed)),
		zap.String("actor", input.Actor),
	)
	return report, nil
}

func adjustmentType(input *dto.AdjustStockInput) (model.MovementType, error) {
	if input.Delta == 0 {
		return "", fmt.Errorf("%w: adjustment delta must not be zero", model.ErrInvalidInput)
	}
	switch input.MovementType {
	case "":
		if input.Delta > 0 {
			return model.MovementReceiving, nil
		}
		return model.MovementShrinkage, nil
	case model.MovementReceiving:
		if input.Delta < 0 {
			return "", fmt.Errorf("%w: receiving must add stock", model.ErrInvalidInput)
		}
	case model.MovementShrinkage:
		if input.Delta > 0 {
			return "", fmt.Errorf("%w: shrinkage must remove stock", model.ErrInvalidInput)
		}
	case model.MovementCorrection:
	default:
		return "", fmt.Errorf("%w: unsupported movement type %q", model.ErrInvalidInput, input.MovementType)
	}
	return input.MovementType, nil
}

func adjustmentMovement(item *model.StockItem, input *dto.AdjustStockInput, movementType model.MovementType, before int64, now time.Time) *model.StockMovement {
	m := &model.StockMovement{
		ID:             uuid.New().String(),
		StockItemID:    item.ID,
		ProductID:      item.ProductID,
		VariantID:      item.VariantID,
		MovementType:   movementType,
		QuantityChange: input.Delta,
		QuantityBefore: before,
		QuantityAfter:  item.CurrentStock,
		Notes:          input.Reason,
		CreatedAt:      now,
	}
	if input.ReferenceType != "" {
		m.ReferenceType = &input.ReferenceType
	}
	if input.ReferenceID != "" {
		m.ReferenceID = &input.ReferenceID
	}
	if input.Actor != "" {
		m.CreatedBy = &input.Actor
	}
	return m
}
