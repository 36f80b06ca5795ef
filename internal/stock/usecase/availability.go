package usecase

import (
	"context"

	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CheckAvailability answers, without locking, whether each requested quantity
// could be reserved now. Unknown or inactive products report false. The
// answer is advisory; ReserveForOrder re-validates under lock.
func (uc *stockUseCase) CheckAvailability(ctx context.Context, quantities map[model.StockKey]int64) (map[model.StockKey]bool, error) {
	ctx, span := uc.tracer.Start(ctx, "StockUseCase.CheckAvailability", trace.WithAttributes(
		attribute.Int("stock.keys", len(quantities)),
	))
	defer span.End()

	result := make(map[model.StockKey]bool, len(quantities))
	if len(quantities) == 0 {
		return result, nil
	}

	keys := make([]model.StockKey, 0, len(quantities))
	for k := range quantities {
		keys = append(keys, k)
	}

	items, err := uc.repo.FindByKeys(ctx, keys)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	byKey := make(map[model.StockKey]model.StockItem, len(items))
	for _, item := range items {
		byKey[item.Key()] = item
	}

	for k, qty := range quantities {
		item, ok := byKey[k]
		result[k] = ok && item.IsActive && item.CanFulfil(qty)
	}
	return result, nil
}
