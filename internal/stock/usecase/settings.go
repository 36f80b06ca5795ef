package usecase

import (
	"context"
	"fmt"

	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/fekuna/omnipos-inventory-service/internal/stock"
	"github.com/fekuna/omnipos-inventory-service/internal/stock/dto"
	"go.uber.org/zap"
)

// CreateStockItem lazily creates the item for a product. It is idempotent:
// an existing item is returned unchanged.
func (uc *stockUseCase) CreateStockItem(ctx context.Context, input *dto.CreateStockItemInput) (*model.StockItem, error) {
	if input.Key.ProductID == "" {
		return nil, fmt.Errorf("%w: product id is required", model.ErrInvalidInput)
	}
	if input.InitialStock < 0 || input.LowStockThreshold < 0 {
		return nil, fmt.Errorf("%w: initial stock and threshold must not be negative", model.ErrInvalidInput)
	}

	item := model.NewStockItem(input.Key, uc.clock.Now())
	item.CurrentStock = input.InitialStock
	item.LowStockThreshold = input.LowStockThreshold
	item.AllowBackorder = input.AllowBackorder
	if input.TrackInventory != nil {
		item.TrackInventory = *input.TrackInventory
	}

	created, err := uc.repo.CreateStockItem(ctx, item)
	if err != nil {
		return nil, err
	}
	if !created {
		return uc.GetStockItem(ctx, input.Key)
	}

	uc.logger.WithContext(ctx).Info("Stock item created",
		zap.String("stock_item_id", item.ID),
		zap.String("product_id", item.ProductID),
		zap.String("variant_id", item.VariantID),
	)
	return item, nil
}

func (uc *stockUseCase) UpdateSettings(ctx context.Context, key model.StockKey, patch model.SettingsPatch) (*model.StockItem, error) {
	return uc.mutate(ctx, key, func(item *model.StockItem) error {
		return item.UpdateSettings(patch, uc.clock.Now())
	})
}

func (uc *stockUseCase) Deactivate(ctx context.Context, key model.StockKey) error {
	_, err := uc.mutate(ctx, key, func(item *model.StockItem) error {
		item.Deactivate(uc.clock.Now())
		return nil
	})
	return err
}

func (uc *stockUseCase) GetStockItem(ctx context.Context, key model.StockKey) (*model.StockItem, error) {
	item, err := uc.repo.FindByProduct(ctx, key)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrProductNotFound, key)
	}
	return item, nil
}

func (uc *stockUseCase) ListLowStock(ctx context.Context, filters *dto.StockItemFilters) ([]model.StockItem, int, error) {
	f := *filters
	if !f.LowStock && !f.OutOfStock {
		f.LowStock = true
	}
	return uc.repo.FindAll(ctx, &f)
}

func (uc *stockUseCase) ListMovements(ctx context.Context, filters *dto.MovementFilters) ([]model.StockMovement, int, error) {
	return uc.repo.ListMovements(ctx, filters)
}

// mutate applies a metadata change to one item under optimistic concurrency.
func (uc *stockUseCase) mutate(ctx context.Context, key model.StockKey, fn func(item *model.StockItem) error) (*model.StockItem, error) {
	found, err := uc.GetStockItem(ctx, key)
	if err != nil {
		return nil, err
	}

	var updated *model.StockItem
	err = uc.withRetry(ctx, func() error {
		return uc.repo.WithinTx(ctx, func(ctx context.Context, tx stock.Tx) error {
			item, err := tx.Load(ctx, found.ID, stock.LoadOptions{})
			if err != nil {
				return err
			}
			if err := fn(item); err != nil {
				return err
			}
			if err := tx.Save(ctx, item); err != nil {
				return err
			}
			updated = item
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
