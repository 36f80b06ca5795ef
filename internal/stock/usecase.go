package stock

import (
	"context"

	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/fekuna/omnipos-inventory-service/internal/stock/dto"
)

type ReservationEngine interface {
	ReserveForOrder(ctx context.Context, orderID string, lines []dto.OrderLine) (*dto.ReservationResult, error)
	Reserve(ctx context.Context, key model.StockKey, quantity int64, orderID string) (*dto.ReservationResult, error)
	CommitForOrder(ctx context.Context, orderID string) (*dto.OrderOutcome, error)
	CancelForOrder(ctx context.Context, orderID string) (*dto.OrderOutcome, error)
	CommitReservation(ctx context.Context, key model.StockKey, orderID string) (*model.StockReservation, error)
	CancelReservation(ctx context.Context, key model.StockKey, orderID string) (*model.StockReservation, error)
	ExpireReservation(ctx context.Context, reservationID string) (*model.StockReservation, error)
}

type AvailabilityChecker interface {
	CheckAvailability(ctx context.Context, quantities map[model.StockKey]int64) (map[model.StockKey]bool, error)
}

type AdjustmentProcessor interface {
	AdjustStock(ctx context.Context, input *dto.AdjustStockInput) (*model.StockItem, error)
	BatchAdjust(ctx context.Context, input *dto.BatchAdjustInput) (*dto.BatchAdjustReport, error)
}

type UseCase interface {
	ReservationEngine
	AvailabilityChecker
	AdjustmentProcessor

	CreateStockItem(ctx context.Context, input *dto.CreateStockItemInput) (*model.StockItem, error)
	UpdateSettings(ctx context.Context, key model.StockKey, patch model.SettingsPatch) (*model.StockItem, error)
	Deactivate(ctx context.Context, key model.StockKey) error
	GetStockItem(ctx context.Context, key model.StockKey) (*model.StockItem, error)
	ListLowStock(ctx context.Context, filters *dto.StockItemFilters) ([]model.StockItem, int, error)
	ListMovements(ctx context.Context, filters *dto.MovementFilters) ([]model.StockMovement, int, error)
}
