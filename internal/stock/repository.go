package stock

import (
	"context"
	"time"

	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/fekuna/omnipos-inventory-service/internal/stock/dto"
)

// LoadOptions controls how a stock item is loaded inside a transaction.
// Pending reservations are always loaded; OrderID and ReservationID pull in
// matching reservations in any status.
type LoadOptions struct {
	ForUpdate     bool
	OrderID       string
	ReservationID string
}

type Repository interface {
	// Snapshot reads, no reservations attached
	FindByKeys(ctx context.Context, keys []model.StockKey) ([]model.StockItem, error)
	FindByProduct(ctx context.Context, key model.StockKey) (*model.StockItem, error)
	FindAll(ctx context.Context, filters *dto.StockItemFilters) ([]model.StockItem, int, error)

	// Reservations
	FindReservation(ctx context.Context, reservationID string) (*model.StockReservation, error)
	ListReservationsByOrder(ctx context.Context, orderID string) ([]model.StockReservation, error)
	FindExpiredReservations(ctx context.Context, now time.Time, limit int) ([]model.StockReservation, error)

	// CreateStockItem inserts the item unless one exists for its key and
	// reports whether it was created.
	CreateStockItem(ctx context.Context, item *model.StockItem) (bool, error)

	// Movements / Audit
	ListMovements(ctx context.Context, filters *dto.MovementFilters) ([]model.StockMovement, int, error)

	// WithinTx runs fn in one atomic unit of work. Any error rolls it back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Tx interface {
	// Load returns model.ErrProductNotFound when the item does not exist.
	Load(ctx context.Context, itemID string, opts LoadOptions) (*model.StockItem, error)
	// Save persists the item and its reservation writes, failing with
	// model.ErrConcurrencyConflict if the stored version moved on.
	Save(ctx context.Context, item *model.StockItem) error
	LogMovement(ctx context.Context, movement *model.StockMovement) error
	AppendEvents(ctx context.Context, events []model.Event) error
}
