package model

import "time"

type MovementType string

const (
	MovementReceiving  MovementType = "receiving"
	MovementShrinkage  MovementType = "shrinkage"
	MovementCorrection MovementType = "correction"
	MovementSale       MovementType = "sale"
)

// StockMovement is the audit row written for every change to physical stock.
type StockMovement struct {
	ID             string       `db:"id"`
	StockItemID    string       `db:"stock_item_id"`
	ProductID      string       `db:"product_id"`
	VariantID      string       `db:"variant_id"`
	MovementType   MovementType `db:"movement_type"`
	QuantityChange int64        `db:"quantity_change"`
	QuantityBefore int64        `db:"quantity_before"`
	QuantityAfter  int64        `db:"quantity_after"`
	ReferenceType  *string      `db:"reference_type"`
	ReferenceID    *string      `db:"reference_id"`
	Notes          string       `db:"notes"`
	CreatedBy      *string      `db:"created_by"`
	CreatedAt      time.Time    `db:"created_at"`
}
