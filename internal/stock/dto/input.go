package dto

import "github.com/fekuna/omnipos-inventory-service/internal/model"

type OrderLine struct {
	Key      model.StockKey
	Quantity int64
}

type AdjustStockInput struct {
	Key           model.StockKey
	Delta         int64
	MovementType  model.MovementType // receiving, shrinkage or correction
	Reason        string
	ReferenceType string
	ReferenceID   string
	Actor         string
}

type AdjustLine struct {
	Key         model.StockKey
	Delta       int64
	ReferenceID string
}

type BatchAdjustInput struct {
	Items        []AdjustLine
	MovementType model.MovementType
	Reason       string
	Actor        string
}

type CreateStockItemInput struct {
	Key               model.StockKey
	InitialStock      int64
	LowStockThreshold int64
	TrackInventory    *bool // defaults to true
	AllowBackorder    bool
}
