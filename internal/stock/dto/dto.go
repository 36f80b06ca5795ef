package dto

import "time"

type StockItemFilters struct {
	ProductID       string
	LowStock        bool // 0 < available <= threshold
	OutOfStock      bool // available <= 0
	IncludeInactive bool
	Page            int
	PageSize        int
}

type MovementFilters struct {
	ProductID    string
	VariantID    *string
	MovementType string
	StartDate    *time.Time
	EndDate      *time.Time
	Page         int
	PageSize     int
}
