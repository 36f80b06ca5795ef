package dto

import (
	"time"

	"github.com/fekuna/omnipos-inventory-service/internal/model"
)

type ReservedLine struct {
	Key           model.StockKey
	StockItemID   string
	ReservationID string // empty when the item does not track inventory
	Quantity      int64
	ExpiresAt     time.Time
}

type ReservationResult struct {
	OrderID string
	Lines   []ReservedLine
}

// ReservationIDs lists the holds actually created.
func (r *ReservationResult) ReservationIDs() []string {
	ids := make([]string, 0, len(r.Lines))
	for _, l := range r.Lines {
		if l.ReservationID != "" {
			ids = append(ids, l.ReservationID)
		}
	}
	return ids
}

type OutcomeStatus string

const (
	OutcomeApplied OutcomeStatus = "applied"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeFailed  OutcomeStatus = "failed"
)

type ItemOutcome struct {
	StockItemID   string
	Key           model.StockKey
	ReservationID string
	Status        OutcomeStatus
	Err           error
}

// OrderOutcome is the per-item report of an order-level commit or cancel.
type OrderOutcome struct {
	OrderID string
	Items   []ItemOutcome
}

func (o *OrderOutcome) Count(status OutcomeStatus) int {
	n := 0
	for _, it := range o.Items {
		if it.Status == status {
			n++
		}
	}
	return n
}

type AdjustOutcome struct {
	Key          model.StockKey
	Delta        int64
	Status       OutcomeStatus
	CurrentStock int64
	Err          error
}

type BatchAdjustReport struct {
	Items []AdjustOutcome
}

func (r *BatchAdjustReport) Count(status OutcomeStatus) int {
	n := 0
	for _, it := range r.Items {
		if it.Status == status {
			n++
		}
	}
	return n
}
