package model

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventStockAdjusted        EventType = "StockAdjusted"
	EventLowStockReached      EventType = "LowStockReached"
	EventOutOfStockReached    EventType = "OutOfStockReached"
	EventReservationCreated   EventType = "ReservationCreated"
	EventReservationCommitted EventType = "ReservationCommitted"
	EventReservationCancelled EventType = "ReservationCancelled"
	EventReservationExpired   EventType = "ReservationExpired"
)

// Event is a domain event raised by a StockItem mutation. Stock figures are
// the item's state right after the mutation.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	StockItemID    string    `json:"stock_item_id"`
	ProductID      string    `json:"product_id"`
	VariantID      string    `json:"variant_id,omitempty"`
	ReservationID  string    `json:"reservation_id,omitempty"`
	OrderID        string    `json:"order_id,omitempty"`
	Quantity       int64     `json:"quantity,omitempty"`
	CurrentStock   int64     `json:"current_stock"`
	ReservedStock  int64     `json:"reserved_stock"`
	AvailableStock int64     `json:"available_stock"`
	Reason         string    `json:"reason,omitempty"`
	Actor          string    `json:"actor,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func newEvent(t EventType, s *StockItem, now time.Time) Event {
	return Event{
		ID:             uuid.New().String(),
		Type:           t,
		StockItemID:    s.ID,
		ProductID:      s.ProductID,
		VariantID:      s.VariantID,
		CurrentStock:   s.CurrentStock,
		ReservedStock:  s.ReservedStock,
		AvailableStock: s.AvailableStock(),
		OccurredAt:     now,
	}
}

func reservationEvent(t EventType, s *StockItem, r *StockReservation, now time.Time) Event {
	e := newEvent(t, s, now)
	e.ReservationID = r.ID
	e.OrderID = r.OrderID
	e.Quantity = r.Quantity
	return e
}
