package model

import (
	"fmt"
	"time"
)

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

func (s ReservationStatus) IsTerminal() bool {
	return s == ReservationConfirmed || s == ReservationCancelled || s == ReservationExpired
}

type StockReservation struct {
	ID          string            `db:"id" json:"id"`
	StockItemID string            `db:"stock_item_id" json:"stock_item_id"`
	OrderID     string            `db:"order_id" json:"order_id"`
	Quantity    int64             `db:"quantity" json:"quantity"`
	Status      ReservationStatus `db:"status" json:"status"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
	ExpiresAt   time.Time         `db:"expires_at" json:"expires_at"`
	ConfirmedAt *time.Time        `db:"confirmed_at" json:"confirmed_at,omitempty"`
	CancelledAt *time.Time        `db:"cancelled_at" json:"cancelled_at,omitempty"`
	ExpiredAt   *time.Time        `db:"expired_at" json:"expired_at,omitempty"`

	// Set on creation and on status change; cleared once persisted.
	isNew bool
	dirty bool
}

func (r *StockReservation) IsNew() bool   { return r.isNew }
func (r *StockReservation) IsDirty() bool { return r.dirty }

// IsPastExpiry reports whether a pending hold outlived its expiry at now.
func (r *StockReservation) IsPastExpiry(now time.Time) bool {
	return r.Status == ReservationPending && r.ExpiresAt.Before(now)
}

func (r *StockReservation) transition(to ReservationStatus, now time.Time) error {
	if r.Status != ReservationPending {
		return fmt.Errorf("%w: reservation %s is %s, cannot move to %s", ErrInvalidReservationState, r.ID, r.Status, to)
	}

	at := now
	switch to {
	case ReservationConfirmed:
		r.ConfirmedAt = &at
	case ReservationCancelled:
		r.CancelledAt = &at
	case ReservationExpired:
		r.ExpiredAt = &at
	default:
		return fmt.Errorf("%w: unknown target status %q", ErrInvalidReservationState, to)
	}
	r.Status = to
	r.dirty = true
	return nil
}
