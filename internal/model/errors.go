package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrProductNotFound         = errors.New("product not found")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrDuplicateReservation    = errors.New("duplicate reservation")
	ErrReservationNotFound     = errors.New("reservation not found")
	ErrInvalidReservationState = errors.New("invalid reservation state")
	ErrConcurrencyConflict     = errors.New("concurrency conflict")

	ErrInvalidInput          = errors.New("invalid input")
	ErrReservationNotExpired = errors.New("reservation not expired")
)

// ReservationError reports the stock keys that made a multi-item
// reservation fail. It unwraps to the failure kind.
type ReservationError struct {
	Err  error
	Keys []StockKey
}

func (e *ReservationError) Error() string {
	parts := make([]string, 0, len(e.Keys))
	for _, k := range e.Keys {
		parts = append(parts, k.String())
	}
	return fmt.Sprintf("%v: %s", e.Err, strings.Join(parts, ", "))
}

func (e *ReservationError) Unwrap() error {
	return e.Err
}

func (e *ReservationError) ProductIDs() []string {
	ids := make([]string, 0, len(e.Keys))
	for _, k := range e.Keys {
		ids = append(ids, k.ProductID)
	}
	return ids
}
