package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StockKey identifies a stock item by product, optionally narrowed to a variant.
type StockKey struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
}

func (k StockKey) String() string {
	if k.VariantID == "" {
		return k.ProductID
	}
	return k.ProductID + "/" + k.VariantID
}

type StockItem struct {
	ID                string    `db:"id" json:"id"`
	ProductID         string    `db:"product_id" json:"product_id"`
	VariantID         string    `db:"variant_id" json:"variant_id"`
	CurrentStock      int64     `db:"current_stock" json:"current_stock"`
	ReservedStock     int64     `db:"reserved_stock" json:"reserved_stock"`
	LowStockThreshold int64     `db:"low_stock_threshold" json:"low_stock_threshold"`
	TrackInventory    bool      `db:"track_inventory" json:"track_inventory"`
	AllowBackorder    bool      `db:"allow_backorder" json:"allow_backorder"`
	IsActive          bool      `db:"is_active" json:"is_active"`
	Version           int64     `db:"version" json:"version"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`

	// Pending reservations, plus any terminal ones loaded for a specific
	// order or reservation id.
	Reservations []*StockReservation `db:"-" json:"-"`
}

// SettingsPatch holds optional metadata changes; nil fields are left as is.
type SettingsPatch struct {
	LowStockThreshold *int64
	TrackInventory    *bool
	AllowBackorder    *bool
}

func NewStockItem(key StockKey, now time.Time) *StockItem {
	return &StockItem{
		ID:             uuid.New().String(),
		ProductID:      key.ProductID,
		VariantID:      key.VariantID,
		TrackInventory: true,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *StockItem) Key() StockKey {
	return StockKey{ProductID: s.ProductID, VariantID: s.VariantID}
}

func (s *StockItem) AvailableStock() int64 {
	return s.CurrentStock - s.ReservedStock
}

func (s *StockItem) IsLowStock() bool {
	if !s.TrackInventory {
		return false
	}
	available := s.AvailableStock()
	return available > 0 && available <= s.LowStockThreshold
}

func (s *StockItem) IsOutOfStock() bool {
	return s.TrackInventory && s.AvailableStock() <= 0
}

// CanFulfil reports whether qty units could be reserved right now.
func (s *StockItem) CanFulfil(qty int64) bool {
	if qty <= 0 {
		return false
	}
	if !s.TrackInventory || s.AllowBackorder {
		return true
	}
	return s.AvailableStock() >= qty
}

// PendingReservation returns the pending hold for orderID, if any.
func (s *StockItem) PendingReservation(orderID string) *StockReservation {
	for _, r := range s.Reservations {
		if r.OrderID == orderID && r.Status == ReservationPending {
			return r
		}
	}
	return nil
}

// PendingQuantity sums the quantities of loaded pending reservations.
func (s *StockItem) PendingQuantity() int64 {
	var total int64
	for _, r := range s.Reservations {
		if r.Status == ReservationPending {
			total += r.Quantity
		}
	}
	return total
}

// Adjust changes physical stock by delta. Stock may not drop below zero, nor
// below the reserved quantity unless the item allows backorders.
func (s *StockItem) Adjust(delta int64, reason, actor string, now time.Time) ([]Event, error) {
	if delta == 0 {
		return nil, fmt.Errorf("%w: adjustment delta must not be zero", ErrInvalidInput)
	}
	if !s.TrackInventory {
		return nil, nil
	}

	next := s.CurrentStock + delta
	if next < 0 {
		return nil, fmt.Errorf("%w: product %s has %d on hand, cannot apply %d", ErrInsufficientStock, s.Key(), s.CurrentStock, delta)
	}
	if !s.AllowBackorder && next < s.ReservedStock {
		return nil, fmt.Errorf("%w: product %s has %d reserved, cannot drop stock to %d", ErrInsufficientStock, s.Key(), s.ReservedStock, next)
	}

	wasLow, wasOut := s.IsLowStock(), s.IsOutOfStock()
	s.CurrentStock = next
	s.UpdatedAt = now

	adjusted := newEvent(EventStockAdjusted, s, now)
	adjusted.Quantity = delta
	adjusted.Reason = reason
	adjusted.Actor = actor

	return append([]Event{adjusted}, s.stockAlerts(wasLow, wasOut, now)...), nil
}

// Reserve places a pending hold of qty units for orderID. Untracked items
// return a nil reservation and no error.
func (s *StockItem) Reserve(qty int64, orderID string, ttl time.Duration, now time.Time) (*StockReservation, []Event, error) {
	if qty <= 0 {
		return nil, nil, fmt.Errorf("%w: reservation quantity must be positive, got %d", ErrInvalidInput, qty)
	}
	if orderID == "" {
		return nil, nil, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if !s.TrackInventory {
		return nil, nil, nil
	}
	if existing := s.PendingReservation(orderID); existing != nil {
		return nil, nil, fmt.Errorf("%w: order %s already holds %d of product %s", ErrDuplicateReservation, orderID, existing.Quantity, s.Key())
	}
	if !s.CanFulfil(qty) {
		return nil, nil, fmt.Errorf("%w: product %s has %d available, %d requested", ErrInsufficientStock, s.Key(), s.AvailableStock(), qty)
	}

	wasLow, wasOut := s.IsLowStock(), s.IsOutOfStock()
	r := &StockReservation{
		ID:          uuid.New().String(),
		StockItemID: s.ID,
		OrderID:     orderID,
		Quantity:    qty,
		Status:      ReservationPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		isNew:       true,
	}
	s.Reservations = append(s.Reservations, r)
	s.ReservedStock += qty
	s.UpdatedAt = now

	events := []Event{reservationEvent(EventReservationCreated, s, r, now)}
	return r, append(events, s.stockAlerts(wasLow, wasOut, now)...), nil
}

// CommitReservation turns the order's pending hold into a permanent deduction.
func (s *StockItem) CommitReservation(orderID string, now time.Time) (*StockReservation, []Event, error) {
	r, err := s.ReservationForOrder(orderID)
	if err != nil {
		if !s.TrackInventory {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if r.Status == ReservationPending && s.TrackInventory && s.CurrentStock < r.Quantity {
		return nil, nil, fmt.Errorf("%w: product %s has %d on hand, cannot commit %d", ErrInsufficientStock, s.Key(), s.CurrentStock, r.Quantity)
	}
	if err := r.transition(ReservationConfirmed, now); err != nil {
		return nil, nil, err
	}

	s.ReservedStock -= r.Quantity
	if s.TrackInventory {
		s.CurrentStock -= r.Quantity
	}
	s.UpdatedAt = now

	return r, []Event{reservationEvent(EventReservationCommitted, s, r, now)}, nil
}

// CancelReservation releases the order's pending hold. Physical stock is untouched.
func (s *StockItem) CancelReservation(orderID string, now time.Time) (*StockReservation, []Event, error) {
	r, err := s.ReservationForOrder(orderID)
	if err != nil {
		if !s.TrackInventory {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if err := r.transition(ReservationCancelled, now); err != nil {
		return nil, nil, err
	}

	s.ReservedStock -= r.Quantity
	s.UpdatedAt = now

	return r, []Event{reservationEvent(EventReservationCancelled, s, r, now)}, nil
}

// ExpireReservation releases a pending hold whose expiry has passed.
func (s *StockItem) ExpireReservation(reservationID string, now time.Time) (*StockReservation, []Event, error) {
	var r *StockReservation
	for _, candidate := range s.Reservations {
		if candidate.ID == reservationID {
			r = candidate
			break
		}
	}
	if r == nil {
		return nil, nil, fmt.Errorf("%w: reservation %s on product %s", ErrReservationNotFound, reservationID, s.Key())
	}
	if r.Status == ReservationPending && !r.IsPastExpiry(now) {
		return nil, nil, fmt.Errorf("%w: reservation %s expires at %s", ErrReservationNotExpired, r.ID, r.ExpiresAt.Format(time.RFC3339))
	}
	if err := r.transition(ReservationExpired, now); err != nil {
		return nil, nil, err
	}

	s.ReservedStock -= r.Quantity
	s.UpdatedAt = now

	return r, []Event{reservationEvent(EventReservationExpired, s, r, now)}, nil
}

func (s *StockItem) UpdateSettings(patch SettingsPatch, now time.Time) error {
	if patch.LowStockThreshold != nil {
		if *patch.LowStockThreshold < 0 {
			return fmt.Errorf("%w: low stock threshold must not be negative", ErrInvalidInput)
		}
		s.LowStockThreshold = *patch.LowStockThreshold
	}
	if patch.TrackInventory != nil {
		s.TrackInventory = *patch.TrackInventory
	}
	if patch.AllowBackorder != nil {
		s.AllowBackorder = *patch.AllowBackorder
	}
	s.UpdatedAt = now
	return nil
}

func (s *StockItem) Deactivate(now time.Time) {
	s.IsActive = false
	s.UpdatedAt = now
}

// PendingWrites returns reservations created or transitioned since load.
func (s *StockItem) PendingWrites() (created, transitioned []*StockReservation) {
	for _, r := range s.Reservations {
		switch {
		case r.isNew:
			created = append(created, r)
		case r.dirty:
			transitioned = append(transitioned, r)
		}
	}
	return created, transitioned
}

// MarkSaved records a successful save at the next version.
func (s *StockItem) MarkSaved() {
	s.Version++
	for _, r := range s.Reservations {
		r.isNew = false
		r.dirty = false
	}
}

// ReservationForOrder prefers the pending hold and falls back to the most
// recent terminal one so callers get a state error rather than not-found.
func (s *StockItem) ReservationForOrder(orderID string) (*StockReservation, error) {
	var latest *StockReservation
	for _, r := range s.Reservations {
		if r.OrderID != orderID {
			continue
		}
		if r.Status == ReservationPending {
			return r, nil
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) ||
			(r.CreatedAt.Equal(latest.CreatedAt) && r.ID > latest.ID) {
			latest = r
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: order %s on product %s", ErrReservationNotFound, orderID, s.Key())
	}
	return latest, nil
}

// SettledReservation returns a reservation for orderID already in status,
// provided the order holds nothing pending on this item. A confirmed hold
// outranks any other terminal state, so a committed order never reads as
// cancelled or expired.
func (s *StockItem) SettledReservation(orderID string, status ReservationStatus) *StockReservation {
	var match *StockReservation
	for _, r := range s.Reservations {
		if r.OrderID != orderID {
			continue
		}
		switch {
		case r.Status == ReservationPending:
			return nil
		case r.Status == ReservationConfirmed && status != ReservationConfirmed:
			return nil
		case r.Status == status && match == nil:
			match = r
		}
	}
	return match
}

func (s *StockItem) stockAlerts(wasLow, wasOut bool, now time.Time) []Event {
	switch {
	case !wasOut && s.IsOutOfStock():
		return []Event{newEvent(EventOutOfStockReached, s, now)}
	case !wasLow && s.IsLowStock():
		return []Event{newEvent(EventLowStockReached, s, now)}
	}
	return nil
}
