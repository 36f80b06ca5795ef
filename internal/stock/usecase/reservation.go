package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/fekuna/omnipos-inventory-service/internal/stock"
	"github.com/fekuna/omnipos-inventory-service/internal/stock/dto"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type reserveTarget struct {
	itemID string
	line   dto.OrderLine
}

func (uc *stockUseCase) ReserveForOrder(ctx context.Context, orderID string, lines []dto.OrderLine) (*dto.ReservationResult, error) {
	ctx, span := uc.tracer.Start(ctx, "StockUseCase.ReserveForOrder", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.Int("order.lines", len(lines)),
	))
	defer span.End()

	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", model.ErrInvalidInput)
	}
	merged, err := mergeLines(lines)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 1. Resolve every product before touching any of them
	keys := make([]model.StockKey, 0, len(merged))
	for _, l := range merged {
		keys = append(keys, l.Key)
	}
	items, err := uc.repo.FindByKeys(ctx, keys)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	byKey := make(map[model.StockKey]model.StockItem, len(items))
	for _, item := range items {
		if item.IsActive {
			byKey[item.Key()] = item
		}
	}

	var missing []model.StockKey
	targets := make([]reserveTarget, 0, len(merged))
	for _, l := range merged {
		item, ok := byKey[l.Key]
		if !ok {
			missing = append(missing, l.Key)
			continue
		}
		targets = append(targets, reserveTarget{itemID: item.ID, line: l})
	}
	if len(missing) > 0 {
		uc.metrics.ReservationsRejected.WithLabelValues(rejectionReason(model.ErrProductNotFound)).Inc()
		return nil, &model.ReservationError{Err: model.ErrProductNotFound, Keys: missing}
	}

	// 2. Fixed lock order across all writers
	sort.Slice(targets, func(i, j int) bool { return targets[i].itemID < targets[j].itemID })

	// 3. Lock, re-validate and reserve in one unit of work
	var result *dto.ReservationResult
	err = uc.withRetry(ctx, func() error {
		result = &dto.ReservationResult{OrderID: orderID}
		return uc.repo.WithinTx(ctx, func(ctx context.Context, tx stock.Tx) error {
			return uc.reserveLocked(ctx, tx, orderID, targets, result)
		})
	})
	if err != nil {
		span.RecordError(err)
		uc.metrics.ReservationsRejected.WithLabelValues(rejectionReason(err)).Inc()
		uc.logger.WithContext(ctx).Info("Order reservation rejected", zap.String("order_id", orderID), zap.Error(err))
		return nil, err
	}

	created := result.ReservationIDs()
	uc.metrics.ReservationsCreated.Add(float64(len(created)))
	uc.logger.WithContext(ctx).Info("Order reserved",
		zap.String("order_id", orderID),
		zap.Int("lines", len(result.Lines)),
		zap.Strings("reservation_ids", created),
	)
	return result, nil
}

func (uc *stockUseCase) reserveLocked(ctx context.Context, tx stock.Tx, orderID string, targets []reserveTarget, result *dto.ReservationResult) error {
	loaded := make([]*model.StockItem, 0, len(targets))
	var gone []model.StockKey
	for _, t := range targets {
		item, err := tx.Load(ctx, t.itemID, stock.LoadOptions{ForUpdate: true, OrderID: orderID})
		if err != nil {
			if errors.Is(err, model.ErrProductNotFound) {
				gone = append(gone, t.line.Key)
				continue
			}
			return err
		}
		if !item.IsActive {
			gone = append(gone, t.line.Key)
			continue
		}
		loaded = append(loaded, item)
	}
	if len(gone) > 0 {
		return &model.ReservationError{Err: model.ErrProductNotFound, Keys: gone}
	}

	var duplicate, short []model.StockKey
	for i, item := range loaded {
		qty := targets[i].line.Quantity
		if item.TrackInventory && item.PendingReservation(orderID) != nil {
			duplicate = append(duplicate, item.Key())
			continue
		}
		if !item.CanFulfil(qty) {
			short = append(short, item.Key())
		}
	}
	if len(duplicate) > 0 {
		return &model.ReservationError{Err: model.ErrDuplicateReservation, Keys: duplicate}
	}
	if len(short) > 0 {
		return &model.ReservationError{Err: model.ErrInsufficientStock, Keys: short}
	}

	now := uc.clock.Now()
	var events []model.Event
	for i, item := range loaded {
		qty := targets[i].line.Quantity
		r, evs, err := item.Reserve(qty, orderID, uc.cfg.ReservationTTL, now)
		if err != nil {
			return err
		}

		line := dto.ReservedLine{Key: item.Key(), StockItemID: item.ID, Quantity: qty}
		if r != nil {
			if err := tx.Save(ctx, item); err != nil {
				return err
			}
			line.ReservationID = r.ID
			line.ExpiresAt = r.ExpiresAt
			events = append(events, evs...)
		}
		result.Lines = append(result.Lines, line)
	}

	if len(events) == 0 {
		return nil
	}
	return tx.AppendEvents(ctx, events)
}

func (uc *stockUseCase) Reserve(ctx context.Context, key model.StockKey, quantity int64, orderID string) (*dto.ReservationResult, error) {
	return uc.ReserveForOrder(ctx, orderID, []dto.OrderLine{{Key: key, Quantity: quantity}})
}

func (uc *stockUseCase) CommitForOrder(ctx context.Context, orderID string) (*dto.OrderOutcome, error) {
	return uc.finishOrder(ctx, orderID, commitAction)
}

func (uc *stockUseCase) CancelForOrder(ctx context.Context, orderID string) (*dto.OrderOutcome, error) {
	return uc.finishOrder(ctx, orderID, cancelAction)
}

func (uc *stockUseCase) CommitReservation(ctx context.Context, key model.StockKey, orderID string) (*model.StockReservation, error) {
	return uc.finishSingle(ctx, key, orderID, commitAction)
}

func (uc *stockUseCase) CancelReservation(ctx context.Context, key model.StockKey, orderID string) (*model.StockReservation, error) {
	return uc.finishSingle(ctx, key, orderID, cancelAction)
}

func (uc *stockUseCase) ExpireReservation(ctx context.Context, reservationID string) (*model.StockReservation, error) {
	ctx, span := uc.tracer.Start(ctx, "StockUseCase.ExpireReservation", trace.WithAttributes(
		attribute.String("reservation.id", reservationID),
	))
	defer span.End()

	found, err := uc.repo.FindReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: reservation %s", model.ErrReservationNotFound, reservationID)
	}

	var expired *model.StockReservation
	err = uc.withRetry(ctx, func() error {
		return uc.repo.WithinTx(ctx, func(ctx context.Context, tx stock.Tx) error {
			item, err := tx.Load(ctx, found.StockItemID, stock.LoadOptions{ReservationID: reservationID})
			if err != nil {
				return err
			}
			r, events, err := item.ExpireReservation(reservationID, uc.clock.Now())
			if err != nil {
				return err
			}
			if err := tx.Save(ctx, item); err != nil {
				return err
			}
			expired = r
			return tx.AppendEvents(ctx, events)
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	uc.metrics.ReservationTransitions.WithLabelValues(string(model.ReservationExpired)).Inc()
	return expired, nil
}

// orderAction is a terminal transition driven by an order workflow.
type orderAction struct {
	name   string
	target model.ReservationStatus
	apply  func(item *model.StockItem, orderID string, uc *stockUseCase) (*model.StockReservation, []model.Event, error)
}

var commitAction = orderAction{
	name:   "commit",
	target: model.ReservationConfirmed,
	apply: func(item *model.StockItem, orderID string, uc *stockUseCase) (*model.StockReservation, []model.Event, error) {
		return item.CommitReservation(orderID, uc.clock.Now())
	},
}

var cancelAction = orderAction{
	name:   "cancel",
	target: model.ReservationCancelled,
	apply: func(item *model.StockItem, orderID string, uc *stockUseCase) (*model.StockReservation, []model.Event, error) {
		return item.CancelReservation(orderID, uc.clock.Now())
	},
}

func (uc *stockUseCase) finishOrder(ctx context.Context, orderID string, action orderAction) (*dto.OrderOutcome, error) {
	ctx, span := uc.tracer.Start(ctx, "StockUseCase.FinishOrder", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.action", action.name),
	))
	defer span.End()

	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", model.ErrInvalidInput)
	}

	reservations, err := uc.repo.ListReservationsByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(reservations) == 0 {
		return nil, fmt.Errorf("%w: order %s has no reservations", model.ErrReservationNotFound, orderID)
	}

	var itemIDs []string
	seen := make(map[string]bool)
	for _, r := range reservations {
		if !seen[r.StockItemID] {
			seen[r.StockItemID] = true
			itemIDs = append(itemIDs, r.StockItemID)
		}
	}
	sort.Strings(itemIDs)

	log := uc.logger.WithContext(ctx)
	outcome := &dto.OrderOutcome{OrderID: orderID}
	var failures []error
	for _, itemID := range itemIDs {
		item := dto.ItemOutcome{StockItemID: itemID}
		if err := ctx.Err(); err != nil {
			item.Status, item.Err = dto.OutcomeFailed, err
			outcome.Items = append(outcome.Items, item)
			failures = append(failures, err)
			continue
		}

		res, key, done, err := uc.transition(ctx, itemID, orderID, action, true)
		item.Key = key
		if res != nil {
			item.ReservationID = res.ID
		}

		switch {
		case err == nil && done:
			item.Status = dto.OutcomeSkipped
			log.Debug("Reservation already in target state",
				zap.String("order_id", orderID), zap.String("stock_item_id", itemID), zap.String("action", action.name))
		case err == nil && res == nil:
			item.Status = dto.OutcomeSkipped
		case err == nil:
			item.Status = dto.OutcomeApplied
			uc.metrics.ReservationTransitions.WithLabelValues(string(action.target)).Inc()
		case errors.Is(err, model.ErrReservationNotFound), errors.Is(err, model.ErrProductNotFound):
			item.Status, item.Err = dto.OutcomeSkipped, err
			log.Warn("Reservation discrepancy during order "+action.name,
				zap.String("order_id", orderID), zap.String("stock_item_id", itemID), zap.Error(err))
		default:
			item.Status, item.Err = dto.OutcomeFailed, err
			failures = append(failures, fmt.Errorf("stock item %s: %w", itemID, err))
			log.Error("Failed to "+action.name+" reservation",
				zap.String("order_id", orderID), zap.String("stock_item_id", itemID), zap.Error(err))
		}
		outcome.Items = append(outcome.Items, item)
	}

	if len(failures) > 0 {
		err := errors.Join(failures...)
		span.RecordError(err)
		return outcome, err
	}
	log.Info("Order reservations "+action.name+" finished",
		zap.String("order_id", orderID),
		zap.Int("applied", outcome.Count(dto.OutcomeApplied)),
		zap.Int("skipped", outcome.Count(dto.OutcomeSkipped)),
	)
	return outcome, nil
}

func (uc *stockUseCase) finishSingle(ctx context.Context, key model.StockKey, orderID string, action orderAction) (*model.StockReservation, error) {
	ctx, span := uc.tracer.Start(ctx, "StockUseCase.FinishReservation", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.action", action.name),
		attribute.String("stock.key", key.String()),
	))
	defer span.End()

	item, err := uc.repo.FindByProduct(ctx, key)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, &model.ReservationError{Err: model.ErrProductNotFound, Keys: []model.StockKey{key}}
	}

	res, _, _, err := uc.transition(ctx, item.ID, orderID, action, false)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if res != nil {
		uc.metrics.ReservationTransitions.WithLabelValues(string(action.target)).Inc()
	}
	return res, nil
}

// transition applies action to one item's reservation for orderID. With
// skipDone, a reservation already in the target state reports done instead
// of failing.
func (uc *stockUseCase) transition(ctx context.Context, itemID, orderID string, action orderAction, skipDone bool) (res *model.StockReservation, key model.StockKey, done bool, err error) {
	err = uc.withRetry(ctx, func() error {
		res, done = nil, false
		return uc.repo.WithinTx(ctx, func(ctx context.Context, tx stock.Tx) error {
			item, err := tx.Load(ctx, itemID, stock.LoadOptions{OrderID: orderID})
			if err != nil {
				return err
			}
			key = item.Key()

			if skipDone {
				if settled := item.SettledReservation(orderID, action.target); settled != nil {
					res, done = settled, true
					return nil
				}
			}

			before := item.CurrentStock
			r, events, err := action.apply(item, orderID, uc)
			if err != nil {
				return err
			}
			if r == nil {
				return nil
			}
			if err := tx.Save(ctx, item); err != nil {
				return err
			}
			if item.CurrentStock != before {
				if err := tx.LogMovement(ctx, saleMovement(item, r, before, uc.clock.Now())); err != nil {
					return err
				}
			}
			res = r
			return tx.AppendEvents(ctx, events)
		})
	})
	return res, key, done, err
}

func saleMovement(item *model.StockItem, r *model.StockReservation, before int64, now time.Time) *model.StockMovement {
	refType := "order"
	refID := r.OrderID
	return &model.StockMovement{
		ID:             uuid.New().String(),
		StockItemID:    item.ID,
		ProductID:      item.ProductID,
		VariantID:      item.VariantID,
		MovementType:   model.MovementSale,
		QuantityChange: item.CurrentStock - before,
		QuantityBefore: before,
		QuantityAfter:  item.CurrentStock,
		ReferenceType:  &refType,
		ReferenceID:    &refID,
		Notes:          "reservation " + r.ID + " committed",
		CreatedAt:      now,
	}
}

// mergeLines validates order lines and folds repeated keys into one line.
func mergeLines(lines []dto.OrderLine) ([]dto.OrderLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: order has no lines", model.ErrInvalidInput)
	}
	index := make(map[model.StockKey]int, len(lines))
	merged := make([]dto.OrderLine, 0, len(lines))
	for _, l := range lines {
		if l.Key.ProductID == "" {
			return nil, fmt.Errorf("%w: order line without product id", model.ErrInvalidInput)
		}
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %s quantity must be positive, got %d", model.ErrInvalidInput, l.Key, l.Quantity)
		}
		if i, ok := index[l.Key]; ok {
			merged[i].Quantity += l.Quantity
			continue
		}
		index[l.Key] = len(merged)
		merged = append(merged, l)
	}
	return merged, nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, model.ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, model.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, model.ErrDuplicateReservation):
		return "duplicate"
	case errors.Is(err, model.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
