package listener

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fekuna/omnipos-inventory-service/internal/logger"
	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/fekuna/omnipos-inventory-service/internal/stock"
	"github.com/fekuna/omnipos-inventory-service/internal/stock/dto"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// StockListener turns order and product lifecycle events into stock operations.
type StockListener struct {
	consumer MessageReader
	uc       stock.UseCase
	logger   logger.ZapLogger
}

func NewStockListener(consumer MessageReader, uc stock.UseCase, logger logger.ZapLogger) *StockListener {
	return &StockListener{
		consumer: consumer,
		uc:       uc,
		logger:   logger,
	}
}

func (l *StockListener) Start(ctx context.Context) {
	l.logger.Info("Starting Stock Kafka Listener")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Stopping Stock Kafka Listener")
			return
		default:
			msg, err := l.consumer.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.Error("Failed to read kafka message", zap.Error(err))
				time.Sleep(1 * time.Second)
				continue
			}
			l.processMessage(ctx, msg.Value)
		}
	}
}

type Event struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type OrderPayload struct {
	ID    string             `json:"id"`
	Items []OrderItemPayload `json:"items"`
}

type OrderItemPayload struct {
	ProductID string  `json:"product_id"`
	VariantID *string `json:"variant_id"`
	Quantity  int64   `json:"quantity"`
}

type ProductPayload struct {
	ID                string  `json:"id"`
	VariantID         *string `json:"variant_id"`
	InitialStock      int64   `json:"initial_stock"`
	LowStockThreshold int64   `json:"low_stock_threshold"`
	TrackInventory    *bool   `json:"track_inventory"`
	AllowBackorder    bool    `json:"allow_backorder"`
}

func (l *StockListener) processMessage(ctx context.Context, value []byte) {
	var event Event
	if err := json.Unmarshal(value, &event); err != nil {
		l.logger.Error("Failed to unmarshal event", zap.Error(err))
		return
	}

	log := l.logger.With(zap.String("event_id", event.EventID), zap.String("event_type", event.EventType))

	var err error
	switch event.EventType {
	case "OrderCreated":
		err = l.onOrderCreated(ctx, event.Payload, log)
	case "OrderPaid", "OrderCompleted":
		err = l.onOrderFinished(ctx, event.Payload, log, l.uc.CommitForOrder)
	case "OrderCancelled":
		err = l.onOrderFinished(ctx, event.Payload, log, l.uc.CancelForOrder)
	case "ProductCreated":
		err = l.onProductCreated(ctx, event.Payload, log)
	case "ProductDeleted":
		err = l.onProductDeleted(ctx, event.Payload, log)
	default:
		return
	}

	if err != nil {
		log.Error("Failed to process event", zap.Error(err))
	}
}

func (l *StockListener) onOrderCreated(ctx context.Context, raw json.RawMessage, log logger.ZapLogger) error {
	var order OrderPayload
	if err := json.Unmarshal(raw, &order); err != nil {
		return err
	}
	log.Info("Processing OrderCreated event", zap.String("order_id", order.ID))

	lines := make([]dto.OrderLine, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, dto.OrderLine{Key: stockKey(item.ProductID, item.VariantID), Quantity: item.Quantity})
	}

	result, err := l.uc.ReserveForOrder(ctx, order.ID, lines)
	if err != nil {
		var resErr *model.ReservationError
		if errors.As(err, &resErr) {
			log.Warn("Order could not be reserved",
				zap.String("order_id", order.ID),
				zap.Strings("product_ids", resErr.ProductIDs()),
				zap.Error(err),
			)
			return nil
		}
		return err
	}

	log.Info("Order stock reserved", zap.String("order_id", order.ID), zap.Strings("reservation_ids", result.ReservationIDs()))
	return nil
}

func (l *StockListener) onOrderFinished(ctx context.Context, raw json.RawMessage, log logger.ZapLogger, finish func(context.Context, string) (*dto.OrderOutcome, error)) error {
	var order OrderPayload
	if err := json.Unmarshal(raw, &order); err != nil {
		return err
	}

	outcome, err := finish(ctx, order.ID)
	if err != nil {
		if errors.Is(err, model.ErrReservationNotFound) && outcome == nil {
			log.Warn("Order has no reservations", zap.String("order_id", order.ID))
			return nil
		}
		return err
	}
	log.Info("Order reservations settled",
		zap.String("order_id", order.ID),
		zap.Int("applied", outcome.Count(dto.OutcomeApplied)),
		zap.Int("skipped", outcome.Count(dto.OutcomeSkipped)),
	)
	return nil
}

func (l *StockListener) onProductCreated(ctx context.Context, raw json.RawMessage, log logger.ZapLogger) error {
	var p ProductPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}

	item, err := l.uc.CreateStockItem(ctx, &dto.CreateStockItemInput{
		Key:               stockKey(p.ID, p.VariantID),
		InitialStock:      p.InitialStock,
		LowStockThreshold: p.LowStockThreshold,
		TrackInventory:    p.TrackInventory,
		AllowBackorder:    p.AllowBackorder,
	})
	if err != nil {
		return err
	}
	log.Debug("Stock item ready", zap.String("stock_item_id", item.ID), zap.String("product_id", p.ID))
	return nil
}

func (l *StockListener) onProductDeleted(ctx context.Context, raw json.RawMessage, log logger.ZapLogger) error {
	var p ProductPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}

	err := l.uc.Deactivate(ctx, stockKey(p.ID, p.VariantID))
	if errors.Is(err, model.ErrProductNotFound) {
		log.Warn("Deleted product has no stock item", zap.String("product_id", p.ID))
		return nil
	}
	return err
}

func stockKey(productID string, variantID *string) model.StockKey {
	key := model.StockKey{ProductID: productID}
	if variantID != nil {
		key.VariantID = *variantID
	}
	return key
}
