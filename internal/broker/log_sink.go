package broker

import (
	"context"

	"github.com/fekuna/omnipos-inventory-service/internal/logger"
	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"go.uber.org/zap"
)

// LogSink writes events to the log instead of a broker. Used when Kafka is disabled.
type LogSink struct {
	logger logger.ZapLogger
}

func NewLogSink(log logger.ZapLogger) *LogSink {
	return &LogSink{logger: log}
}

func (s *LogSink) Publish(ctx context.Context, events ...model.Event) error {
	log := s.logger.WithContext(ctx)
	for _, e := range events {
		log.Info("Stock event",
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.Type)),
			zap.String("stock_item_id", e.StockItemID),
			zap.String("order_id", e.OrderID),
			zap.Int64("quantity", e.Quantity),
			zap.Int64("available_stock", e.AvailableStock),
		)
	}
	return nil
}
