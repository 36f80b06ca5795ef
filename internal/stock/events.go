package stock

import (
	"context"

	"github.com/fekuna/omnipos-inventory-service/internal/model"
)

// EventSink receives domain events once they are durably recorded.
type EventSink interface {
	Publish(ctx context.Context, events ...model.Event) error
}
