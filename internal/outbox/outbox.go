package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fekuna/omnipos-inventory-service/internal/model"
)

// Record is one persisted domain event awaiting delivery.
type Record struct {
	ID          int64     `db:"id"`
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	AggregateID string    `db:"aggregate_id"`
	Payload     string    `db:"payload"`
	Attempts    int       `db:"attempts"`
	CreatedAt   time.Time `db:"created_at"`
}

func NewRecord(e model.Event) (Record, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal event %s: %w", e.ID, err)
	}
	return Record{
		EventID:     e.ID,
		EventType:   string(e.Type),
		AggregateID: e.StockItemID,
		Payload:     string(payload),
		CreatedAt:   e.OccurredAt,
	}, nil
}

func (r Record) Event() (model.Event, error) {
	var e model.Event
	if err := json.Unmarshal([]byte(r.Payload), &e); err != nil {
		return model.Event{}, fmt.Errorf("failed to unmarshal outbox record %d: %w", r.ID, err)
	}
	return e, nil
}

// Batch is a claimed set of undelivered records. Marks become durable when
// the surrounding WithBatch call returns nil.
type Batch interface {
	Records() []Record
	MarkPublished(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error
}

type Store interface {
	WithBatch(ctx context.Context, limit, maxAttempts int, fn func(ctx context.Context, batch Batch) error) error
}
