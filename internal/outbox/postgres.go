package outbox

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type PGStore struct {
	DB *sqlx.DB
}

func NewPGStore(db *sqlx.DB) *PGStore {
	return &PGStore{DB: db}
}

func (s *PGStore) WithBatch(ctx context.Context, limit, maxAttempts int, fn func(ctx context.Context, batch Batch) error) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin outbox transaction: %w", err)
	}
	defer tx.Rollback()

	var records []Record
	query := `
        SELECT id, event_id, event_type, aggregate_id, payload::text AS payload, attempts, created_at
        FROM stock_outbox
        WHERE published_at IS NULL AND attempts < $1
        ORDER BY id ASC
        LIMIT $2
        FOR UPDATE SKIP LOCKED
    `
	if err := tx.SelectContext(ctx, &records, query, maxAttempts, limit); err != nil {
		return fmt.Errorf("failed to claim outbox records: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	if err := fn(ctx, &pgBatch{tx: tx, records: records}); err != nil {
		return err
	}
	return tx.Commit()
}

type pgBatch struct {
	tx      *sqlx.Tx
	records []Record
}

func (b *pgBatch) Records() []Record {
	return b.records
}

func (b *pgBatch) MarkPublished(ctx context.Context, id int64) error {
	_, err := b.tx.ExecContext(ctx, `UPDATE stock_outbox SET published_at = NOW(), last_error = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox record %d published: %w", id, err)
	}
	return nil
}

func (b *pgBatch) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := b.tx.ExecContext(ctx, `UPDATE stock_outbox SET attempts = attempts + 1, last_error = $1 WHERE id = $2`, reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox record %d failed: %w", id, err)
	}
	return nil
}
