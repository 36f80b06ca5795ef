package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/fekuna/omnipos-inventory-service/internal/outbox"
	"github.com/fekuna/omnipos-inventory-service/internal/stock"
	"github.com/fekuna/omnipos-inventory-service/internal/stock/dto"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

type PGRepository struct {
	DB     *sqlx.DB
	tracer trace.Tracer
}

func NewPGRepository(db *sqlx.DB) *PGRepository {
	return &PGRepository{DB: db, tracer: otel.Tracer("stock/pg_repository")}
}

func (r *PGRepository) FindByKeys(ctx context.Context, keys []model.StockKey) ([]model.StockItem, error) {
	if len(keys) == 0 {
		return []model.StockItem{}, nil
	}

	wanted := make(map[model.StockKey]bool, len(keys))
	productIDs := make([]string, 0, len(keys))
	for _, k := range keys {
		if !wanted[k] {
			productIDs = append(productIDs, k.ProductID)
		}
		wanted[k] = true
	}

	query, args, err := sqlx.In(`SELECT * FROM stock_items WHERE product_id IN (?)`, productIDs)
	if err != nil {
		return nil, err
	}
	query = r.DB.Rebind(query)

	var rows []model.StockItem
	if err := r.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to load stock items: %w", err)
	}

	items := make([]model.StockItem, 0, len(rows))
	for _, item := range rows {
		if wanted[item.Key()] {
			items = append(items, item)
		}
	}
	return items, nil
}

func (r *PGRepository) FindByProduct(ctx context.Context, key model.StockKey) (*model.StockItem, error) {
	var item model.StockItem
	err := r.DB.GetContext(ctx, &item, `SELECT * FROM stock_items WHERE product_id = $1 AND variant_id = $2`, key.ProductID, key.VariantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (r *PGRepository) FindAll(ctx context.Context, f *dto.StockItemFilters) ([]model.StockItem, int, error) {
	var items []model.StockItem
	var count int

	conditions := []string{}
	args := map[string]interface{}{}

	if !f.IncludeInactive {
		conditions = append(conditions, "is_active")
	}
	if f.ProductID != "" {
		conditions = append(conditions, "product_id = :product_id")
		args["product_id"] = f.ProductID
	}

	lowStock := "(current_stock - reserved_stock) > 0 AND (current_stock - reserved_stock) <= low_stock_threshold"
	outOfStock := "(current_stock - reserved_stock) <= 0"
	switch {
	case f.LowStock && f.OutOfStock:
		conditions = append(conditions, "track_inventory AND (("+lowStock+") OR "+outOfStock+")")
	case f.LowStock:
		conditions = append(conditions, "track_inventory AND "+lowStock)
	case f.OutOfStock:
		conditions = append(conditions, "track_inventory AND "+outOfStock)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	countStmt, err := r.DB.PrepareNamedContext(ctx, "SELECT count(*) FROM stock_items"+whereClause)
	if err != nil {
		return nil, 0, err
	}
	defer countStmt.Close()
	if err := countStmt.GetContext(ctx, &count, args); err != nil {
		return nil, 0, fmt.Errorf("failed to count stock items: %w", err)
	}

	query := "SELECT * FROM stock_items" + whereClause + " ORDER BY updated_at DESC, id"
	query += pageClause(f.Page, f.PageSize)

	nstmt, err := r.DB.PrepareNamedContext(ctx, query)
	if err != nil {
		return nil, 0, err
	}
	defer nstmt.Close()

	err = nstmt.SelectContext(ctx, &items, args)
	return items, count, err
}

func (r *PGRepository) FindReservation(ctx context.Context, reservationID string) (*model.StockReservation, error) {
	var res model.StockReservation
	err := r.DB.GetContext(ctx, &res, `SELECT * FROM stock_reservations WHERE id = $1`, reservationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}

func (r *PGRepository) ListReservationsByOrder(ctx context.Context, orderID string) ([]model.StockReservation, error) {
	var list []model.StockReservation
	err := r.DB.SelectContext(ctx, &list, `
        SELECT * FROM stock_reservations
        WHERE order_id = $1
        ORDER BY stock_item_id, created_at
    `, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations for order %s: %w", orderID, err)
	}
	return list, nil
}

func (r *PGRepository) FindExpiredReservations(ctx context.Context, now time.Time, limit int) ([]model.StockReservation, error) {
	var list []model.StockReservation
	err := r.DB.SelectContext(ctx, &list, `
        SELECT * FROM stock_reservations
        WHERE status = 'pending' AND expires_at < $1
        ORDER BY expires_at
        LIMIT $2
    `, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired reservations: %w", err)
	}
	return list, nil
}

func (r *PGRepository) CreateStockItem(ctx context.Context, item *model.StockItem) (bool, error) {
	query := `
        INSERT INTO stock_items (
            id, product_id, variant_id, current_stock, reserved_stock, low_stock_threshold,
            track_inventory, allow_backorder, is_active, version, created_at, updated_at
        )
        VALUES (
            :id, :product_id, :variant_id, :current_stock, :reserved_stock, :low_stock_threshold,
            :track_inventory, :allow_backorder, :is_active, :version, :created_at, :updated_at
        )
        ON CONFLICT (product_id, variant_id) DO NOTHING
    `
	res, err := r.DB.NamedExecContext(ctx, query, item)
	if err != nil {
		return false, fmt.Errorf("failed to create stock item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PGRepository) ListMovements(ctx context.Context, f *dto.MovementFilters) ([]model.StockMovement, int, error) {
	var items []model.StockMovement
	var count int

	conditions := []string{}
	args := map[string]interface{}{}

	if f.ProductID != "" {
		conditions = append(conditions, "product_id = :product_id")
		args["product_id"] = f.ProductID
	}
	if f.VariantID != nil {
		conditions = append(conditions, "variant_id = :variant_id")
		args["variant_id"] = *f.VariantID
	}
	if f.MovementType != "" {
		conditions = append(conditions, "movement_type = :movement_type")
		args["movement_type"] = f.MovementType
	}
	if f.StartDate != nil {
		conditions = append(conditions, "created_at >= :start_date")
		args["start_date"] = *f.StartDate
	}
	if f.EndDate != nil {
		conditions = append(conditions, "created_at <= :end_date")
		args["end_date"] = *f.EndDate
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	countStmt, err := r.DB.PrepareNamedContext(ctx, "SELECT count(*) FROM stock_movements"+whereClause)
	if err != nil {
		return nil, 0, err
	}
	defer countStmt.Close()
	if err := countStmt.GetContext(ctx, &count, args); err != nil {
		return nil, 0, fmt.Errorf("failed to count movements: %w", err)
	}

	query := "SELECT * FROM stock_movements" + whereClause + " ORDER BY created_at DESC"
	query += pageClause(f.Page, f.PageSize)

	nstmt, err := r.DB.PrepareNamedContext(ctx, query)
	if err != nil {
		return nil, 0, err
	}
	defer nstmt.Close()

	err = nstmt.SelectContext(ctx, &items, args)
	return items, count, err
}

func (r *PGRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx stock.Tx) error) error {
	ctx, span := r.tracer.Start(ctx, "PGRepository.WithinTx")
	defer span.End()

	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return mapPGError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) Load(ctx context.Context, itemID string, opts stock.LoadOptions) (*model.StockItem, error) {
	query := `SELECT * FROM stock_items WHERE id = $1`
	if opts.ForUpdate {
		query += ` FOR UPDATE`
	}

	var item model.StockItem
	if err := t.tx.GetContext(ctx, &item, query, itemID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: stock item %s", model.ErrProductNotFound, itemID)
		}
		return nil, mapPGError(fmt.Errorf("failed to load stock item %s: %w", itemID, err))
	}

	var reservations []*model.StockReservation
	err := t.tx.SelectContext(ctx, &reservations, `
        SELECT * FROM stock_reservations
        WHERE stock_item_id = $1
          AND (status = 'pending' OR order_id = $2 OR id::text = $3)
        ORDER BY created_at, id
    `, itemID, opts.OrderID, opts.ReservationID)
	if err != nil {
		return nil, mapPGError(fmt.Errorf("failed to load reservations for stock item %s: %w", itemID, err))
	}
	item.Reservations = reservations

	return &item, nil
}

func (t *pgTx) Save(ctx context.Context, item *model.StockItem) error {
	updateQuery := `
        UPDATE stock_items SET
            current_stock = :current_stock,
            reserved_stock = :reserved_stock,
            low_stock_threshold = :low_stock_threshold,
            track_inventory = :track_inventory,
            allow_backorder = :allow_backorder,
            is_active = :is_active,
            updated_at = :updated_at,
            version = version + 1
        WHERE id = :id AND version = :version
    `
	res, err := t.tx.NamedExecContext(ctx, updateQuery, item)
	if err != nil {
		return mapPGError(fmt.Errorf("failed to update stock item: %w", err))
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: stock item %s moved past version %d", model.ErrConcurrencyConflict, item.ID, item.Version)
	}

	created, transitioned := item.PendingWrites()

	insertQuery := `
        INSERT INTO stock_reservations (
            id, stock_item_id, order_id, quantity, status,
            created_at, expires_at, confirmed_at, cancelled_at, expired_at
        )
        VALUES (
            :id, :stock_item_id, :order_id, :quantity, :status,
            :created_at, :expires_at, :confirmed_at, :cancelled_at, :expired_at
        )
    `
	for _, r := range created {
		if _, err := t.tx.NamedExecContext(ctx, insertQuery, r); err != nil {
			return mapPGError(fmt.Errorf("failed to insert reservation for order %s: %w", r.OrderID, err))
		}
	}

	transitionQuery := `
        UPDATE stock_reservations SET
            status = :status,
            confirmed_at = :confirmed_at,
            cancelled_at = :cancelled_at,
            expired_at = :expired_at
        WHERE id = :id AND status = 'pending'
    `
	for _, r := range transitioned {
		res, err := t.tx.NamedExecContext(ctx, transitionQuery, r)
		if err != nil {
			return mapPGError(fmt.Errorf("failed to update reservation %s: %w", r.ID, err))
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: reservation %s left pending concurrently", model.ErrConcurrencyConflict, r.ID)
		}
	}

	item.MarkSaved()
	return nil
}

func (t *pgTx) LogMovement(ctx context.Context, m *model.StockMovement) error {
	query := `
        INSERT INTO stock_movements (
            id, stock_item_id, product_id, variant_id, movement_type,
            quantity_change, quantity_before, quantity_after,
            reference_type, reference_id, notes, created_by, created_at
        )
        VALUES (
            :id, :stock_item_id, :product_id, :variant_id, :movement_type,
            :quantity_change, :quantity_before, :quantity_after,
            :reference_type, :reference_id, :notes, :created_by, :created_at
        )
    `
	if _, err := t.tx.NamedExecContext(ctx, query, m); err != nil {
		return fmt.Errorf("failed to log movement: %w", err)
	}
	return nil
}

func (t *pgTx) AppendEvents(ctx context.Context, events []model.Event) error {
	query := `
        INSERT INTO stock_outbox (event_id, event_type, aggregate_id, payload, created_at)
        VALUES (:event_id, :event_type, :aggregate_id, CAST(:payload AS jsonb), :created_at)
    `
	for _, e := range events {
		rec, err := outbox.NewRecord(e)
		if err != nil {
			return err
		}
		if _, err := t.tx.NamedExecContext(ctx, query, rec); err != nil {
			return fmt.Errorf("failed to append %s event: %w", e.Type, err)
		}
	}
	return nil
}

// mapPGError translates constraint and concurrency failures into domain kinds.
func mapPGError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		if pgErr.ConstraintName == "uq_stock_reservations_pending_order" {
			return fmt.Errorf("%w: %v", model.ErrDuplicateReservation, err)
		}
	case pgCheckViolation:
		return fmt.Errorf("%w: %v", model.ErrInsufficientStock, err)
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return fmt.Errorf("%w: %v", model.ErrConcurrencyConflict, err)
	}
	return err
}

func pageClause(page, pageSize int) string {
	if pageSize <= 0 {
		return ""
	}
	if page < 1 {
		page = 1
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", pageSize, (page-1)*pageSize)
}
