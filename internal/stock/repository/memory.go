package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/fekuna/omnipos-inventory-service/internal/outbox"
	"github.com/fekuna/omnipos-inventory-service/internal/stock"
	"github.com/fekuna/omnipos-inventory-service/internal/stock/dto"
)

// MemoryRepository keeps stock in process memory. Row locks are per item and
// honour context cancellation; commits re-check versions like the Postgres
// gateway does.
type MemoryRepository struct {
	mu           sync.Mutex
	items        map[string]model.StockItem
	byKey        map[model.StockKey]string
	reservations map[string]model.StockReservation
	movements    []model.StockMovement
	outbox       []memOutboxRow
	lastOutboxID int64
	rowLocks     map[string]chan struct{}

	outboxMu sync.Mutex
}

type memOutboxRow struct {
	record    outbox.Record
	published bool
	lastError string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		items:        make(map[string]model.StockItem),
		byKey:        make(map[model.StockKey]string),
		reservations: make(map[string]model.StockReservation),
		rowLocks:     make(map[string]chan struct{}),
	}
}

func (r *MemoryRepository) FindByKeys(ctx context.Context, keys []model.StockKey) ([]model.StockItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	items := make([]model.StockItem, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		id, ok := r.byKey[k]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		items = append(items, r.items[id])
	}
	return items, nil
}

func (r *MemoryRepository) FindByProduct(ctx context.Context, key model.StockKey) (*model.StockItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byKey[key]
	if !ok {
		return nil, nil
	}
	item := r.items[id]
	return &item, nil
}

func (r *MemoryRepository) FindAll(ctx context.Context, f *dto.StockItemFilters) ([]model.StockItem, int, error) {
	r.mu.Lock()
	var matched []model.StockItem
	for _, item := range r.items {
		if !f.IncludeInactive && !item.IsActive {
			continue
		}
		if f.ProductID != "" && item.ProductID != f.ProductID {
			continue
		}
		if f.LowStock && f.OutOfStock {
			if !item.IsLowStock() && !item.IsOutOfStock() {
				continue
			}
		} else if f.LowStock && !item.IsLowStock() {
			continue
		} else if f.OutOfStock && !item.IsOutOfStock() {
			continue
		}
		matched = append(matched, item)
	}
	r.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})
	return paginate(matched, f.Page, f.PageSize), len(matched), nil
}

func (r *MemoryRepository) FindReservation(ctx context.Context, reservationID string) (*model.StockReservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.reservations[reservationID]
	if !ok {
		return nil, nil
	}
	return &res, nil
}

func (r *MemoryRepository) ListReservationsByOrder(ctx context.Context, orderID string) ([]model.StockReservation, error) {
	r.mu.Lock()
	var list []model.StockReservation
	for _, res := range r.reservations {
		if res.OrderID == orderID {
			list = append(list, res)
		}
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].StockItemID == list[j].StockItemID {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].StockItemID < list[j].StockItemID
	})
	return list, nil
}

func (r *MemoryRepository) FindExpiredReservations(ctx context.Context, now time.Time, limit int) ([]model.StockReservation, error) {
	r.mu.Lock()
	var list []model.StockReservation
	for _, res := range r.reservations {
		if res.IsPastExpiry(now) {
			list = append(list, res)
		}
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ExpiresAt.Before(list[j].ExpiresAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (r *MemoryRepository) CreateStockItem(ctx context.Context, item *model.StockItem) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byKey[item.Key()]; ok {
		return false, nil
	}
	stored := *item
	stored.Reservations = nil
	r.items[item.ID] = stored
	r.byKey[item.Key()] = item.ID
	return true, nil
}

func (r *MemoryRepository) ListMovements(ctx context.Context, f *dto.MovementFilters) ([]model.StockMovement, int, error) {
	r.mu.Lock()
	var matched []model.StockMovement
	for _, m := range r.movements {
		if f.ProductID != "" && m.ProductID != f.ProductID {
			continue
		}
		if f.VariantID != nil && m.VariantID != *f.VariantID {
			continue
		}
		if f.MovementType != "" && string(m.MovementType) != f.MovementType {
			continue
		}
		if f.StartDate != nil && m.CreatedAt.Before(*f.StartDate) {
			continue
		}
		if f.EndDate != nil && m.CreatedAt.After(*f.EndDate) {
			continue
		}
		matched = append(matched, m)
	}
	r.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return paginate(matched, f.Page, f.PageSize), len(matched), nil
}

func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx stock.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{repo: r, held: make(map[string]bool), staged: make(map[string]*stagedItem)}
	defer tx.releaseLocks()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return r.commit(tx)
}

// Events returns every event recorded in the outbox, oldest first.
func (r *MemoryRepository) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := make([]model.Event, 0, len(r.outbox))
	for _, row := range r.outbox {
		if e, err := row.record.Event(); err == nil {
			events = append(events, e)
		}
	}
	return events
}

func (r *MemoryRepository) WithBatch(ctx context.Context, limit, maxAttempts int, fn func(ctx context.Context, batch outbox.Batch) error) error {
	r.outboxMu.Lock()
	defer r.outboxMu.Unlock()

	r.mu.Lock()
	var records []outbox.Record
	for _, row := range r.outbox {
		if row.published || row.record.Attempts >= maxAttempts {
			continue
		}
		records = append(records, row.record)
		if len(records) == limit {
			break
		}
	}
	r.mu.Unlock()

	if len(records) == 0 {
		return nil
	}

	b := &memBatch{records: records, published: make(map[int64]bool), failed: make(map[int64]string)}
	if err := fn(ctx, b); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.outbox {
		row := &r.outbox[i]
		if b.published[row.record.ID] {
			row.published = true
			row.lastError = ""
		}
		if reason, ok := b.failed[row.record.ID]; ok {
			row.record.Attempts++
			row.lastError = reason
		}
	}
	return nil
}

func (r *MemoryRepository) rowLock(itemID string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.rowLocks[itemID]
	if !ok {
		ch = make(chan struct{}, 1)
		r.rowLocks[itemID] = ch
	}
	return ch
}

func (r *MemoryRepository) commit(tx *memTx) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range tx.staged {
		stored, ok := r.items[id]
		if !ok {
			return fmt.Errorf("%w: stock item %s", model.ErrProductNotFound, id)
		}
		if stored.Version != s.expectedVersion {
			return fmt.Errorf("%w: stock item %s is at version %d, expected %d", model.ErrConcurrencyConflict, id, stored.Version, s.expectedVersion)
		}
		for _, res := range s.created {
			for _, existing := range r.reservations {
				if existing.StockItemID == res.StockItemID && existing.OrderID == res.OrderID && existing.Status == model.ReservationPending {
					return fmt.Errorf("%w: order %s on stock item %s", model.ErrDuplicateReservation, res.OrderID, id)
				}
			}
		}
		for _, res := range s.transitioned {
			if current, ok := r.reservations[res.ID]; !ok || current.Status != model.ReservationPending {
				return fmt.Errorf("%w: reservation %s changed concurrently", model.ErrConcurrencyConflict, res.ID)
			}
		}
	}

	for id, s := range tx.staged {
		r.items[id] = s.item
		for _, res := range s.created {
			r.reservations[res.ID] = res
		}
		for _, res := range s.transitioned {
			r.reservations[res.ID] = res
		}
	}
	r.movements = append(r.movements, tx.movements...)
	for _, rec := range tx.events {
		r.lastOutboxID++
		rec.ID = r.lastOutboxID
		r.outbox = append(r.outbox, memOutboxRow{record: rec})
	}
	return nil
}

type stagedItem struct {
	expectedVersion int64
	item            model.StockItem
	created         []model.StockReservation
	transitioned    []model.StockReservation
}

type memTx struct {
	repo      *MemoryRepository
	held      map[string]bool
	staged    map[string]*stagedItem
	movements []model.StockMovement
	events    []outbox.Record
}

func (t *memTx) Load(ctx context.Context, itemID string, opts stock.LoadOptions) (*model.StockItem, error) {
	if opts.ForUpdate && !t.held[itemID] {
		select {
		case t.repo.rowLock(itemID) <- struct{}{}:
			t.held[itemID] = true
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	stored, ok := t.repo.items[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: stock item %s", model.ErrProductNotFound, itemID)
	}
	item := stored
	item.Reservations = nil
	for _, res := range t.repo.reservations {
		if res.StockItemID != itemID {
			continue
		}
		if res.Status == model.ReservationPending ||
			(opts.OrderID != "" && res.OrderID == opts.OrderID) ||
			(opts.ReservationID != "" && res.ID == opts.ReservationID) {
			loaded := res
			item.Reservations = append(item.Reservations, &loaded)
		}
	}
	sort.Slice(item.Reservations, func(i, j int) bool {
		a, b := item.Reservations[i], item.Reservations[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return &item, nil
}

func (t *memTx) Save(ctx context.Context, item *model.StockItem) error {
	t.repo.mu.Lock()
	stored, ok := t.repo.items[item.ID]
	t.repo.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: stock item %s", model.ErrProductNotFound, item.ID)
	}
	s, staged := t.staged[item.ID]
	expected := stored.Version
	if staged {
		expected = s.item.Version
	}
	if item.Version != expected {
		return fmt.Errorf("%w: stock item %s is at version %d, expected %d", model.ErrConcurrencyConflict, item.ID, expected, item.Version)
	}
	if !staged {
		s = &stagedItem{expectedVersion: item.Version}
		t.staged[item.ID] = s
	}
	created, transitioned := item.PendingWrites()
	item.MarkSaved()

	// Copied after MarkSaved so stored rows carry no write flags.
	for _, res := range created {
		s.created = append(s.created, *res)
	}
	for _, res := range transitioned {
		s.transitioned = append(s.transitioned, *res)
	}
	s.item = *item
	s.item.Reservations = nil
	return nil
}

func (t *memTx) LogMovement(ctx context.Context, movement *model.StockMovement) error {
	t.movements = append(t.movements, *movement)
	return nil
}

func (t *memTx) AppendEvents(ctx context.Context, events []model.Event) error {
	for _, e := range events {
		rec, err := outbox.NewRecord(e)
		if err != nil {
			return err
		}
		t.events = append(t.events, rec)
	}
	return nil
}

func (t *memTx) releaseLocks() {
	for id := range t.held {
		<-t.repo.rowLock(id)
	}
}

type memBatch struct {
	records   []outbox.Record
	published map[int64]bool
	failed    map[int64]string
}

func (b *memBatch) Records() []outbox.Record {
	return b.records
}

func (b *memBatch) MarkPublished(ctx context.Context, id int64) error {
	b.published[id] = true
	return nil
}

func (b *memBatch) MarkFailed(ctx context.Context, id int64, reason string) error {
	b.failed[id] = reason
	return nil
}

func paginate[T any](items []T, page, pageSize int) []T {
	if pageSize <= 0 {
		return items
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= len(items) {
		return []T{}
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
