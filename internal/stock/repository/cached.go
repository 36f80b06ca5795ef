package repository

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/fekuna/omnipos-inventory-service/internal/cache"
	"github.com/fekuna/omnipos-inventory-service/internal/logger"
	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/fekuna/omnipos-inventory-service/internal/stock"
	"go.uber.org/zap"
)

type KeyValueCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// CachedRepository serves stock item snapshots from a key/value cache and
// drops entries for every item saved in a committed transaction. Reads inside
// a transaction always go to the wrapped repository.
//
// Each key carries a generation bumped on invalidation. A read-through only
// fills the cache when no invalidation of that key happened while it was
// reading the store.
type CachedRepository struct {
	stock.Repository
	cache  KeyValueCache
	ttl    time.Duration
	logger logger.ZapLogger

	genMu sync.Mutex
	gens  map[string]uint64
}

func NewCachedRepository(repo stock.Repository, c KeyValueCache, ttl time.Duration, log logger.ZapLogger) *CachedRepository {
	return &CachedRepository{Repository: repo, cache: c, ttl: ttl, logger: log, gens: make(map[string]uint64)}
}

func itemCacheKey(k model.StockKey) string {
	return "stock:item:" + k.ProductID + ":" + k.VariantID
}

func (r *CachedRepository) FindByKeys(ctx context.Context, keys []model.StockKey) ([]model.StockItem, error) {
	items := make([]model.StockItem, 0, len(keys))
	var missing []model.StockKey
	for _, k := range keys {
		if item, ok := r.get(ctx, k); ok {
			items = append(items, *item)
			continue
		}
		missing = append(missing, k)
	}
	if len(missing) == 0 {
		return items, nil
	}

	gens := make(map[string]uint64, len(missing))
	for _, k := range missing {
		gens[itemCacheKey(k)] = r.generation(itemCacheKey(k))
	}
	loaded, err := r.Repository.FindByKeys(ctx, missing)
	if err != nil {
		return nil, err
	}
	for i := range loaded {
		r.fill(ctx, &loaded[i], gens[itemCacheKey(loaded[i].Key())])
	}
	return append(items, loaded...), nil
}

func (r *CachedRepository) FindByProduct(ctx context.Context, key model.StockKey) (*model.StockItem, error) {
	if item, ok := r.get(ctx, key); ok {
		return item, nil
	}
	gen := r.generation(itemCacheKey(key))
	item, err := r.Repository.FindByProduct(ctx, key)
	if err != nil || item == nil {
		return item, err
	}
	r.fill(ctx, item, gen)
	return item, nil
}

func (r *CachedRepository) CreateStockItem(ctx context.Context, item *model.StockItem) (bool, error) {
	created, err := r.Repository.CreateStockItem(ctx, item)
	if err == nil {
		r.invalidate(ctx, []string{itemCacheKey(item.Key())})
	}
	return created, err
}

func (r *CachedRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx stock.Tx) error) error {
	tracked := &invalidatingTx{}
	err := r.Repository.WithinTx(ctx, func(ctx context.Context, tx stock.Tx) error {
		tracked.Tx = tx
		return fn(ctx, tracked)
	})
	if err == nil {
		r.invalidate(ctx, tracked.keys())
	}
	return err
}

func (r *CachedRepository) get(ctx context.Context, k model.StockKey) (*model.StockItem, bool) {
	raw, err := r.cache.Get(ctx, itemCacheKey(k))
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			r.logger.Warn("stock cache read failed", zap.String("key", k.String()), zap.Error(err))
		}
		return nil, false
	}
	var item model.StockItem
	if err := json.Unmarshal(raw, &item); err != nil {
		r.logger.Warn("stock cache entry corrupt", zap.String("key", k.String()), zap.Error(err))
		return nil, false
	}
	return &item, true
}

func (r *CachedRepository) generation(key string) uint64 {
	r.genMu.Lock()
	defer r.genMu.Unlock()
	return r.gens[key]
}

// fill caches a snapshot read at generation gen. The lock is held across the
// write so an invalidation either sees the entry and deletes it, or bumps the
// generation first and the write is skipped.
func (r *CachedRepository) fill(ctx context.Context, item *model.StockItem, gen uint64) {
	raw, err := json.Marshal(item)
	if err != nil {
		return
	}
	key := itemCacheKey(item.Key())

	r.genMu.Lock()
	defer r.genMu.Unlock()
	if r.gens[key] != gen {
		r.logger.Debug("stock cache fill skipped, entry invalidated during read", zap.String("key", item.Key().String()))
		return
	}
	if err := r.cache.Set(ctx, key, raw, r.ttl); err != nil {
		r.logger.Warn("stock cache write failed", zap.String("key", item.Key().String()), zap.Error(err))
	}
}

func (r *CachedRepository) invalidate(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	r.genMu.Lock()
	for _, k := range keys {
		r.gens[k]++
	}
	r.genMu.Unlock()
	// The unit of work is already committed; a cancelled caller must not
	// leave stale entries behind.
	if err := r.cache.Del(context.WithoutCancel(ctx), keys...); err != nil {
		r.logger.Error("stock cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

type invalidatingTx struct {
	stock.Tx
	mu    sync.Mutex
	saved []string
}

func (t *invalidatingTx) Save(ctx context.Context, item *model.StockItem) error {
	if err := t.Tx.Save(ctx, item); err != nil {
		return err
	}
	t.mu.Lock()
	t.saved = append(t.saved, itemCacheKey(item.Key()))
	t.mu.Unlock()
	return nil
}

func (t *invalidatingTx) keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saved
}
