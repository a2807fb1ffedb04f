package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"paywall-service/internal/models"
	"paywall-service/internal/util"
)

// Cached decorates a Store with a redis read-through cache. Only idempotent
// read paths are cached: payment rows (immutable once written), cart quotes
// (invalidated on every write), and product reads (short TTL, catalog is
// external). Every atomic primitive passes straight through to the
// authoritative store via the embedded interface; the cache is never
// consulted on a commit path.
type Cached struct {
	Store
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCached wraps inner with a redis cache using the given read TTL.
func NewCached(inner Store, rdb *redis.Client, ttl time.Duration) *Cached {
	return &Cached{
		Store:  inner,
		rdb:    rdb,
		ttl:    ttl,
		logger: util.GetLogger(),
	}
}

func cartKey(tenantID, id string) string {
	return fmt.Sprintf("cart:%s:%s", tenantID, id)
}

func paymentKey(tenantID, signature string) string {
	return fmt.Sprintf("payment:%s:%s", tenantID, signature)
}

func productKey(tenantID, id string) string {
	return fmt.Sprintf("product:%s:%s", tenantID, id)
}

func (c *Cached) getCached(ctx context.Context, key string, dst interface{}) bool {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("Cache entry corrupt", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (c *Cached) setCached(ctx context.Context, key string, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cached) invalidate(ctx context.Context, keys ...string) {
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("Cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

func (c *Cached) GetProduct(ctx context.Context, tenantID, id string) (*models.Product, error) {
	var cached models.Product
	if c.getCached(ctx, productKey(tenantID, id), &cached) {
		return &cached, nil
	}
	p, err := c.Store.GetProduct(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	c.setCached(ctx, productKey(tenantID, id), p)
	return p, nil
}

func (c *Cached) GetCartQuote(ctx context.Context, tenantID, id string) (*models.CartQuote, error) {
	var cached models.CartQuote
	if c.getCached(ctx, cartKey(tenantID, id), &cached) {
		return &cached, nil
	}
	q, err := c.Store.GetCartQuote(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	c.setCached(ctx, cartKey(tenantID, id), q)
	return q, nil
}

func (c *Cached) SaveCartQuote(ctx context.Context, quote *models.CartQuote) error {
	if err := c.Store.SaveCartQuote(ctx, quote); err != nil {
		return err
	}
	c.invalidate(ctx, cartKey(quote.TenantID, quote.ID))
	return nil
}

func (c *Cached) MarkCartPaid(ctx context.Context, tenantID, cartID, wallet string) (bool, error) {
	ok, err := c.Store.MarkCartPaid(ctx, tenantID, cartID, wallet)
	if err == nil {
		c.invalidate(ctx, cartKey(tenantID, cartID))
	}
	return ok, err
}

// GetPayment caches positive sightings only; a payment row never mutates, so
// a hit can be served without revalidation. Absence is never cached because
// the row may appear at any moment.
func (c *Cached) GetPayment(ctx context.Context, tenantID, signature string) (*models.PaymentTransaction, error) {
	var cached models.PaymentTransaction
	if c.getCached(ctx, paymentKey(tenantID, signature), &cached) {
		return &cached, nil
	}
	tx, err := c.Store.GetPayment(ctx, tenantID, signature)
	if err != nil || tx == nil {
		return tx, err
	}
	c.setCached(ctx, paymentKey(tenantID, signature), tx)
	return tx, nil
}

var _ Store = (*Cached)(nil)

// GrantCache is the short-TTL "recently granted" cache consulted by the
// dispatcher before re-verifying a payment proof.
type GrantCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewGrantCache builds a redis-backed grant cache.
func NewGrantCache(rdb *redis.Client, ttl time.Duration) *GrantCache {
	return &GrantCache{rdb: rdb, ttl: ttl}
}

func grantKey(tenantID, resourceID, wallet string) string {
	return fmt.Sprintf("grant:%s:%s:%s", tenantID, resourceID, wallet)
}

// Remember records a grant for the cache TTL.
func (g *GrantCache) Remember(ctx context.Context, tenantID, resourceID, wallet string) error {
	return g.rdb.Set(ctx, grantKey(tenantID, resourceID, wallet), "1", g.ttl).Err()
}

// Check reports whether a grant was recently recorded.
func (g *GrantCache) Check(ctx context.Context, tenantID, resourceID, wallet string) (bool, error) {
	n, err := g.rdb.Exists(ctx, grantKey(tenantID, resourceID, wallet)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
