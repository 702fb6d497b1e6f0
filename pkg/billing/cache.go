package billing

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultProductTTL   = time.Minute
	defaultCustomerTTL  = 5 * time.Minute
	defaultMaxCustomers = 1000
)

// CacheConfig configures a CachingProvider.
type CacheConfig struct {
	// ProductTTL is how long the product list is served from memory.
	// Default: 1 minute. Negative disables product caching.
	ProductTTL time.Duration

	// CustomerTTL is how long an email → customer lookup is remembered.
	// Only found customers are cached. Default: 5 minutes. Negative disables it.
	CustomerTTL time.Duration

	// MaxCustomers bounds the customer cache. Default: 1000.
	MaxCustomers int
}

// CacheStats holds cache statistics
type CacheStats struct {
	ProductHits    int64
	ProductMisses  int64
	CustomerHits   int64
	CustomerMisses int64
	Evictions      int64
}

type cacheEntry[T any] struct {
	value      T
	expiration time.Time
	accessTime time.Time
}

// CachingProvider decorates a Provider with an in-memory cache for the
// read-only operations. Concurrent misses for the product list share one
// upstream call. Checkout and portal sessions are never cached.
type CachingProvider struct {
	Provider

	cfg   CacheConfig
	now   func() time.Time
	group singleflight.Group

	mu sync.Mutex
	// generation is bumped by Invalidate; fetches that started under an
	// older generation do not store their result.
	generation uint64
	products   *cacheEntry[[]Product]
	customers  map[string]*cacheEntry[*Customer]
	stats      CacheStats
}

// NewCachingProvider wraps p.
func NewCachingProvider(p Provider, cfg CacheConfig) *CachingProvider {
	if cfg.ProductTTL == 0 {
		cfg.ProductTTL = defaultProductTTL
	}
	if cfg.CustomerTTL == 0 {
		cfg.CustomerTTL = defaultCustomerTTL
	}
	if cfg.MaxCustomers <= 0 {
		cfg.MaxCustomers = defaultMaxCustomers
	}
	return &CachingProvider{
		Provider:  p,
		cfg:       cfg,
		now:       time.Now,
		customers: make(map[string]*cacheEntry[*Customer]),
	}
}

// ListProducts returns the cached product list, refreshing it when expired.
func (c *CachingProvider) ListProducts(ctx context.Context) ([]Product, error) {
	if c.cfg.ProductTTL < 0 {
		return c.Provider.ListProducts(ctx)
	}

	c.mu.Lock()
	if e := c.products; e != nil && c.now().Before(e.expiration) {
		c.stats.ProductHits++
		products := append([]Product(nil), e.value...)
		c.mu.Unlock()
		return products, nil
	}
	c.stats.ProductMisses++
	c.mu.Unlock()

	v, err, _ := c.group.Do("products", func() (interface{}, error) {
		c.mu.Lock()
		gen := c.generation
		c.mu.Unlock()

		// Detach from the first caller's cancellation; the result is shared.
		products, err := c.Provider.ListProducts(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		now := c.now()
		c.mu.Lock()
		if c.generation == gen {
			c.products = &cacheEntry[[]Product]{value: products, expiration: now.Add(c.cfg.ProductTTL), accessTime: now}
		}
		c.mu.Unlock()
		return products, nil
	})
	if err != nil {
		return nil, err
	}
	products, _ := v.([]Product)
	return append([]Product(nil), products...), nil
}

// FindCustomerByEmail returns a cached customer or looks it up upstream.
// ErrCustomerNotFound is never cached so a customer created moments ago is found.
func (c *CachingProvider) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	if c.cfg.CustomerTTL < 0 {
		return c.Provider.FindCustomerByEmail(ctx, email)
	}
	key := strings.ToLower(strings.TrimSpace(email))

	c.mu.Lock()
	if e, ok := c.customers[key]; ok && c.now().Before(e.expiration) {
		e.accessTime = c.now()
		c.stats.CustomerHits++
		customer := *e.value
		c.mu.Unlock()
		return &customer, nil
	}
	c.stats.CustomerMisses++
	gen := c.generation
	c.mu.Unlock()

	customer, err := c.Provider.FindCustomerByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return customer, nil
	}
	now := c.now()
	if _, exists := c.customers[key]; !exists && len(c.customers) >= c.cfg.MaxCustomers {
		c.evictOldestCustomer()
	}
	stored := *customer
	c.customers[key] = &cacheEntry[*Customer]{value: &stored, expiration: now.Add(c.cfg.CustomerTTL), accessTime: now}
	return customer, nil
}

// evictOldestCustomer drops the least recently used entry. c.mu must be held.
func (c *CachingProvider) evictOldestCustomer() {
	var oldestKey string
	var oldestTime time.Time
	for key, e := range c.customers {
		if oldestKey == "" || e.accessTime.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.accessTime
		}
	}
	if oldestKey != "" {
		delete(c.customers, oldestKey)
		c.stats.Evictions++
	}
}

// Invalidate drops every cached entry, e.g. after a product.updated webhook.
// A product fetch already in flight is not stored, and later callers do not
// join it.
func (c *CachingProvider) Invalidate() {
	c.mu.Lock()
	c.generation++
	c.products = nil
	clear(c.customers)
	c.mu.Unlock()
	c.group.Forget("products")
}

// Stats returns cache statistics
func (c *CachingProvider) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
