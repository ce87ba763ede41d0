// Package reportcache keeps recently generated reports in memory in front of
// the durable store.
package reportcache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MJE43/arena-rewards/internal/store"
)

// DefaultSize is the number of wallets kept when no size is configured.
const DefaultSize = 1024

// Source loads reports missing from the cache.
type Source interface {
	LastReport(ctx context.Context, wallet string) (store.StoredReport, bool, error)
}

// Cache is a bounded LRU of the last report per wallet. Evicted entries are
// reloaded from the Source on the next lookup.
type Cache struct {
	entries *lru.Cache[string, store.StoredReport]
	src     Source
}

// New creates a cache holding up to size wallets.
func New(size int, src Source) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	entries, err := lru.New[string, store.StoredReport](size)
	if err != nil {
		return nil, fmt.Errorf("reportcache: %w", err)
	}
	return &Cache{entries: entries, src: src}, nil
}

// Put replaces the cached report for r.Wallet.
func (c *Cache) Put(r store.StoredReport) {
	c.entries.Add(r.Wallet, r)
}

// Get returns the wallet's last report from memory, falling back to the
// Source. ok is false when neither holds one.
func (c *Cache) Get(ctx context.Context, wallet string) (store.StoredReport, bool, error) {
	if r, ok := c.entries.Get(wallet); ok {
		return r, true, nil
	}
	if c.src == nil {
		return store.StoredReport{}, false, nil
	}
	r, ok, err := c.src.LastReport(ctx, wallet)
	if err != nil || !ok {
		return store.StoredReport{}, false, err
	}
	c.entries.Add(wallet, r)
	return r, true, nil
}

// Len returns the number of cached wallets.
func (c *Cache) Len() int {
	return c.entries.Len()
}
