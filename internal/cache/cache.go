package cache

import (
	"container/list"
	"context"
	"crypto/sha1" //nolint:gosec // G505: sha1 for cache keys, not security
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"modelrouter/internal/core"
)

// LRUCache is a thread-safe LRU cache with per-entry expiry.
type LRUCache struct {
	capacity int
	mu       sync.Mutex
	order    *list.List // front is most recently used
	items    map[string]*list.Element
	cancel   context.CancelFunc
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

// NewCache creates an LRU cache with the default capacity and cleanup interval.
func NewCache() *LRUCache {
	return NewCacheWithCapacity(core.CacheDefaultCapacity, core.CacheCleanupInterval)
}

// NewCacheWithCapacity creates an LRU cache holding at most capacity entries.
// Expired entries are swept every cleanupInterval; zero disables the sweeper.
func NewCacheWithCapacity(capacity int, cleanupInterval time.Duration) *LRUCache {
	if capacity <= 0 {
		capacity = core.CacheDefaultCapacity
	}
	c := &LRUCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
	if cleanupInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		go c.sweep(ctx, cleanupInterval)
	}
	return c
}

func (c *LRUCache) sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.removeExpired(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// Stop terminates the sweeper goroutine. Safe to call more than once.
func (c *LRUCache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Set stores value under key for ttl, evicting the least recently used entry when full.
func (c *LRUCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(ttl)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	c.items[key] = c.order.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
	for c.order.Len() > c.capacity {
		c.removeElement(c.order.Back())
	}
}

// Get returns the value for key unless it is missing or expired.
func (c *LRUCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if !time.Now().Before(e.expiresAt) {
		c.removeElement(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return e.value, true
}

// Delete removes key.
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Clear drops every entry.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

// Len reports the number of stored entries, expired ones included until swept.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *LRUCache) removeExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*entry).expiresAt) {
			c.removeElement(el)
		}
		el = next
	}
}

func (c *LRUCache) removeElement(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}

// CacheService groups the general cache and the provider model-list cache.
type CacheService struct {
	general *LRUCache
	models  *LRUCache
}

// NewCacheService creates a new CacheService with general and model-listing caches.
func NewCacheService() *CacheService {
	return &CacheService{
		general: NewCache(),
		models:  NewCache(),
	}
}

// GetModelList retrieves a copy of a provider model listing.
func (cs *CacheService) GetModelList(key string) ([]core.RemoteModel, bool) {
	cached, found := cs.models.Get(key)
	if !found {
		return nil, false
	}
	listing, ok := cached.([]core.RemoteModel)
	if !ok {
		return nil, false
	}
	out := make([]core.RemoteModel, len(listing))
	copy(out, listing)
	return out, true
}

// SetModelList stores a copy of a provider model listing.
func (cs *CacheService) SetModelList(key string, value []core.RemoteModel, ttl time.Duration) {
	stored := make([]core.RemoteModel, len(value))
	copy(stored, value)
	cs.models.Set(key, stored, ttl)
}

// GetCatalog returns a copy of the cached catalog listing.
func (cs *CacheService) GetCatalog() ([]core.ModelRecord, bool) {
	cached, found := cs.general.Get(GenerateCatalogCacheKey())
	if !found {
		return nil, false
	}
	records, ok := cached.([]core.ModelRecord)
	if !ok {
		return nil, false
	}
	out := make([]core.ModelRecord, len(records))
	for i := range records {
		out[i] = *records[i].Clone()
	}
	return out, true
}

// SetCatalog caches a copy of the catalog listing.
func (cs *CacheService) SetCatalog(records []core.ModelRecord, ttl time.Duration) {
	stored := make([]core.ModelRecord, len(records))
	for i := range records {
		stored[i] = *records[i].Clone()
	}
	cs.general.Set(GenerateCatalogCacheKey(), stored, ttl)
}

// InvalidateCatalog drops the cached catalog listing.
func (cs *CacheService) InvalidateCatalog() {
	cs.general.Delete(GenerateCatalogCacheKey())
}

// Get retrieves a value from the general cache.
func (cs *CacheService) Get(key string) (any, bool) {
	return cs.general.Get(key)
}

// Set stores a value in the general cache.
func (cs *CacheService) Set(key string, value any, ttl time.Duration) {
	cs.general.Set(key, value, ttl)
}

// Stop terminates both sweepers.
func (cs *CacheService) Stop() {
	cs.general.Stop()
	cs.models.Stop()
}

// Close stops the cache service.
func (cs *CacheService) Close() error {
	cs.Stop()
	return nil
}

// GenerateModelListCacheKey keys a listing by provider and a digest of the API key,
// so listings fetched with different accounts never mix.
func GenerateModelListCacheKey(provider, apiKey string) string {
	sum := sha1.Sum([]byte(apiKey)) //nolint:gosec // G401: sha1 for cache keys, not security
	return fmt.Sprintf("models:%s:%s:%s", core.CacheKeyVersion, provider, hex.EncodeToString(sum[:8]))
}

// GenerateCatalogCacheKey keys the catalog listing served over HTTP.
func GenerateCatalogCacheKey() string {
	return fmt.Sprintf("catalog:%s:list", core.CacheKeyVersion)
}
