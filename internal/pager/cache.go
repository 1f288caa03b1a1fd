package pager

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"

	"chronodb/internal/storage"
)

// Cache is the pager's LRU page cache. Unpinned pages live in a
// freelru.LRU so ordinary reads get classical LRU eviction; pages
// referenced by a live transaction are pinned and held outside the
// LRU so they can never be evicted out from under a reader, per
// spec §4.1.
type Cache struct {
	mu      sync.Mutex
	lru     *freelru.LRU[storage.PageID, *storage.Page]
	pinned  map[storage.PageID]*pinEntry
	hits    atomic.Uint64
	misses  atomic.Uint64
	evicted atomic.Uint64
}

type pinEntry struct {
	page  *storage.Page
	count int
}

func hashPageID(id storage.PageID) uint32 {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (8 * i))
	}
	return uint32(xxhash.Sum64(b[:]))
}

// New creates a cache holding at most capacity unpinned pages
// (the "cache_size" config option; default 1000 per spec §6).
func New(capacity int) (*Cache, error) {
	if capacity < 1 {
		capacity = 1
	}
	lru, err := freelru.New[storage.PageID, *storage.Page](uint32(capacity), hashPageID)
	if err != nil {
		return nil, err
	}
	c := &Cache{lru: lru, pinned: make(map[storage.PageID]*pinEntry)}
	lru.SetOnEvict(func(storage.PageID, *storage.Page) { c.evicted.Add(1) })
	return c, nil
}

// Get returns the cached page for id, checking pinned pages first.
func (c *Cache) Get(id storage.PageID) (*storage.Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pe, ok := c.pinned[id]; ok {
		c.hits.Add(1)
		return pe.page, true
	}
	if p, ok := c.lru.Get(id); ok {
		c.hits.Add(1)
		return p, true
	}
	c.misses.Add(1)
	return nil, false
}

// Put inserts or refreshes a page in the cache without pinning it.
func (c *Cache) Put(id storage.PageID, p *storage.Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pe, ok := c.pinned[id]; ok {
		pe.page = p
		return
	}
	c.lru.Add(id, p)
}

// Pin marks a page as referenced by a live transaction, moving it out
// of the evictable LRU. Pin is reference-counted: nested pins from
// concurrent readers of the same page require matching Unpins.
func (c *Cache) Pin(id storage.PageID, p *storage.Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pe, ok := c.pinned[id]; ok {
		pe.count++
		return
	}
	c.lru.Remove(id)
	c.pinned[id] = &pinEntry{page: p, count: 1}
}

// Unpin releases one reference; once the count reaches zero the page
// becomes evictable again and rejoins the LRU.
func (c *Cache) Unpin(id storage.PageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pe, ok := c.pinned[id]
	if !ok {
		return
	}
	pe.count--
	if pe.count <= 0 {
		delete(c.pinned, id)
		c.lru.Add(id, pe.page)
	}
}

// Invalidate removes id from the cache entirely (used when a page is
// retired and its bytes must not be served from cache again).
func (c *Cache) Invalidate(id storage.PageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pinned, id)
	c.lru.Remove(id)
}

// Stats reports cumulative hit/miss/eviction counters for the metrics surface.
type Stats struct {
	Hits, Misses, Evicted uint64
	Pinned, Cached        int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Evicted: c.evicted.Load(),
		Pinned:  len(c.pinned),
		Cached:  c.lru.Len(),
	}
}
