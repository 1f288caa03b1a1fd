// Package pager provides fixed-size page I/O on the main data file: a
// CRC-checked LRU cache in front of the file, the free-page allocator,
// and the in-memory "pages applied from WAL but not yet checkpointed"
// image described in spec §4.2.
package pager

import (
	"fmt"
	"os"
	"sync"

	"chronodb/internal/storage"
)

// Pager owns the main data file and its page cache.
type Pager struct {
	mu      sync.RWMutex
	file    *os.File
	cache   *Cache
	Alloc   *Allocator
	pending map[storage.PageID]*storage.Page // applied from WAL, not yet checkpointed
}

// Open opens or creates the main data file at path and wires a cache
// of the given capacity.
func Open(path string, cacheCapacity int) (*Pager, bool, error) {
	existed := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		existed = false
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, false, err
	}
	cache, err := New(cacheCapacity)
	if err != nil {
		f.Close()
		return nil, false, err
	}
	p := &Pager{
		file:    f,
		cache:   cache,
		Alloc:   NewAllocator(2), // pages 0,1 reserved for the dual meta slots
		pending: make(map[storage.PageID]*storage.Page),
	}
	return p, existed, nil
}

// ReadMetaSlot reads the raw bytes of meta slot 0 or 1 directly,
// bypassing the cache (meta pages are written only at checkpoint, per
// spec §3, and are read once at Open before the cache exists).
func (p *Pager) ReadMetaSlot(slot int) ([]byte, error) {
	buf := make([]byte, storage.Size)
	_, err := p.file.ReadAt(buf, int64(slot)*storage.Size)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteMetaSlot writes raw meta bytes to slot 0 or 1 and fsyncs.
func (p *Pager) WriteMetaSlot(slot int, buf []byte) error {
	if len(buf) != storage.Size {
		padded := make([]byte, storage.Size)
		copy(padded, buf)
		buf = padded
	}
	if _, err := p.file.WriteAt(buf, int64(slot)*storage.Size); err != nil {
		return err
	}
	return p.file.Sync()
}

// ReadPage returns the page for id, consulting the cache, then the
// not-yet-checkpointed pending image, then the file itself. A CRC
// mismatch is reported as corruption and never silently masked.
func (p *Pager) ReadPage(id storage.PageID) (*storage.Page, error) {
	if pg, ok := p.cache.Get(id); ok {
		return pg, nil
	}

	p.mu.RLock()
	if pg, ok := p.pending[id]; ok {
		p.mu.RUnlock()
		p.cache.Put(id, pg)
		return pg, nil
	}
	p.mu.RUnlock()

	buf := make([]byte, storage.Size)
	if _, err := p.file.ReadAt(buf, int64(id)*storage.Size); err != nil {
		return nil, fmt.Errorf("pager: read page %d: %w", id, err)
	}
	pg, ok := storage.Decode(buf)
	if !ok {
		return nil, fmt.Errorf("pager: %w: page %d failed CRC check", ErrCorruption, id)
	}
	p.cache.Put(id, pg)
	return pg, nil
}

// Pin/Unpin forward to the cache so a live transaction can hold a page
// against eviction while it walks a tree path.
func (p *Pager) Pin(id storage.PageID, pg *storage.Page) { p.cache.Pin(id, pg) }
func (p *Pager) Unpin(id storage.PageID)                 { p.cache.Unpin(id) }

// ApplyFromWAL installs a page image that a commit has made durable
// in the WAL but not yet folded into the main file, making it visible
// to subsequent reads immediately (spec §4.2: WAL scan "applies" pages
// to "the main file image in memory").
func (p *Pager) ApplyFromWAL(id storage.PageID, pg *storage.Page) {
	p.mu.Lock()
	p.pending[id] = pg
	p.mu.Unlock()
	p.cache.Put(id, pg)
}

// Checkpoint flushes every pending (WAL-applied, not-yet-on-disk) page
// to its file offset and fsyncs, then clears the pending image. This
// is the "materialise all unapplied WAL frames into the main data
// file" step of spec §4.2.
func (p *Pager) Checkpoint() (flushed int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, pg := range p.pending {
		buf := pg.Encode()
		if _, err := p.file.WriteAt(buf, int64(id)*storage.Size); err != nil {
			return flushed, fmt.Errorf("pager: checkpoint write page %d: %w", id, err)
		}
		flushed++
	}
	if err := p.file.Sync(); err != nil {
		return flushed, err
	}
	p.pending = make(map[storage.PageID]*storage.Page)
	return flushed, nil
}

// CacheStats exposes cache counters for the metrics surface.
func (p *Pager) CacheStats() Stats { return p.cache.Stats() }

// Invalidate drops id from the cache. The engine does not call it
// when pages are freed; a reused page id is refreshed in the cache
// when its new image is applied at commit.
func (p *Pager) Invalidate(id storage.PageID) { p.cache.Invalidate(id) }

// Close closes the underlying file.
func (p *Pager) Close() error {
	return p.file.Close()
}

// Sync fsyncs the main file directly.
func (p *Pager) Sync() error { return p.file.Sync() }
