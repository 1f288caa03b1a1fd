package pager

import (
	"sync"

	"chronodb/internal/storage"
)

// Allocator tracks free pages for reuse. It distinguishes free pages
// (immediately reusable) from retired-but-pending pages: a page freed
// by a transaction is not safe to reuse until no live snapshot can
// still see the version it backs, so it sits in pending[txnID] until
// Release(minSnapshot) promotes it to free. See spec §4.3.
type Allocator struct {
	mu      sync.Mutex
	free    []storage.PageID
	pending map[uint64][]storage.PageID // txnID that retired the page -> page ids
	next    storage.PageID
}

// NewAllocator creates an allocator whose next fresh page id is nextPageID.
func NewAllocator(nextPageID storage.PageID) *Allocator {
	return &Allocator{
		pending: make(map[uint64][]storage.PageID),
		next:    nextPageID,
	}
}

// Allocate returns a free page id, preferring the free list, falling
// back to bumping the next-page-id counter.
func (a *Allocator) Allocate() storage.PageID {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		return id
	}
	id := a.next
	a.next++
	return id
}

// Retire marks pages as no-longer-referenced-by-the-new-root, but not
// yet safe to reuse: they remain visible to any snapshot with
// snapshot_txid < txnID. Only the commit path calls this.
func (a *Allocator) Retire(txnID uint64, ids []storage.PageID) {
	if len(ids) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[txnID] = append(a.pending[txnID], ids...)
}

// Release promotes to free every retired page whose retiring
// transaction is older than minSnapshot (no live snapshot can see
// it), per spec §4.9's GC and §4.3's retire/free distinction. Returns
// the number of pages released.
func (a *Allocator) Release(minSnapshot uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	released := 0
	for txnID, ids := range a.pending {
		if txnID < minSnapshot {
			a.free = append(a.free, ids...)
			released += len(ids)
			delete(a.pending, txnID)
		}
	}
	return released
}

// NextPageID returns the next fresh page id counter, for meta persistence.
func (a *Allocator) NextPageID() storage.PageID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// BumpNext raises the next-page-id counter to at least min, without
// touching the free list. Used after WAL replay to ensure a page id
// written by a replayed commit, but newer than the last checkpoint's
// counter, is never handed out again.
func (a *Allocator) BumpNext(min storage.PageID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if min > a.next {
		a.next = min
	}
}

// ReturnIDs adds ids directly to the free list, bypassing the
// retire/release pending stage. Used only for pages that never held
// MVCC-visible content — e.g. a superseded on-disk freelist chain,
// which no snapshot can ever reference — so no reader-visibility
// grace period is needed before they're reusable.
func (a *Allocator) ReturnIDs(ids []storage.PageID) {
	if len(ids) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, ids...)
}

// ReserveFreelistChain atomically snapshots the current free list and
// mints exactly the fresh page ids needed to persist it as a
// KindFreelist chain (freelistEntriesPerPage entries per page), so a
// concurrent Allocate can never be handed one of the reserved chain
// ids. free is returned for the caller to serialize; chainIDs are the
// page ids, in chain order, to write it to.
func (a *Allocator) ReserveFreelistChain() (free []storage.PageID, chainIDs []storage.PageID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	free = append([]storage.PageID(nil), a.free...)
	n := freelistPagesNeeded(len(free))
	chainIDs = make([]storage.PageID, n)
	for i := range chainIDs {
		chainIDs[i] = a.next
		a.next++
	}
	return free, chainIDs
}

// FreeCount returns the number of immediately-reusable pages.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}

// PendingCount returns the number of retired-but-not-yet-free pages.
func (a *Allocator) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, ids := range a.pending {
		n += len(ids)
	}
	return n
}

// Snapshot captures the free list and next counter for meta persistence.
type Snapshot struct {
	Free []storage.PageID
	Next storage.PageID
}

func (a *Allocator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	free := make([]storage.PageID, len(a.free))
	copy(free, a.free)
	return Snapshot{Free: free, Next: a.next}
}

// Restore reinstates a previously-serialized free list on reopen.
func (a *Allocator) Restore(s Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append([]storage.PageID(nil), s.Free...)
	a.next = s.Next
}
