package chronodb

import (
	"fmt"
	"os"
	"sync"
	"time"

	"chronodb/internal/btree"
	"chronodb/internal/pager"
	"chronodb/internal/storage"
	"chronodb/internal/wal"
)

// DB is an open handle to a single database file plus its
// write-ahead log: one data file (dual alternating meta slots,
// B-tree, overflow and freelist pages) and one `.wal` file, guarded
// by a cross-process advisory flock, per spec §3/§5.
type DB struct {
	path    string
	walPath string
	cfg     Config

	pager *pager.Pager
	wal   *wal.WAL
	flock *pager.FileLock

	metaSlot      int // 0 or 1: the slot most recently written, alternates each checkpoint
	formatVersion uint16

	writerMu sync.Mutex // serializes Commit/checkpoint, per spec §4.7's single-writer rule

	mvccMu        sync.Mutex
	lastCommitted uint64
	nextTxn       uint64
	committing    map[uint64]struct{}
	readers       map[*Tx]struct{}
	catalogRootID storage.PageID

	collMu      sync.RWMutex
	collections map[string]*collection

	freelistChain []storage.PageID // chain page ids of the last-persisted freelist, recycled at the next checkpoint

	hub     *subscriptionHub
	metrics *metricsSet

	poisoned bool
	closed   bool

	logger Logger

	stopC chan struct{}
	wg    sync.WaitGroup
}

// Open opens or creates the database file at path, replaying its WAL
// and resuming the meta page's transaction/page counters, per spec
// §4.2's recovery rule and §5's open semantics.
func Open(path string, options ...Option) (*DB, error) {
	cfg := DefaultConfig()
	for _, opt := range options {
		opt(&cfg)
	}

	if cfg.ReadOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, wrapIO("open data file", err)
		}
	}

	flock, err := pager.Lock(path+".lock", !cfg.ReadOnly)
	if err != nil {
		return nil, wrapIO("acquire file lock", err)
	}

	p, existed, err := pager.Open(path, cfg.CacheSize)
	if err != nil {
		flock.Unlock()
		return nil, wrapIO("open data file", err)
	}

	meta, metaSlot, err := readMeta(p, existed)
	if err != nil {
		p.Close()
		flock.Unlock()
		return nil, err
	}

	walPath := path + ".wal"
	w, err := wal.Open(walPath)
	if err != nil {
		p.Close()
		flock.Unlock()
		return nil, wrapIO("open WAL", err)
	}

	db := &DB{
		path:          path,
		walPath:       walPath,
		cfg:           cfg,
		pager:         p,
		wal:           w,
		flock:         flock,
		metaSlot:      metaSlot,
		formatVersion: meta.Version,
		lastCommitted: meta.TxnID,
		nextTxn:       meta.TxnID,
		committing:    make(map[uint64]struct{}),
		readers:       make(map[*Tx]struct{}),
		catalogRootID: meta.CatalogRoot,
		collections:   make(map[string]*collection),
		hub:           newSubscriptionHub(),
		metrics:       newMetricsSet(),
		logger:        cfg.Logger,
		stopC:         make(chan struct{}),
	}

	freeIDs, chainPages, err := p.ReadFreelist(meta.FreelistHead)
	if err != nil {
		w.Close()
		p.Close()
		flock.Unlock()
		return nil, err
	}
	p.Alloc.Restore(pager.Snapshot{Free: freeIDs, Next: meta.NextPageID})
	db.freelistChain = chainPages

	if err := db.recover(meta); err != nil {
		w.Close()
		p.Close()
		flock.Unlock()
		return nil, err
	}

	db.wg.Add(1)
	go db.backgroundGC()
	db.wg.Add(1)
	go db.backgroundCheckpointer()

	return db, nil
}

// readMeta picks whichever of the two alternating meta slots has the
// higher TxnID and a valid checksum, per spec §3's torn-write-safety
// design. A brand-new file gets a fresh zero meta.
func readMeta(p *pager.Pager, existed bool) (storage.Meta, int, error) {
	if !existed {
		return storage.Meta{
			Magic:      storage.MagicNumber,
			Version:    storage.FormatVersion,
			PageSize:   storage.Size,
			NextPageID: 2,
		}, 0, nil
	}

	var candidates [2]storage.Meta
	var ok [2]bool
	for slot := 0; slot < 2; slot++ {
		buf, err := p.ReadMetaSlot(slot)
		if err != nil {
			return storage.Meta{}, 0, wrapIO("read meta slot", err)
		}
		m, valid := storage.DecodeMeta(buf)
		candidates[slot], ok[slot] = m, valid
	}
	switch {
	case ok[0] && ok[1]:
		if candidates[1].TxnID > candidates[0].TxnID {
			return candidates[1], 1, nil
		}
		return candidates[0], 0, nil
	case ok[0]:
		return candidates[0], 0, nil
	case ok[1]:
		return candidates[1], 1, nil
	default:
		return storage.Meta{}, 0, fmt.Errorf("chronodb: %w: no valid meta page", ErrCorruption)
	}
}

// recover replays every WAL commit newer than the recovered meta's
// TxnID, applying page images to the pager's in-memory pending image
// and advancing the catalog root / txn counters, per spec §4.2.
func (db *DB) recover(meta storage.Meta) error {
	var maxPageID storage.PageID
	_, err := wal.Replay(db.walPath, func(txnID uint64, pages []wal.PageImagePayload, commit wal.CommitPayload) error {
		if txnID <= meta.TxnID {
			return nil
		}
		for _, pi := range pages {
			pg, ok := storage.Decode(pi.Bytes)
			if !ok {
				return fmt.Errorf("chronodb: %w: WAL page image for page %d", ErrCorruption, pi.PageID)
			}
			db.pager.ApplyFromWAL(pi.PageID, pg)
			if pi.PageID > maxPageID {
				maxPageID = pi.PageID
			}
		}
		db.catalogRootID = commit.CatalogRoot
		db.lastCommitted = txnID
		db.nextTxn = txnID
		return nil
	})
	if err != nil {
		return err
	}
	db.pager.Alloc.BumpNext(maxPageID + 1)
	return nil
}

// Close stops background work, checkpoints the WAL fully, persists a
// final meta page, and releases the file lock.
func (db *DB) Close() error {
	select {
	case <-db.stopC:
	default:
		close(db.stopC)
		db.wg.Wait()
	}

	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	if !db.closed && !db.cfg.ReadOnly {
		if _, err := db.checkpointLocked(); err != nil {
			return err
		}
	}
	db.closed = true

	if err := db.wal.Close(); err != nil {
		db.pager.Close()
		db.flock.Unlock()
		return err
	}
	if err := db.pager.Close(); err != nil {
		db.flock.Unlock()
		return err
	}
	return db.flock.Unlock()
}

// Begin starts a transaction: a read snapshot for readers, plus a
// private copy-on-write staging area for writers. Several writable
// transactions may be open at once; their commits are serialized by
// the writer lock and checked for conflicts.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if db.closed {
		return nil, ErrClosed
	}
	if writable && db.cfg.ReadOnly {
		return nil, ErrReadOnly
	}
	tx := newTx(db, writable)
	db.mvccMu.Lock()
	db.readers[tx] = struct{}{}
	db.mvccMu.Unlock()
	db.metrics.activeTxns.Inc()
	return tx, nil
}

// View runs fn in a read-only transaction and always rolls back.
func (db *DB) View(fn func(tx *Tx) error) error {
	tx, err := db.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Update runs fn in a writable transaction, committing on success and
// rolling back on error, with no retry — callers that need
// conflict-retry should use RunTransaction instead.
func (db *DB) Update(fn func(tx *Tx) error) error {
	tx, err := db.Begin(true)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- MVCC bookkeeping used by Tx -------------------------------------------

func (db *DB) committingSet() map[uint64]struct{} {
	set := make(map[uint64]struct{}, len(db.committing))
	for id := range db.committing {
		set[id] = struct{}{}
	}
	return set
}

func (db *DB) catalogRoot() storage.PageID {
	db.mvccMu.Lock()
	defer db.mvccMu.Unlock()
	return db.catalogRootID
}

type walPageImage struct {
	id   storage.PageID
	page *storage.Page
}

// writeCommit appends the dirty page images and commit record to the
// WAL, fsyncs, and installs the pages into the pager's pending image
// so subsequent reads (even before checkpoint) see them, per spec
// §4.2/§4.7.
func (db *DB) writeCommit(txid uint64, images []walPageImage, catalogRoot storage.PageID) error {
	payloads := make([]wal.PageImagePayload, len(images))
	touched := make([]storage.PageID, len(images))
	for i, im := range images {
		payloads[i] = wal.PageImagePayload{PageID: im.id, Bytes: im.page.Encode()}
		touched[i] = im.id
	}
	_, err := db.wal.AppendCommit(txid, payloads, wal.CommitPayload{CatalogRoot: catalogRoot, TouchedIDs: touched})
	if err != nil {
		return err
	}
	var bytesWritten int
	for i, im := range images {
		db.pager.ApplyFromWAL(im.id, im.page)
		bytesWritten += len(payloads[i].Bytes)
	}
	db.metrics.walBytesWritten.Add(float64(bytesWritten))
	return nil
}

// publishRoot makes a committed transaction's catalog root visible to
// new snapshots and clears it from the in-flight set, per spec §4.6's
// visibility predicate.
func (db *DB) publishRoot(txid uint64, catalogRoot storage.PageID) {
	db.mvccMu.Lock()
	db.catalogRootID = catalogRoot
	db.lastCommitted = txid
	delete(db.committing, txid)
	db.mvccMu.Unlock()

	if size, err := db.wal.Size(); err == nil && size >= db.cfg.AutoCheckpointThreshold {
		go func() { _ = db.Checkpoint() }()
	}
}

func (db *DB) unregisterReader(tx *Tx) {
	db.mvccMu.Lock()
	delete(db.readers, tx)
	delete(db.committing, tx.txid)
	db.mvccMu.Unlock()
	db.metrics.activeTxns.Dec()
}

// minLiveSnapshot returns the oldest snapshot txid any open
// transaction could still need to see, the floor below which retired
// pages are safe to free, per spec §4.9.
func (db *DB) minLiveSnapshot() uint64 {
	db.mvccMu.Lock()
	defer db.mvccMu.Unlock()
	min := db.lastCommitted
	for tx := range db.readers {
		if tx.snapshot.txid < min {
			min = tx.snapshot.txid
		}
	}
	return min
}

// --- background maintenance -------------------------------------------------

func (db *DB) backgroundGC() {
	defer db.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			db.pager.Alloc.Release(db.minLiveSnapshot())
			cs := db.pager.CacheStats()
			db.metrics.sampleCacheStats(cs.Hits, cs.Misses)
		case <-db.stopC:
			db.pager.Alloc.Release(^uint64(0))
			return
		}
	}
}

func (db *DB) backgroundCheckpointer() {
	defer db.wg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			size, err := db.wal.Size()
			if err == nil && size >= db.cfg.AutoCheckpointThreshold {
				_ = db.Checkpoint()
			}
		case <-db.stopC:
			return
		}
	}
}

// Checkpoint flushes every page applied from the WAL into the main
// file, persists a fresh meta page into the alternate slot, and
// truncates the WAL, per spec §4.2's size-threshold checkpoint.
func (db *DB) Checkpoint() error {
	db.writerMu.Lock()
	defer db.writerMu.Unlock()
	_, err := db.checkpointLocked()
	return err
}

func (db *DB) checkpointLocked() (int, error) {
	start := time.Now()
	defer func() { db.metrics.observeCheckpoint(time.Since(start)) }()

	flushed, err := db.pager.Checkpoint()
	if err != nil {
		return flushed, newErr(CodeIO, "checkpoint", err)
	}

	// The chain persisted by the previous checkpoint holds no
	// MVCC-visible content — it's pure freelist bookkeeping — so its
	// pages are immediately reusable, recycled into this checkpoint's
	// free set rather than leaked once superseded below.
	if len(db.freelistChain) > 0 {
		db.pager.Alloc.ReturnIDs(db.freelistChain)
		db.freelistChain = nil
	}
	free, chainIDs := db.pager.Alloc.ReserveFreelistChain()
	freelistHead, err := db.pager.WriteFreelist(free, chainIDs)
	if err != nil {
		return flushed, wrapIO("write freelist", err)
	}
	db.freelistChain = chainIDs

	db.mvccMu.Lock()
	m := storage.Meta{
		Magic:        storage.MagicNumber,
		Version:      storage.FormatVersion,
		PageSize:     storage.Size,
		CatalogRoot:  db.catalogRootID,
		FreelistHead: freelistHead,
		NextPageID:   db.pager.Alloc.NextPageID(),
		TxnID:        db.lastCommitted,
	}
	db.mvccMu.Unlock()

	nextSlot := 1 - db.metaSlot
	if err := db.pager.WriteMetaSlot(nextSlot, m.Encode()); err != nil {
		return flushed, wrapIO("write meta slot", err)
	}
	db.metaSlot = nextSlot

	if err := db.wal.Truncate(); err != nil {
		return flushed, wrapIO("truncate WAL", err)
	}
	return flushed, nil
}

// Stats reports page-cache and allocator counters for the metrics
// surface of spec §8.
type Stats struct {
	CacheHits    uint64
	CacheMisses  uint64
	CacheEvicted uint64
	FreePages    int
	PendingPages int
}

func (db *DB) Stats() Stats {
	cs := db.pager.CacheStats()
	return Stats{
		CacheHits:    cs.Hits,
		CacheMisses:  cs.Misses,
		CacheEvicted: cs.Evicted,
		FreePages:    db.pager.Alloc.FreeCount(),
		PendingPages: db.pager.Alloc.PendingCount(),
	}
}

// getCollectionLocked resolves name to its collection metadata
// through the catalog B-tree rooted at tx's transaction-local
// catalog root. Read-only transactions share a cache of decoded
// entries on db, valid for one snapshot; writable transactions always
// decode from their own catalog root and never touch the cache, since
// their staged changes must not reach other transactions. See catalog.go.
func (db *DB) getCollectionLocked(tx *Tx, name string) (*collection, error) {
	if !tx.writable {
		db.collMu.RLock()
		if c, ok := db.collections[name]; ok && c.catalogTxn == tx.snapshot.txid {
			db.collMu.RUnlock()
			return c, nil
		}
		db.collMu.RUnlock()
	}

	raw, err := btree.Get(tx, tx.catalogRoot, collKey(name))
	if err != nil {
		if err == btree.ErrNotFound {
			return nil, ErrCollectionNotFound
		}
		return nil, err
	}
	c, err := decodeCollectionMeta(raw)
	if err != nil {
		return nil, err
	}
	c.name = name
	c.catalogTxn = tx.snapshot.txid

	if !tx.writable {
		db.collMu.Lock()
		db.collections[name] = c
		db.collMu.Unlock()
	}
	return c, nil
}

// fireEvents publishes a committed transaction's queued change-stream
// events to active subscribers, per spec §4.10.
func (db *DB) fireEvents(events []changeEvent) {
	if len(events) == 0 {
		return
	}
	db.hub.publish(events)
}
