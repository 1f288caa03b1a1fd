package chronodb

import (
	"bytes"
	"context"
	"math/rand"
	"time"

	gbtree "github.com/google/btree"

	"chronodb/internal/btree"
	"chronodb/internal/storage"
)

// Tx is a transaction on the database: a snapshot for reads, and for
// writers a private staging area of copy-on-write pages that becomes
// visible to everyone else only at Commit, per spec §4.7/§5.
//
// Tx is not safe for concurrent use by multiple goroutines.
type Tx struct {
	db       *DB
	txid     uint64
	snapshot snapshot
	writable bool
	done     bool

	catalogRoot storage.PageID // tx-local view, mutated as catalog changes are staged

	dirty *gbtree.BTreeG[dirtyEntry] // page-id ordered COW overlay
	freed []storage.PageID           // pages superseded by this tx's mutations
	next  storage.PageID             // one-shot lookahead from the shared allocator

	pinned         map[storage.PageID]struct{}
	writeSet       map[writeKey]uint64 // (coll,_id) -> observed head begin_txid, for conflict detection
	catalogTouched map[string][]byte   // catalog key -> value observed before this tx's first write to it (nil = key was absent)
	pendingEvents  []changeEvent
}

type writeKey struct {
	coll string
	id   string
}

type dirtyEntry struct {
	id   storage.PageID
	page *storage.Page
}

func dirtyLess(a, b dirtyEntry) bool { return a.id < b.id }

// newTx assigns the transaction's txid and snapshot together, per
// spec §4.7's "begin() assigns a txid and snapshot". A writable tx's
// txid is marked in-flight immediately so concurrent readers see it
// as uncommitted until Commit publishes it; two writers may therefore
// hold txids simultaneously. Document writes are conflict-checked via
// validateWriteSet; catalog mutations (a new collection/index, a
// collection's root+docCount entry, an index's root entry) are
// conflict-checked per catalog key via validateCatalogWriteSet, below.
func newTx(db *DB, writable bool) *Tx {
	db.mvccMu.Lock()
	s := snapshot{txid: db.lastCommitted, inFlight: db.committingSet()}
	var txid uint64
	if writable {
		db.nextTxn++
		txid = db.nextTxn
		db.committing[txid] = struct{}{}
	}
	db.mvccMu.Unlock()

	return &Tx{
		db:             db,
		txid:           txid,
		snapshot:       s,
		writable:       writable,
		catalogRoot:    db.catalogRoot(),
		dirty:          gbtree.NewG[dirtyEntry](32, dirtyLess),
		pinned:         make(map[storage.PageID]struct{}),
		writeSet:       make(map[writeKey]uint64),
		catalogTouched: make(map[string][]byte),
	}
}

// --- btree.Store implementation -------------------------------------------
//
// Tx itself satisfies internal/btree.Store: reads fall through a
// tx-local dirty overlay to the shared pager, writes land only in the
// overlay until Commit, per spec §4.7 ("transaction-local staging
// area of copy-on-write pages").

func (tx *Tx) Get(id storage.PageID) (*btree.Node, error) {
	p, err := tx.GetRaw(id)
	if err != nil {
		return nil, err
	}
	return btree.Decode(p)
}

func (tx *Tx) GetRaw(id storage.PageID) (*storage.Page, error) {
	if e, ok := tx.dirty.Get(dirtyEntry{id: id}); ok {
		return e.page, nil
	}
	p, err := tx.db.pager.ReadPage(id)
	if err != nil {
		return nil, wrapIO("read page", err)
	}
	if _, pinned := tx.pinned[id]; !pinned {
		tx.db.pager.Pin(id, p)
		tx.pinned[id] = struct{}{}
	}
	return p, nil
}

func (tx *Tx) AllocPageID() storage.PageID {
	if tx.next != 0 {
		id := tx.next
		tx.next = 0
		return id
	}
	return tx.db.pager.Alloc.Allocate()
}

func (tx *Tx) Stage(n *btree.Node) storage.PageID {
	if n.ID == 0 {
		n.ID = tx.AllocPageID()
	}
	tx.PutRaw(n.ID, n.Encode())
	return n.ID
}

func (tx *Tx) PutRaw(id storage.PageID, p *storage.Page) {
	tx.dirty.ReplaceOrInsert(dirtyEntry{id: id, page: p})
}

func (tx *Tx) Free(id storage.PageID) {
	if id == 0 {
		return
	}
	tx.freed = append(tx.freed, id)
}

// touchCatalogKey records, the first time tx writes or deletes key,
// the value tx observed for it beforehand (nil if key did not exist).
// validateCatalogWriteSet re-checks this baseline at Commit so that
// two writers touching the same catalog entry (e.g. both inserting
// into the same collection, or both creating the same index) conflict
// instead of one silently clobbering the other's committed change.
func (tx *Tx) touchCatalogKey(key []byte) error {
	k := string(key)
	if _, ok := tx.catalogTouched[k]; ok {
		return nil
	}
	raw, err := btree.Get(tx, tx.catalogRoot, key)
	if err == btree.ErrNotFound {
		tx.catalogTouched[k] = nil
		return nil
	}
	if err != nil {
		return err
	}
	tx.catalogTouched[k] = append([]byte(nil), raw...)
	return nil
}

// catalogPut stages value at key in the catalog tree, recording key's
// prior baseline for conflict detection before staging the write.
func (tx *Tx) catalogPut(key, value []byte, allowUpdate bool) error {
	if err := tx.touchCatalogKey(key); err != nil {
		return err
	}
	root, err := btree.Put(tx, tx.catalogRoot, key, value, allowUpdate)
	if err != nil {
		return err
	}
	tx.catalogRoot = root
	return nil
}

// --- lifecycle --------------------------------------------------------------

func (tx *Tx) check() error {
	if tx.done {
		return ErrTxDone
	}
	return nil
}

// Commit validates the write set against the MVCC version table,
// appends a page-image + commit WAL record in page-id order, fsyncs,
// publishes the new catalog root, and fires change-stream events —
// all under the single writer lock, per spec §4.7/§5.
func (tx *Tx) Commit() error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.done = true
	defer tx.releasePins()
	defer tx.db.unregisterReader(tx)

	if !tx.writable {
		return nil
	}

	tx.db.writerMu.Lock()
	defer tx.db.writerMu.Unlock()

	if tx.db.poisoned {
		return ErrCorruption
	}
	if tx.db.cfg.ReadOnly {
		return ErrReadOnly
	}

	if err := tx.validateWriteSet(); err != nil {
		if err == ErrConflict {
			tx.db.metrics.conflicts.Inc()
		}
		return err
	}
	if err := tx.validateCatalogWriteSet(); err != nil {
		if err == ErrConflict {
			tx.db.metrics.conflicts.Inc()
		}
		return err
	}

	var images []walPageImage
	tx.dirty.Ascend(func(e dirtyEntry) bool {
		images = append(images, walPageImage{id: e.id, page: e.page})
		return true
	})

	if err := tx.db.writeCommit(tx.txid, images, tx.catalogRoot); err != nil {
		tx.db.poisoned = true
		return newErr(CodeIO, "commit", err)
	}

	tx.db.pager.Alloc.Retire(tx.txid, tx.freed)
	tx.db.publishRoot(tx.txid, tx.catalogRoot)
	tx.db.fireEvents(tx.pendingEvents)

	return nil
}

// Rollback discards staged pages and the write set. It is safe to
// call from any active state and is idempotent on an already-finished
// transaction, per spec §5.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.releasePins()
	tx.db.unregisterReader(tx)
	return nil
}

func (tx *Tx) releasePins() {
	for id := range tx.pinned {
		tx.db.pager.Unpin(id)
	}
}

// emit queues a change-stream event, published only once Commit
// succeeds — subscribers never see events from a rolled-back or
// failed transaction, per spec §4.10.
func (tx *Tx) emit(ev changeEvent) { tx.pendingEvents = append(tx.pendingEvents, ev) }

// validateWriteSet re-checks that every document this tx updated
// still has the head version it observed at read time; if not,
// another transaction modified it since, and commit fails with a
// conflict, per spec §4.6.
func (tx *Tx) validateWriteSet() error {
	live := tx.db.catalogRoot()
	for wk, observedBegin := range tx.writeSet {
		// Look up the committed head, not tx's own staged one.
		raw, err := btree.Get(tx, live, collKey(wk.coll))
		if err == nil {
			var coll *collection
			if coll, err = decodeCollectionMeta(raw); err != nil {
				return err
			}
			raw, err = btree.Get(tx, coll.root, []byte(wk.id))
		}
		if err == btree.ErrNotFound {
			if observedBegin != 0 {
				return ErrConflict
			}
			continue
		}
		if err != nil {
			return err
		}
		head := decodeVersion(raw)
		if head.BeginTxn != observedBegin {
			return ErrConflict
		}
	}
	return nil
}

// validateCatalogWriteSet re-checks, for every catalog key tx wrote or
// deleted, that the live catalog still holds the value tx observed
// before its own first write to that key. A mismatch means another
// writer committed a change to the same collection/index entry since
// tx began — publishing tx's staged catalog root would silently
// discard that writer's change, so it's treated as a conflict the
// same as a document-level write-write collision.
func (tx *Tx) validateCatalogWriteSet() error {
	root := tx.db.catalogRoot()
	for k, baseline := range tx.catalogTouched {
		raw, err := btree.Get(tx, root, []byte(k))
		if err == btree.ErrNotFound {
			if baseline != nil {
				return ErrConflict
			}
			continue
		}
		if err != nil {
			return err
		}
		if baseline == nil || !bytes.Equal(raw, baseline) {
			return ErrConflict
		}
	}
	return nil
}

// RetryOptions parameterizes RunTransaction's retry-with-backoff loop
// (spec §4.7's "run_transaction helper retries the callback with
// exponential backoff on conflict").
type RetryOptions struct {
	MaxRetries  int
	BackoffBase time.Duration
	MaxBackoff  time.Duration
}

// RunTransaction begins a writable transaction, runs fn, and commits;
// on a write-write conflict it retries fn against a fresh transaction
// with exponential backoff, using the database's configured retry
// policy.
func RunTransaction(ctx context.Context, db *DB, fn func(tx *Tx) error) error {
	cfg := db.cfg
	return RunTransactionWithRetry(ctx, db, fn, RetryOptions{
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.RetryBackoffBase,
		MaxBackoff:  cfg.MaxRetryBackoff,
	})
}

// RunTransactionWithRetry is RunTransaction with an explicit retry
// policy, for callers that want different backoff than the database
// default. fn must be idempotent modulo the engine's own state — it
// is re-invoked on every retry.
func RunTransactionWithRetry(ctx context.Context, db *DB, fn func(tx *Tx) error, opts RetryOptions) error {
	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		tx, err := db.Begin(true)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err == nil {
			return nil
		}
		if CodeOf(err) != CodeConflict {
			return err
		}
		lastErr = err
		if attempt == opts.MaxRetries {
			break
		}
		backoff := opts.BackoffBase * time.Duration(int64(1)<<uint(attempt))
		if backoff > opts.MaxBackoff {
			backoff = opts.MaxBackoff
		}
		backoff += time.Duration(rand.Int63n(int64(opts.BackoffBase) + 1))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
