package chronodb

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"

	"chronodb/internal/btree"
	"chronodb/internal/storage"
)

// Filter is the pure predicate the external query layer supplies;
// the engine never parses query syntax (spec.md §1's explicit
// exclusion), it only evaluates filters a caller hands it over
// materialised documents.
type Filter func(Document) bool

// Collection is a non-transactional handle: every method below opens
// a one-shot transaction, per spec §2's "obtains a transaction or a
// non-transactional collection handle (each call auto-wraps in a
// one-shot transaction)".
type Collection struct {
	db   *DB
	name string
}

// Collection returns a handle to the named collection. It does not
// verify the collection exists: Insert (and so Upsert and BulkWrite
// inserts) and CreateIndex create a missing collection, while other
// operations on it return ErrCollectionNotFound.
func (db *DB) Collection(name string) *Collection {
	return &Collection{db: db, name: name}
}

// --- schema ------------------------------------------------------------

// Schema is a pure validation function over a candidate document
// (spec.md §1 excludes the full validator package but names the
// collection-level hook point in §4.5's "schema" catalog entry).
type Schema func(Document) error

// RequiredFields returns a Schema that rejects documents missing any
// of the named top-level fields — the minimal concrete validator
// named by original_source's validation.rs supplement.
func RequiredFields(fields ...string) Schema {
	return func(d Document) error {
		for _, f := range fields {
			if _, ok := d.Get(f); !ok {
				return fmt.Errorf("%w: missing required field %q", ErrSchemaViolation, f)
			}
		}
		return nil
	}
}

type schemaRegKey struct {
	db   *DB
	coll string
}

var schemaRegistry = struct {
	m map[schemaRegKey]Schema
}{m: make(map[schemaRegKey]Schema)}

// SetSchema installs a validation hook run on every Insert/UpdateByID
// against coll in this DB for the lifetime of the process. The schema
// is held in memory only; nothing is written to the catalog's "schema"
// entry, so it must be installed again after reopen.
func (db *DB) SetSchema(coll string, s Schema) {
	schemaRegistry.m[schemaRegKey{db: db, coll: coll}] = s
}

func schemaFor(db *DB, coll string) (Schema, bool) {
	s, ok := schemaRegistry.m[schemaRegKey{db: db, coll: coll}]
	return s, ok
}

// --- insert --------------------------------------------------------------

// Insert generates an _id if absent, validates against the
// collection's schema if one is set, appends the document's initial
// version, and maintains every secondary index, per spec §4.8.
func (tx *Tx) Insert(coll string, doc Document) (string, error) {
	if err := tx.check(); err != nil {
		return "", err
	}
	if !tx.writable {
		return "", ErrTxNotWritable
	}
	c, err := tx.db.getCollectionLocked(tx, coll)
	if err == ErrCollectionNotFound {
		if err := tx.CreateCollection(coll); err != nil {
			return "", err
		}
		c, err = tx.db.getCollectionLocked(tx, coll)
	}
	if err != nil {
		return "", err
	}

	id, ok := doc.ID()
	if !ok || id == "" {
		n, err := tx.nextDocID(coll)
		if err != nil {
			return "", err
		}
		id = strconv.FormatUint(n, 10)
		doc = doc.WithID(id)
	}

	if s, ok := schemaFor(tx.db, coll); ok {
		if err := s(doc); err != nil {
			return "", err
		}
	}

	size, err := sizeOf(doc)
	if err != nil {
		return "", err
	}
	if size > tx.db.cfg.MaxDocumentSize {
		return "", ErrLimitExceeded
	}

	payload, err := doc.Encode()
	if err != nil {
		return "", err
	}
	v := &version{BeginTxn: tx.txid, Payload: payload}
	raw, err := btree.Put(tx, c.root, []byte(id), encodeVersion(v), false)
	if err != nil {
		if err == btree.ErrKeyExists {
			return "", ErrDuplicateKey
		}
		return "", err
	}
	c.root = raw
	c.docCount++
	if err := tx.putCollectionMeta(coll, c); err != nil {
		return "", err
	}

	if err := tx.maintainIndexes(coll, id, Document{}, doc, false); err != nil {
		return "", err
	}

	tx.writeSet[writeKey{coll: coll, id: id}] = 0
	tx.emit(changeEvent{Collection: coll, Op: OpInsert, ID: id, Doc: doc, At: txTime()})
	return id, nil
}

func txTime() time.Time { return time.Now().UTC() }

// InsertMany inserts every document in docs as a single transaction,
// atomically: the caller is expected to run this inside
// RunTransaction/db.Update so a failure rolls back every insert, per
// spec §4.8's "one transaction, all-or-nothing".
func (tx *Tx) InsertMany(coll string, docs []Document) ([]string, error) {
	if len(docs) > tx.db.cfg.MaxBulkOperations {
		return nil, ErrLimitExceeded
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		id, err := tx.Insert(coll, d)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// --- read ------------------------------------------------------------------

// FindByID locates the chain head for id and walks toward older
// versions until one is visible to tx's snapshot, per spec §4.8.
func (tx *Tx) FindByID(coll, id string) (Document, error) {
	if err := tx.check(); err != nil {
		return Document{}, err
	}
	c, err := tx.db.getCollectionLocked(tx, coll)
	if err != nil {
		return Document{}, err
	}
	head, err := btree.Get(tx, c.root, []byte(id))
	if err == btree.ErrNotFound {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	v, err := visibleVersion(head, tx.snapshot, tx.GetRaw)
	if err != nil {
		return Document{}, err
	}
	if v == nil || v.Tombstone {
		return Document{}, ErrNotFound
	}
	return DecodeDocument(v.Payload)
}

// FindAll scans the entire collection, materialising the version
// visible to tx's snapshot for every chain, skipping tombstones, per
// spec §4.8.
func (tx *Tx) FindAll(coll string) ([]Document, error) {
	return tx.Find(coll, nil)
}

// Find scans the primary tree and returns every visible, non-deleted
// document for which filter returns true (filter == nil matches all).
func (tx *Tx) Find(coll string, filter Filter) ([]Document, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	c, err := tx.db.getCollectionLocked(tx, coll)
	if err != nil {
		return nil, err
	}
	cur, err := btree.NewCursor(tx, c.root, nil)
	if err != nil {
		return nil, err
	}
	var out []Document
	for {
		e, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		v, err := visibleVersionFromHead(e.Value, tx)
		if err != nil {
			return nil, err
		}
		if v == nil || v.Tombstone {
			continue
		}
		doc, err := DecodeDocument(v.Payload)
		if err != nil {
			return nil, err
		}
		if filter == nil || filter(doc) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// visibleVersionFromHead walks head's chain using tx's own page reads
// (through the dirty overlay), the form every collection scan needs.
func visibleVersionFromHead(head []byte, tx *Tx) (*version, error) {
	return visibleVersion(head, tx.snapshot, tx.GetRaw)
}

// CountWithQuery counts visible, matching documents without returning them.
func (tx *Tx) CountWithQuery(coll string, filter Filter) (int, error) {
	docs, err := tx.Find(coll, filter)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// Distinct returns the set of distinct values of field across every
// visible document, using a unique/non-unique index on field when one
// exists, a full scan otherwise.
func (tx *Tx) Distinct(coll, field string) ([]any, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	m, err := tx.singleFieldIndex(coll, field)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return tx.distinctFromIndex(coll, m)
	}

	docs, err := tx.Find(coll, nil)
	if err != nil {
		return nil, err
	}
	seen := map[string]any{}
	var order []string
	for _, d := range docs {
		v, ok := d.Get(field)
		if !ok {
			continue
		}
		key := fmt.Sprintf("%v", v)
		if _, dup := seen[key]; !dup {
			seen[key] = v
			order = append(order, key)
		}
	}
	out := make([]any, 0, len(order))
	for _, k := range order {
		out = append(out, seen[k])
	}
	return out, nil
}

// singleFieldIndex returns the b-tree index covering exactly field, if
// any, so Distinct can walk its keys instead of scanning the
// collection. Returns nil, nil when no such index exists.
func (tx *Tx) singleFieldIndex(coll, field string) (*indexMeta, error) {
	names, err := tx.listIndexNames(coll)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		m, err := tx.getIndexMeta(coll, name)
		if err != nil {
			return nil, err
		}
		if m.kind == indexKindBTree && len(m.fields) == 1 && m.fields[0] == field {
			return m, nil
		}
	}
	return nil, nil
}

// distinctFromIndex walks m's keys, each of which is already one
// distinct value of its field by construction, and resolves one
// document per key to recover the value in its original (not
// index-encoded) form.
func (tx *Tx) distinctFromIndex(coll string, m *indexMeta) ([]any, error) {
	cur, err := btree.NewCursor(tx, m.root, nil)
	if err != nil {
		return nil, err
	}
	var out []any
	for {
		e, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		id := firstIDFromIndexValue(m, e.Value)
		if id == "" {
			continue
		}
		doc, err := tx.FindByID(coll, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		v, ok := doc.Get(m.fields[0])
		if !ok {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// firstIDFromIndexValue extracts one document id backing an index
// key: the value itself for a unique index, the first id of the
// sorted set otherwise.
func firstIDFromIndexValue(m *indexMeta, value []byte) string {
	if m.unique {
		return string(value)
	}
	ids := decodeIDSet(value)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// --- update/delete -----------------------------------------------------

// UpdateByID reads the visible version, applies updates as dot-path
// assignments, stages a new head version, and updates only the
// secondary indexes whose fields actually changed, per spec §4.8/§9.
func (tx *Tx) UpdateByID(coll, id string, updates map[string]any) (Document, error) {
	if err := tx.check(); err != nil {
		return Document{}, err
	}
	if !tx.writable {
		return Document{}, ErrTxNotWritable
	}
	c, err := tx.db.getCollectionLocked(tx, coll)
	if err != nil {
		return Document{}, err
	}
	head, err := btree.Get(tx, c.root, []byte(id))
	if err == btree.ErrNotFound {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	oldV, err := visibleVersion(head, tx.snapshot, tx.GetRaw)
	if err != nil {
		return Document{}, err
	}
	if oldV == nil || oldV.Tombstone {
		return Document{}, ErrNotFound
	}
	oldDoc, err := DecodeDocument(oldV.Payload)
	if err != nil {
		return Document{}, err
	}

	newDoc := oldDoc
	for path, val := range updates {
		newDoc = newDoc.Set(path, val)
	}

	if s, ok := schemaFor(tx.db, coll); ok {
		if err := s(newDoc); err != nil {
			return Document{}, err
		}
	}
	size, err := sizeOf(newDoc)
	if err != nil {
		return Document{}, err
	}
	if size > tx.db.cfg.MaxDocumentSize {
		return Document{}, ErrLimitExceeded
	}

	observedBegin := decodeVersion(head).BeginTxn
	payload, err := newDoc.Encode()
	if err != nil {
		return Document{}, err
	}
	newV := &version{BeginTxn: tx.txid, Payload: payload, Prev: 0}
	newHead, err := tx.chainPrev(head)
	if err != nil {
		return Document{}, err
	}
	newV.Prev = newHead

	root, err := btree.Put(tx, c.root, []byte(id), encodeVersion(newV), true)
	if err != nil {
		return Document{}, err
	}
	c.root = root
	if err := tx.putCollectionMeta(coll, c); err != nil {
		return Document{}, err
	}

	if err := tx.maintainIndexes(coll, id, oldDoc, newDoc, false); err != nil {
		return Document{}, err
	}

	tx.writeSet[writeKey{coll: coll, id: id}] = observedBegin
	tx.emit(changeEvent{Collection: coll, Op: OpUpdate, ID: id, Doc: newDoc, At: txTime()})
	return newDoc, nil
}

// chainPrev stamps the current head's end_txid with this
// transaction's txid (it is being superseded) and stages it into an
// overflow chain so the new head's Prev can reference it, preserving
// the version chain as a page reference graph rather than an
// in-memory pointer per spec §9.
func (tx *Tx) chainPrev(headBytes []byte) (storage.PageID, error) {
	old := decodeVersion(headBytes)
	old.EndTxn = tx.txid
	return btree.WriteOverflow(encodeVersion(old), tx.AllocPageID, tx.PutRaw), nil
}

// DeleteByID appends a tombstone version and removes the deleted
// document's entries from every secondary index, per spec §4.8.
func (tx *Tx) DeleteByID(coll, id string) error {
	if err := tx.check(); err != nil {
		return err
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	c, err := tx.db.getCollectionLocked(tx, coll)
	if err != nil {
		return err
	}
	head, err := btree.Get(tx, c.root, []byte(id))
	if err == btree.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	oldV, err := visibleVersion(head, tx.snapshot, tx.GetRaw)
	if err != nil {
		return err
	}
	if oldV == nil || oldV.Tombstone {
		return ErrNotFound
	}
	oldDoc, err := DecodeDocument(oldV.Payload)
	if err != nil {
		return err
	}

	observedBegin := decodeVersion(head).BeginTxn
	prevRef, err := tx.chainPrev(head)
	if err != nil {
		return err
	}
	newV := &version{BeginTxn: tx.txid, Tombstone: true, Prev: prevRef}
	root, err := btree.Put(tx, c.root, []byte(id), encodeVersion(newV), true)
	if err != nil {
		return err
	}
	c.root = root
	if c.docCount > 0 {
		c.docCount--
	}
	if err := tx.putCollectionMeta(coll, c); err != nil {
		return err
	}

	if err := tx.maintainIndexes(coll, id, oldDoc, Document{}, true); err != nil {
		return err
	}

	tx.writeSet[writeKey{coll: coll, id: id}] = observedBegin
	tx.emit(changeEvent{Collection: coll, Op: OpDelete, ID: id, At: txTime()})
	return nil
}

// Upsert attempts FindByID; on not-found it inserts doc under id,
// otherwise it updates the existing document's fields from doc. wasInsert
// reports which branch ran, per spec §4.8.
func (tx *Tx) Upsert(coll, id string, doc Document) (wasInsert bool, err error) {
	_, err = tx.FindByID(coll, id)
	if err == ErrNotFound || err == ErrCollectionNotFound {
		if _, err := tx.Insert(coll, doc.WithID(id)); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}
	updates := map[string]any{}
	doc.Range(func(k string, v any) bool {
		if k != "_id" {
			updates[k] = v
		}
		return true
	})
	if _, err := tx.UpdateByID(coll, id, updates); err != nil {
		return false, err
	}
	return false, nil
}

// --- bulk write --------------------------------------------------------

// BulkOpKind distinguishes the operations a BulkWrite batch can mix.
type BulkOpKind int

const (
	BulkInsert BulkOpKind = iota
	BulkUpdate
	BulkDelete
	BulkUpsert
)

// BulkOp is one operation in a BulkWrite batch.
type BulkOp struct {
	Kind    BulkOpKind
	ID      string
	Doc     Document
	Updates map[string]any
}

// BulkResult reports one operation's outcome within a BulkWrite batch.
type BulkResult struct {
	Index int
	ID    string
	Err   error
}

// BulkWrite executes a mixed operation list. If ordered, the first
// error aborts the whole batch and the result reports only the
// failing index; if unordered, every operation runs regardless of
// earlier failures and errors accumulate via go-multierror, per spec
// §4.8/§7.
func (tx *Tx) BulkWrite(coll string, ops []BulkOp, ordered bool) ([]BulkResult, error) {
	if len(ops) > tx.db.cfg.MaxBulkOperations {
		return nil, ErrLimitExceeded
	}
	results := make([]BulkResult, 0, len(ops))
	var merr *multierror.Error
	for i, op := range ops {
		id, err := tx.runBulkOp(coll, op)
		if err != nil {
			if ordered {
				return []BulkResult{{Index: i, ID: op.ID, Err: err}}, err
			}
			merr = multierror.Append(merr, fmt.Errorf("op %d: %w", i, err))
		}
		results = append(results, BulkResult{Index: i, ID: id, Err: err})
	}
	if merr != nil {
		return results, merr.ErrorOrNil()
	}
	return results, nil
}

func (tx *Tx) runBulkOp(coll string, op BulkOp) (string, error) {
	switch op.Kind {
	case BulkInsert:
		return tx.Insert(coll, op.Doc)
	case BulkUpdate:
		_, err := tx.UpdateByID(coll, op.ID, op.Updates)
		return op.ID, err
	case BulkDelete:
		return op.ID, tx.DeleteByID(coll, op.ID)
	case BulkUpsert:
		_, err := tx.Upsert(coll, op.ID, op.Doc)
		return op.ID, err
	default:
		return "", ErrInvalidArgument
	}
}

// --- index maintenance ---------------------------------------------------

// maintainIndexes diffs oldDoc and newDoc per indexed path and updates
// only the secondary indexes whose value actually changed, per spec
// §9's "compute the diff per indexed path, never re-index untouched
// paths". deleting == true treats newDoc as absent (a tombstone).
func (tx *Tx) maintainIndexes(coll, id string, oldDoc, newDoc Document, deleting bool) error {
	names, err := tx.listIndexNames(coll)
	if err != nil {
		return err
	}
	for _, name := range names {
		m, err := tx.getIndexMeta(coll, name)
		if err != nil {
			return err
		}
		if m.kind == indexKindText {
			if !deleting {
				if oldDoc.Len() > 0 {
					if err := tx.textIndexRemove(m, id, oldDoc, m.fields[0]); err != nil {
						return err
					}
				}
				if err := tx.textIndexInsert(m, id, newDoc, m.fields[0]); err != nil {
					return err
				}
			} else {
				if err := tx.textIndexRemove(m, id, oldDoc, m.fields[0]); err != nil {
					return err
				}
			}
			if err := tx.putIndexMeta(coll, m); err != nil {
				return err
			}
			continue
		}

		oldKey, oldOK := indexKeyFor(m, oldDoc)
		newKey, newOK := indexKeyFor(m, newDoc)
		unchanged := oldOK && newOK && string(oldKey) == string(newKey) && oldDoc.Len() > 0
		if unchanged {
			continue
		}
		if oldDoc.Len() > 0 {
			if err := tx.indexRemove(m, id, oldDoc); err != nil {
				return err
			}
		}
		if !deleting {
			if err := tx.indexInsert(m, id, newDoc); err != nil {
				return err
			}
		}
		if err := tx.putIndexMeta(coll, m); err != nil {
			return err
		}
	}
	return nil
}

// --- Collection convenience wrappers (auto one-shot transactions) -------

func (c *Collection) Insert(doc Document) (id string, err error) {
	err = c.db.Update(func(tx *Tx) error {
		id, err = tx.Insert(c.name, doc)
		return err
	})
	return id, err
}

func (c *Collection) InsertMany(docs []Document) (ids []string, err error) {
	err = c.db.Update(func(tx *Tx) error {
		ids, err = tx.InsertMany(c.name, docs)
		return err
	})
	return ids, err
}

func (c *Collection) FindByID(id string) (doc Document, err error) {
	err = c.db.View(func(tx *Tx) error {
		doc, err = tx.FindByID(c.name, id)
		return err
	})
	return doc, err
}

func (c *Collection) Find(filter Filter) (docs []Document, err error) {
	err = c.db.View(func(tx *Tx) error {
		docs, err = tx.Find(c.name, filter)
		return err
	})
	return docs, err
}

func (c *Collection) FindAll() ([]Document, error) { return c.Find(nil) }

func (c *Collection) UpdateByID(id string, updates map[string]any) (doc Document, err error) {
	err = c.db.Update(func(tx *Tx) error {
		doc, err = tx.UpdateByID(c.name, id, updates)
		return err
	})
	return doc, err
}

func (c *Collection) DeleteByID(id string) error {
	return c.db.Update(func(tx *Tx) error { return tx.DeleteByID(c.name, id) })
}

func (c *Collection) Upsert(id string, doc Document) (wasInsert bool, err error) {
	err = c.db.Update(func(tx *Tx) error {
		wasInsert, err = tx.Upsert(c.name, id, doc)
		return err
	})
	return wasInsert, err
}

func (c *Collection) BulkWrite(ops []BulkOp, ordered bool) (res []BulkResult, err error) {
	tx, err := c.db.Begin(true)
	if err != nil {
		return nil, err
	}
	res, err = tx.BulkWrite(c.name, ops, ordered)
	if ordered && err != nil {
		tx.Rollback()
		return res, err
	}
	// Unordered: err here is the accumulated per-op multierror, not a
	// reason to roll back — the ops that did succeed still commit, per
	// spec §4.8's "errors accumulate and non-failing operations still
	// commit".
	if cerr := tx.Commit(); cerr != nil {
		return res, cerr
	}
	return res, err
}

func (c *Collection) Distinct(field string) (vals []any, err error) {
	err = c.db.View(func(tx *Tx) error {
		vals, err = tx.Distinct(c.name, field)
		return err
	})
	return vals, err
}

func (c *Collection) CountWithQuery(filter Filter) (n int, err error) {
	err = c.db.View(func(tx *Tx) error {
		n, err = tx.CountWithQuery(c.name, filter)
		return err
	})
	return n, err
}

func (c *Collection) CreateIndex(name string, fields []string, unique bool) error {
	return c.db.Update(func(tx *Tx) error { return tx.CreateIndex(c.name, name, fields, unique) })
}

func (c *Collection) DropIndex(name string) error {
	return c.db.Update(func(tx *Tx) error { return tx.DropIndex(c.name, name) })
}

func (c *Collection) CreateTextIndex(name, field string) error {
	return c.db.Update(func(tx *Tx) error { return tx.CreateTextIndex(c.name, name, field) })
}
