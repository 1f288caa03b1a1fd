package chronodb

import (
	"encoding/binary"
	"fmt"

	"chronodb/internal/btree"
	"chronodb/internal/storage"
)

// Catalog keys follow spec §4.5's structured naming: a single B-tree
// (tx.catalogRoot) whose keys are "coll/<name>" (primary index root +
// document count), "coll/<name>/idx/<index>" (one per secondary
// index), "coll/<name>/schema" (optional validation schema bytes),
// and "coll/<name>/seq" (the per-collection _id counter). Listing
// collections is a range scan over the "coll/" prefix.
func collKey(name string) []byte       { return []byte("coll/" + name) }
func idxKey(name, index string) []byte { return []byte("coll/" + name + "/idx/" + index) }
func schemaKey(name string) []byte     { return []byte("coll/" + name + "/schema") }
func seqKey(name string) []byte        { return []byte("coll/" + name + "/seq") }

// collection is the runtime view of a catalog entry: the primary
// index root, its document count, and a per-transaction validity
// stamp used to invalidate db's collection cache once the catalog
// changes underneath it.
type collection struct {
	name       string
	root       storage.PageID
	docCount   uint64
	catalogTxn uint64
}

func encodeCollectionMeta(c *collection) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(c.root))
	binary.LittleEndian.PutUint64(buf[8:16], c.docCount)
	return buf
}

func decodeCollectionMeta(b []byte) (*collection, error) {
	if len(b) < 16 {
		return nil, fmt.Errorf("chronodb: %w: truncated collection entry", ErrCorruption)
	}
	return &collection{
		root:     storage.PageID(binary.LittleEndian.Uint64(b[0:8])),
		docCount: binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

// putCollectionMeta stages an updated catalog entry for name under tx,
// advancing tx.catalogRoot.
func (tx *Tx) putCollectionMeta(name string, c *collection) error {
	return tx.catalogPut(collKey(name), encodeCollectionMeta(c), true)
}

// CreateCollection registers a new, empty collection. Returns
// ErrCollectionExists if name is already present in the catalog.
func (tx *Tx) CreateCollection(name string) error {
	if err := tx.check(); err != nil {
		return err
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	if _, err := btree.Get(tx, tx.catalogRoot, collKey(name)); err == nil {
		return ErrCollectionExists
	} else if err != btree.ErrNotFound {
		return err
	}

	c := &collection{name: name}
	if err := tx.catalogPut(collKey(name), encodeCollectionMeta(c), false); err != nil {
		if err == btree.ErrKeyExists {
			return ErrCollectionExists
		}
		return err
	}

	seqBuf := make([]byte, 8)
	return tx.catalogPut(seqKey(name), seqBuf, true)
}

// DropCollection retires the collection's primary B-tree root, every
// secondary index root, its schema entry and sequence counter, and
// removes its catalog entries. The pages become unreachable from the
// new catalog root immediately but are only physically freed once no
// live snapshot can see them (§4.9).
func (tx *Tx) DropCollection(name string) error {
	if err := tx.check(); err != nil {
		return err
	}
	if !tx.writable {
		return ErrTxNotWritable
	}

	c, err := tx.db.getCollectionLocked(tx, name)
	if err != nil {
		return err
	}

	if err := btree.FreeTree(tx, c.root); err != nil {
		return err
	}

	idxNames, err := tx.listIndexNames(name)
	if err != nil {
		return err
	}
	for _, idxName := range idxNames {
		m, err := tx.getIndexMeta(name, idxName)
		if err != nil {
			return err
		}
		if err := btree.FreeTree(tx, m.root); err != nil {
			return err
		}
		if err := tx.deleteCatalogKey(idxKey(name, idxName)); err != nil {
			return err
		}
	}

	for _, k := range [][]byte{collKey(name), schemaKey(name), seqKey(name)} {
		if err := tx.deleteCatalogKey(k); err != nil {
			return err
		}
	}

	db := tx.db
	db.collMu.Lock()
	delete(db.collections, name)
	db.collMu.Unlock()
	return nil
}

func (tx *Tx) deleteCatalogKey(key []byte) error {
	if err := tx.touchCatalogKey(key); err != nil {
		return err
	}
	root, _, err := btree.Delete(tx, tx.catalogRoot, key)
	if err != nil && err != btree.ErrNotFound {
		return err
	}
	tx.catalogRoot = root
	return nil
}

// RenameCollection is an atomic swap of catalog keys: the old name's
// entries are relocated under the new name and the old keys removed,
// all within the caller's transaction, per spec §4.5.
func (tx *Tx) RenameCollection(oldName, newName string) error {
	if err := tx.check(); err != nil {
		return err
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	if _, err := btree.Get(tx, tx.catalogRoot, collKey(newName)); err == nil {
		return ErrCollectionExists
	}

	c, err := tx.db.getCollectionLocked(tx, oldName)
	if err != nil {
		return err
	}
	newC := &collection{name: newName, root: c.root, docCount: c.docCount}
	if err := tx.putCollectionMeta(newName, newC); err != nil {
		return err
	}
	if err := tx.deleteCatalogKey(collKey(oldName)); err != nil {
		return err
	}

	if raw, err := btree.Get(tx, tx.catalogRoot, seqKey(oldName)); err == nil {
		if err := tx.catalogPut(seqKey(newName), raw, true); err != nil {
			return err
		}
		if err := tx.deleteCatalogKey(seqKey(oldName)); err != nil {
			return err
		}
	}

	idxNames, err := tx.listIndexNames(oldName)
	if err != nil {
		return err
	}
	for _, idxName := range idxNames {
		raw, err := btree.Get(tx, tx.catalogRoot, idxKey(oldName, idxName))
		if err != nil {
			return err
		}
		if err := tx.catalogPut(idxKey(newName, idxName), raw, true); err != nil {
			return err
		}
		if err := tx.deleteCatalogKey(idxKey(oldName, idxName)); err != nil {
			return err
		}
	}

	db := tx.db
	db.collMu.Lock()
	delete(db.collections, oldName)
	delete(db.collections, newName)
	db.collMu.Unlock()
	return nil
}

// ListCollections range-scans the "coll/" prefix and returns every
// name with a direct "coll/<name>" entry (excluding the /idx/,
// /schema and /seq sub-keys), per spec §4.5.
func (tx *Tx) ListCollections() ([]string, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	cur, err := btree.NewCursor(tx, tx.catalogRoot, []byte("coll/"))
	if err != nil {
		return nil, err
	}
	var names []string
	for {
		e, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok || len(e.Key) < 5 || string(e.Key[:5]) != "coll/" {
			break
		}
		rest := string(e.Key[5:])
		if rest == "" {
			continue
		}
		slash := indexByte(rest, '/')
		if slash == -1 {
			names = append(names, rest)
		}
	}
	return names, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// nextDocID draws the next value of the collection's monotonic _id
// counter and stages the incremented counter, per spec §3's
// "server-generated from a per-collection monotonic counter".
func (tx *Tx) nextDocID(name string) (uint64, error) {
	raw, err := btree.Get(tx, tx.catalogRoot, seqKey(name))
	if err != nil {
		return 0, err
	}
	var cur uint64
	if len(raw) >= 8 {
		cur = binary.LittleEndian.Uint64(raw)
	}
	cur++
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, cur)
	if err := tx.catalogPut(seqKey(name), buf, true); err != nil {
		return 0, err
	}
	return cur, nil
}
