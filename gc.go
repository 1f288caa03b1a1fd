package chronodb

import (
	"chronodb/internal/btree"
	"chronodb/internal/storage"
)

// GCStats reports what a garbage-collection pass reclaimed.
type GCStats struct {
	ChainsTrimmed int
	PagesFreed    int
}

// GC walks every document's version chain and frees versions no live
// snapshot can still see, per spec §4.9. It runs as a single
// transaction: the freed pages are retired under the usual
// commit-time freeze/release discipline, becoming reusable only once
// no snapshot predates this GC's own commit.
//
// GC trims at most one hop per chain per pass: if the version
// directly behind the head is collectible, the whole tail beyond it
// is freed and the head's prev pointer is cut; if it is not (still
// possibly visible), the pass leaves that chain alone rather than
// walking deeper, since rewriting an interior version's own prev
// pointer would require rebuilding its overflow chain under a new
// page-id and patching whatever points to it. A document whose head
// is superseded repeatedly is trimmed one hop per GC pass. Passes run
// only when DB.GC is called; db.go's backgroundGC releases retired
// pages but does not trim version chains.
func (tx *Tx) GC(oldestLive uint64) (GCStats, error) {
	if err := tx.check(); err != nil {
		return GCStats{}, err
	}
	if !tx.writable {
		return GCStats{}, ErrTxNotWritable
	}

	names, err := tx.ListCollections()
	if err != nil {
		return GCStats{}, err
	}

	var stats GCStats
	for _, name := range names {
		c, err := tx.db.getCollectionLocked(tx, name)
		if err != nil {
			return stats, err
		}
		n, err := tx.gcCollection(c, oldestLive, &stats)
		if err != nil {
			return stats, err
		}
		if n > 0 {
			if err := tx.putCollectionMeta(name, c); err != nil {
				return stats, err
			}
		}
	}
	return stats, nil
}

func (tx *Tx) gcCollection(c *collection, oldestLive uint64, stats *GCStats) (int, error) {
	cur, err := btree.NewCursor(tx, c.root, nil)
	if err != nil {
		return 0, err
	}

	var trimmed int
	for {
		e, ok, err := cur.Next()
		if err != nil {
			return trimmed, err
		}
		if !ok {
			break
		}
		head := decodeVersion(e.Value)
		if head.Prev == 0 {
			continue
		}
		tail, err := btree.ReadOverflow(head.Prev, tx.GetRaw)
		if err != nil {
			return trimmed, err
		}
		tailV := decodeVersion(tail)
		if tailV.EndTxn == 0 || tailV.EndTxn > oldestLive {
			continue
		}

		freed, err := freeVersionChain(tx, head.Prev)
		if err != nil {
			return trimmed, err
		}
		stats.PagesFreed += freed

		head.Prev = 0
		root, err := btree.Put(tx, c.root, e.Key, encodeVersion(head), true)
		if err != nil {
			return trimmed, err
		}
		c.root = root
		trimmed++
		stats.ChainsTrimmed++
	}
	return trimmed, nil
}

// freeVersionChain retires every overflow page backing the version
// node at head and every older node it references, returning the
// number of pages freed.
func freeVersionChain(tx *Tx, head storage.PageID) (int, error) {
	n := 0
	for head != 0 {
		raw, err := btree.ReadOverflow(head, tx.GetRaw)
		if err != nil {
			return n, err
		}
		ids, err := btree.FreeOverflow(head, tx.GetRaw)
		if err != nil {
			return n, err
		}
		for _, id := range ids {
			tx.Free(id)
			n++
		}
		head = decodeVersion(raw).Prev
	}
	return n, nil
}

// GC runs a garbage-collection pass as its own transaction against
// the oldest snapshot any live reader still holds.
func (db *DB) GC() (GCStats, error) {
	var stats GCStats
	err := db.Update(func(tx *Tx) error {
		s, err := tx.GC(db.minLiveSnapshot())
		stats = s
		return err
	})
	return stats, err
}
