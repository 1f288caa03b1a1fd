package chronodb

import (
	"encoding/binary"

	"chronodb/internal/btree"
	"chronodb/internal/storage"
)

// version is one node of a document's version chain (spec §3). The
// primary index's leaf value for an _id is the encoded head version;
// Prev, when nonzero, names an overflow-page chain (internal/btree's
// WriteOverflow/ReadOverflow) holding the encoded prior version, so
// the chain is a reference graph across pages rather than an
// in-memory pointer structure — it survives exactly as long as the
// pages it occupies, and is freed through the same freelist as any
// other retired page (spec §9).
type version struct {
	BeginTxn  uint64
	EndTxn    uint64 // 0 means infinity (still live)
	Tombstone bool
	Payload   []byte
	Prev      storage.PageID
}

func (v *version) isLive() bool { return v.EndTxn == 0 }

func encodeVersion(v *version) []byte {
	buf := make([]byte, 8+8+1+8+4+len(v.Payload))
	binary.LittleEndian.PutUint64(buf[0:8], v.BeginTxn)
	binary.LittleEndian.PutUint64(buf[8:16], v.EndTxn)
	if v.Tombstone {
		buf[16] = 1
	}
	binary.LittleEndian.PutUint64(buf[17:25], uint64(v.Prev))
	binary.LittleEndian.PutUint32(buf[25:29], uint32(len(v.Payload)))
	copy(buf[29:], v.Payload)
	return buf
}

func decodeVersion(b []byte) *version {
	v := &version{
		BeginTxn:  binary.LittleEndian.Uint64(b[0:8]),
		EndTxn:    binary.LittleEndian.Uint64(b[8:16]),
		Tombstone: b[16] != 0,
		Prev:      storage.PageID(binary.LittleEndian.Uint64(b[17:25])),
	}
	n := binary.LittleEndian.Uint32(b[25:29])
	v.Payload = append([]byte(nil), b[29:29+n]...)
	return v
}

// snapshot is the MVCC visibility context captured at transaction
// begin: the highest committed txid at begin, plus any txids that
// were mid-commit (committing but not yet published) at that moment
// — required so a reader never observes a half-published write.
type snapshot struct {
	txid     uint64
	inFlight map[uint64]struct{}
}

// visible implements spec §4.6's predicate:
// begin <= s AND (end == infinity OR s < end) AND begin not in-flight-at(s).
func (v *version) visibleTo(s snapshot) bool {
	if v.BeginTxn > s.txid {
		return false
	}
	if !v.isLive() && s.txid >= v.EndTxn {
		return false
	}
	if _, committing := s.inFlight[v.BeginTxn]; committing {
		return false
	}
	return true
}

// visibleVersion walks the chain starting at head (the primary
// index's leaf value) toward older versions until it finds one
// visible to s, reading overflowed predecessors via get. Returns nil
// if no version in the chain is visible.
func visibleVersion(head []byte, s snapshot, get func(storage.PageID) (*storage.Page, error)) (*version, error) {
	v := decodeVersion(head)
	for {
		if v.visibleTo(s) {
			return v, nil
		}
		if v.Prev == 0 {
			return nil, nil
		}
		raw, err := btree.ReadOverflow(v.Prev, get)
		if err != nil {
			return nil, err
		}
		v = decodeVersion(raw)
	}
}
