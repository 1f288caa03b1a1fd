package chronodb

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"

	"chronodb/internal/btree"
	"chronodb/internal/storage"
)

// indexKind distinguishes the two index shapes named by spec §3's
// Index type: an ordered B-tree of field value(s) -> doc ids, or a
// text index of token -> postings.
type indexKind uint8

const (
	indexKindBTree indexKind = iota + 1
	indexKindText
)

// indexMeta is the catalog value stored at "coll/<name>/idx/<index>".
type indexMeta struct {
	name   string
	fields []string
	unique bool
	kind   indexKind
	root   storage.PageID
}

func encodeIndexMeta(m *indexMeta) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.kind))
	if m.unique {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(m.fields)))
	buf.Write(lenBuf[:])
	for _, f := range m.fields {
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(f)))
		buf.Write(lenBuf[:])
		buf.WriteString(f)
	}
	var rootBuf [8]byte
	binary.LittleEndian.PutUint64(rootBuf[:], uint64(m.root))
	buf.Write(rootBuf[:])
	return buf.Bytes()
}

func decodeIndexMeta(name string, b []byte) (*indexMeta, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("chronodb: %w: truncated index entry", ErrCorruption)
	}
	m := &indexMeta{name: name, kind: indexKind(b[0]), unique: b[1] != 0}
	n := binary.LittleEndian.Uint16(b[2:4])
	off := 4
	for i := 0; i < int(n); i++ {
		if off+2 > len(b) {
			return nil, fmt.Errorf("chronodb: %w: truncated index field", ErrCorruption)
		}
		fl := int(binary.LittleEndian.Uint16(b[off : off+2]))
		off += 2
		if off+fl > len(b) {
			return nil, fmt.Errorf("chronodb: %w: truncated index field bytes", ErrCorruption)
		}
		m.fields = append(m.fields, string(b[off:off+fl]))
		off += fl
	}
	if off+8 > len(b) {
		return nil, fmt.Errorf("chronodb: %w: truncated index root", ErrCorruption)
	}
	m.root = storage.PageID(binary.LittleEndian.Uint64(b[off : off+8]))
	return m, nil
}

func (tx *Tx) getIndexMeta(coll, index string) (*indexMeta, error) {
	raw, err := btree.Get(tx, tx.catalogRoot, idxKey(coll, index))
	if err != nil {
		if err == btree.ErrNotFound {
			return nil, ErrIndexNotFound
		}
		return nil, err
	}
	return decodeIndexMeta(index, raw)
}

func (tx *Tx) putIndexMeta(coll string, m *indexMeta) error {
	return tx.catalogPut(idxKey(coll, m.name), encodeIndexMeta(m), true)
}

// listIndexNames range-scans "coll/<name>/idx/" and returns the
// suffix after that prefix for every entry.
func (tx *Tx) listIndexNames(coll string) ([]string, error) {
	prefix := []byte("coll/" + coll + "/idx/")
	cur, err := btree.NewCursor(tx, tx.catalogRoot, prefix)
	if err != nil {
		return nil, err
	}
	var names []string
	for {
		e, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok || !bytes.HasPrefix(e.Key, prefix) {
			break
		}
		names = append(names, string(e.Key[len(prefix):]))
	}
	return names, nil
}

// CreateIndex builds a new secondary index over fields (a compound
// index when len(fields) > 1), backfilling it from every document
// currently visible to tx, per spec §4.4/§4.5.
func (tx *Tx) CreateIndex(coll, name string, fields []string, unique bool) error {
	if err := tx.check(); err != nil {
		return err
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	c, err := tx.db.getCollectionLocked(tx, coll)
	if err == ErrCollectionNotFound {
		if err := tx.CreateCollection(coll); err != nil {
			return err
		}
		c, err = tx.db.getCollectionLocked(tx, coll)
	}
	if err != nil {
		return err
	}
	if _, err := tx.getIndexMeta(coll, name); err == nil {
		return ErrIndexExists
	} else if CodeOf(err) != CodeNotFound {
		return err
	}

	m := &indexMeta{name: name, fields: fields, unique: unique, kind: indexKindBTree}

	cur, err := btree.NewCursor(tx, c.root, nil)
	if err != nil {
		return err
	}
	for {
		e, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		v := decodeVersion(e.Value)
		if !v.visibleTo(tx.snapshot) || v.Tombstone {
			continue
		}
		doc, err := DecodeDocument(v.Payload)
		if err != nil {
			return err
		}
		id := string(e.Key)
		if err := tx.indexInsert(m, id, doc); err != nil {
			return err
		}
	}

	return tx.putIndexMeta(coll, m)
}

// DropIndex retires the index's backing pages and removes its catalog entry.
func (tx *Tx) DropIndex(coll, name string) error {
	if err := tx.check(); err != nil {
		return err
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	m, err := tx.getIndexMeta(coll, name)
	if err != nil {
		return err
	}
	if m.kind == indexKindBTree {
		if err := btree.FreeTree(tx, m.root); err != nil {
			return err
		}
	}
	return tx.deleteCatalogKey(idxKey(coll, name))
}

// indexKeyFor builds the canonical sortable key for m's fields of
// doc: numeric fields encode as fixed-width big-endian (spec §4.4),
// strings compare lexicographically as raw bytes, and compound
// indexes concatenate each field's encoding in order. Within a field
// every 0x00 byte is written as 0x00 0xFF and the field ends with
// 0x00 0x00, so a field that is a prefix of another sorts first.
func indexKeyFor(m *indexMeta, doc Document) ([]byte, bool) {
	var buf bytes.Buffer
	for _, f := range m.fields {
		v, ok := doc.Get(f)
		if !ok {
			return nil, false
		}
		enc, ok := encodeIndexValue(v)
		if !ok {
			return nil, false
		}
		for _, b := range enc {
			buf.WriteByte(b)
			if b == 0x00 {
				buf.WriteByte(0xFF)
			}
		}
		buf.Write([]byte{0x00, 0x00})
	}
	return buf.Bytes(), true
}

func encodeIndexValue(v any) ([]byte, bool) {
	switch x := v.(type) {
	case string:
		return []byte(x), true
	case bool:
		if x {
			return []byte{1}, true
		}
		return []byte{0}, true
	default:
		f, ok := numericValue(x)
		if !ok {
			return nil, false
		}
		// Fixed-width big-endian with a sign-flip bias so negative
		// values sort before positive ones lexicographically.
		bits := int64ToSortableUint64(f)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, bits)
		return buf, true
	}
}

func int64ToSortableUint64(f float64) uint64 {
	const scale = 1e6
	i := int64(f * scale)
	return uint64(i) ^ (1 << 63)
}

func numericValue(x any) (float64, bool) {
	switch n := x.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// indexInsert adds doc's id to the index entry for m's key, enforcing
// uniqueness for unique indexes and maintaining a sorted id set for
// non-unique ones (spec §4.4: "for non-unique indexes the value is
// itself a sorted set encoded into a small collection").
func (tx *Tx) indexInsert(m *indexMeta, id string, doc Document) error {
	key, ok := indexKeyFor(m, doc)
	if !ok {
		return nil // field absent or unindexable: sparse index semantics
	}
	if m.unique {
		root, err := btree.Put(tx, m.root, key, []byte(id), false)
		if err != nil {
			if err == btree.ErrKeyExists {
				return ErrDuplicateKey
			}
			return err
		}
		m.root = root
		return nil
	}

	existing, err := btree.Get(tx, m.root, key)
	ids := map[string]struct{}{}
	if err == nil {
		for _, s := range decodeIDSet(existing) {
			ids[s] = struct{}{}
		}
	} else if err != btree.ErrNotFound {
		return err
	}
	ids[id] = struct{}{}
	root, err := btree.Put(tx, m.root, key, encodeIDSet(ids), true)
	if err != nil {
		return err
	}
	m.root = root
	return nil
}

// indexRemove deletes doc's id from the index entry for m's key,
// dropping the entry entirely once its id set is empty.
func (tx *Tx) indexRemove(m *indexMeta, id string, doc Document) error {
	key, ok := indexKeyFor(m, doc)
	if !ok {
		return nil
	}
	if m.unique {
		root, _, err := btree.Delete(tx, m.root, key)
		if err != nil && err != btree.ErrNotFound {
			return err
		}
		m.root = root
		return nil
	}

	existing, err := btree.Get(tx, m.root, key)
	if err == btree.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	ids := decodeIDSet(existing)
	filtered := ids[:0]
	for _, s := range ids {
		if s != id {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		root, _, err := btree.Delete(tx, m.root, key)
		if err != nil && err != btree.ErrNotFound {
			return err
		}
		m.root = root
		return nil
	}
	set := make(map[string]struct{}, len(filtered))
	for _, s := range filtered {
		set[s] = struct{}{}
	}
	root, err := btree.Put(tx, m.root, key, encodeIDSet(set), true)
	if err != nil {
		return err
	}
	m.root = root
	return nil
}

func encodeIDSet(ids map[string]struct{}) []byte {
	list := make([]string, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	sort.Strings(list)
	var buf bytes.Buffer
	for _, id := range list {
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(id)))
		buf.Write(lenBuf[:])
		buf.WriteString(id)
	}
	return buf.Bytes()
}

func decodeIDSet(b []byte) []string {
	var out []string
	off := 0
	for off+2 <= len(b) {
		n := int(binary.LittleEndian.Uint16(b[off : off+2]))
		off += 2
		if off+n > len(b) {
			break
		}
		out = append(out, string(b[off:off+n]))
		off += n
	}
	return out
}

// TextIndex maps tokens to a roaring-bitmap postings set of document
// ordinals (a stable 32-bit hash of the document id, per spec §3's
// "text index mapping tokens to postings lists"); term frequency
// scoring itself is out of scope (spec.md §1) and left to the
// external query layer, which reads postings via Postings.
type TextIndex struct {
	tx    *Tx
	coll  string
	meta  *indexMeta
	field string
}

// CreateTextIndex builds a token->postings text index over field,
// splitting on spaces, tabs and newlines and lower-casing ASCII
// letters, backfilled from
// every document visible to tx.
func (tx *Tx) CreateTextIndex(coll, name, field string) error {
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
	if _, err := tx.getIndexMeta(coll, name); err == nil {
		return ErrIndexExists
	}

	m := &indexMeta{name: name, fields: []string{field}, kind: indexKindText}
	cur, err := btree.NewCursor(tx, c.root, nil)
	if err != nil {
		return err
	}
	for {
		e, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		v := decodeVersion(e.Value)
		if !v.visibleTo(tx.snapshot) || v.Tombstone {
			continue
		}
		doc, err := DecodeDocument(v.Payload)
		if err != nil {
			return err
		}
		if err := tx.textIndexInsert(m, string(e.Key), doc, field); err != nil {
			return err
		}
	}
	return tx.putIndexMeta(coll, m)
}

func tokenize(s string) []string {
	var tokens []string
	var cur []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' || c == '\n' {
			if len(cur) > 0 {
				tokens = append(tokens, string(cur))
				cur = nil
			}
			continue
		}
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		cur = append(cur, c)
	}
	if len(cur) > 0 {
		tokens = append(tokens, string(cur))
	}
	return tokens
}

func docOrdinal(id string) uint32 {
	return uint32(xxhash.Sum64String(id))
}

func (tx *Tx) textIndexInsert(m *indexMeta, id string, doc Document, field string) error {
	v, ok := doc.Get(field)
	if !ok {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	ord := docOrdinal(id)
	for _, tok := range uniqueTokens(tokenize(s)) {
		bm, err := tx.loadPostings(m, tok)
		if err != nil {
			return err
		}
		bm.Add(ord)
		if err := tx.storePostings(m, tok, bm); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) textIndexRemove(m *indexMeta, id string, doc Document, field string) error {
	v, ok := doc.Get(field)
	if !ok {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	ord := docOrdinal(id)
	for _, tok := range uniqueTokens(tokenize(s)) {
		bm, err := tx.loadPostings(m, tok)
		if err != nil {
			return err
		}
		bm.Remove(ord)
		if err := tx.storePostings(m, tok, bm); err != nil {
			return err
		}
	}
	return nil
}

func uniqueTokens(toks []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, t := range toks {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

func (tx *Tx) loadPostings(m *indexMeta, token string) (*roaring.Bitmap, error) {
	raw, err := btree.Get(tx, m.root, []byte(token))
	if err == btree.ErrNotFound {
		return roaring.New(), nil
	}
	if err != nil {
		return nil, err
	}
	bm := roaring.New()
	if _, err := bm.FromBuffer(raw); err != nil {
		return nil, err
	}
	return bm, nil
}

func (tx *Tx) storePostings(m *indexMeta, token string, bm *roaring.Bitmap) error {
	if bm.IsEmpty() {
		root, _, err := btree.Delete(tx, m.root, []byte(token))
		if err != nil && err != btree.ErrNotFound {
			return err
		}
		m.root = root
		return nil
	}
	buf, err := bm.ToBytes()
	if err != nil {
		return err
	}
	root, err := btree.Put(tx, m.root, []byte(token), buf, true)
	if err != nil {
		return err
	}
	m.root = root
	return nil
}

// TextIndex resolves a previously created text index by name for
// querying via Postings.
func (tx *Tx) TextIndex(coll, name string) (*TextIndex, error) {
	m, err := tx.getIndexMeta(coll, name)
	if err != nil {
		return nil, err
	}
	if m.kind != indexKindText {
		return nil, fmt.Errorf("chronodb: %q is not a text index", name)
	}
	return &TextIndex{tx: tx, coll: coll, meta: m, field: m.fields[0]}, nil
}

// Postings returns the set of document ordinals whose tokenized field
// contains token. Callers resolve ordinals back to documents via a
// full scan matching docOrdinal — the engine does not persist an
// ordinal->id reverse map since term ranking is out of scope.
func (t *TextIndex) Postings(token string) (*roaring.Bitmap, error) {
	toks := tokenize(token)
	if len(toks) == 0 {
		return roaring.New(), nil
	}
	return t.tx.loadPostings(t.meta, toks[0])
}
