package chronodb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Document is an ordered, JSON-compatible record (spec §3). Field
// order is preserved through encode/decode so a roundtripped document
// compares equal byte-for-byte, which plain encoding/json (whose
// object decoding is unordered by design) cannot give us; no library
// in the retrieved pack supplies an ordered JSON document type, so
// this is a small hand-rolled layer on top of encoding/json's token
// scanner and value marshaling — stdlib is used for the primitives,
// ordering is the one piece nothing in the pack provides.
type Document struct {
	fields []docField
	index  map[string]int
}

type docField struct {
	key   string
	value any
}

// NewDocument builds a Document from an ordered list of key/value
// pairs.
func NewDocument(pairs ...any) Document {
	d := Document{index: make(map[string]int)}
	for i := 0; i+1 < len(pairs); i += 2 {
		key, _ := pairs[i].(string)
		d.set(key, pairs[i+1])
	}
	return d
}

func (d *Document) set(key string, value any) {
	if i, ok := d.index[key]; ok {
		d.fields[i].value = value
		return
	}
	if d.index == nil {
		d.index = make(map[string]int)
	}
	d.index[key] = len(d.fields)
	d.fields = append(d.fields, docField{key: key, value: value})
}

// ID returns the document's "_id" field as a string.
func (d Document) ID() (string, bool) {
	v, ok := d.Get("_id")
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// WithID returns a copy of d with _id set: an existing _id keeps its
// position, and an absent one is added as the first field.
func (d Document) WithID(id string) Document {
	c := d.Clone()
	if _, ok := c.index["_id"]; ok {
		c.set("_id", id)
		return c
	}
	nf := make([]docField, 0, len(c.fields)+1)
	nf = append(nf, docField{key: "_id", value: id})
	nf = append(nf, c.fields...)
	c.fields = nf
	c.index = make(map[string]int, len(nf))
	for i, f := range nf {
		c.index[f.key] = i
	}
	return c
}

// Clone returns a shallow copy safe to mutate independently of d.
func (d Document) Clone() Document {
	c := Document{
		fields: append([]docField(nil), d.fields...),
		index:  make(map[string]int, len(d.index)),
	}
	for k, v := range d.index {
		c.index[k] = v
	}
	return c
}

// Get resolves a dot-separated path, descending through nested
// Documents and indexing into slices by integer path segment, per
// spec §3's "nested paths are addressable by dot notation".
func (d Document) Get(path string) (any, bool) {
	segs := strings.Split(path, ".")
	var cur any = d
	for _, seg := range segs {
		switch v := cur.(type) {
		case Document:
			i, ok := v.index[seg]
			if !ok {
				return nil, false
			}
			cur = v.fields[i].value
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Set resolves a dot path, creating intermediate Documents as needed,
// and assigns value at the leaf.
func (d Document) Set(path string, value any) Document {
	segs := strings.Split(path, ".")
	return d.setPath(segs, value)
}

func (d Document) setPath(segs []string, value any) Document {
	c := d.Clone()
	if len(segs) == 1 {
		c.set(segs[0], value)
		return c
	}
	child, ok := c.Get(segs[0])
	childDoc, isDoc := child.(Document)
	if !ok || !isDoc {
		childDoc = NewDocument()
	}
	c.set(segs[0], childDoc.setPath(segs[1:], value))
	return c
}

// Len reports the number of top-level fields.
func (d Document) Len() int { return len(d.fields) }

// Range calls fn for each top-level field in order, stopping if fn
// returns false.
func (d Document) Range(fn func(key string, value any) bool) {
	for _, f := range d.fields {
		if !fn(f.key, f.value) {
			return
		}
	}
}

// Encode serializes d to order-preserving JSON bytes.
func (d Document) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case Document:
		buf.WriteByte('{')
		for i, f := range x.fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(f.key)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := encodeValue(buf, f.value); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// DecodeDocument parses order-preserving JSON bytes (as produced by
// Encode) back into a Document.
func DecodeDocument(b []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Document{}, err
	}
	doc, ok := v.(Document)
	if !ok {
		return Document{}, fmt.Errorf("chronodb: top-level document must be a JSON object")
	}
	return doc, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			d := Document{index: make(map[string]int)}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, _ := keyTok.(string)
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				d.set(key, val)
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return nil, err
			}
			return d, nil
		case '[':
			var arr []any
			for dec.More() {
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, val)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return nil, err
			}
			return arr, nil
		}
	case json.Number:
		return t, nil
	}
	return tok, nil
}

// sizeOf estimates the encoded byte size for MaxDocumentSize enforcement.
func sizeOf(d Document) (int, error) {
	b, err := d.Encode()
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
