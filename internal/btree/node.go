// Package btree implements the copy-on-write ordered map that backs
// every index in the engine: the primary id->version-chain-head index,
// every secondary index, and the catalog itself. Keys and values are
// opaque byte strings; multiplicity (unique vs. sorted-set-valued)
// is a concern of the caller, not of the tree.
package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"chronodb/internal/storage"
)

// MaxKeysPerNode bounds fan-out; chosen so a maximally-full branch
// node of reasonably sized keys still fits one page.
const MaxKeysPerNode = 128

// MinKeysPerNode is the minimum half-full occupancy for a non-root
// node, per spec §4.4.
const MinKeysPerNode = MaxKeysPerNode / 2

// inlineValueThreshold is the largest value stored inline in a leaf;
// larger values spill into an overflow chain (spec §4.4).
const inlineValueThreshold = 1536

// Node is the decoded, in-memory form of a page: either a leaf
// (keys -> values, values possibly overflow refs) or a branch
// (keys used only for routing, paired with child page ids).
type Node struct {
	ID       storage.PageID
	IsLeaf   bool
	Keys     [][]byte
	Values   [][]byte         // leaf only, parallel to Keys
	Overflow []storage.PageID // leaf only: 0 if Values[i] is inline, else the overflow chain head
	Children []storage.PageID // branch only, len(Children) == len(Keys)+1
}

// isUnderflow reports whether n falls below the minimum half-full
// occupancy required of a non-root node, per spec §4.4.
func (n *Node) isUnderflow() bool {
	return len(n.Keys) < MinKeysPerNode
}

func (n *Node) clone() *Node {
	c := &Node{IsLeaf: n.IsLeaf}
	c.Keys = append([][]byte(nil), n.Keys...)
	if n.IsLeaf {
		c.Values = append([][]byte(nil), n.Values...)
		c.Overflow = append([]storage.PageID(nil), n.Overflow...)
	} else {
		c.Children = append([]storage.PageID(nil), n.Children...)
	}
	return c
}

// isFull reports whether n must split before it can be staged: either
// it has reached the key-count fan-out bound, or its encoded form
// would no longer fit in one page body. Inline values up to
// inlineValueThreshold mean a handful of keys can outgrow the page
// long before MaxKeysPerNode does, so both bounds are checked.
func (n *Node) isFull() bool {
	if len(n.Keys) >= MaxKeysPerNode {
		return true
	}
	return n.encodedSize() > storage.Size-storage.HeaderSize
}

// encodedSize returns the byte length Encode would produce for n,
// without building the buffer.
func (n *Node) encodedSize() int {
	size := 2 // numKeys
	if n.IsLeaf {
		for i, k := range n.Keys {
			size += 4 + len(k)
			size += 8 // overflow page id
			size += 4 + len(n.Values[i])
		}
		return size
	}
	for _, k := range n.Keys {
		size += 4 + len(k)
	}
	size += 8 * len(n.Children)
	return size
}

func (n *Node) findIndex(key []byte) int {
	lo, hi := 0, len(n.Keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(n.Keys[mid], key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Encode serializes the node into a storage.Page body.
func (n *Node) Encode() *storage.Page {
	kind := storage.KindLeaf
	if !n.IsLeaf {
		kind = storage.KindBranch
	}
	p := storage.NewPage(kind, n.ID)

	var buf bytes.Buffer
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(n.Keys)))
	buf.Write(hdr[:])

	if n.IsLeaf {
		for i, k := range n.Keys {
			writeBytes(&buf, k)
			var ov [8]byte
			binary.LittleEndian.PutUint64(ov[:], uint64(n.Overflow[i]))
			buf.Write(ov[:])
			writeBytes(&buf, n.Values[i])
		}
	} else {
		for _, k := range n.Keys {
			writeBytes(&buf, k)
		}
		for _, c := range n.Children {
			var cb [8]byte
			binary.LittleEndian.PutUint64(cb[:], uint64(c))
			buf.Write(cb[:])
		}
	}

	if buf.Len() > storage.Size-storage.HeaderSize {
		panic(fmt.Sprintf("btree: node %d exceeds page size (%d bytes)", n.ID, buf.Len()))
	}
	p.SetBody(buf.Bytes())
	return p
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

func readBytes(b []byte, off int) ([]byte, int) {
	l := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	return b[off : off+int(l)], off + int(l)
}

// Decode parses a page body back into a Node.
func Decode(p *storage.Page) (*Node, error) {
	body := p.BodyBytes()
	if len(body) < 2 {
		return nil, fmt.Errorf("btree: page %d too short to decode", p.Header.PageID)
	}
	n := &Node{ID: p.Header.PageID, IsLeaf: p.Header.Kind == storage.KindLeaf}
	numKeys := int(binary.LittleEndian.Uint16(body[0:2]))
	off := 2

	if n.IsLeaf {
		n.Keys = make([][]byte, numKeys)
		n.Values = make([][]byte, numKeys)
		n.Overflow = make([]storage.PageID, numKeys)
		for i := 0; i < numKeys; i++ {
			var k []byte
			k, off = readBytes(body, off)
			n.Keys[i] = append([]byte(nil), k...)
			n.Overflow[i] = storage.PageID(binary.LittleEndian.Uint64(body[off : off+8]))
			off += 8
			var v []byte
			v, off = readBytes(body, off)
			n.Values[i] = append([]byte(nil), v...)
		}
	} else {
		n.Keys = make([][]byte, numKeys)
		for i := 0; i < numKeys; i++ {
			var k []byte
			k, off = readBytes(body, off)
			n.Keys[i] = append([]byte(nil), k...)
		}
		n.Children = make([]storage.PageID, numKeys+1)
		for i := 0; i < numKeys+1; i++ {
			n.Children[i] = storage.PageID(binary.LittleEndian.Uint64(body[off : off+8]))
			off += 8
		}
	}
	return n, nil
}
