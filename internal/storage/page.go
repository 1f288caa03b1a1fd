// Package storage defines the on-disk page format shared by the main
// data file and the write-ahead log: a fixed-size, CRC-protected page
// with a kind tag and a monotonic LSN.
package storage

import (
	"encoding/binary"
	"hash/crc32"
)

// Size is the fixed page size used for every page in the data file.
const Size = 4096

// HeaderSize is the length of the fixed header at the start of every page.
const HeaderSize = 32

// PageID addresses a page within the main data file.
type PageID uint64

// Kind tags the role a page plays, per the page header's kind field.
type Kind uint8

const (
	KindMeta Kind = iota + 1
	KindBranch
	KindLeaf
	KindOverflow
	KindFreelist
	KindWALFrame
)

func (k Kind) String() string {
	switch k {
	case KindMeta:
		return "meta"
	case KindBranch:
		return "btree-internal"
	case KindLeaf:
		return "btree-leaf"
	case KindOverflow:
		return "overflow"
	case KindFreelist:
		return "freelist"
	case KindWALFrame:
		return "wal-frame"
	default:
		return "unknown"
	}
}

// Header is the fixed 32-byte prefix of every page:
//
//	[Kind:1][_:3][PageID:8][LSN:8][CRC32:4][Len:4][_:4]
//
// Len is the number of meaningful bytes following the header (the rest
// of the page is padding); CRC32 covers the header (with CRC32 zeroed)
// plus the whole body, padding included.
type Header struct {
	Kind   Kind
	PageID PageID
	LSN    uint64
	Len    uint32
	CRC32  uint32
}

// Page is one fixed-size unit of file I/O and cache residency.
type Page struct {
	Header Header
	data   [Size - HeaderSize]byte
}

// NewPage allocates a zeroed page tagged with kind and id.
func NewPage(kind Kind, id PageID) *Page {
	return &Page{Header: Header{Kind: kind, PageID: id}}
}

// Body returns the writable region following the header.
func (p *Page) Body() []byte { return p.data[:] }

// SetBody copies b into the page body and records its length.
func (p *Page) SetBody(b []byte) {
	if len(b) > len(p.data) {
		panic("storage: page body exceeds page size")
	}
	copy(p.data[:], b)
	for i := len(b); i < len(p.data); i++ {
		p.data[i] = 0
	}
	p.Header.Len = uint32(len(b))
}

// BodyBytes returns the Len meaningful bytes of the body.
func (p *Page) BodyBytes() []byte {
	n := int(p.Header.Len)
	if n > len(p.data) {
		n = len(p.data)
	}
	return p.data[:n]
}

// Encode serializes the page (header + full fixed-size body) to a
// Size-byte buffer, computing and stamping the CRC32 as it goes.
func (p *Page) Encode() []byte {
	buf := make([]byte, Size)
	writeHeader(buf, &p.Header, 0)
	copy(buf[HeaderSize:], p.data[:])
	p.Header.CRC32 = crc32.ChecksumIEEE(buf)
	binary.LittleEndian.PutUint32(buf[20:24], p.Header.CRC32)
	return buf
}

// Decode parses a Size-byte buffer into a page, verifying the CRC32.
// Returns false if the CRC does not match (corruption).
func Decode(buf []byte) (*Page, bool) {
	if len(buf) != Size {
		return nil, false
	}
	var h Header
	readHeader(buf, &h)
	stored := h.CRC32
	check := make([]byte, Size)
	copy(check, buf)
	binary.LittleEndian.PutUint32(check[20:24], 0)
	want := crc32.ChecksumIEEE(check)
	if want != stored {
		return nil, false
	}
	p := &Page{Header: h}
	copy(p.data[:], buf[HeaderSize:])
	return p, true
}

func writeHeader(buf []byte, h *Header, crcOverride uint32) {
	buf[0] = byte(h.Kind)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(h.PageID))
	binary.LittleEndian.PutUint64(buf[12:20], h.LSN)
	binary.LittleEndian.PutUint32(buf[20:24], crcOverride)
	binary.LittleEndian.PutUint32(buf[24:28], h.Len)
}

func readHeader(buf []byte, h *Header) {
	h.Kind = Kind(buf[0])
	h.PageID = PageID(binary.LittleEndian.Uint64(buf[4:12]))
	h.LSN = binary.LittleEndian.Uint64(buf[12:20])
	h.CRC32 = binary.LittleEndian.Uint32(buf[20:24])
	h.Len = binary.LittleEndian.Uint32(buf[24:28])
}
