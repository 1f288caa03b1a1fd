package storage

import (
	"encoding/binary"
	"hash/crc32"
)

// MagicNumber identifies the file format ("cdb1" in hex-ish ASCII).
const MagicNumber uint32 = 0x63646231

// FormatVersion is the on-disk format version written into every meta page.
const FormatVersion uint16 = 1

// Meta is the content of the meta page: file magic, format version,
// page size, the current catalog root, the freelist head, the next
// page-id counter and the LSN of the last checkpoint. Meta is kept in
// two alternating slots (pages 0 and 1) so a crash mid-write of one
// slot leaves the other intact; the slot with the higher TxnID and a
// valid checksum wins on recovery.
type Meta struct {
	Magic           uint32
	Version         uint16
	PageSize        uint16
	CatalogRoot     PageID
	FreelistHead    PageID
	NextPageID      PageID
	TxnID           uint64
	LastCheckpoint  uint64 // LSN of last checkpoint
	Checksum        uint32
}

const metaEncodedSize = 4 + 2 + 2 + 8 + 8 + 8 + 8 + 8 + 4

// Encode serializes m, computing the trailing checksum.
func (m *Meta) Encode() []byte {
	buf := make([]byte, metaEncodedSize)
	binary.LittleEndian.PutUint32(buf[0:4], m.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], m.Version)
	binary.LittleEndian.PutUint16(buf[6:8], m.PageSize)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.CatalogRoot))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(m.FreelistHead))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(m.NextPageID))
	binary.LittleEndian.PutUint64(buf[32:40], m.TxnID)
	binary.LittleEndian.PutUint64(buf[40:48], m.LastCheckpoint)
	m.Checksum = crc32.ChecksumIEEE(buf[:48])
	binary.LittleEndian.PutUint32(buf[48:52], m.Checksum)
	return buf
}

// DecodeMeta parses a meta slot. ok is false if the magic, version or
// checksum do not validate — the caller should fall back to the other slot.
func DecodeMeta(buf []byte) (m Meta, ok bool) {
	if len(buf) < metaEncodedSize {
		return Meta{}, false
	}
	m.Magic = binary.LittleEndian.Uint32(buf[0:4])
	m.Version = binary.LittleEndian.Uint16(buf[4:6])
	m.PageSize = binary.LittleEndian.Uint16(buf[6:8])
	m.CatalogRoot = PageID(binary.LittleEndian.Uint64(buf[8:16]))
	m.FreelistHead = PageID(binary.LittleEndian.Uint64(buf[16:24]))
	m.NextPageID = PageID(binary.LittleEndian.Uint64(buf[24:32]))
	m.TxnID = binary.LittleEndian.Uint64(buf[32:40])
	m.LastCheckpoint = binary.LittleEndian.Uint64(buf[40:48])
	m.Checksum = binary.LittleEndian.Uint32(buf[48:52])

	if m.Magic != MagicNumber || m.Version != FormatVersion {
		return Meta{}, false
	}
	want := crc32.ChecksumIEEE(buf[:48])
	if want != m.Checksum {
		return Meta{}, false
	}
	return m, true
}
