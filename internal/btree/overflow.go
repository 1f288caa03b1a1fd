package btree

import (
	"encoding/binary"

	"chronodb/internal/storage"
)

// overflowPageCapacity is how much raw payload fits in one overflow
// page body: 8 bytes for the next-page link, 4 for this page's
// payload length, the rest is data.
const overflowPageCapacity = storage.Size - storage.HeaderSize - 12

// WriteOverflow splits a value too large to inline across a chain of
// overflow pages and returns the id of the chain head, per spec §4.4.
func WriteOverflow(value []byte, alloc func() storage.PageID, put func(storage.PageID, *storage.Page)) storage.PageID {
	var pageIDs []storage.PageID
	for off := 0; off < len(value); off += overflowPageCapacity {
		pageIDs = append(pageIDs, alloc())
	}
	if len(pageIDs) == 0 {
		pageIDs = []storage.PageID{alloc()}
	}
	for i, id := range pageIDs {
		start := i * overflowPageCapacity
		end := start + overflowPageCapacity
		if end > len(value) {
			end = len(value)
		}
		chunk := value[start:end]

		body := make([]byte, 12+len(chunk))
		var next storage.PageID
		if i+1 < len(pageIDs) {
			next = pageIDs[i+1]
		}
		binary.LittleEndian.PutUint64(body[0:8], uint64(next))
		binary.LittleEndian.PutUint32(body[8:12], uint32(len(chunk)))
		copy(body[12:], chunk)

		p := storage.NewPage(storage.KindOverflow, id)
		p.SetBody(body)
		put(id, p)
	}
	return pageIDs[0]
}

// ReadOverflow walks the overflow chain starting at head and
// reassembles the original value.
func ReadOverflow(head storage.PageID, get func(storage.PageID) (*storage.Page, error)) ([]byte, error) {
	var out []byte
	id := head
	for id != 0 {
		p, err := get(id)
		if err != nil {
			return nil, err
		}
		body := p.BodyBytes()
		next := storage.PageID(binary.LittleEndian.Uint64(body[0:8]))
		n := binary.LittleEndian.Uint32(body[8:12])
		out = append(out, body[12:12+n]...)
		id = next
	}
	return out, nil
}

// FreeOverflow returns the page ids making up the chain so the caller
// can retire them.
func FreeOverflow(head storage.PageID, get func(storage.PageID) (*storage.Page, error)) ([]storage.PageID, error) {
	var ids []storage.PageID
	id := head
	for id != 0 {
		ids = append(ids, id)
		p, err := get(id)
		if err != nil {
			return ids, err
		}
		id = storage.PageID(binary.LittleEndian.Uint64(p.BodyBytes()[0:8]))
	}
	return ids, nil
}
