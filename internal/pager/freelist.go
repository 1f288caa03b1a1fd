package pager

import (
	"encoding/binary"
	"fmt"

	"chronodb/internal/storage"
)

// freelistEntriesPerPage is how many PageIDs fit in one KindFreelist
// page's body after its 8-byte next-pointer and 8-byte count fields,
// per spec §4.3: "a linked list of pages whose own first slot stores
// the next freelist page id and an array of free page ids".
const freelistEntriesPerPage = (storage.Size - storage.HeaderSize - 16) / 8

// freelistPagesNeeded returns how many KindFreelist pages are needed
// to persist n free-page ids.
func freelistPagesNeeded(n int) int {
	if n == 0 {
		return 0
	}
	return (n + freelistEntriesPerPage - 1) / freelistEntriesPerPage
}

// WriteFreelist persists free as a chain of KindFreelist pages using
// chainIDs (from Allocator.ReserveFreelistChain) as the chain's own
// page ids, so the write never collides with a page a concurrent
// Allocate hands out. Returns the chain's head, 0 if free is empty.
func (p *Pager) WriteFreelist(free []storage.PageID, chainIDs []storage.PageID) (storage.PageID, error) {
	if len(free) == 0 {
		return 0, nil
	}

	for i, pid := range chainIDs {
		lo := i * freelistEntriesPerPage
		hi := lo + freelistEntriesPerPage
		if hi > len(free) {
			hi = len(free)
		}
		chunk := free[lo:hi]

		var next storage.PageID
		if i+1 < len(chainIDs) {
			next = chainIDs[i+1]
		}

		body := make([]byte, 16+len(chunk)*8)
		binary.LittleEndian.PutUint64(body[0:8], uint64(next))
		binary.LittleEndian.PutUint64(body[8:16], uint64(len(chunk)))
		for j, id := range chunk {
			binary.LittleEndian.PutUint64(body[16+j*8:24+j*8], uint64(id))
		}

		pg := storage.NewPage(storage.KindFreelist, pid)
		pg.SetBody(body)
		if err := p.writeRawPage(pid, pg.Encode()); err != nil {
			return 0, err
		}
	}

	return chainIDs[0], nil
}

// ReadFreelist walks the KindFreelist chain rooted at head (0 means
// empty) for Open to restore into the Allocator. It returns both the
// free page ids recorded in the chain and the chain's own page ids,
// so the caller can recycle the latter at the next checkpoint instead
// of leaking one superseded chain per checkpoint.
func (p *Pager) ReadFreelist(head storage.PageID) (free []storage.PageID, chainPages []storage.PageID, err error) {
	for id := head; id != 0; {
		buf := make([]byte, storage.Size)
		if _, err := p.file.ReadAt(buf, int64(id)*storage.Size); err != nil {
			return nil, nil, fmt.Errorf("pager: read freelist page %d: %w", id, err)
		}
		pg, ok := storage.Decode(buf)
		if !ok {
			return nil, nil, fmt.Errorf("pager: %w: freelist page %d failed CRC check", ErrCorruption, id)
		}
		chainPages = append(chainPages, id)
		body := pg.BodyBytes()
		if len(body) < 16 {
			return nil, nil, fmt.Errorf("pager: %w: truncated freelist page %d", ErrCorruption, id)
		}
		next := storage.PageID(binary.LittleEndian.Uint64(body[0:8]))
		count := binary.LittleEndian.Uint64(body[8:16])
		off := 16
		for i := uint64(0); i < count; i++ {
			if off+8 > len(body) {
				return nil, nil, fmt.Errorf("pager: %w: truncated freelist entries on page %d", ErrCorruption, id)
			}
			free = append(free, storage.PageID(binary.LittleEndian.Uint64(body[off:off+8])))
			off += 8
		}
		id = next
	}
	return free, chainPages, nil
}

// writeRawPage writes buf directly to id's file offset, bypassing the
// cache and the WAL-applied pending image — used only for freelist
// pages, which are never read through the normal page path.
func (p *Pager) writeRawPage(id storage.PageID, buf []byte) error {
	_, err := p.file.WriteAt(buf, int64(id)*storage.Size)
	return err
}
