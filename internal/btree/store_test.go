package btree

import (
	"fmt"

	"chronodb/internal/storage"
)

// memStore is a trivial in-memory Store used by the tree tests: no
// real copy-on-write retirement bookkeeping, just enough to exercise
// Get/Stage/Free/AllocPageID against plain maps.
type memStore struct {
	nodes  map[storage.PageID]*Node
	pages  map[storage.PageID]*storage.Page
	nextID storage.PageID
	freed  []storage.PageID
}

func newMemStore() *memStore {
	return &memStore{
		nodes:  make(map[storage.PageID]*Node),
		pages:  make(map[storage.PageID]*storage.Page),
		nextID: 1,
	}
}

func (s *memStore) Get(id storage.PageID) (*Node, error) {
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("memStore: no node %d", id)
	}
	return n, nil
}

func (s *memStore) AllocPageID() storage.PageID {
	id := s.nextID
	s.nextID++
	return id
}

func (s *memStore) Stage(n *Node) storage.PageID {
	if n.ID == 0 {
		n.ID = s.AllocPageID()
	}
	s.nodes[n.ID] = n
	return n.ID
}

func (s *memStore) Free(id storage.PageID) {
	s.freed = append(s.freed, id)
}

func (s *memStore) GetRaw(id storage.PageID) (*storage.Page, error) {
	p, ok := s.pages[id]
	if !ok {
		return nil, fmt.Errorf("memStore: no page %d", id)
	}
	return p, nil
}

func (s *memStore) PutRaw(id storage.PageID, p *storage.Page) {
	s.pages[id] = p
}
