package btree

import "chronodb/internal/storage"

// Store is the page-level dependency the tree algorithms need: decode
// nodes, allocate fresh page ids for copy-on-write, and stage the
// encoded result. Implementations (see the root package's Tx) keep
// staged pages in a transaction-local overlay until commit, and track
// which old page ids became unreachable so they can be retired.
type Store interface {
	Get(id storage.PageID) (*Node, error)
	AllocPageID() storage.PageID
	Stage(n *Node) storage.PageID // assigns n.ID if zero, encodes, stages, returns id
	Free(id storage.PageID)       // marks id as superseded by this mutation

	GetRaw(id storage.PageID) (*storage.Page, error)
	PutRaw(id storage.PageID, p *storage.Page)
}
