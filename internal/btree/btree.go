package btree

import (
	"bytes"
	"errors"

	"chronodb/internal/storage"
)

// ErrKeyExists is returned by Put when overwrite is false and the key
// is already present — the unique-index constraint-violation path.
var ErrKeyExists = errors.New("btree: key already exists")

// ErrNotFound is returned by Get/Delete when the key is absent.
var ErrNotFound = errors.New("btree: key not found")

// Get looks up key under root, following the overflow chain
// transparently if the stored value spilled.
func Get(store Store, root storage.PageID, key []byte) ([]byte, error) {
	if root == 0 {
		return nil, ErrNotFound
	}
	n, err := store.Get(root)
	if err != nil {
		return nil, err
	}
	if n.IsLeaf {
		i := n.findIndex(key)
		if i >= len(n.Keys) || !bytes.Equal(n.Keys[i], key) {
			return nil, ErrNotFound
		}
		if n.Overflow[i] != 0 {
			return ReadOverflow(n.Overflow[i], store.GetRaw)
		}
		return n.Values[i], nil
	}
	i := n.findIndex(key)
	if i < len(n.Keys) && bytes.Equal(n.Keys[i], key) {
		i++
	}
	return Get(store, n.Children[i], key)
}

// splitResult carries the extra right-hand node produced by a split,
// along with the separator key promoted to the parent.
type splitResult struct {
	sepKey     []byte
	rightChild storage.PageID
}

// Put inserts or updates key/value under root and returns the new
// root. If overwrite is false and key already exists, returns
// ErrKeyExists without modifying anything.
func Put(store Store, root storage.PageID, key, value []byte, overwrite bool) (storage.PageID, error) {
	if root == 0 {
		leaf := &Node{IsLeaf: true, Keys: [][]byte{key}, Values: [][]byte{value}, Overflow: []storage.PageID{0}}
		stageValue(store, leaf, 0, value)
		return store.Stage(leaf), nil
	}

	newRoot, split, err := putRec(store, root, key, value, overwrite)
	if err != nil {
		return root, err
	}
	if split == nil {
		return newRoot, nil
	}
	// Root split: build a fresh branch above both halves.
	branch := &Node{
		IsLeaf:   false,
		Keys:     [][]byte{split.sepKey},
		Children: []storage.PageID{newRoot, split.rightChild},
	}
	return store.Stage(branch), nil
}

func putRec(store Store, id storage.PageID, key, value []byte, overwrite bool) (storage.PageID, *splitResult, error) {
	orig, err := store.Get(id)
	if err != nil {
		return 0, nil, err
	}
	n := orig.clone()

	if n.IsLeaf {
		i := n.findIndex(key)
		exists := i < len(n.Keys) && bytes.Equal(n.Keys[i], key)
		if exists {
			if !overwrite {
				return 0, nil, ErrKeyExists
			}
			if n.Overflow[i] != 0 {
				ids, _ := FreeOverflow(n.Overflow[i], store.GetRaw)
				for _, oid := range ids {
					store.Free(oid)
				}
			}
			n.Values[i] = value
			n.Overflow[i] = 0
			stageValue(store, n, i, value)
		} else {
			n.Keys = insertAt(n.Keys, i, key)
			n.Values = insertValueAt(n.Values, i, value)
			n.Overflow = insertPageIDAt(n.Overflow, i, 0)
			stageValue(store, n, i, value)
		}
		store.Free(id)

		if !n.isFull() {
			return store.Stage(n), nil, nil
		}
		left, sep, right := splitLeaf(n)
		store.Stage(left)
		store.Stage(right)
		return left.ID, &splitResult{sepKey: sep, rightChild: right.ID}, nil
	}

	i := n.findIndex(key)
	if i < len(n.Keys) && bytes.Equal(n.Keys[i], key) {
		i++
	}
	childID, split, err := putRec(store, n.Children[i], key, value, overwrite)
	if err != nil {
		return 0, nil, err
	}
	n.Children[i] = childID
	store.Free(id)

	if split == nil {
		return store.Stage(n), nil, nil
	}
	n.Keys = insertAt(n.Keys, i, split.sepKey)
	n.Children = insertPageIDAt(n.Children, i+1, split.rightChild)

	if !n.isFull() {
		return store.Stage(n), nil, nil
	}
	left, sep, right := splitBranch(n)
	store.Stage(left)
	store.Stage(right)
	return left.ID, &splitResult{sepKey: sep, rightChild: right.ID}, nil
}

// stageValue inlines value at index i unless it exceeds the inline
// threshold, in which case it spills to an overflow chain.
func stageValue(store Store, n *Node, i int, value []byte) {
	if len(value) <= inlineValueThreshold {
		return
	}
	head := WriteOverflow(value, store.AllocPageID, store.PutRaw)
	n.Overflow[i] = head
	n.Values[i] = nil
}

func splitLeaf(n *Node) (left *Node, sep []byte, right *Node) {
	mid := len(n.Keys) / 2
	left = &Node{IsLeaf: true, Keys: n.Keys[:mid], Values: n.Values[:mid], Overflow: n.Overflow[:mid]}
	right = &Node{IsLeaf: true, Keys: n.Keys[mid:], Values: n.Values[mid:], Overflow: n.Overflow[mid:]}
	return left, right.Keys[0], right
}

func splitBranch(n *Node) (left *Node, sep []byte, right *Node) {
	mid := len(n.Keys) / 2
	sep = n.Keys[mid]
	left = &Node{IsLeaf: false, Keys: n.Keys[:mid], Children: n.Children[:mid+1]}
	right = &Node{IsLeaf: false, Keys: n.Keys[mid+1:], Children: n.Children[mid+1:]}
	return left, sep, right
}

// Delete removes key under root and returns the new root. found
// reports whether the key was present.
func Delete(store Store, root storage.PageID, key []byte) (storage.PageID, bool, error) {
	if root == 0 {
		return 0, false, nil
	}
	newRoot, found, err := deleteRec(store, root, key)
	if err != nil || !found {
		return root, found, err
	}
	// Collapse a root branch down to its single child, if it ends up
	// with none of its own keys.
	n, err := store.Get(newRoot)
	if err != nil {
		return newRoot, true, err
	}
	if !n.IsLeaf && len(n.Keys) == 0 {
		return n.Children[0], true, nil
	}
	return newRoot, true, nil
}

func deleteRec(store Store, id storage.PageID, key []byte) (storage.PageID, bool, error) {
	orig, err := store.Get(id)
	if err != nil {
		return 0, false, err
	}
	n := orig.clone()

	if n.IsLeaf {
		i := n.findIndex(key)
		if i >= len(n.Keys) || !bytes.Equal(n.Keys[i], key) {
			return id, false, nil
		}
		if n.Overflow[i] != 0 {
			ids, _ := FreeOverflow(n.Overflow[i], store.GetRaw)
			for _, oid := range ids {
				store.Free(oid)
			}
		}
		n.Keys = removeAt(n.Keys, i)
		n.Values = removeValueAt(n.Values, i)
		n.Overflow = removePageIDAt(n.Overflow, i)
		store.Free(id)
		return store.Stage(n), true, nil
	}

	i := n.findIndex(key)
	if i < len(n.Keys) && bytes.Equal(n.Keys[i], key) {
		i++
	}
	childID, found, err := deleteRec(store, n.Children[i], key)
	if err != nil || !found {
		return id, found, err
	}
	n.Children[i] = childID
	store.Free(id)

	child, err := store.Get(childID)
	if err != nil {
		return 0, false, err
	}
	if child.isUnderflow() {
		n, err = fixUnderflow(store, n, i)
		if err != nil {
			return 0, false, err
		}
	}
	return store.Stage(n), true, nil
}

// fixUnderflow restores the minimum half-full occupancy (spec §4.4)
// on parent's child at idx, which has just dropped below
// MinKeysPerNode: it borrows a key from whichever sibling has one to
// spare, or merges with a sibling if neither does. parent is mutated
// in place and returned for the caller to stage.
func fixUnderflow(store Store, parent *Node, idx int) (*Node, error) {
	child, err := store.Get(parent.Children[idx])
	if err != nil {
		return nil, err
	}

	if idx > 0 {
		left, err := store.Get(parent.Children[idx-1])
		if err != nil {
			return nil, err
		}
		if len(left.Keys) > MinKeysPerNode {
			return borrowFromLeft(store, parent, idx, left, child)
		}
	}
	if idx < len(parent.Children)-1 {
		right, err := store.Get(parent.Children[idx+1])
		if err != nil {
			return nil, err
		}
		if len(right.Keys) > MinKeysPerNode {
			return borrowFromRight(store, parent, idx, child, right)
		}
	}
	if idx > 0 {
		left, err := store.Get(parent.Children[idx-1])
		if err != nil {
			return nil, err
		}
		return mergeChildren(store, parent, idx-1, left, child)
	}
	right, err := store.Get(parent.Children[idx+1])
	if err != nil {
		return nil, err
	}
	return mergeChildren(store, parent, idx, child, right)
}

// borrowFromLeft moves one key from left (parent.Children[idx-1])
// into child (parent.Children[idx]) through the separator at
// parent.Keys[idx-1].
func borrowFromLeft(store Store, parent *Node, idx int, left, child *Node) (*Node, error) {
	left = left.clone()
	child = child.clone()
	leftID, childID := parent.Children[idx-1], parent.Children[idx]

	if child.IsLeaf {
		last := len(left.Keys) - 1
		child.Keys = insertAt(child.Keys, 0, left.Keys[last])
		child.Values = insertValueAt(child.Values, 0, left.Values[last])
		child.Overflow = insertPageIDAt(child.Overflow, 0, left.Overflow[last])
		left.Keys = left.Keys[:last]
		left.Values = left.Values[:last]
		left.Overflow = left.Overflow[:last]
		parent.Keys[idx-1] = child.Keys[0]
	} else {
		last := len(left.Keys) - 1
		child.Keys = insertAt(child.Keys, 0, parent.Keys[idx-1])
		child.Children = insertPageIDAt(child.Children, 0, left.Children[len(left.Children)-1])
		parent.Keys[idx-1] = left.Keys[last]
		left.Keys = left.Keys[:last]
		left.Children = left.Children[:len(left.Children)-1]
	}

	store.Free(leftID)
	store.Free(childID)
	parent.Children[idx-1] = store.Stage(left)
	parent.Children[idx] = store.Stage(child)
	return parent, nil
}

// borrowFromRight is the mirror of borrowFromLeft, moving one key
// from right (parent.Children[idx+1]) into child (parent.Children[idx]).
func borrowFromRight(store Store, parent *Node, idx int, child, right *Node) (*Node, error) {
	child = child.clone()
	right = right.clone()
	childID, rightID := parent.Children[idx], parent.Children[idx+1]

	if child.IsLeaf {
		child.Keys = append(child.Keys, right.Keys[0])
		child.Values = append(child.Values, right.Values[0])
		child.Overflow = append(child.Overflow, right.Overflow[0])
		right.Keys = removeAt(right.Keys, 0)
		right.Values = removeValueAt(right.Values, 0)
		right.Overflow = removePageIDAt(right.Overflow, 0)
		parent.Keys[idx] = right.Keys[0]
	} else {
		child.Keys = append(child.Keys, parent.Keys[idx])
		child.Children = append(child.Children, right.Children[0])
		parent.Keys[idx] = right.Keys[0]
		right.Keys = removeAt(right.Keys, 0)
		right.Children = removePageIDAt(right.Children, 0)
	}

	store.Free(childID)
	store.Free(rightID)
	parent.Children[idx] = store.Stage(child)
	parent.Children[idx+1] = store.Stage(right)
	return parent, nil
}

// mergeChildren merges right (parent.Children[leftIdx+1]) into left
// (parent.Children[leftIdx]), dropping the separator between them
// from parent. Branch merges pull the separator itself back down into
// the merged node, since splitBranch promoted it out of both halves;
// leaf merges don't, since splitLeaf's separator is a copy of the
// right leaf's first key and is already present in right.Keys.
func mergeChildren(store Store, parent *Node, leftIdx int, left, right *Node) (*Node, error) {
	left = left.clone()
	leftID, rightID := parent.Children[leftIdx], parent.Children[leftIdx+1]

	if left.IsLeaf {
		left.Keys = append(left.Keys, right.Keys...)
		left.Values = append(left.Values, right.Values...)
		left.Overflow = append(left.Overflow, right.Overflow...)
	} else {
		left.Keys = append(left.Keys, parent.Keys[leftIdx])
		left.Keys = append(left.Keys, right.Keys...)
		left.Children = append(left.Children, right.Children...)
	}

	store.Free(leftID)
	store.Free(rightID)
	mergedID := store.Stage(left)

	parent.Keys = removeAt(parent.Keys, leftIdx)
	parent.Children = removePageIDAt(parent.Children, leftIdx+1)
	parent.Children[leftIdx] = mergedID
	return parent, nil
}

func insertAt(s [][]byte, i int, v []byte) [][]byte {
	out := make([][]byte, 0, len(s)+1)
	out = append(out, s[:i]...)
	out = append(out, v)
	out = append(out, s[i:]...)
	return out
}
func removeAt(s [][]byte, i int) [][]byte {
	out := make([][]byte, 0, len(s)-1)
	out = append(out, s[:i]...)
	out = append(out, s[i+1:]...)
	return out
}
func insertValueAt(s [][]byte, i int, v []byte) [][]byte { return insertAt(s, i, v) }
func removeValueAt(s [][]byte, i int) [][]byte           { return removeAt(s, i) }

func insertPageIDAt(s []storage.PageID, i int, v storage.PageID) []storage.PageID {
	out := make([]storage.PageID, 0, len(s)+1)
	out = append(out, s[:i]...)
	out = append(out, v)
	out = append(out, s[i:]...)
	return out
}
func removePageIDAt(s []storage.PageID, i int) []storage.PageID {
	out := make([]storage.PageID, 0, len(s)-1)
	out = append(out, s[:i]...)
	out = append(out, s[i+1:]...)
	return out
}

// FreeTree walks every page reachable from root — branch pages, leaf
// pages, and any overflow chains their values spilled into — and
// retires each of them, used when a whole collection or index is
// dropped (spec §4.5/§4.9).
func FreeTree(store Store, root storage.PageID) error {
	if root == 0 {
		return nil
	}
	n, err := store.Get(root)
	if err != nil {
		return err
	}
	if n.IsLeaf {
		for _, ov := range n.Overflow {
			if ov == 0 {
				continue
			}
			ids, err := FreeOverflow(ov, store.GetRaw)
			if err != nil {
				return err
			}
			for _, id := range ids {
				store.Free(id)
			}
		}
		store.Free(root)
		return nil
	}
	for _, child := range n.Children {
		if err := FreeTree(store, child); err != nil {
			return err
		}
	}
	store.Free(root)
	return nil
}
