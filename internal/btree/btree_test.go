package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronodb/internal/storage"
)

func key(i int) []byte { return []byte(fmt.Sprintf("key-%04d", i)) }
func val(i int) []byte { return []byte(fmt.Sprintf("val-%04d", i)) }

func TestPutGetOnEmptyRoot(t *testing.T) {
	store := newMemStore()
	root, err := Put(store, 0, key(1), val(1), true)
	require.NoError(t, err)

	got, err := Get(store, root, key(1))
	require.NoError(t, err)
	assert.Equal(t, val(1), got)
}

func TestGetOnEmptyRootReturnsNotFound(t *testing.T) {
	store := newMemStore()
	_, err := Get(store, 0, key(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutRejectsDuplicateWhenOverwriteFalse(t *testing.T) {
	store := newMemStore()
	root, err := Put(store, 0, key(1), val(1), true)
	require.NoError(t, err)

	_, err = Put(store, root, key(1), val(2), false)
	assert.ErrorIs(t, err, ErrKeyExists)
}

func TestPutOverwriteReplacesValue(t *testing.T) {
	store := newMemStore()
	root, err := Put(store, 0, key(1), val(1), true)
	require.NoError(t, err)

	root, err = Put(store, root, key(1), val(2), true)
	require.NoError(t, err)

	got, err := Get(store, root, key(1))
	require.NoError(t, err)
	assert.Equal(t, val(2), got)
}

func TestPutManyKeysCausesSplitAndAllRemainReachable(t *testing.T) {
	store := newMemStore()
	var root storage.PageID
	var err error

	n := MaxKeysPerNode * 3
	for i := 0; i < n; i++ {
		root, err = Put(store, root, key(i), val(i), true)
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		got, err := Get(store, root, key(i))
		require.NoError(t, err)
		assert.Equal(t, val(i), got, "key %d must survive splits", i)
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	store := newMemStore()
	root, err := Put(store, 0, key(1), val(1), true)
	require.NoError(t, err)

	newRoot, found, err := Delete(store, root, key(1))
	require.NoError(t, err)
	assert.True(t, found)

	_, err = Get(store, newRoot, key(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteMissingKeyReportsNotFound(t *testing.T) {
	store := newMemStore()
	root, err := Put(store, 0, key(1), val(1), true)
	require.NoError(t, err)

	_, found, err := Delete(store, root, key(2))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteOnEmptyTreeIsNoop(t *testing.T) {
	store := newMemStore()
	newRoot, found, err := Delete(store, 0, key(1))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, storage.PageID(0), newRoot)
}

// TestDeleteManyKeysTriggersMergesAndKeepsMinOccupancy builds a tree
// deep enough to have multiple branch levels, then deletes all but a
// handful of keys and checks both that every surviving key is still
// reachable and that no non-root node has fallen under the minimum
// half-full occupancy (spec §4.4).
func TestDeleteManyKeysTriggersMergesAndKeepsMinOccupancy(t *testing.T) {
	store := newMemStore()
	var root storage.PageID
	var err error

	n := MaxKeysPerNode * 4
	for i := 0; i < n; i++ {
		root, err = Put(store, root, key(i), val(i), true)
		require.NoError(t, err)
	}

	kept := 8
	for i := kept; i < n; i++ {
		root, _, err = Delete(store, root, key(i))
		require.NoError(t, err)
	}

	for i := 0; i < kept; i++ {
		got, err := Get(store, root, key(i))
		require.NoError(t, err)
		assert.Equal(t, val(i), got)
	}
	for i := kept; i < n; i++ {
		_, err := Get(store, root, key(i))
		assert.ErrorIs(t, err, ErrNotFound)
	}

	assertMinOccupancy(t, store, root, true)
}

// assertMinOccupancy walks every node reachable from root and fails
// if any non-root node (isRoot is false for every call below the
// first) holds fewer than MinKeysPerNode keys.
func assertMinOccupancy(t *testing.T, store Store, id storage.PageID, isRoot bool) {
	if id == 0 {
		return
	}
	n, err := store.Get(id)
	require.NoError(t, err)
	if !isRoot {
		assert.GreaterOrEqual(t, len(n.Keys), MinKeysPerNode, "node %d underflowed", id)
	}
	if !n.IsLeaf {
		for _, c := range n.Children {
			assertMinOccupancy(t, store, c, false)
		}
	}
}

func TestPutLargeValueSpillsToOverflowAndReadsBack(t *testing.T) {
	store := newMemStore()
	big := make([]byte, inlineValueThreshold*3)
	for i := range big {
		big[i] = byte(i)
	}
	root, err := Put(store, 0, key(1), big, true)
	require.NoError(t, err)

	got, err := Get(store, root, key(1))
	require.NoError(t, err)
	assert.Equal(t, big, got)

	leaf, err := store.Get(root)
	require.NoError(t, err)
	assert.NotZero(t, leaf.Overflow[0], "a value beyond the inline threshold must spill")
}

func TestPutOverwriteFreesOldOverflowChain(t *testing.T) {
	store := newMemStore()
	big := make([]byte, inlineValueThreshold*2)
	root, err := Put(store, 0, key(1), big, true)
	require.NoError(t, err)
	leaf, err := store.Get(root)
	require.NoError(t, err)
	oldHead := leaf.Overflow[0]
	require.NotZero(t, oldHead)

	root, err = Put(store, root, key(1), val(2), true)
	require.NoError(t, err)

	got, err := Get(store, root, key(1))
	require.NoError(t, err)
	assert.Equal(t, val(2), got)
	assert.Contains(t, store.freed, oldHead, "the replaced value's overflow chain must be freed")
}

func TestFreeTreeRetiresEveryPage(t *testing.T) {
	store := newMemStore()
	var root storage.PageID
	var err error
	n := MaxKeysPerNode * 2
	for i := 0; i < n; i++ {
		root, err = Put(store, root, key(i), val(i), true)
		require.NoError(t, err)
	}

	rootNode, err := store.Get(root)
	require.NoError(t, err)
	before := len(store.freed)

	require.NoError(t, FreeTree(store, root))
	assert.NotEmpty(t, store.freed)
	freed := store.freed[before:]
	assert.Contains(t, freed, root)
	for _, child := range rootNode.Children {
		assert.Contains(t, freed, child)
	}
}
