package chronodb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronodb/internal/btree"
)

func TestGCTrimsChainOnceVersionIsUnreachable(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")
	id, err := coll.Insert(NewDocument("name", "sprocket"))
	require.NoError(t, err)
	_, err = coll.UpdateByID(id, map[string]any{"name": "cog"})
	require.NoError(t, err)

	stats, err := db.GC()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ChainsTrimmed, "no reader can see the superseded version once it is below the oldest live snapshot")

	err = db.View(func(tx *Tx) error {
		c, err := tx.db.getCollectionLocked(tx, "widgets")
		if err != nil {
			return err
		}
		raw, err := btree.Get(tx, c.root, []byte(id))
		if err != nil {
			return err
		}
		v := decodeVersion(raw)
		assert.Zero(t, v.Prev, "the trimmed head must no longer reference the freed chain")
		return nil
	})
	require.NoError(t, err)
}

func TestGCPreservesChainVisibleToOpenReader(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")
	id, err := coll.Insert(NewDocument("name", "sprocket"))
	require.NoError(t, err)

	reader, err := db.Begin(false)
	require.NoError(t, err)
	defer reader.Rollback()

	_, err = coll.UpdateByID(id, map[string]any{"name": "cog"})
	require.NoError(t, err)

	stats, err := db.GC()
	require.NoError(t, err)
	assert.Zero(t, stats.ChainsTrimmed, "a version still visible to an open reader must not be trimmed")

	doc, err := reader.FindByID("widgets", id)
	require.NoError(t, err)
	name, _ := doc.Get("name")
	assert.Equal(t, "sprocket", name)
}
