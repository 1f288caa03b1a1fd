package chronodb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCollectionRejectsDuplicate(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(tx *Tx) error { return tx.CreateCollection("widgets") })
	require.NoError(t, err)

	err = db.Update(func(tx *Tx) error { return tx.CreateCollection("widgets") })
	assert.ErrorIs(t, err, ErrCollectionExists)
}

func TestListCollectionsExcludesSubKeys(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(tx *Tx) error {
		if err := tx.CreateCollection("widgets"); err != nil {
			return err
		}
		return tx.CreateCollection("gadgets")
	})
	require.NoError(t, err)

	err = db.Update(func(tx *Tx) error {
		return tx.CreateIndex("widgets", "by_name", []string{"name"}, false)
	})
	require.NoError(t, err)

	var names []string
	err = db.View(func(tx *Tx) error {
		var err error
		names, err = tx.ListCollections()
		return err
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"widgets", "gadgets"}, names)
}

func TestDropCollectionRemovesDocuments(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")
	_, err := coll.Insert(NewDocument("name", "sprocket"))
	require.NoError(t, err)

	err = db.Update(func(tx *Tx) error { return tx.DropCollection("widgets") })
	require.NoError(t, err)

	err = db.Update(func(tx *Tx) error { return tx.CreateCollection("widgets") })
	require.NoError(t, err, "collection name must be reusable after drop")

	docs, err := db.Collection("widgets").FindAll()
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestRenameCollectionPreservesDocuments(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")
	id, err := coll.Insert(NewDocument("name", "sprocket"))
	require.NoError(t, err)

	err = db.Update(func(tx *Tx) error { return tx.RenameCollection("widgets", "parts") })
	require.NoError(t, err)

	doc, err := db.Collection("parts").FindByID(id)
	require.NoError(t, err)
	name, _ := doc.Get("name")
	assert.Equal(t, "sprocket", name)

	_, err = db.Collection("widgets").FindByID(id)
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestNextDocIDMonotonic(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error { return tx.CreateCollection("widgets") }))

	var ids []uint64
	err := db.Update(func(tx *Tx) error {
		for i := 0; i < 3; i++ {
			id, err := tx.nextDocID("widgets")
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, ids)
}
