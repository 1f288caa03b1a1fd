package chronodb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateIndexBackfillsExistingDocuments(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")
	_, err := coll.Insert(NewDocument("_id", "w1", "sku", "ABC"))
	require.NoError(t, err)
	_, err = coll.Insert(NewDocument("_id", "w2", "sku", "DEF"))
	require.NoError(t, err)

	require.NoError(t, coll.CreateIndex("by_sku", []string{"sku"}, true))

	err = db.Update(func(tx *Tx) error {
		_, err := tx.Insert("widgets", NewDocument("_id", "w3", "sku", "ABC"))
		return err
	})
	assert.ErrorIs(t, err, ErrDuplicateKey, "unique index must enforce uniqueness after backfill")
}

func TestCreateIndexDuplicateNameFails(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")
	require.NoError(t, coll.CreateIndex("by_sku", []string{"sku"}, false))
	err := coll.CreateIndex("by_sku", []string{"sku"}, false)
	assert.ErrorIs(t, err, ErrIndexExists)
}

func TestDropIndexRemovesCatalogEntry(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")
	require.NoError(t, coll.CreateIndex("by_sku", []string{"sku"}, false))
	require.NoError(t, coll.DropIndex("by_sku"))

	err := db.View(func(tx *Tx) error {
		_, err := tx.getIndexMeta("widgets", "by_sku")
		return err
	})
	assert.ErrorIs(t, err, ErrIndexNotFound)
}

func TestUniqueIndexMaintainedThroughUpdate(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")
	require.NoError(t, coll.CreateIndex("by_sku", []string{"sku"}, true))

	id, err := coll.Insert(NewDocument("sku", "ABC"))
	require.NoError(t, err)

	_, err = coll.UpdateByID(id, map[string]any{"sku": "XYZ"})
	require.NoError(t, err)

	_, err = coll.Insert(NewDocument("sku", "ABC"))
	assert.NoError(t, err, "old index key must be released once the document moves off it")

	_, err = coll.Insert(NewDocument("sku", "XYZ"))
	assert.ErrorIs(t, err, ErrDuplicateKey, "new index key must be claimed by the updated document")
}

func TestTextIndexPostingsFindsMatchingDocument(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("articles")
	id, err := coll.Insert(NewDocument("_id", "a1", "body", "the quick brown fox"))
	require.NoError(t, err)

	err = db.Update(func(tx *Tx) error { return tx.CreateTextIndex("articles", "by_body", "body") })
	require.NoError(t, err)

	err = db.View(func(tx *Tx) error {
		ti, err := tx.TextIndex("articles", "by_body")
		if err != nil {
			return err
		}
		bm, err := ti.Postings("quick")
		if err != nil {
			return err
		}
		assert.True(t, bm.Contains(docOrdinal(id)))
		return nil
	})
	require.NoError(t, err)
}
