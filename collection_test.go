package chronodb

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAssignsIDWhenAbsent(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")

	id, err := coll.Insert(NewDocument("name", "sprocket"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	doc, err := coll.FindByID(id)
	require.NoError(t, err)
	name, _ := doc.Get("name")
	assert.Equal(t, "sprocket", name)
}

func TestInsertDuplicateIDFails(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")

	_, err := coll.Insert(NewDocument("_id", "dup", "name", "first"))
	require.NoError(t, err)
	_, err = coll.Insert(NewDocument("_id", "dup", "name", "second"))
	require.ErrorIs(t, err, ErrDuplicateKey)
}

func TestFindByIDNotFound(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")
	_, err := coll.FindByID("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateByIDAppliesDotPathUpdates(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")
	id, err := coll.Insert(NewDocument("_id", "w1", "meta", NewDocument("color", "red")))
	require.NoError(t, err)

	doc, err := coll.UpdateByID(id, map[string]any{"meta.color": "blue"})
	require.NoError(t, err)
	v, _ := doc.Get("meta.color")
	assert.Equal(t, "blue", v)

	reread, err := coll.FindByID(id)
	require.NoError(t, err)
	v, _ = reread.Get("meta.color")
	assert.Equal(t, "blue", v)
}

func TestUpdateByIDNotFound(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")
	_, err := coll.UpdateByID("nope", map[string]any{"x": 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteByIDRemovesVisibility(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")
	id, err := coll.Insert(NewDocument("name", "sprocket"))
	require.NoError(t, err)

	require.NoError(t, coll.DeleteByID(id))

	_, err = coll.FindByID(id)
	assert.ErrorIs(t, err, ErrNotFound)

	err = coll.DeleteByID(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindFiltersVisibleDocuments(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")
	_, err := coll.Insert(NewDocument("name", "sprocket", "qty", 3))
	require.NoError(t, err)
	_, err = coll.Insert(NewDocument("name", "cog", "qty", 10))
	require.NoError(t, err)

	docs, err := coll.Find(func(d Document) bool {
		qty, ok := d.Get("qty")
		if !ok {
			return false
		}
		n, err := qty.(json.Number).Float64()
		return err == nil && n > 5
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	name, _ := docs[0].Get("name")
	assert.Equal(t, "cog", name)
}

func TestUpsertInsertsThenUpdates(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")

	wasInsert, err := coll.Upsert("w1", NewDocument("name", "sprocket"))
	require.NoError(t, err)
	assert.True(t, wasInsert)

	wasInsert, err = coll.Upsert("w1", NewDocument("name", "cog"))
	require.NoError(t, err)
	assert.False(t, wasInsert)

	doc, err := coll.FindByID("w1")
	require.NoError(t, err)
	name, _ := doc.Get("name")
	assert.Equal(t, "cog", name)
}

func TestBulkWriteOrderedAbortsOnFirstError(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")
	_, err := coll.Insert(NewDocument("_id", "dup", "name", "first"))
	require.NoError(t, err)

	ops := []BulkOp{
		{Kind: BulkInsert, Doc: NewDocument("_id", "ok1", "name", "a")},
		{Kind: BulkInsert, Doc: NewDocument("_id", "dup", "name", "b")},
		{Kind: BulkInsert, Doc: NewDocument("_id", "ok2", "name", "c")},
	}
	results, err := coll.BulkWrite(ops, true)
	require.Error(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Index)

	_, err = coll.FindByID("ok2")
	assert.ErrorIs(t, err, ErrNotFound, "ordered batch must not apply ops after the failure")
}

func TestBulkWriteUnorderedAccumulatesErrors(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")
	_, err := coll.Insert(NewDocument("_id", "dup", "name", "first"))
	require.NoError(t, err)

	ops := []BulkOp{
		{Kind: BulkInsert, Doc: NewDocument("_id", "ok1", "name", "a")},
		{Kind: BulkInsert, Doc: NewDocument("_id", "dup", "name", "b")},
		{Kind: BulkInsert, Doc: NewDocument("_id", "ok2", "name", "c")},
	}
	results, err := coll.BulkWrite(ops, false)
	require.Error(t, err)
	require.Len(t, results, 3)

	_, err = coll.FindByID("ok1")
	assert.NoError(t, err, "unordered batch must still apply the ops that succeeded")
	_, err = coll.FindByID("ok2")
	assert.NoError(t, err)
}

func TestSchemaRejectsInvalidDocument(t *testing.T) {
	db := openTestDB(t)
	db.SetSchema("widgets", RequiredFields("name"))
	coll := db.Collection("widgets")

	_, err := coll.Insert(NewDocument("qty", 1))
	assert.ErrorIs(t, err, ErrSchemaViolation)

	_, err = coll.Insert(NewDocument("name", "sprocket", "qty", 1))
	assert.NoError(t, err)
}

func TestDistinctReturnsUniqueValues(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")
	_, err := coll.Insert(NewDocument("color", "red"))
	require.NoError(t, err)
	_, err = coll.Insert(NewDocument("color", "blue"))
	require.NoError(t, err)
	_, err = coll.Insert(NewDocument("color", "red"))
	require.NoError(t, err)

	vals, err := coll.Distinct("color")
	require.NoError(t, err)
	assert.Len(t, vals, 2)
}

func TestMaxDocumentSizeEnforced(t *testing.T) {
	db := openTestDB(t, WithMaxDocumentSize(16))
	coll := db.Collection("widgets")
	_, err := coll.Insert(NewDocument("name", "this is far too long to fit"))
	assert.ErrorIs(t, err, ErrLimitExceeded)
}
