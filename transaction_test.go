package chronodb

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitTwiceReturnsErrTxDone(t *testing.T) {
	db := openTestDB(t)
	tx, err := db.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.CreateCollection("widgets"))
	require.NoError(t, tx.Commit())

	err = tx.Commit()
	assert.ErrorIs(t, err, ErrTxDone)
}

func TestRollbackIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	tx, err := db.Begin(false)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback())
}

func TestConcurrentUpdatesToSameDocumentConflict(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")
	id, err := coll.Insert(NewDocument("qty", 1))
	require.NoError(t, err)

	tx1, err := db.Begin(true)
	require.NoError(t, err)
	_, err = tx1.UpdateByID("widgets", id, map[string]any{"qty": 2})
	require.NoError(t, err)

	tx2, err := db.Begin(true)
	require.NoError(t, err)
	_, err = tx2.UpdateByID("widgets", id, map[string]any{"qty": 3})
	require.NoError(t, err)

	require.NoError(t, tx1.Commit())

	err = tx2.Commit()
	assert.ErrorIs(t, err, ErrConflict, "the second writer's stale write set must be rejected")
}

func TestRunTransactionRetriesOnConflict(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")
	id, err := coll.Insert(NewDocument("qty", 0))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var attempts [2]int32
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = RunTransactionWithRetry(context.Background(), db, func(tx *Tx) error {
				attempts[i]++
				_, err := tx.UpdateByID("widgets", id, map[string]any{"qty": i})
				return err
			}, RetryOptions{MaxRetries: 5, BackoffBase: time.Millisecond, MaxBackoff: 20 * time.Millisecond})
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
}

func TestReadSnapshotDoesNotSeeLaterCommit(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")
	id, err := coll.Insert(NewDocument("qty", 1))
	require.NoError(t, err)

	reader, err := db.Begin(false)
	require.NoError(t, err)
	defer reader.Rollback()

	_, err = coll.UpdateByID(id, map[string]any{"qty": 2})
	require.NoError(t, err)

	doc, err := reader.FindByID("widgets", id)
	require.NoError(t, err)
	qty, _ := doc.Get("qty")
	assert.Equal(t, json.Number("1"), qty, "a snapshot begun before the write must not observe it")
}
