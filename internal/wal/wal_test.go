package wal

import (
	"bufio"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronodb/internal/storage"
)

func TestAppendCommitThenReplayInvokesOnCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(path)
	require.NoError(t, err)

	pages := []PageImagePayload{
		{PageID: 5, Bytes: []byte("page-five")},
		{PageID: 6, Bytes: []byte("page-six")},
	}
	commit := CommitPayload{CatalogRoot: 9, TouchedIDs: []storage.PageID{5, 6}}
	lsn, err := w.AppendCommit(1, pages, commit)
	require.NoError(t, err)
	assert.NotZero(t, lsn)
	require.NoError(t, w.Close())

	var gotTxn uint64
	var gotPages []PageImagePayload
	var gotCommit CommitPayload
	_, err = Replay(path, func(txnID uint64, pgs []PageImagePayload, c CommitPayload) error {
		gotTxn = txnID
		gotPages = pgs
		gotCommit = c
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), gotTxn)
	require.Len(t, gotPages, 2)
	assert.Equal(t, storage.PageID(5), gotPages[0].PageID)
	assert.Equal(t, []byte("page-five"), gotPages[0].Bytes)
	assert.Equal(t, storage.PageID(9), gotCommit.CatalogRoot)
	assert.Equal(t, []storage.PageID{5, 6}, gotCommit.TouchedIDs)
}

func TestReplayOnMissingFileIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.log")
	calls := 0
	n, err := Replay(path, func(uint64, []PageImagePayload, CommitPayload) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, calls)
}

func TestReplaySkipsTornTrailingTransaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(path)
	require.NoError(t, err)

	_, err = w.AppendCommit(1, []PageImagePayload{{PageID: 1, Bytes: []byte("a")}}, CommitPayload{CatalogRoot: 1})
	require.NoError(t, err)

	// Simulate a torn write: append a second transaction's page-image
	// record only, with no following commit record.
	bw := bufio.NewWriter(w.file)
	_, err = w.appendLocked(bw, Record{TxnID: 2, Kind: KindPageImage, Payload: PageImagePayload{PageID: 2, Bytes: []byte("b")}.encode()})
	require.NoError(t, err)
	require.NoError(t, bw.Flush())
	require.NoError(t, w.file.Sync())
	require.NoError(t, w.Close())

	var commits int
	_, err = Replay(path, func(txnID uint64, pgs []PageImagePayload, c CommitPayload) error {
		commits++
		assert.Equal(t, uint64(1), txnID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, commits, "an uncommitted trailing transaction must not be applied")
}

func TestAppendCheckpointThenReplaySkipsIt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(path)
	require.NoError(t, err)

	_, err = w.AppendCommit(1, nil, CommitPayload{CatalogRoot: 1})
	require.NoError(t, err)
	require.NoError(t, w.AppendCheckpoint(1))
	require.NoError(t, w.Close())

	commits := 0
	_, err = Replay(path, func(uint64, []PageImagePayload, CommitPayload) error {
		commits++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, commits)
}

func TestTruncateResetsSizeToZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(path)
	require.NoError(t, err)

	_, err = w.AppendCommit(1, nil, CommitPayload{CatalogRoot: 1})
	require.NoError(t, err)

	sz, err := w.Size()
	require.NoError(t, err)
	assert.NotZero(t, sz)

	require.NoError(t, w.Truncate())
	sz, err = w.Size()
	require.NoError(t, err)
	assert.Zero(t, sz)
}
