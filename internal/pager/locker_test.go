package pager

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockExclusiveRejectsSecondExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db.lock")

	l1, err := Lock(path, true)
	require.NoError(t, err)
	defer l1.Unlock()

	_, err = Lock(path, true)
	assert.Error(t, err, "a second exclusive lock on the same path must fail")
}

func TestLockSharedAllowsMultipleReaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db.lock")

	l1, err := Lock(path, false)
	require.NoError(t, err)
	defer l1.Unlock()

	l2, err := Lock(path, false)
	require.NoError(t, err)
	defer l2.Unlock()
}

func TestUnlockThenReacquireExclusiveSucceeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db.lock")

	l1, err := Lock(path, true)
	require.NoError(t, err)
	require.NoError(t, l1.Unlock())

	l2, err := Lock(path, true)
	require.NoError(t, err)
	require.NoError(t, l2.Unlock())
}

func TestUnlockOnNilLockIsNoop(t *testing.T) {
	var l *FileLock
	assert.NoError(t, l.Unlock())
}
