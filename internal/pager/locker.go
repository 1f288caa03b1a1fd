package pager

import (
	"os"

	"golang.org/x/sys/unix"
)

// FileLock is the cross-process advisory lock on the whole database
// file, per spec §5: exclusive for read-write opens, shared for
// read-only opens.
type FileLock struct {
	file *os.File
}

// Lock acquires an advisory flock on path. exclusive selects a
// read-write (exclusive) lock; otherwise a shared (read-only) lock is
// taken, allowing concurrent readers but no concurrent writer.
func Lock(path string, exclusive bool) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	how := unix.LOCK_SH | unix.LOCK_NB
	if exclusive {
		how = unix.LOCK_EX | unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, err
	}
	return &FileLock{file: f}, nil
}

// Unlock releases the flock and closes the lock file handle.
func (l *FileLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	return l.file.Close()
}
