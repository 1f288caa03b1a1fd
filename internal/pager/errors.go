package pager

import "errors"

// ErrCorruption marks a CRC or format failure on a page read; per
// spec §7 the database must be placed into a read-only poisoned state
// once this is observed.
var ErrCorruption = errors.New("page corruption detected")
