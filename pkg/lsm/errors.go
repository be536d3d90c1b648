package lsm

import "errors"

// ErrRollback means the cursor's snapshot was invalidated by a switch or
// merge and has been refreshed; it is the one error a correct caller is
// expected to retry on.
var (
	ErrNotFound        = errors.New("lsm: not found")
	ErrDuplicateKey    = errors.New("lsm: duplicate key")
	ErrBusy            = errors.New("lsm: busy")
	ErrRollback        = errors.New("lsm: rollback")
	ErrIO              = errors.New("lsm: io failure")
	ErrCorrupt         = errors.New("lsm: corrupt")
	ErrShutdown        = errors.New("lsm: shutting down")
	ErrInvalidArgument = errors.New("lsm: invalid argument")
	ErrReadOnly        = errors.New("lsm: read-only cursor")
)
