package storage

import "errors"

// Blockstore sentinels. Implementations return them unwrapped or wrapped with
// %w so callers can match with errors.Is.
var (
	// ErrNotFound is returned by Get for a block the store does not hold.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidCID is returned for cid.Undef or an unparsable CID.
	ErrInvalidCID = errors.New("storage: invalid cid")
	// ErrCIDMismatch means a payload does not hash to the CID it was stored or served under.
	ErrCIDMismatch = errors.New("storage: cid mismatch")
	// ErrImmutable is returned by write-once stores when a CID already holds different bytes.
	ErrImmutable = errors.New("storage: immutable object mismatch")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
