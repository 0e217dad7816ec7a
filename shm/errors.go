package shm

import (
	"errors"
	"fmt"
)

// Error kinds reported by the block manager.
var (
	// ErrNoAccess means the segment was built for an incompatible platform
	// or is not a valid segment at all.
	ErrNoAccess = errors.New("shm: no access")

	// ErrNoMemory means the OS refused to provide backing memory.
	ErrNoMemory = errors.New("shm: out of memory")

	// ErrExhausted means no free identifier was found within the retry bound.
	ErrExhausted = errors.New("shm: identifier space exhausted")

	// ErrAlreadyClosed is returned by a second Close of the same handle.
	ErrAlreadyClosed = errors.New("shm: segment already closed")

	// ErrNotFound means no segment exists under the identifier.
	ErrNotFound = errors.New("shm: segment not found")

	// ErrInvalidIdentifier means an identifier string is malformed.
	ErrInvalidIdentifier = errors.New("shm: invalid identifier")

	// ErrInvalidSize is returned for non-positive segment sizes.
	ErrInvalidSize = errors.New("shm: invalid segment size")
)

// SegmentError describes a failed segment operation.
type SegmentError struct {
	Op  string
	ID  Identifier
	Err error
}

func (e *SegmentError) Error() string {
	if e.ID.IsZero() {
		return fmt.Sprintf("shm %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("shm %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *SegmentError) Unwrap() error {
	return e.Err
}
