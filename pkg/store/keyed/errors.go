package keyed

import "errors"

// ErrTerminated is the cooperative-cancellation sentinel for PrefixQuery
// callbacks: returning it stops the scan, and PrefixQuery hands it back to
// the caller unchanged.
var ErrTerminated = errors.New("keyed: scan terminated")

// StoreError is the error type every Store method returns for store-level
// failures. Infrastructure errors (disk, database) are wrapped in an
// ErrIO-coded StoreError so callers can still discriminate by code.
type StoreError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return e.Message
}

// ErrorCode represents the category of a store error.
type ErrorCode int

const (
	// ErrNotFound indicates the key or address has no entry
	ErrNotFound ErrorCode = iota

	// ErrKeyExists indicates a Put without overwrite hit an existing key
	ErrKeyExists

	// ErrReadOnly indicates a mutation was attempted on a read-only store
	ErrReadOnly

	// ErrCorrupt indicates a stored record failed to decode
	// A corrupt record is unrecoverable at this layer
	ErrCorrupt

	// ErrClosed indicates the store has been closed
	ErrClosed

	// ErrIO indicates an underlying database or disk failure
	ErrIO
)

// IsNotFound reports whether err is a StoreError with code ErrNotFound.
func IsNotFound(err error) bool {
	return hasCode(err, ErrNotFound)
}

// IsReadOnly reports whether err is a StoreError with code ErrReadOnly.
func IsReadOnly(err error) bool {
	return hasCode(err, ErrReadOnly)
}

// IsKeyExists reports whether err is a StoreError with code ErrKeyExists.
func IsKeyExists(err error) bool {
	return hasCode(err, ErrKeyExists)
}

func hasCode(err error, code ErrorCode) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Code == code
}
