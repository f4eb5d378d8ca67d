package storage

import (
	"errors"

	"github.com/quercusdb/quercus/pkg/storage/lock"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// StorageError is the domain error of the storage orchestrator.
//
// These are business errors (missing collection, denied permission,
// timed-out lock) as opposed to infrastructure errors, which are wrapped
// under ErrIO. Callers discriminate by Code.
type StorageError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Path is the collection or resource path related to the error
	// (if applicable)
	Path string
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Path != "" {
		return e.Message + ": " + e.Path
	}
	return e.Message
}

// ErrorCode represents the category of a storage error.
type ErrorCode int

const (
	// ErrNotFound indicates the collection, resource or node does not
	// exist
	ErrNotFound ErrorCode = iota

	// ErrPermissionDenied indicates the acting principal lacks the
	// required access bits
	ErrPermissionDenied

	// ErrReadOnly indicates a mutation was attempted on a read-only
	// database
	ErrReadOnly

	// ErrLockTimeout indicates a lock could not be acquired within its
	// bounded wait
	ErrLockTimeout

	// ErrAlreadyExists indicates a collection or resource with the name
	// already exists where it must not
	ErrAlreadyExists

	// ErrIsCollection indicates a resource operation hit a collection
	// path (or the reverse)
	ErrIsCollection

	// ErrInvalidArgument indicates malformed parameters, for example an
	// empty resource name or a move of a collection into itself
	ErrInvalidArgument

	// ErrTerminated indicates a long-running walk was cancelled
	// cooperatively
	ErrTerminated

	// ErrInvariant indicates stored state violates a structural
	// invariant (corrupt free-list, broken node tree). Not recoverable
	// at this layer.
	ErrInvariant

	// ErrIO indicates an underlying store failure
	ErrIO
)

// Is* helpers for the codes callers branch on.

func IsNotFound(err error) bool         { return hasCode(err, ErrNotFound) }
func IsPermissionDenied(err error) bool { return hasCode(err, ErrPermissionDenied) }
func IsReadOnly(err error) bool         { return hasCode(err, ErrReadOnly) }
func IsLockTimeout(err error) bool      { return hasCode(err, ErrLockTimeout) }
func IsAlreadyExists(err error) bool    { return hasCode(err, ErrAlreadyExists) }
func IsTerminated(err error) bool       { return hasCode(err, ErrTerminated) }
func IsInvariant(err error) bool        { return hasCode(err, ErrInvariant) }

func hasCode(err error, code ErrorCode) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Code == code
}

// errNotFound, errDenied etc. keep call sites terse.

func errNotFound(msg, path string) error {
	return &StorageError{Code: ErrNotFound, Message: msg, Path: path}
}

func errDenied(msg, path string) error {
	return &StorageError{Code: ErrPermissionDenied, Message: msg, Path: path}
}

func errExists(msg, path string) error {
	return &StorageError{Code: ErrAlreadyExists, Message: msg, Path: path}
}

func errInvalid(msg, path string) error {
	return &StorageError{Code: ErrInvalidArgument, Message: msg, Path: path}
}

func errInvariant(msg, path string) error {
	return &StorageError{Code: ErrInvariant, Message: msg, Path: path}
}

// mapStoreError lifts lower-layer errors into the storage taxonomy,
// keeping the code meaningful where one exists.
func mapStoreError(err error, path string) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, lock.ErrTimeout) {
		return &StorageError{Code: ErrLockTimeout, Message: "lock acquisition timed out", Path: path}
	}
	if errors.Is(err, keyed.ErrTerminated) {
		return &StorageError{Code: ErrTerminated, Message: "operation terminated", Path: path}
	}

	var ke *keyed.StoreError
	if errors.As(err, &ke) {
		switch ke.Code {
		case keyed.ErrNotFound:
			return &StorageError{Code: ErrNotFound, Message: ke.Message, Path: path}
		case keyed.ErrReadOnly:
			return &StorageError{Code: ErrReadOnly, Message: ke.Message, Path: path}
		case keyed.ErrKeyExists:
			return &StorageError{Code: ErrAlreadyExists, Message: ke.Message, Path: path}
		case keyed.ErrCorrupt:
			return &StorageError{Code: ErrInvariant, Message: ke.Message, Path: path}
		default:
			return &StorageError{Code: ErrIO, Message: ke.Message, Path: path}
		}
	}
	return &StorageError{Code: ErrIO, Message: err.Error(), Path: path}
}
