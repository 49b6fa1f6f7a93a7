// Package errors provides error handling for docpulse.
//
// It re-exports github.com/cockroachdb/errors so every package wraps,
// annotates and inspects errors the same way:
//
//	if err := store.Save(); err != nil {
//	    return errors.Wrap(err, "failed to persist checkpoint")
//	}
//
//	err = errors.WithDetail(err, fmt.Sprintf("Item: %s", itemID))
//	return errors.WithHint(err, "delete the checkpoint to start fresh")
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Join         = crdb.Join
)

// User-facing annotations
var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
	FlattenHints  = crdb.FlattenHints
)

// Inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// AssertionFailedf reports a broken internal invariant.
var AssertionFailedf = crdb.AssertionFailedf

// Sentinel errors shared across packages. Wrap them to add context;
// check them with errors.Is.
var (
	// ErrNotFound indicates a requested record (run, item, file) does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates malformed input (bad config, bad report shape)
	ErrInvalidRequest = New("invalid request")

	// ErrTimeout indicates an operation exceeded its deadline
	ErrTimeout = New("operation timed out")

	// ErrConflict indicates divergent versions of the same record
	ErrConflict = New("resource conflict")

	// ErrTerminalItem is returned when a transition is attempted on an item
	// that already reached completed or failed
	ErrTerminalItem = New("item is in a terminal stage")

	// ErrParentIncomplete is returned when an incremental run references a
	// parent run that has not completed
	ErrParentIncomplete = New("parent run is not completed")

	// ErrRunHalted is returned when a required stage exhausts its run-wide
	// retry budget and the run stops enqueuing work
	ErrRunHalted = New("run halted")

	// ErrLocked is returned when another process holds the run lock
	ErrLocked = New("resource locked by another process")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
