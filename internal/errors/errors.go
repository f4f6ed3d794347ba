// Package errors defines the blob-store error taxonomy used throughout SnapStore.
//
// Sentinels are compared by code, so wrapped copies produced with
// fmt.Errorf("...: %w", ErrNoSuchBlob) and the typed errors below all match
// with the standard errors.Is.
package errors

import (
	"errors"
	"fmt"
)

// Error is a classified SnapStore error with a machine-readable code and a
// human-readable message.
type Error struct {
	// Code is the error code (e.g., "NoSuchBlob", "CredentialRefreshFailed").
	Code string
	// Message is a human-readable description of the error.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithMessage returns a copy of the error carrying a more specific message.
// The copy still matches the original with errors.Is.
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Pre-defined errors.
var (
	// ErrNoSuchBucket is returned when the configured bucket does not exist.
	ErrNoSuchBucket = &Error{
		Code:    "NoSuchBucket",
		Message: "The specified bucket does not exist",
	}

	// ErrNoSuchKey is returned by storage backends when an object key is absent.
	ErrNoSuchKey = &Error{
		Code:    "NoSuchKey",
		Message: "The specified key does not exist",
	}

	// ErrNoSuchBlob is returned by path-scoped views when a named blob is absent.
	ErrNoSuchBlob = &Error{
		Code:    "NoSuchBlob",
		Message: "The specified blob does not exist",
	}

	// ErrBlobAlreadyExists is returned when writing or moving onto an existing blob.
	ErrBlobAlreadyExists = &Error{
		Code:    "BlobAlreadyExists",
		Message: "The specified blob already exists",
	}

	ErrCredentialRefreshFailed = &Error{
		Code:    "CredentialRefreshFailed",
		Message: "Unable to obtain valid short-lived credentials",
	}

	ErrPartialBatchDelete = &Error{
		Code:    "PartialBatchDelete",
		Message: "Bulk delete stopped after some chunks were already deleted",
	}

	ErrRenameInterrupted = &Error{
		Code:    "RenameInterrupted",
		Message: "Blob was copied but the source could not be deleted",
	}

	// ErrInvalidConfig is returned for missing or out-of-range repository settings.
	ErrInvalidConfig = &Error{
		Code:    "InvalidConfig",
		Message: "Invalid repository configuration",
	}
)

// RefreshError is returned when the session manager exhausts its refresh
// attempts. Err holds the cause observed on the final attempt.
type RefreshError struct {
	Attempts int
	Err      error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("credential refresh failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Is matches ErrCredentialRefreshFailed.
func (e *RefreshError) Is(target error) bool {
	return target == ErrCredentialRefreshFailed
}

// PartialDeleteError reports a bulk delete that failed after at least one
// chunk had been removed. Remaining lists keys of the failed and unattempted
// chunks, in the order they would have been deleted.
type PartialDeleteError struct {
	Deleted   int
	Remaining []string
	Err       error
}

func (e *PartialDeleteError) Error() string {
	return fmt.Sprintf("bulk delete interrupted: %d deleted, %d remaining: %v", e.Deleted, len(e.Remaining), e.Err)
}

func (e *PartialDeleteError) Unwrap() error { return e.Err }

// Is matches ErrPartialBatchDelete.
func (e *PartialDeleteError) Is(target error) bool {
	return target == ErrPartialBatchDelete
}

// RenameError reports a rename whose copy succeeded but whose source delete
// failed. Both Source and Destination exist afterwards.
type RenameError struct {
	Source      string
	Destination string
	Err         error
}

func (e *RenameError) Error() string {
	return fmt.Sprintf("rename %s -> %s: copied but source not deleted: %v", e.Source, e.Destination, e.Err)
}

func (e *RenameError) Unwrap() error { return e.Err }

// Is matches ErrRenameInterrupted.
func (e *RenameError) Is(target error) bool {
	return target == ErrRenameInterrupted
}
