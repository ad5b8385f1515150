package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Unwrap = errors.Unwrap
)

type ErrorCategory string

const (
	CategoryRange        ErrorCategory = "RANGE"        // Out-of-bounds or misaligned request
	CategorySpace        ErrorCategory = "SPACE"        // Disk exhaustion
	CategoryIO           ErrorCategory = "IO"           // File system faults
	CategoryVerification ErrorCategory = "VERIFICATION" // Piece digest mismatch
	CategoryContext      ErrorCategory = "CONTEXT"      // Context cancellation
	CategoryUnknown      ErrorCategory = "UNKNOWN"      // Unclassified errors
)

// StorageError represents an error that occurred during a disk operation.
// Every failure is scoped to a torrent, piece, or file; none of them are
// meant to take down the daemon.
type StorageError struct {
	Err       error         // Original error
	Category  ErrorCategory // General category
	Retryable bool          // Whether retry is recommended
	Timestamp time.Time     // When the error occurred
	Resource  string        // File path, piece index, etc.
}

// Error implements the error interface
func (e *StorageError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Resource, e.Err)
}

// Unwrap provides the underlying cause for error unwrapping (compatible with errors.As)
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Common sentinel errors
var (
	ErrInvalidRange    = New("request out of bounds")
	ErrDiskFull        = New("disk full")
	ErrIOFault         = New("storage access fault")
	ErrUnverifiedPiece = New("piece not verified")
	ErrClosed          = New("storage closed")
)

// NewRangeError rejects a single out-of-bounds call; it has no broader effect.
func NewRangeError(err error, resource string) *StorageError {
	return &StorageError{
		Err:       err,
		Category:  CategoryRange,
		Retryable: false,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewDiskFullError creates a space exhaustion error. The affected torrent
// should pause until space becomes available.
func NewDiskFullError(err error, resource string) *StorageError {
	return &StorageError{
		Err:       err,
		Category:  CategorySpace,
		Retryable: false,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewIOError creates an I/O related error
func NewIOError(err error, resource string, retryable bool) *StorageError {
	return &StorageError{
		Err:       err,
		Category:  CategoryIO,
		Retryable: retryable,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewVerificationError creates a digest mismatch error. This is an expected,
// recoverable outcome: the piece is re-downloaded automatically.
func NewVerificationError(err error, resource string) *StorageError {
	return &StorageError{
		Err:       err,
		Category:  CategoryVerification,
		Retryable: true,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewContextError creates a context cancellation error
func NewContextError(err error, resource string) *StorageError {
	return &StorageError{
		Err:       err,
		Category:  CategoryContext,
		Retryable: false,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// IsRetryable determines if an error should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var storageErr *StorageError
	if As(err, &storageErr) {
		return storageErr.Retryable
	}

	return false
}

// IsInvalidRange determines if the error rejects a single bad request
func IsInvalidRange(err error) bool {
	if Is(err, ErrInvalidRange) {
		return true
	}

	var storageErr *StorageError

	return As(err, &storageErr) && storageErr.Category == CategoryRange
}

// IsDiskFull determines if the error is space exhaustion
func IsDiskFull(err error) bool {
	if Is(err, ErrDiskFull) {
		return true
	}

	var storageErr *StorageError

	return As(err, &storageErr) && storageErr.Category == CategorySpace
}

// IsIOFault determines if the error is an intercepted storage fault
func IsIOFault(err error) bool {
	if Is(err, ErrIOFault) {
		return true
	}

	var storageErr *StorageError

	return As(err, &storageErr) && storageErr.Category == CategoryIO
}

// IsVerificationFailure determines if the error is a digest mismatch
func IsVerificationFailure(err error) bool {
	var storageErr *StorageError
	return As(err, &storageErr) && storageErr.Category == CategoryVerification
}
