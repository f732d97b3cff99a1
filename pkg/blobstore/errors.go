package blobstore

import (
	"errors"
	"fmt"
)

// Sentinel errors for blob store operations.
var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderUnavailable indicates the storage service is unavailable.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrThrottled indicates the request was rate limited.
	ErrThrottled = errors.New("request throttled")

	// ErrInsufficientCapacity indicates the expedited thaw tier has no
	// capacity for the request right now.
	ErrInsufficientCapacity = errors.New("insufficient thaw capacity")

	// ErrThawNotReady indicates the archive has not finished thawing.
	ErrThawNotReady = errors.New("thaw not ready")
)

// StoreError wraps backend-specific errors with context.
type StoreError struct {
	// Op is the operation that failed (e.g., "Archive", "InitiateThaw").
	Op string

	// Backend is the backend name (e.g., "s3", "file").
	Backend string

	// Bucket is the bucket or tier name, if applicable.
	Bucket string

	// Key is the object key, if applicable.
	Key string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Backend, e.Op, e.Bucket, e.Key, e.Err)
	}
	if e.Bucket != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates an object was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInsufficientCapacity returns true if a thaw tier rejected the request for capacity.
func IsInsufficientCapacity(err error) bool {
	return errors.Is(err, ErrInsufficientCapacity)
}

// IsThawNotReady returns true if the archive is still thawing.
func IsThawNotReady(err error) bool {
	return errors.Is(err, ErrThawNotReady)
}

// IsThrottled returns true if the error indicates the request was rate limited.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// IsRetryable reports whether the operation may succeed if repeated later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrInsufficientCapacity) ||
		errors.Is(err, ErrThawNotReady)
}

// IsPermanent reports whether repeating the operation cannot help.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrBucketNotFound) ||
		errors.Is(err, ErrInvalidCredentials)
}
