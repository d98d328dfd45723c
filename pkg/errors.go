package shared

import (
	"fmt"
	"time"
)

// ThrottledError is returned when the remote service rejected a call for
// exceeding rate limits. RetryAfter is zero when the server gave no hint.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// RejectedError is a permanent rejection of the submitted content. The
// reason is recorded verbatim in the report; the file is never retried.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected by remote: %s", e.Reason)
}

// AuthError means authentication failed even after the transport's single
// refresh-and-retry attempt. Terminal for the affected file.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// DuplicateError is reported when the remote service recognised the upload
// as a duplicate of an existing activity at submit time. Not a failure;
// the activity already exists on the account.
type DuplicateError struct {
	UploadID int64
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate of an existing activity (upload %d)", e.UploadID)
}

// NetworkError wraps a transient transport-level failure. Retried with its
// own bounded counter, independent of throttling.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }
