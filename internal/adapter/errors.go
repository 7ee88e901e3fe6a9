package adapter

import (
	"errors"
	"fmt"
)

// ProviderError is a generic source failure. The pagination driver
// degrades on it (file class) or propagates it (live class).
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider error during %s", e.Op)
	}
	return fmt.Sprintf("provider error during %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RangeTooLargeError signals the source refused the requested date
// window. Recovered by range negotiation; fatal only after all
// fallback windows are exhausted.
type RangeTooLargeError struct {
	Days int
}

func (e *RangeTooLargeError) Error() string {
	return fmt.Sprintf("provider rejected date range of %d days as too large", e.Days)
}

// AuthError is a permanent credential failure (expired or revoked).
// Never retried; propagated with a re-authentication hint.
type AuthError struct {
	Hint string
}

func (e *AuthError) Error() string {
	if e.Hint == "" {
		return "authentication failed; re-authenticate the connection"
	}
	return "authentication failed: " + e.Hint
}

// TransientError wraps timeouts, 5xx responses and rate-limit
// rejections. Subject to bounded retry with backoff.
type TransientError struct {
	Err error
	// RateLimited marks 429-style rejections so callers can apply the
	// longer rate-limit backoff.
	RateLimited bool
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient provider error: %v", e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// ErrRangeNegotiationExhausted is returned when every fallback window
// was rejected as too large.
var ErrRangeNegotiationExhausted = errors.New("provider rejected all fallback date ranges as too large")

// IsRangeTooLarge reports whether err is a range-too-large signal.
func IsRangeTooLarge(err error) bool {
	var e *RangeTooLargeError
	return errors.As(err, &e)
}

// IsAuth reports whether err is a permanent auth failure.
func IsAuth(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var e *TransientError
	return errors.As(err, &e)
}

// IsProvider reports whether err is any provider-originated failure.
func IsProvider(err error) bool {
	var e *ProviderError
	if errors.As(err, &e) {
		return true
	}
	return IsRangeTooLarge(err) || IsTransient(err)
}
