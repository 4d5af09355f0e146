package fetcher

import (
	"errors"
	"fmt"
	"time"
)

// TimeoutError is returned when a request does not complete within the
// fetcher's timeout. The in-flight request has been cancelled.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after %s", e.URL, e.Timeout)
}

// NetworkError is returned when the transport fails or the server answers
// with a non-2xx status. Status is 0 for transport failures.
type NetworkError struct {
	URL    string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("request to %s failed: HTTP %d", e.URL, e.Status)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient network-class failure that
// a caller may retry.
func IsRetryable(err error) bool {
	var timeoutErr *TimeoutError
	var netErr *NetworkError
	return errors.As(err, &timeoutErr) || errors.As(err, &netErr)
}
