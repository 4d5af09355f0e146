package loader

import "fmt"

// DecodeError reports a payload that was transferred successfully but could
// not be decoded as the expected type. It is never retried.
type DecodeError struct {
	URL  string
	Type Type
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s as %s: %v", e.URL, e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ExhaustedError is returned once every attempt of a load sequence failed.
// It wraps the error of the final attempt.
type ExhaustedError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed to load %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }
