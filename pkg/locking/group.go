// Package locking runs functions with mutual exclusion over string keys.
package locking

// Group is an abstraction for running functions with mutual exclusion
// over sets of keys.
type Group interface {
	// Do runs fn while holding the lock for key.
	Do(key string, fn func() error) error
}

// NoOp is a Group that performs no locking. Every call executes fn
// immediately.
type NoOp struct{}

func (NoOp) Do(key string, fn func() error) error { return fn() }
