package kvstore

import (
	"encoding/json"
	"errors"
	"log/slog"
)

// Soft wraps a Store and absorbs every failure. Errors are logged as
// StorageError and the store behaves as if it were empty, so callers degrade
// to in-memory behavior instead of failing.
type Soft struct {
	store  Store
	logger *slog.Logger
}

// NewSoft wraps store. A nil store behaves as a permanently empty one.
func NewSoft(store Store, logger *slog.Logger) *Soft {
	if logger == nil {
		logger = slog.Default()
	}
	return &Soft{store: store, logger: logger}
}

// Get returns the value for key and whether it was present.
func (s *Soft) Get(key string) (string, bool) {
	if s.store == nil {
		return "", false
	}
	v, err := s.store.Get(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.warn("get", key, err)
		}
		return "", false
	}
	return v, true
}

// Set stores value under key. It reports whether the write succeeded.
func (s *Soft) Set(key, value string) bool {
	if s.store == nil {
		return false
	}
	if err := s.store.Set(key, value); err != nil {
		s.warn("set", key, err)
		return false
	}
	return true
}

// Remove deletes key.
func (s *Soft) Remove(key string) {
	if s.store == nil {
		return
	}
	if err := s.store.Remove(key); err != nil {
		s.warn("remove", key, err)
	}
}

// GetJSON decodes the JSON document stored under key into v. A missing key or
// malformed document reports false.
func (s *Soft) GetJSON(key string, v any) bool {
	raw, ok := s.Get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		s.warn("decode", key, err)
		return false
	}
	return true
}

// SetJSON stores v as a JSON document under key.
func (s *Soft) SetJSON(key string, v any) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		s.warn("encode", key, err)
		return false
	}
	return s.Set(key, string(raw))
}

func (s *Soft) warn(op, key string, err error) {
	s.logger.Warn("persistent store unavailable",
		"error", &StorageError{Op: op, Key: key, Err: err})
}
