package domain

import (
	"errors"
	"io"
	"sync"
)

// Well-known session keys.
const (
	SessionKeyMessageID                = "messageId"
	SessionKeyCorrelationID            = "cid"
	SessionKeyOriginalMessage          = "originalMessage"
	SessionKeyMessageWithoutNamespaces = "originalMessageWithoutNamespaces"
	SessionKeyException                = "exception"
)

// Session is the per-run key/value store shared by steps and processors. Keys keep
// their insertion order. A Session is owned by one run but may be read and written
// from the goroutines that run serves, so all access is synchronised.
type Session struct {
	mu      sync.RWMutex
	keys    []string
	values  map[string]any
	closers []io.Closer
	closed  bool
}

// NewSession returns a session seeded with the message and correlation ids.
func NewSession(messageID, correlationID string) *Session {
	s := &Session{values: make(map[string]any)}
	if messageID != "" {
		s.Set(SessionKeyMessageID, messageID)
	}
	if correlationID != "" {
		s.Set(SessionKeyCorrelationID, correlationID)
	}
	return s
}

// Get returns the value stored under key.
func (s *Session) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// GetString returns the value stored under key rendered as a string.
func (s *Session) GetString(key string) (string, bool) {
	v, ok := s.Get(key)
	if !ok || v == nil {
		return "", false
	}
	switch typed := v.(type) {
	case string:
		return typed, true
	case Message:
		return string(typed), true
	case []byte:
		return string(typed), true
	case error:
		return typed.Error(), true
	default:
		return "", false
	}
}

// Set stores value under key, keeping the key's original position on overwrite.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]any)
	}
	if _, exists := s.values[key]; !exists {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
}

// Delete removes key.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.values[key]; !exists {
		return
	}
	delete(s.values, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (s *Session) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Len returns the number of stored keys.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// MessageID returns the seeded message id.
func (s *Session) MessageID() string {
	id, _ := s.GetString(SessionKeyMessageID)
	return id
}

// CorrelationID returns the seeded correlation id.
func (s *Session) CorrelationID() string {
	id, _ := s.GetString(SessionKeyCorrelationID)
	return id
}

// CloseOnExit registers a resource to be closed when the session closes.
func (s *Session) CloseOnExit(c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, c)
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close releases scheduled resources in reverse registration order. It is safe
// to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
