package session

import (
	"io"
	"sync"
	"time"
)

type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

func (s State) String() string { return string(s) }

// Terminal reports whether the session is done and must be torn down.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateError
}

// Key names a typed per-session attachment. Components declare their own
// keys instead of keeping parallel id-keyed maps.
type Key[T any] struct{ name string }

func NewKey[T any](name string) Key[T] { return Key[T]{name: name} }

func (k Key[T]) String() string { return k.name }

// Session is the single record for one live audio exchange.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu     sync.Mutex
	state  State
	values map[string]any
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func Get[T any](s *Session, k Key[T]) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[k.name]
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

func Set[T any](s *Session, k Key[T], v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[k.name] = v
}

// Take removes and returns the attachment. Exactly one caller wins.
func Take[T any](s *Session, k Key[T]) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[k.name]
	if !ok {
		var zero T
		return zero, false
	}
	delete(s.values, k.name)
	t, ok := v.(T)
	return t, ok
}

// drain empties the attachment map and returns its closers.
func (s *Session) drain() []io.Closer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []io.Closer
	for name, v := range s.values {
		if c, ok := v.(io.Closer); ok {
			out = append(out, c)
		}
		delete(s.values, name)
	}
	return out
}
