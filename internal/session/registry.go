package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/BoweryJG/repconnect/internal/clock"
	"github.com/BoweryJG/repconnect/internal/events"
)

var (
	ErrExists   = errors.New("session already exists")
	ErrNotFound = errors.New("session not found")
)

// Change is published for every state transition, including creation
// (From is empty) and removal (To is StateDisconnected if not already terminal).
type Change struct {
	SessionID string    `json:"sessionId"`
	From      State     `json:"from,omitempty"`
	To        State     `json:"to"`
	At        time.Time `json:"at"`
}

// Registry owns every live session in the process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	changes  *events.Bus[Change]
	clock    clock.Clock
}

func NewRegistry(c clock.Clock) *Registry {
	if c == nil {
		c = clock.Real()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		changes:  events.NewBus[Change](),
		clock:    c,
	}
}

// Create reserves id in the connecting state.
func (r *Registry) Create(id string) (*Session, error) {
	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return nil, ErrExists
	}
	now := r.clock.Now()
	s := &Session{
		ID:        id,
		CreatedAt: now,
		state:     StateConnecting,
		values:    make(map[string]any),
	}
	r.sessions[id] = s
	r.mu.Unlock()

	r.changes.Publish(Change{SessionID: id, To: StateConnecting, At: now})
	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Transition moves the session to next. Terminal states are sticky and a
// repeated state is ignored; changed reports whether anything happened.
func (r *Registry) Transition(id string, next State) (prev State, changed bool) {
	s, ok := r.Get(id)
	if !ok {
		return "", false
	}
	s.mu.Lock()
	prev = s.state
	if prev == next || prev.Terminal() {
		s.mu.Unlock()
		return prev, false
	}
	s.state = next
	s.mu.Unlock()

	r.changes.Publish(Change{SessionID: id, From: prev, To: next, At: r.clock.Now()})
	return prev, true
}

// Remove drops the session and closes any attachment that is an io.Closer.
// Unknown ids are ignored.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	prev := s.state
	if !prev.Terminal() {
		s.state = StateDisconnected
	}
	s.mu.Unlock()
	if !prev.Terminal() {
		r.changes.Publish(Change{SessionID: id, From: prev, To: StateDisconnected, At: r.clock.Now()})
	}

	for _, c := range s.drain() {
		_ = c.Close()
	}
	return true
}

// IDs returns the live session ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Changes subscribes to state transitions. Close the subscription when done.
func (r *Registry) Changes(buffer int) *events.Subscription[Change] {
	return r.changes.Subscribe(buffer)
}

func (r *Registry) Close() { r.changes.Close() }
