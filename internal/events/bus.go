package events

import (
	"sync"
	"sync/atomic"
)

// Bus fans values out to subscribers over buffered channels. Publish never
// blocks: a subscriber whose buffer is full misses the value.
type Bus[T any] struct {
	mu      sync.RWMutex
	subs    map[*Subscription[T]]struct{}
	closed  bool
	dropped atomic.Int64
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[*Subscription[T]]struct{})}
}

type Subscription[T any] struct {
	bus  *Bus[T]
	ch   chan T
	once sync.Once
}

// C is closed after Close or when the bus shuts down.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Close is safe to call more than once.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subs[s]; ok {
			delete(s.bus.subs, s)
			close(s.ch)
		}
	})
}

func (b *Bus[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription[T]{bus: b, ch: make(chan T, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- v:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close ends every subscription. Later Publish calls are no-ops.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}

func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped counts values lost to full subscriber buffers.
func (b *Bus[T]) Dropped() int64 { return b.dropped.Load() }
