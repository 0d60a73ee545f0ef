package media

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrDeviceBusy       = errors.New("microphone already in use")
)

// Frame is a chunk of mono 16-bit PCM.
type Frame struct {
	Samples    []int16
	SampleRate int
	CapturedAt time.Time
}

// Capture is an exclusive hold on an input device.
type Capture interface {
	Frames() <-chan Frame
	SampleRate() int
	Close() error
}

type Device interface {
	Acquire(ctx context.Context) (Capture, error)
}

// LineIn is a device fed by an external producer, such as the agent's
// browser console. Only one capture may be open at a time.
type LineIn struct {
	rate int

	mu      sync.Mutex
	granted bool
	active  *lineCapture
	dropped int
}

func NewLineIn(sampleRate int) *LineIn {
	return &LineIn{rate: sampleRate}
}

// SetGranted toggles whether Acquire is allowed.
func (l *LineIn) SetGranted(v bool) {
	l.mu.Lock()
	l.granted = v
	l.mu.Unlock()
}

func (l *LineIn) Acquire(ctx context.Context) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.granted {
		return nil, ErrPermissionDenied
	}
	if l.active != nil {
		return nil, ErrDeviceBusy
	}
	c := &lineCapture{owner: l, ch: make(chan Frame, 64), rate: l.rate}
	l.active = c
	return c, nil
}

// Active reports whether a capture currently holds the device.
func (l *LineIn) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active != nil
}

// Write hands samples to the open capture. It reports false when nothing is
// listening or the capture is backed up.
func (l *LineIn) Write(samples []int16, at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return false
	}
	f := Frame{Samples: append([]int16(nil), samples...), SampleRate: l.rate, CapturedAt: at}
	select {
	case l.active.ch <- f:
		return true
	default:
		l.dropped++
		return false
	}
}

type lineCapture struct {
	owner *LineIn
	ch    chan Frame
	rate  int
	once  sync.Once
}

func (c *lineCapture) Frames() <-chan Frame { return c.ch }
func (c *lineCapture) SampleRate() int      { return c.rate }

func (c *lineCapture) Close() error {
	c.once.Do(func() {
		c.owner.mu.Lock()
		if c.owner.active == c {
			c.owner.active = nil
		}
		close(c.ch)
		c.owner.mu.Unlock()
	})
	return nil
}
