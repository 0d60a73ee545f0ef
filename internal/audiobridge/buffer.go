package audiobridge

import (
	"time"

	"github.com/BoweryJG/repconnect/internal/media"
)

// frameBuffer holds captured frames in arrival order. The bound is in audio
// time so it holds regardless of capture rate. When full the oldest frames
// are dropped.
type frameBuffer struct {
	frames   []media.Frame
	samples  int
	buffered time.Duration
	max      time.Duration
	dropped  int
	lastPush time.Time
}

func newFrameBuffer(max time.Duration) *frameBuffer {
	return &frameBuffer{max: max}
}

func frameDuration(f media.Frame) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

func (b *frameBuffer) push(f media.Frame, at time.Time) {
	b.frames = append(b.frames, f)
	b.samples += len(f.Samples)
	b.buffered += frameDuration(f)
	b.lastPush = at
	for b.buffered > b.max && len(b.frames) > 1 {
		b.samples -= len(b.frames[0].Samples)
		b.buffered -= frameDuration(b.frames[0])
		b.frames[0] = media.Frame{}
		b.frames = b.frames[1:]
		b.dropped++
	}
}

// drain returns the frames resampled to rate and concatenated as
// little-endian PCM, then empties the buffer. Consecutive frames at the same
// rate are joined before resampling so no sample is lost at frame edges.
func (b *frameBuffer) drain(rate int) []byte {
	if len(b.frames) == 0 {
		return nil
	}
	out := make([]int16, 0, b.samples)
	run := make([]int16, 0, b.samples)
	runRate := b.frames[0].SampleRate
	for _, f := range b.frames {
		if f.SampleRate != runRate {
			out = append(out, media.Resample(run, runRate, rate)...)
			run = run[:0]
			runRate = f.SampleRate
		}
		run = append(run, f.Samples...)
	}
	out = append(out, media.Resample(run, runRate, rate)...)
	b.reset()
	return media.PCM16ToBytes(out)
}

func (b *frameBuffer) reset() {
	b.frames = nil
	b.samples = 0
	b.buffered = 0
}

func (b *frameBuffer) empty() bool { return len(b.frames) == 0 }

func (b *frameBuffer) idle(now time.Time, after time.Duration) bool {
	return !b.lastPush.IsZero() && now.Sub(b.lastPush) >= after
}
