package workers

import (
	"context"

	"github.com/BoweryJG/repconnect/internal/audiobridge"
	"github.com/BoweryJG/repconnect/internal/events"
	"github.com/BoweryJG/repconnect/internal/services"
)

// TranscriptFanout hands every audio-bridge event to the transcript service.
type TranscriptFanout struct {
	Events      *events.Subscription[audiobridge.Event]
	Transcripts services.TranscriptService
}

func (f *TranscriptFanout) Run(ctx context.Context) {
	defer f.Events.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.Events.C():
			if !ok {
				return
			}
			f.Transcripts.Handle(ctx, ev)
		}
	}
}
