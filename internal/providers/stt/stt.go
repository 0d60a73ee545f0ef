package stt

import "context"

// Provider transcribes a complete recording.
type Provider interface {
	Transcribe(ctx context.Context, audio []byte, opts RecognizeOptions) (text string, confidence float64, err error)
	Close() error
}

type RecognizeOptions struct {
	Language     string
	SampleRateHz int32
	// Encoding is "linear16" (default) or "mulaw".
	Encoding string
}

// Message is one raw frame received from a streaming backend.
type Message struct {
	Binary bool
	Data   []byte
}

// Stream is one live connection to a streaming transcription backend.
type Stream interface {
	// SendAudio sends little-endian 16-bit PCM at the dialed sample rate.
	SendAudio(pcm []byte) error
	// SendText asks the backend to voice text into the session.
	SendText(text string) error
	// Messages is closed when the connection ends.
	Messages() <-chan Message
	Close() error
}

type StreamDialer interface {
	Dial(ctx context.Context, sessionID string) (Stream, error)
}
