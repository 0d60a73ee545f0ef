package stt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrProtocol marks a backend message that does not fit the wire contract.
var ErrProtocol = errors.New("transcription backend protocol error")

type EventKind string

const (
	EventTranscript    EventKind = "transcript"
	EventSpeechStarted EventKind = "speech-started"
	EventSpeechEnded   EventKind = "speech-ended"
	EventError         EventKind = "error"
)

type Event struct {
	Kind       EventKind
	Text       string
	Confidence float64
	IsFinal    bool
	Message    string
}

// wireEvent is the backend's JSON shape:
// {channel:{alternatives:[{transcript,confidence}]}, is_final, speech_final}
// plus typed control events.
type wireEvent struct {
	Type    string `json:"type"`
	Channel *struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

// ParseEvents decodes one backend message. A message may yield no events
// (metadata, empty interim results) or two (a final transcript that also
// closes the utterance).
func ParseEvents(data []byte) ([]Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	switch strings.ToLower(w.Type) {
	case "speechstarted", "speech_started":
		return []Event{{Kind: EventSpeechStarted}}, nil
	case "utteranceend", "utterance_end", "speechended", "speech_ended":
		return []Event{{Kind: EventSpeechEnded}}, nil
	case "error":
		msg := w.Description
		if msg == "" {
			msg = w.Message
		}
		return []Event{{Kind: EventError, Message: msg}}, nil
	case "metadata", "keepalive":
		return nil, nil
	case "", "results", "transcript":
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrProtocol, w.Type)
	}

	if w.Channel == nil || len(w.Channel.Alternatives) == 0 {
		return nil, fmt.Errorf("%w: results without alternatives", ErrProtocol)
	}
	alt := w.Channel.Alternatives[0]

	var out []Event
	if text := strings.TrimSpace(alt.Transcript); text != "" {
		out = append(out, Event{
			Kind:       EventTranscript,
			Text:       text,
			Confidence: alt.Confidence,
			IsFinal:    w.IsFinal,
		})
	}
	if w.SpeechFinal {
		out = append(out, Event{Kind: EventSpeechEnded})
	}
	return out, nil
}
