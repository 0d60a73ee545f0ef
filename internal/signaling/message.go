package signaling

import (
	"encoding/json"
	"errors"
)

type MessageType string

const (
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeEndSession   MessageType = "end-session"
)

// Message is the session-setup envelope shared with the remote peer.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

var errInvalidMessage = errors.New("invalid signaling message")

func (m Message) validate() error {
	if m.SessionID == "" {
		return errInvalidMessage
	}
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		if len(m.Payload) == 0 {
			return errInvalidMessage
		}
		return nil
	case TypeEndSession:
		return nil
	default:
		return errInvalidMessage
	}
}

// NewMessage marshals payload into a Message. A nil payload is omitted.
func NewMessage(t MessageType, sessionID string, payload any) (Message, error) {
	m := Message{Type: t, SessionID: sessionID}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		m.Payload = b
	}
	return m, nil
}

func decodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	return m, m.validate()
}
