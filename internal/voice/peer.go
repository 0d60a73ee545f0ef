package voice

import (
	"github.com/pion/webrtc/v4"
)

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// PeerHandlers are invoked from the peer's own goroutines.
type PeerHandlers struct {
	OnStateChange  func(webrtc.PeerConnectionState)
	OnICECandidate func(webrtc.ICECandidateInit)
	OnRemoteAudio  func(samples []int16, sampleRate int)
	OnControl      func(data []byte)
}

// Peer is one peer-to-peer audio connection with a side control channel.
type Peer interface {
	OpenControl() error
	CreateOffer() (webrtc.SessionDescription, error)
	AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	WriteAudio(samples []int16, sampleRate int) error
	SendControl(data []byte) error
	CloseControl() error
	Close() error
}

type PeerFactory interface {
	NewPeer(sessionID string, h PeerHandlers) (Peer, error)
}
