package voice

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/BoweryJG/repconnect/internal/clock"
	"github.com/BoweryJG/repconnect/internal/events"
	"github.com/BoweryJG/repconnect/internal/media"
	"github.com/BoweryJG/repconnect/internal/session"
	"github.com/BoweryJG/repconnect/internal/signaling"
	"github.com/BoweryJG/repconnect/internal/utils"
)

const DefaultMeterInterval = 100 * time.Millisecond

// Signaler is the outbound half of the signaling bridge.
type Signaler interface {
	Send(msg signaling.Message) error
}

// AudioTap receives every captured frame of a live, unmuted session.
type AudioTap interface {
	PushFrame(sessionID string, f media.Frame)
}

// Level is one audio-meter sample for a connected session.
type Level struct {
	SessionID string    `json:"sessionId"`
	Local     float64   `json:"local"`
	Remote    float64   `json:"remote"`
	At        time.Time `json:"at"`
}

type RemoteAudio struct {
	SessionID  string
	Samples    []int16
	SampleRate int
}

// ControlMessage is a message received on a session's control channel.
type ControlMessage struct {
	SessionID string
	Data      []byte
}

type Options struct {
	MeterInterval time.Duration
	Clock         clock.Clock
	Logger        logrus.FieldLogger
}

// Manager owns one peer connection per live session.
type Manager struct {
	reg   *session.Registry
	mic   media.Device
	peers PeerFactory
	sig   Signaler
	tap   AudioTap
	clock clock.Clock
	log   logrus.FieldLogger

	meterInterval time.Duration

	levels  *events.Bus[Level]
	remote  *events.Bus[RemoteAudio]
	control *events.Bus[ControlMessage]
}

var callKey = session.NewKey[*call]("voice.call")

func NewManager(reg *session.Registry, mic media.Device, peers PeerFactory, sig Signaler, tap AudioTap, opts Options) *Manager {
	if opts.MeterInterval <= 0 {
		opts.MeterInterval = DefaultMeterInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Manager{
		reg:           reg,
		mic:           mic,
		peers:         peers,
		sig:           sig,
		tap:           tap,
		clock:         opts.Clock,
		log:           opts.Logger.WithField("component", "voice"),
		meterInterval: opts.MeterInterval,
		levels:        events.NewBus[Level](),
		remote:        events.NewBus[RemoteAudio](),
		control:       events.NewBus[ControlMessage](),
	}
}

// call is the voice state attached to a registry session.
type call struct {
	id      string
	role    Role
	peer    Peer
	capture media.Capture

	ctx    context.Context
	cancel context.CancelFunc

	muted       atomic.Bool
	volume      atomic.Uint64 // float64 bits
	localLevel  atomic.Uint64
	remoteLevel atomic.Uint64
	meterOnce   sync.Once

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	seen      map[string]struct{}
}

func newCall(id string, role Role, capture media.Capture) *call {
	ctx, cancel := context.WithCancel(context.Background())
	c := &call{id: id, role: role, capture: capture, ctx: ctx, cancel: cancel, seen: map[string]struct{}{}}
	c.volume.Store(math.Float64bits(1))
	return c
}

func (m *Manager) Levels(buffer int) *events.Subscription[Level] { return m.levels.Subscribe(buffer) }

func (m *Manager) RemoteAudio(buffer int) *events.Subscription[RemoteAudio] {
	return m.remote.Subscribe(buffer)
}

func (m *Manager) ControlMessages(buffer int) *events.Subscription[ControlMessage] {
	return m.control.Subscribe(buffer)
}

// StartSession opens a session as the offering side.
func (m *Manager) StartSession(ctx context.Context, id string) (*session.Session, error) {
	const op = "VoiceSessionManager.StartSession"

	s, c, err := m.open(ctx, op, id, RoleInitiator)
	if err != nil {
		return nil, err
	}
	if err := c.peer.OpenControl(); err != nil {
		m.abort(id, c)
		return nil, utils.E(utils.CodeInternal, op, "open control channel", err)
	}
	offer, err := c.peer.CreateOffer()
	if err != nil {
		m.abort(id, c)
		return nil, utils.E(utils.CodeInternal, op, "create offer", err)
	}
	m.signal(signaling.TypeOffer, id, offer)
	go m.pump(c)
	return s, nil
}

// HandleIncoming answers a remote offer as the responding side.
func (m *Manager) HandleIncoming(ctx context.Context, msg signaling.Message) (*session.Session, error) {
	const op = "VoiceSessionManager.HandleIncoming"

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Payload, &offer); err != nil || offer.SDP == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "malformed offer", err)
	}
	s, c, err := m.open(ctx, op, msg.SessionID, RoleResponder)
	if err != nil {
		return nil, err
	}
	answer, err := c.peer.AcceptOffer(offer)
	if err != nil {
		m.abort(msg.SessionID, c)
		return nil, utils.E(utils.CodeInternal, op, "answer offer", err)
	}
	m.remoteDescribed(c)
	m.signal(signaling.TypeAnswer, msg.SessionID, answer)
	go m.pump(c)
	return s, nil
}

// open reserves the id, takes the microphone and builds the peer. The id is
// reserved first so a duplicate never touches the microphone.
func (m *Manager) open(ctx context.Context, op, id string, role Role) (*session.Session, *call, error) {
	if id == "" {
		return nil, nil, utils.E(utils.CodeInvalidArgument, op, "session id is required", nil)
	}
	s, err := m.reg.Create(id)
	if errors.Is(err, session.ErrExists) {
		return nil, nil, utils.E(utils.CodeSessionExists, op, "session already active", err)
	}
	if err != nil {
		return nil, nil, utils.E(utils.CodeInternal, op, "register session", err)
	}

	capture, err := m.mic.Acquire(ctx)
	if err != nil {
		m.reg.Transition(id, session.StateError)
		m.reg.Remove(id)
		return nil, nil, utils.E(utils.CodeMediaUnavailable, op, "microphone unavailable", err)
	}

	c := newCall(id, role, capture)
	peer, err := m.peers.NewPeer(id, m.handlers(id, c))
	if err != nil {
		_ = capture.Close()
		m.reg.Transition(id, session.StateError)
		m.reg.Remove(id)
		return nil, nil, utils.E(utils.CodeInternal, op, "create peer connection", err)
	}
	c.peer = peer
	session.Set(s, callKey, c)

	m.log.WithFields(logrus.Fields{"session_id": id, "role": role}).Info("voice session opened")
	return s, c, nil
}

func (m *Manager) abort(id string, c *call) {
	m.reg.Transition(id, session.StateError)
	m.teardown(id, false)
}

func (m *Manager) handlers(id string, c *call) PeerHandlers {
	return PeerHandlers{
		OnStateChange: func(st webrtc.PeerConnectionState) { m.onPeerState(id, c, st) },
		OnICECandidate: func(cand webrtc.ICECandidateInit) {
			m.signal(signaling.TypeICECandidate, id, cand)
		},
		OnRemoteAudio: func(samples []int16, rate int) {
			gain := math.Float64frombits(c.volume.Load())
			media.ApplyGain(samples, gain)
			c.remoteLevel.Store(math.Float64bits(media.RMS(samples)))
			m.remote.Publish(RemoteAudio{SessionID: id, Samples: samples, SampleRate: rate})
		},
		OnControl: func(data []byte) {
			m.control.Publish(ControlMessage{SessionID: id, Data: data})
		},
	}
}

func (m *Manager) onPeerState(id string, c *call, st webrtc.PeerConnectionState) {
	next, ok := mapPeerState(st)
	if !ok {
		return
	}
	_, changed := m.reg.Transition(id, next)
	if !changed {
		return
	}
	m.log.WithFields(logrus.Fields{"session_id": id, "state": next}).Info("voice session state")

	switch {
	case next == session.StateConnected:
		c.meterOnce.Do(func() { go m.meter(c) })
	case next.Terminal():
		// teardown closes the peer, which waits on this callback's goroutine
		go m.teardown(id, true)
	}
}

func mapPeerState(st webrtc.PeerConnectionState) (session.State, bool) {
	switch st {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		return session.StateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return session.StateConnected, true
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		return session.StateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return session.StateError, true
	default:
		return "", false
	}
}

// HandleSignal applies one inbound signaling message. Duplicates and
// messages for unknown sessions are ignored.
func (m *Manager) HandleSignal(ctx context.Context, msg signaling.Message) error {
	log := m.log.WithFields(logrus.Fields{"session_id": msg.SessionID, "type": msg.Type})

	switch msg.Type {
	case signaling.TypeOffer:
		if _, err := m.HandleIncoming(ctx, msg); err != nil {
			if utils.IsCode(err, utils.CodeSessionExists) {
				log.Debug("duplicate offer ignored")
				return nil
			}
			return err
		}
		return nil

	case signaling.TypeAnswer:
		c, ok := m.lookup(msg.SessionID)
		if !ok {
			log.Debug("answer for unknown session")
			return nil
		}
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(msg.Payload, &answer); err != nil {
			return utils.E(utils.CodeInvalidArgument, "VoiceSessionManager.HandleSignal", "malformed answer", err)
		}
		c.mu.Lock()
		if c.remoteSet {
			c.mu.Unlock()
			log.Debug("duplicate answer ignored")
			return nil
		}
		c.mu.Unlock()
		if err := c.peer.SetAnswer(answer); err != nil {
			return utils.E(utils.CodeInternal, "VoiceSessionManager.HandleSignal", "apply answer", err)
		}
		m.remoteDescribed(c)
		return nil

	case signaling.TypeICECandidate:
		c, ok := m.lookup(msg.SessionID)
		if !ok {
			return nil
		}
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Payload, &cand); err != nil || cand.Candidate == "" {
			log.Debug("malformed candidate dropped")
			return nil
		}
		return m.addCandidate(c, cand)

	case signaling.TypeEndSession:
		m.teardown(msg.SessionID, false)
		return nil
	}
	return nil
}

func (m *Manager) addCandidate(c *call, cand webrtc.ICECandidateInit) error {
	key := cand.Candidate
	if cand.SDPMid != nil {
		key = *cand.SDPMid + "|" + key
	}
	c.mu.Lock()
	if _, dup := c.seen[key]; dup {
		c.mu.Unlock()
		return nil
	}
	c.seen[key] = struct{}{}
	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.peer.AddICECandidate(cand); err != nil {
		m.log.WithError(err).WithField("session_id", c.id).Warn("add ice candidate failed")
	}
	return nil
}

// remoteDescribed flushes candidates that arrived before the remote description.
func (m *Manager) remoteDescribed(c *call) {
	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := c.peer.AddICECandidate(cand); err != nil {
			m.log.WithError(err).WithField("session_id", c.id).Warn("add buffered ice candidate failed")
		}
	}
}

// EndSession tears the session down. Unknown or already ended ids are a no-op.
func (m *Manager) EndSession(id string) {
	m.teardown(id, true)
}

func (m *Manager) teardown(id string, notify bool) {
	s, ok := m.reg.Get(id)
	if !ok {
		return
	}
	c, ok := session.Take(s, callKey)
	if !ok {
		return
	}

	c.cancel()
	if c.capture != nil {
		_ = c.capture.Close()
	}
	if c.peer != nil {
		_ = c.peer.CloseControl()
	}
	m.reg.Transition(id, session.StateDisconnected)
	if c.peer != nil {
		_ = c.peer.Close()
	}
	m.reg.Remove(id)

	if notify {
		m.signal(signaling.TypeEndSession, id, nil)
	}
	m.log.WithField("session_id", id).Info("voice session ended")
}

// SetMuted stops sending local audio for the session. It reports whether
// the session exists.
func (m *Manager) SetMuted(id string, muted bool) bool {
	c, ok := m.lookup(id)
	if !ok {
		return false
	}
	c.muted.Store(muted)
	return true
}

// SetVolume sets the remote playback gain, clamped to [0,1].
func (m *Manager) SetVolume(id string, v float64) bool {
	c, ok := m.lookup(id)
	if !ok {
		return false
	}
	v = math.Max(0, math.Min(1, v))
	if math.IsNaN(v) {
		v = 1
	}
	c.volume.Store(math.Float64bits(v))
	return true
}

func (m *Manager) Muted(id string) (bool, bool) {
	c, ok := m.lookup(id)
	if !ok {
		return false, false
	}
	return c.muted.Load(), true
}

func (m *Manager) Volume(id string) (float64, bool) {
	c, ok := m.lookup(id)
	if !ok {
		return 0, false
	}
	return math.Float64frombits(c.volume.Load()), true
}

// SendMetadata writes v as JSON on the session's control channel.
func (m *Manager) SendMetadata(id string, v any) error {
	const op = "VoiceSessionManager.SendMetadata"
	c, ok := m.lookup(id)
	if !ok {
		return utils.E(utils.CodeNotFound, op, "session not found", utils.ErrNotFound)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return utils.E(utils.CodeInvalidArgument, op, "encode metadata", err)
	}
	if err := c.peer.SendControl(b); err != nil {
		return utils.E(utils.CodeUnavailable, op, "control channel unavailable", err)
	}
	return nil
}

// Run applies inbound signaling until ctx ends or msgs closes.
func (m *Manager) Run(ctx context.Context, msgs <-chan signaling.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := m.HandleSignal(ctx, msg); err != nil {
				m.log.WithError(err).WithFields(logrus.Fields{
					"session_id": msg.SessionID,
					"type":       msg.Type,
				}).Warn("signaling message rejected")
			}
		}
	}
}

// Shutdown ends every live session.
func (m *Manager) Shutdown() {
	for _, id := range m.reg.IDs() {
		m.EndSession(id)
	}
	m.levels.Close()
	m.remote.Close()
	m.control.Close()
}

func (m *Manager) lookup(id string) (*call, bool) {
	s, ok := m.reg.Get(id)
	if !ok {
		return nil, false
	}
	return session.Get(s, callKey)
}

func (m *Manager) signal(t signaling.MessageType, id string, payload any) {
	msg, err := signaling.NewMessage(t, id, payload)
	if err != nil {
		m.log.WithError(err).WithField("session_id", id).Error("encode signaling message")
		return
	}
	if err := m.sig.Send(msg); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{"session_id": id, "type": t}).Debug("signaling send dropped")
	}
}

// pump moves captured frames to the peer and the audio tap.
func (m *Manager) pump(c *call) {
	frames := c.capture.Frames()
	for {
		select {
		case <-c.ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if c.muted.Load() {
				c.localLevel.Store(0)
				continue
			}
			c.localLevel.Store(math.Float64bits(media.RMS(f.Samples)))
			if err := c.peer.WriteAudio(f.Samples, f.SampleRate); err != nil {
				m.log.WithError(err).WithField("session_id", c.id).Debug("write local audio")
			}
			if m.tap != nil {
				m.tap.PushFrame(c.id, f)
			}
		}
	}
}

func (m *Manager) meter(c *call) {
	t := time.NewTicker(m.meterInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			m.levels.Publish(Level{
				SessionID: c.id,
				Local:     math.Float64frombits(c.localLevel.Load()),
				Remote:    math.Float64frombits(c.remoteLevel.Load()),
				At:        m.clock.Now(),
			})
		}
	}
}
