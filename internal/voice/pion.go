package voice

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/BoweryJG/repconnect/internal/media"
)

const (
	pcmuRate     = 8000
	controlLabel = "control"
)

var errControlClosed = errors.New("control channel not open")

// PionFactory builds PCMU peer connections.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewPionFactory(iceServers []string) (*PionFactory, error) {
	m := &webrtc.MediaEngine{}
	err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: pcmuRate, Channels: 1},
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return nil, err
	}

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &PionFactory{api: webrtc.NewAPI(webrtc.WithMediaEngine(m)), config: cfg}, nil
}

func (f *PionFactory) NewPeer(sessionID string, h PeerHandlers) (Peer, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: pcmuRate, Channels: 1},
		"audio", "repconnect-"+sessionID,
	)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	p := &pionPeer{pc: pc, track: track, h: h}

	// RTCP must be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if h.OnStateChange != nil {
			h.OnStateChange(s)
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || h.OnICECandidate == nil {
			return
		}
		h.OnICECandidate(c.ToJSON())
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if tr.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go p.readRemote(tr)
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == controlLabel {
			p.setControl(dc)
		}
	})
	return p, nil
}

type pionPeer struct {
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample
	h     PeerHandlers

	mu      sync.Mutex
	control *webrtc.DataChannel
}

func (p *pionPeer) readRemote(tr *webrtc.TrackRemote) {
	pcmu := tr.Codec().MimeType == webrtc.MimeTypePCMU
	for {
		pkt, _, err := tr.ReadRTP()
		if err != nil {
			return
		}
		if !pcmu || p.h.OnRemoteAudio == nil || len(pkt.Payload) == 0 {
			continue
		}
		p.h.OnRemoteAudio(media.MulawDecode(pkt.Payload), pcmuRate)
	}
}

func (p *pionPeer) setControl(dc *webrtc.DataChannel) {
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		if p.h.OnControl != nil {
			p.h.OnControl(m.Data)
		}
	})
	p.mu.Lock()
	p.control = dc
	p.mu.Unlock()
}

func (p *pionPeer) OpenControl() error {
	ordered := true
	dc, err := p.pc.CreateDataChannel(controlLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return err
	}
	p.setControl(dc)
	return nil
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (p *pionPeer) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (p *pionPeer) SetAnswer(answer webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(answer)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

// WriteAudio resamples to 8 kHz and sends the frame as PCMU.
func (p *pionPeer) WriteAudio(samples []int16, sampleRate int) error {
	if len(samples) == 0 {
		return nil
	}
	narrow := media.Resample(samples, sampleRate, pcmuRate)
	return p.track.WriteSample(pionmedia.Sample{
		Data:     media.MulawEncode(narrow),
		Duration: time.Duration(len(narrow)) * time.Second / pcmuRate,
	})
}

func (p *pionPeer) SendControl(data []byte) error {
	p.mu.Lock()
	dc := p.control
	p.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errControlClosed
	}
	return dc.Send(data)
}

func (p *pionPeer) CloseControl() error {
	p.mu.Lock()
	dc := p.control
	p.control = nil
	p.mu.Unlock()
	if dc == nil {
		return nil
	}
	return dc.Close()
}

func (p *pionPeer) Close() error { return p.pc.Close() }
