// Package peer negotiates one direct media transport per remote peer. The
// signaling relay is used purely as a side-channel for SDP and ICE exchange;
// media content is never inspected here.
package peer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"

	"github.com/veridium/scanmeet/internal/signaling"
)

// Config wires one peer connection.
type Config struct {
	// API carries the media/setting engines. Nil gets a default API with
	// default codecs.
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Log        *slog.Logger

	// Initiator produces the first offer immediately on Start; the responder
	// waits for one.
	Initiator bool

	// LocalTracks are attached before any negotiation message is produced.
	// Empty means a receive-only session: recvonly transceivers are added so
	// the offer still negotiates media.
	LocalTracks []webrtc.TrackLocal

	// OnLocalSDP delivers the local offer or answer for relay to the peer.
	OnLocalSDP func(sdp signaling.SDP)
	// OnLocalCandidate delivers each local ICE candidate as it is discovered
	// (trickle), for relay to the peer.
	OnLocalCandidate func(c signaling.Candidate)
	// OnRemoteTrack fires for each incoming remote track.
	OnRemoteTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	// OnRemoteStreamCleared fires when the remote stream goes away (peer left
	// or connection closed); consumers should drop their remote view.
	OnRemoteStreamCleared func()
	// OnConnectionState reports transport state transitions. "failed" is the
	// caller's cue to recreate the whole connection.
	OnConnectionState func(state webrtc.PeerConnectionState)
	// OnICEState reports ICE sub-state transitions. An ICE-only failure is
	// healed in place via RestartICE, not recreation.
	OnICEState func(state webrtc.ICEConnectionState)
}

// Manager owns a single PeerConnection and its negotiation lifecycle.
type Manager struct {
	cfg Config
	log *slog.Logger
	pc  *webrtc.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	closeOnce sync.Once
}

// NewAPI builds a webrtc API with default codecs and pion logs routed through
// slog. A non-nil codec selector also registers the capture codecs.
func NewAPI(log *slog.Logger, selector *mediadevices.CodecSelector) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}
	if selector != nil {
		selector.Populate(me)
	}

	se := webrtc.SettingEngine{
		LoggerFactory: NewSlogLoggerFactory(log),
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(se),
	), nil
}

// New creates the peer connection, attaches local tracks (or recvonly
// transceivers), and installs callbacks. No negotiation message is produced
// until Start.
func New(cfg Config) (*Manager, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	api := cfg.API
	if api == nil {
		var err error
		api, err = NewAPI(cfg.Log, nil)
		if err != nil {
			return nil, err
		}
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	m := &Manager{cfg: cfg, log: cfg.Log, pc: pc}

	// Tracks must be attached before the first offer so they are represented
	// in the negotiated description.
	if len(cfg.LocalTracks) > 0 {
		for _, track := range cfg.LocalTracks {
			if _, err := pc.AddTrack(track); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add local track: %w", err)
			}
		}
	} else {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			})
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add recvonly transceiver: %w", err)
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if m.cfg.OnLocalCandidate != nil {
			m.cfg.OnLocalCandidate(signaling.CandidateFromPion(c.ToJSON()))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		m.log.Info("remote track received", "kind", track.Kind().String(), "id", track.ID())
		if m.cfg.OnRemoteTrack != nil {
			m.cfg.OnRemoteTrack(track, receiver)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.log.Info("peer connection state", "state", state.String())
		if m.cfg.OnConnectionState != nil {
			m.cfg.OnConnectionState(state)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		m.log.Info("ice connection state", "state", state.String())
		if m.cfg.OnICEState != nil {
			m.cfg.OnICEState(state)
		}
	})

	return m, nil
}

// Start begins negotiation: the initiator produces and emits the first offer,
// the responder does nothing until an offer arrives.
func (m *Manager) Start() error {
	if !m.cfg.Initiator {
		return nil
	}
	return m.sendOffer(nil)
}

// HandleOffer applies a remote offer and emits the local answer.
func (m *Manager) HandleOffer(sdp signaling.SDP) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	if err := m.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	m.flushPendingCandidates()

	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if m.cfg.OnLocalSDP != nil {
		m.cfg.OnLocalSDP(signaling.SDPFromPion(answer))
	}
	return nil
}

// HandleAnswer applies a remote answer to a previously sent offer.
func (m *Manager) HandleAnswer(sdp signaling.SDP) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	if err := m.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	m.flushPendingCandidates()
	return nil
}

// HandleCandidate applies a remote ICE candidate. Candidates arriving before
// the remote description are buffered and flushed once it lands.
func (m *Manager) HandleCandidate(c signaling.Candidate) error {
	init := c.ToPion()

	m.mu.Lock()
	if !m.remoteSet {
		m.pending = append(m.pending, init)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// RestartICE re-gathers candidates on the existing connection by emitting a
// new offer with the ICE-restart flag. Used for ICE-only failures; a failed
// transport needs full recreation instead.
func (m *Manager) RestartICE() error {
	m.log.Warn("restarting ice on existing peer connection")
	return m.sendOffer(&webrtc.OfferOptions{ICERestart: true})
}

func (m *Manager) sendOffer(opts *webrtc.OfferOptions) error {
	offer, err := m.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if m.cfg.OnLocalSDP != nil {
		m.cfg.OnLocalSDP(signaling.SDPFromPion(offer))
	}
	return nil
}

func (m *Manager) flushPendingCandidates() {
	m.mu.Lock()
	m.remoteSet = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, init := range pending {
		if err := m.pc.AddICECandidate(init); err != nil {
			m.log.Warn("dropping buffered ice candidate", "err", err)
		}
	}
}

// ConnectionState returns the current transport state.
func (m *Manager) ConnectionState() webrtc.PeerConnectionState {
	return m.pc.ConnectionState()
}

// Close tears the connection down and fires the cleared-stream callback.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		if m.cfg.OnRemoteStreamCleared != nil {
			m.cfg.OnRemoteStreamCleared()
		}
		err = m.pc.Close()
	})
	return err
}
