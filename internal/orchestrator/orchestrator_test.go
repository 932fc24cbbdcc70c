package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"

	"github.com/veridium/scanmeet/internal/diag"
	"github.com/veridium/scanmeet/internal/media"
	"github.com/veridium/scanmeet/internal/peer"
	"github.com/veridium/scanmeet/internal/signalclient"
	"github.com/veridium/scanmeet/internal/signaling"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct {
	mu     sync.Mutex
	sent   []signaling.Envelope
	onSend func(env signaling.Envelope)
	in     chan signaling.Envelope

	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan signaling.Envelope, 32)}
}

func (c *fakeConn) Send(env signaling.Envelope) error {
	c.mu.Lock()
	c.sent = append(c.sent, env)
	hook := c.onSend
	c.mu.Unlock()
	if hook != nil {
		hook(env)
	}
	return nil
}

func (c *fakeConn) Incoming() <-chan signaling.Envelope { return c.in }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.in) })
	return nil
}

func (c *fakeConn) deliver(env signaling.Envelope) { c.in <- env }

func (c *fakeConn) sentOfType(t signaling.MessageType) []signaling.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []signaling.Envelope
	for _, env := range c.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type fakePeer struct {
	cfg peer.Config

	mu       sync.Mutex
	started  bool
	restarts int
	closed   bool
	offers   []signaling.SDP
	answers  []signaling.SDP
	cands    []signaling.Candidate
}

func (p *fakePeer) Start() error {
	p.mu.Lock()
	p.started = true
	initiator := p.cfg.Initiator
	p.mu.Unlock()
	if initiator && p.cfg.OnLocalSDP != nil {
		p.cfg.OnLocalSDP(signaling.SDP{Type: "offer", SDP: "v=0 fake-offer"})
	}
	return nil
}

func (p *fakePeer) HandleOffer(sdp signaling.SDP) error {
	p.mu.Lock()
	p.offers = append(p.offers, sdp)
	p.mu.Unlock()
	if p.cfg.OnLocalSDP != nil {
		p.cfg.OnLocalSDP(signaling.SDP{Type: "answer", SDP: "v=0 fake-answer"})
	}
	return nil
}

func (p *fakePeer) HandleAnswer(sdp signaling.SDP) error {
	p.mu.Lock()
	p.answers = append(p.answers, sdp)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) HandleCandidate(c signaling.Candidate) error {
	p.mu.Lock()
	p.cands = append(p.cands, c)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) RestartICE() error {
	p.mu.Lock()
	p.restarts++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	if p.cfg.OnRemoteStreamCleared != nil {
		p.cfg.OnRemoteStreamCleared()
	}
	return nil
}

type fakePeerFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakePeerFactory) new(cfg peer.Config) (PeerHandle, error) {
	p := &fakePeer{cfg: cfg}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakePeerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakePeerFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

func okCapture(media.Constraints) (mediadevices.MediaStream, error) {
	return nil, nil
}

type harness struct {
	o       *Orchestrator
	conn    *fakeConn
	peers   *fakePeerFactory
	states  chan State
	errs    chan *SessionError
	runDone chan error
}

// newHarness builds an orchestrator with fast timeouts against the fake
// conn; the conn auto-confirms the room join. Run is not started yet.
func newHarness(t *testing.T, mutate func(cfg *Config)) *harness {
	t.Helper()

	h := &harness{
		conn:    newFakeConn(),
		peers:   &fakePeerFactory{},
		states:  make(chan State, 64),
		errs:    make(chan *SessionError, 4),
		runDone: make(chan error, 1),
	}

	h.conn.onSend = func(env signaling.Envelope) {
		if env.Type == signaling.TypeJoinRoom {
			h.conn.deliver(signaling.Envelope{
				Type:             signaling.TypeMembershipChanged,
				RoomID:           env.RoomID,
				UserID:           "conn-self",
				UserName:         env.UserName,
				Role:             env.Role,
				Timestamp:        env.Timestamp,
				Participants:     []string{env.UserName},
				ParticipantCount: 1,
			})
		}
	}

	cfg := Config{
		ServerURL: "ws://fake/ws",
		RoomID:    "R1",
		UserName:  "Alice",
		Role:      "host",
		Log:       discardLog(),
		Dial: func(ctx context.Context, url string, meta signalclient.Meta) (signalclient.Conn, error) {
			return h.conn, nil
		},
		Capture: okCapture,
		NewPeer: h.peers.new,

		ConnectTimeout:    time.Second,
		ConnectRetries:    2,
		RetryDelay:        10 * time.Millisecond,
		JoinTimeout:       time.Second,
		HeartbeatInterval: time.Hour,

		OnStateChange: func(from, to State) { h.states <- to },
		OnError:       func(err *SessionError) { h.errs <- err },
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h.o = New(cfg)
	t.Cleanup(h.o.Close)
	return h
}

func (h *harness) start() {
	go func() { h.runDone <- h.o.Run(context.Background()) }()
}

func startSession(t *testing.T, mutate func(cfg *Config)) *harness {
	t.Helper()
	h := newHarness(t, mutate)
	h.start()
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-h.states:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("never reached state %s (now %s)", want, h.o.State())
		}
	}
}

func secondParticipant(h *harness) {
	h.conn.deliver(signaling.Envelope{
		Type:             signaling.TypeMembershipChanged,
		RoomID:           "R1",
		UserID:           "conn-peer",
		UserName:         "Bob",
		Participants:     []string{"Alice", "Bob"},
		ParticipantCount: 2,
	})
}

func TestHappyPathHostReachesReady(t *testing.T) {
	h := startSession(t, nil)

	h.waitState(t, StateMediaReady)
	if got := h.o.Diagnostics(); !got.SocketConnected || !got.RoomJoined || !got.MediaGranted {
		t.Fatalf("diagnostics=%+v after media", got)
	}

	secondParticipant(h)
	h.waitState(t, StateCreatingPeer)

	p := h.peers.last()
	if p == nil || !p.started || !p.cfg.Initiator {
		t.Fatalf("host peer=%+v, want started initiator", p)
	}

	// The initiator's offer must have gone out over signaling.
	deadline := time.After(time.Second)
	for len(h.conn.sentOfType(signaling.TypeOffer)) == 0 {
		select {
		case <-deadline:
			t.Fatalf("no offer sent")
		case <-time.After(5 * time.Millisecond):
		}
	}

	p.cfg.OnICEState(webrtc.ICEConnectionStateConnected)
	p.cfg.OnConnectionState(webrtc.PeerConnectionStateConnected)

	h.waitState(t, StatePeerConnected)
	h.waitState(t, StateReady)

	got := h.o.Diagnostics()
	if !got.PeerConnected || !got.ICEConnected {
		t.Fatalf("diagnostics=%+v, want peerConnected and iceConnected", got)
	}
}

func TestGuestWaitsForOfferAndAnswers(t *testing.T) {
	h := startSession(t, func(cfg *Config) {
		cfg.Role = "guest"
		cfg.UserName = "Bob"
	})

	h.waitState(t, StateMediaReady)
	secondParticipant(h)
	h.waitState(t, StateCreatingPeer)

	p := h.peers.last()
	if p.cfg.Initiator {
		t.Fatalf("guest peer is initiator")
	}
	if n := len(h.conn.sentOfType(signaling.TypeOffer)); n != 0 {
		t.Fatalf("guest sent %d offers, want 0", n)
	}

	h.conn.deliver(signaling.Envelope{
		Type:   signaling.TypeOffer,
		RoomID: "R1",
		From:   "conn-peer",
		SDP:    &signaling.SDP{Type: "offer", SDP: "v=0 remote"},
	})

	deadline := time.After(time.Second)
	for len(h.conn.sentOfType(signaling.TypeAnswer)) == 0 {
		select {
		case <-deadline:
			t.Fatalf("no answer sent in response to offer")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestOfferBeforePeerExistsIsBuffered(t *testing.T) {
	release := make(chan struct{})
	h := startSession(t, func(cfg *Config) {
		cfg.Role = "guest"
		cfg.Capture = func(media.Constraints) (mediadevices.MediaStream, error) {
			<-release
			return nil, nil
		}
	})

	h.waitState(t, StateRequestingMedia)

	// Offer arrives while the media stage is still outstanding.
	secondParticipant(h)
	h.conn.deliver(signaling.Envelope{
		Type:   signaling.TypeOffer,
		RoomID: "R1",
		From:   "conn-peer",
		SDP:    &signaling.SDP{Type: "offer", SDP: "v=0 early"},
	})
	time.Sleep(20 * time.Millisecond)
	close(release)

	h.waitState(t, StateCreatingPeer)
	deadline := time.After(time.Second)
	for {
		p := h.peers.last()
		if p != nil {
			p.mu.Lock()
			n := len(p.offers)
			p.mu.Unlock()
			if n == 1 {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("buffered offer never replayed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConnectRetriesExhaustedYieldsConnectionFailed(t *testing.T) {
	dials := 0
	h := startSession(t, func(cfg *Config) {
		cfg.Dial = func(ctx context.Context, url string, meta signalclient.Meta) (signalclient.Conn, error) {
			dials++
			return nil, errors.New("connection refused")
		}
		cfg.ConnectRetries = 5
	})

	err := <-h.runDone
	var serr *SessionError
	if !errors.As(err, &serr) {
		t.Fatalf("err=%v, want SessionError", err)
	}
	if h.o.State() != StateConnectionFailed {
		t.Fatalf("state=%s, want connection_failed", h.o.State())
	}
	if serr.Context != diag.ContextSignalingConnect || len(serr.Suggestions) == 0 {
		t.Fatalf("serr=%+v, want signaling-connect context with suggestions", serr)
	}
	if dials != 5 || h.o.Attempts() != 5 {
		t.Fatalf("dials=%d attempts=%d, want 5", dials, h.o.Attempts())
	}
}

func TestJoinTimeoutSurfacesRoomJoinError(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.JoinTimeout = 50 * time.Millisecond
	})
	// Swallow the join so no confirmation ever comes back.
	h.conn.onSend = nil
	h.start()

	err := <-h.runDone
	var serr *SessionError
	if !errors.As(err, &serr) || serr.Context != diag.ContextRoomJoin {
		t.Fatalf("err=%v, want room-join SessionError", err)
	}
	if h.o.State() != StateError {
		t.Fatalf("state=%s, want error", h.o.State())
	}
}

func TestMediaPermissionDenialSurfacesDistinctContext(t *testing.T) {
	h := startSession(t, func(cfg *Config) {
		cfg.Capture = func(media.Constraints) (mediadevices.MediaStream, error) {
			return nil, &media.PermissionError{Err: errors.New("denied")}
		}
	})

	err := <-h.runDone
	var serr *SessionError
	if !errors.As(err, &serr) || serr.Context != diag.ContextMediaPermission {
		t.Fatalf("err=%v, want media-permission SessionError", err)
	}
}

func TestScanWhileAloneIsSilentNoOp(t *testing.T) {
	h := startSession(t, nil)
	h.waitState(t, StateMediaReady)

	h.o.SendScan(signaling.ScanTypeFace, "scanning face")
	time.Sleep(50 * time.Millisecond)

	if n := len(h.conn.sentOfType(signaling.TypeScanNotification)); n != 0 {
		t.Fatalf("sent %d scan notifications while alone, want 0", n)
	}
	select {
	case serr := <-h.errs:
		t.Fatalf("unexpected surfaced error: %v", serr)
	default:
	}
}

func TestScanWithPeerIsSentWithDefaults(t *testing.T) {
	h := startSession(t, nil)
	h.waitState(t, StateMediaReady)
	secondParticipant(h)
	h.waitState(t, StateCreatingPeer)

	h.o.SendScan(signaling.ScanTypeHand, "scanning hand")

	deadline := time.After(time.Second)
	for {
		if sent := h.conn.sentOfType(signaling.TypeScanNotification); len(sent) == 1 {
			scan := sent[0].Scan
			if scan.Type != signaling.ScanTypeHand || scan.DurationMs != signaling.DefaultScanDurationMs {
				t.Fatalf("scan=%+v", scan)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("scan notification never sent")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSelfDeliveredScanIsIgnored(t *testing.T) {
	var mu sync.Mutex
	var received []string
	h := startSession(t, func(cfg *Config) {
		cfg.OnScan = func(scan signaling.Scan, fromName string) {
			mu.Lock()
			received = append(received, fromName)
			mu.Unlock()
		}
	})
	h.waitState(t, StateMediaReady)

	h.conn.deliver(signaling.Envelope{
		Type:   signaling.TypeScanNotification,
		RoomID: "R1",
		From:   "conn-self", // own connection id
		Scan:   &signaling.Scan{Type: signaling.ScanTypeFace, Message: "echo"},
	})
	h.conn.deliver(signaling.Envelope{
		Type:     signaling.TypeScanNotification,
		RoomID:   "R1",
		From:     "conn-peer",
		FromName: "Bob",
		Scan:     &signaling.Scan{Type: signaling.ScanTypeFace, Message: "real"},
	})

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		got := append([]string(nil), received...)
		mu.Unlock()
		if len(got) >= 1 {
			if len(got) != 1 || got[0] != "Bob" {
				t.Fatalf("received=%v, want just [Bob]", got)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("peer scan never delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestUserLeftTearsDownPeerAndClearsStream(t *testing.T) {
	var mu sync.Mutex
	cleared := 0
	h := startSession(t, func(cfg *Config) {
		cfg.OnRemoteStreamCleared = func() {
			mu.Lock()
			cleared++
			mu.Unlock()
		}
	})
	h.waitState(t, StateMediaReady)
	secondParticipant(h)
	h.waitState(t, StateCreatingPeer)
	p := h.peers.last()
	p.cfg.OnConnectionState(webrtc.PeerConnectionStateConnected)
	h.waitState(t, StateReady)

	h.conn.deliver(signaling.Envelope{
		Type:             signaling.TypeUserLeft,
		RoomID:           "R1",
		UserID:           "conn-peer",
		UserName:         "Bob",
		Participants:     []string{"Alice"},
		ParticipantCount: 1,
	})

	h.waitState(t, StateMediaReady)
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if !closed {
		t.Fatalf("peer not closed after user-left")
	}
	mu.Lock()
	got := cleared
	mu.Unlock()
	if got == 0 {
		t.Fatalf("remote stream never cleared")
	}
}

func TestFailedTransportIsRecreated(t *testing.T) {
	h := startSession(t, nil)
	h.waitState(t, StateMediaReady)
	secondParticipant(h)
	h.waitState(t, StateCreatingPeer)

	first := h.peers.last()
	first.cfg.OnConnectionState(webrtc.PeerConnectionStateFailed)

	deadline := time.After(time.Second)
	for h.peers.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("peer never recreated after transport failure (count=%d)", h.peers.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if !closed {
		t.Fatalf("failed peer not closed before recreation")
	}
	select {
	case serr := <-h.errs:
		t.Fatalf("recreation surfaced an error: %v", serr)
	default:
	}
}

func TestICEOnlyFailureRestartsInPlace(t *testing.T) {
	h := startSession(t, nil)
	h.waitState(t, StateMediaReady)
	secondParticipant(h)
	h.waitState(t, StateCreatingPeer)

	p := h.peers.last()
	p.cfg.OnICEState(webrtc.ICEConnectionStateFailed)

	deadline := time.After(time.Second)
	for {
		p.mu.Lock()
		restarts := p.restarts
		p.mu.Unlock()
		if restarts == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("ice restart never requested")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if h.peers.count() != 1 {
		t.Fatalf("ice failure recreated the peer (count=%d), want restart in place", h.peers.count())
	}
}

func TestNoMediaSessionIsReceiveOnly(t *testing.T) {
	h := startSession(t, func(cfg *Config) {
		cfg.NoMedia = true
		cfg.Capture = nil
	})

	h.waitState(t, StateMediaReady)
	if n := len(h.conn.sentOfType(signaling.TypeMediaReady)); n != 0 {
		t.Fatalf("receive-only session announced media-ready %d times, want 0", n)
	}

	secondParticipant(h)
	h.waitState(t, StateCreatingPeer)

	p := h.peers.last()
	if p == nil {
		t.Fatalf("no peer created without local media")
	}
	if len(p.cfg.LocalTracks) != 0 {
		t.Fatalf("receive-only peer carries %d local tracks, want 0", len(p.cfg.LocalTracks))
	}

	p.cfg.OnConnectionState(webrtc.PeerConnectionStateConnected)
	h.waitState(t, StateReady)

	select {
	case serr := <-h.errs:
		t.Fatalf("receive-only session surfaced error: %v", serr)
	default:
	}
}

func TestJoinConfirmationMatchesEchoedTimestamp(t *testing.T) {
	h := newHarness(t, nil)
	h.conn.onSend = func(env signaling.Envelope) {
		if env.Type != signaling.TypeJoinRoom {
			return
		}
		// Another participant with the same display name joined a moment
		// earlier; its confirmation carries a different echoed timestamp.
		h.conn.deliver(signaling.Envelope{
			Type:             signaling.TypeMembershipChanged,
			RoomID:           env.RoomID,
			UserID:           "conn-other",
			UserName:         env.UserName,
			Role:             env.Role,
			Timestamp:        env.Timestamp - 1,
			Participants:     []string{env.UserName},
			ParticipantCount: 1,
		})
		h.conn.deliver(signaling.Envelope{
			Type:             signaling.TypeMembershipChanged,
			RoomID:           env.RoomID,
			UserID:           "conn-self",
			UserName:         env.UserName,
			Role:             env.Role,
			Timestamp:        env.Timestamp,
			Participants:     []string{env.UserName, env.UserName},
			ParticipantCount: 2,
		})
	}
	h.start()

	h.waitState(t, StateRoomJoined)
	if got := h.o.selfIDSnapshot(); got != "conn-self" {
		t.Fatalf("selfID=%q, want conn-self (name collision must not claim the other confirmation)", got)
	}
}

func TestTeardownClearedCallbackDoesNotBlockOnFullEventBuffer(t *testing.T) {
	var mu sync.Mutex
	cleared := 0
	h := newHarness(t, func(cfg *Config) {
		cfg.OnRemoteStreamCleared = func() {
			mu.Lock()
			cleared++
			mu.Unlock()
		}
	})

	// Drive the orchestrator directly instead of through Run: the point is
	// that teardown must not depend on the event loop draining peerEvents.
	h.o.conn = h.conn
	h.o.acq = &media.Acquisition{}
	h.o.peerCount = 2
	h.o.state = StateMediaReady
	h.o.createPeer()

	// Saturate the transport event buffer, as a burst of state callbacks
	// from the peer would.
	for i := 0; i < cap(h.o.peerEvents); i++ {
		h.o.peerEvents <- peerEvent{}
	}

	done := make(chan struct{})
	go func() {
		h.o.teardownPeer()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("teardown blocked with the event buffer full")
	}

	mu.Lock()
	got := cleared
	mu.Unlock()
	if got != 1 {
		t.Fatalf("cleared callbacks=%d, want 1", got)
	}
}

func TestCloseMakesLateMediaCompletionNoOp(t *testing.T) {
	release := make(chan struct{})
	h := startSession(t, func(cfg *Config) {
		cfg.Capture = func(media.Constraints) (mediadevices.MediaStream, error) {
			<-release
			return nil, nil
		}
	})
	h.waitState(t, StateRequestingMedia)

	h.o.Close()
	if err := <-h.runDone; err != nil {
		t.Fatalf("Run returned %v after Close, want nil", err)
	}
	close(release)
	time.Sleep(50 * time.Millisecond)

	if n := len(h.conn.sentOfType(signaling.TypeMediaReady)); n != 0 {
		t.Fatalf("disposed session announced media-ready %d times", n)
	}
	if h.o.State() == StateMediaReady {
		t.Fatalf("late media completion resurrected a disposed session")
	}
}
