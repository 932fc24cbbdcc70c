// Package orchestrator drives one user's session end to end: signaling
// connect with bounded retries, room join, media acquisition, peer
// negotiation, heartbeats, and scan notifications. The session is an explicit
// state machine and every transition is logged with the session role.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"

	"github.com/veridium/scanmeet/internal/diag"
	"github.com/veridium/scanmeet/internal/media"
	"github.com/veridium/scanmeet/internal/peer"
	"github.com/veridium/scanmeet/internal/signalclient"
	"github.com/veridium/scanmeet/internal/signaling"
)

// State is the session's position in the connection sequence.
type State string

const (
	StateIdle                State = "idle"
	StateConnectingSignaling State = "connecting_signaling"
	StateSignalingConnected  State = "signaling_connected"
	StateJoiningRoom         State = "joining_room"
	StateRoomJoined          State = "room_joined"
	StateRequestingMedia     State = "requesting_media"
	StateMediaReady          State = "media_ready"
	StateCreatingPeer        State = "creating_peer_connection"
	StatePeerConnected       State = "peer_connected"
	StateReady               State = "ready"
	StateError               State = "error"
	StateDisconnected        State = "disconnected"
	StateConnectionFailed    State = "connection_failed"
)

const (
	defaultConnectTimeout    = 30 * time.Second
	defaultConnectRetries    = 5
	defaultRetryDelay        = 2 * time.Second
	defaultJoinTimeout       = 15 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

// PeerHandle is the orchestrator's view of one peer connection. The real
// implementation is *peer.Manager; tests substitute a fake.
type PeerHandle interface {
	Start() error
	HandleOffer(sdp signaling.SDP) error
	HandleAnswer(sdp signaling.SDP) error
	HandleCandidate(c signaling.Candidate) error
	RestartICE() error
	Close() error
}

// PeerFactory builds a peer connection with the orchestrator's callbacks
// installed.
type PeerFactory func(cfg peer.Config) (PeerHandle, error)

func defaultPeerFactory(cfg peer.Config) (PeerHandle, error) {
	return peer.New(cfg)
}

// Config describes one session.
type Config struct {
	ServerURL string // websocket signaling endpoint
	HealthURL string // health endpoint probed for the serverReachable flag
	RoomID    string
	UserName  string
	// Role decides who initiates negotiation: the host produces the first
	// offer, the guest waits for one. Role is an explicit input, never
	// assigned randomly.
	Role string

	// NoMedia runs a receive-only session: the media acquisition stage is
	// skipped entirely, no media-ready announcement is sent, and the peer
	// connection negotiates recvonly transceivers.
	NoMedia bool

	Log *slog.Logger

	// Seams, all optional: real implementations are the defaults.
	Dial        signalclient.Dialer
	Capture     media.CaptureFunc
	Ladder      []media.Constraints
	NewPeer     PeerFactory
	ICEServers  []webrtc.ICEServer
	HTTPClient  *http.Client
	LocalTracks func(acq *media.Acquisition) []webrtc.TrackLocal

	ConnectTimeout    time.Duration
	ConnectRetries    int
	RetryDelay        time.Duration
	JoinTimeout       time.Duration
	HeartbeatInterval time.Duration

	// Consumer callbacks, invoked from the orchestrator's own goroutine.
	OnStateChange         func(from, to State)
	OnScan                func(scan signaling.Scan, fromName string)
	OnRemoteTrack         func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	OnRemoteStreamCleared func()
	OnError               func(err *SessionError)
}

// Orchestrator is the session state machine. Logically single-threaded: all
// state mutation happens on the Run goroutine; public methods communicate
// with it through channels.
type Orchestrator struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	state    State
	attempts int
	lastErr  *SessionError
	diags    diag.Snapshot
	disposed bool

	conn   signalclient.Conn
	selfID string

	peerCount int
	peerConn  PeerHandle
	acq       *media.Acquisition
	// Relayed negotiation messages that arrived before the peer connection
	// existed; replayed on creation.
	pendingRemote []signaling.Envelope

	peerEvents chan peerEvent
	commands   chan command

	closeOnce sync.Once
	closed    chan struct{}
}

type peerEventKind int

const (
	evConnState peerEventKind = iota
	evICEState
)

type peerEvent struct {
	kind      peerEventKind
	connState webrtc.PeerConnectionState
	iceState  webrtc.ICEConnectionState
}

type command struct {
	scanType string
	message  string
}

// New builds an idle session. Run starts it.
func New(cfg Config) *Orchestrator {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Dial == nil {
		cfg.Dial = signalclient.Dial
	}
	if cfg.NewPeer == nil {
		cfg.NewPeer = defaultPeerFactory
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = defaultConnectRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	return &Orchestrator{
		cfg:        cfg,
		log:        cfg.Log.With("role", cfg.Role, "room", cfg.RoomID),
		state:      StateIdle,
		peerEvents: make(chan peerEvent, 16),
		commands:   make(chan command, 4),
		closed:     make(chan struct{}),
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Attempts returns the signaling connect attempt counter.
func (o *Orchestrator) Attempts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts
}

// Diagnostics returns the current snapshot.
func (o *Orchestrator) Diagnostics() diag.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.diags
}

// LastError returns the last surfaced session error, if any.
func (o *Orchestrator) LastError() *SessionError {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// SendScan queues a scan notification for other room members. Sending while
// alone is a silent no-op, not an error.
func (o *Orchestrator) SendScan(scanType, message string) {
	select {
	case o.commands <- command{scanType: scanType, message: message}:
	case <-o.closed:
	}
}

// Close disposes the session. Outstanding asynchronous stages become no-ops
// against the disposed instance; a late callback can never resurrect it.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.disposed = true
		o.mu.Unlock()
		close(o.closed)
	})
}

// Run drives the session until it reaches a terminal state, the context is
// cancelled, or Close is called. It returns nil on clean shutdown and the
// surfaced *SessionError otherwise.
func (o *Orchestrator) Run(ctx context.Context) error {
	conn, err := o.connectSignaling(ctx)
	if err != nil {
		return err
	}
	o.conn = conn
	defer conn.Close()

	if err := o.joinRoom(ctx, conn); err != nil {
		return err
	}

	var mediaCh chan mediaResult
	if o.cfg.NoMedia {
		// Receive-only: no devices to open, nothing to announce. The peer
		// connection will negotiate recvonly transceivers.
		o.log.Info("receive-only session, skipping media acquisition")
		o.setState(StateMediaReady)
		o.maybeCreatePeer()
	} else {
		// Media acquisition runs as an asynchronous stage: the event loop
		// keeps draining unrelated events while the devices open.
		o.setState(StateRequestingMedia)
		mediaCh = make(chan mediaResult, 1)
		go func() {
			acq, err := media.Acquire(o.log, o.capture(), o.cfg.Ladder)
			mediaCh <- mediaResult{acq: acq, err: err}
		}()
	}

	return o.loop(ctx, conn, mediaCh)
}

type mediaResult struct {
	acq *media.Acquisition
	err error
}

// capture returns the configured capture seam, or a degenerate one that fails
// every rung when no capture is available at all.
func (o *Orchestrator) capture() media.CaptureFunc {
	if o.cfg.Capture != nil {
		return o.cfg.Capture
	}
	return func(media.Constraints) (mediadevices.MediaStream, error) {
		return nil, errors.New("no capture backend configured")
	}
}

// connectSignaling is the bounded retry loop: up to ConnectRetries attempts,
// RetryDelay apart, each bounded by ConnectTimeout. Exhaustion lands in
// connection_failed, a terminal state distinct from error.
func (o *Orchestrator) connectSignaling(ctx context.Context) (signalclient.Conn, error) {
	o.setState(StateConnectingSignaling)

	var lastErr error
	for attempt := 1; attempt <= o.cfg.ConnectRetries; attempt++ {
		if o.isDisposed() {
			return nil, o.disposedErr()
		}

		o.mu.Lock()
		o.attempts = attempt
		o.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
		conn, err := o.cfg.Dial(dialCtx, o.cfg.ServerURL, signalclient.Meta{
			ClientType: "scanmeet-go",
			Role:       o.cfg.Role,
			Attempt:    attempt,
		})
		cancel()
		if err == nil {
			o.mu.Lock()
			o.diags.SocketConnected = true
			o.diags.ServerReachable = true
			o.mu.Unlock()
			o.setState(StateSignalingConnected)
			return conn, nil
		}

		lastErr = err
		o.log.Warn("signaling connect failed", "attempt", attempt, "err", err)

		if attempt < o.cfg.ConnectRetries {
			select {
			case <-time.After(o.cfg.RetryDelay):
			case <-ctx.Done():
				return nil, o.fail(StateConnectionFailed, diag.ContextSignalingConnect, "signaling connect cancelled", false, ctx.Err())
			case <-o.closed:
				return nil, o.disposedErr()
			}
		}
	}

	// Exhausted. Probe the health endpoint so the snapshot distinguishes a
	// down server from a broken websocket path.
	if o.cfg.HealthURL != "" {
		reachable := diag.ProbeServer(ctx, o.cfg.HTTPClient, o.cfg.HealthURL)
		o.mu.Lock()
		o.diags.ServerReachable = reachable
		o.mu.Unlock()
	}

	return nil, o.fail(StateConnectionFailed, diag.ContextSignalingConnect,
		fmt.Sprintf("could not reach signaling server after %d attempts", o.cfg.ConnectRetries), false, lastErr)
}

// joinRoom emits the join request and waits for the membership event naming
// this user. The join timeout surfaces immediately: no auto-retry here.
func (o *Orchestrator) joinRoom(ctx context.Context, conn signalclient.Conn) error {
	o.setState(StateJoiningRoom)

	// The relay echoes the join request's timestamp on the resulting
	// membership event, so the confirmation is matched exactly even when two
	// participants share a display name.
	joinTS := time.Now().UnixMilli()
	err := conn.Send(signaling.Envelope{
		Type:      signaling.TypeJoinRoom,
		RoomID:    o.cfg.RoomID,
		UserName:  o.cfg.UserName,
		Role:      o.cfg.Role,
		Timestamp: joinTS,
	})
	if err != nil {
		return o.fail(StateError, diag.ContextRoomJoin, "could not send join request", true, err)
	}

	timeout := time.NewTimer(o.cfg.JoinTimeout)
	defer timeout.Stop()

	for {
		select {
		case env, ok := <-conn.Incoming():
			if !ok {
				return o.fail(StateDisconnected, diag.ContextDisconnected, "signaling connection lost during join", true, nil)
			}
			if env.Type == signaling.TypeMembershipChanged && env.UserName == o.cfg.UserName && env.Timestamp == joinTS {
				o.mu.Lock()
				o.selfID = env.UserID
				o.diags.RoomJoined = true
				o.peerCount = env.ParticipantCount
				o.mu.Unlock()
				o.log.Info("room joined",
					"self", env.UserID,
					"participants", env.Participants,
					"count", env.ParticipantCount,
				)
				o.setState(StateRoomJoined)
				return nil
			}
			// Unrelated traffic keeps flowing while we wait.
			o.handleEnvelope(env)
		case <-timeout.C:
			return o.fail(StateError, diag.ContextRoomJoin,
				fmt.Sprintf("no membership confirmation within %s", o.cfg.JoinTimeout), true, nil)
		case <-ctx.Done():
			return o.fail(StateError, diag.ContextRoomJoin, "join cancelled", false, ctx.Err())
		case <-o.closed:
			return o.disposedErr()
		}
	}
}

// loop is the session event loop after join: media completion, signaling
// events, peer transport events, heartbeats, and local commands.
func (o *Orchestrator) loop(ctx context.Context, conn signalclient.Conn, mediaCh <-chan mediaResult) error {
	heartbeat := time.NewTicker(o.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	defer o.teardownPeer()

	for {
		select {
		case res := <-mediaCh:
			if o.isDisposed() {
				return o.disposedErr()
			}
			if err := o.onMediaResult(res); err != nil {
				return err
			}

		case env, ok := <-conn.Incoming():
			if !ok {
				if o.isDisposed() {
					return nil
				}
				return o.fail(StateDisconnected, diag.ContextDisconnected, "signaling connection lost", true, nil)
			}
			o.handleEnvelope(env)

		case ev := <-o.peerEvents:
			if o.isDisposed() {
				return o.disposedErr()
			}
			o.handlePeerEvent(ev)

		case cmd := <-o.commands:
			o.sendScan(cmd)

		case <-heartbeat.C:
			_ = conn.Send(signaling.Envelope{
				Type:      signaling.TypeHeartbeat,
				RoomID:    o.cfg.RoomID,
				Role:      o.cfg.Role,
				Timestamp: time.Now().UnixMilli(),
			})

		case <-ctx.Done():
			return nil

		case <-o.closed:
			return nil
		}
	}
}

func (o *Orchestrator) onMediaResult(res mediaResult) error {
	if res.err != nil {
		contextTag := diag.ContextMediaAccess
		var perm *media.PermissionError
		if errors.As(res.err, &perm) {
			contextTag = diag.ContextMediaPermission
		}
		return o.fail(StateError, contextTag, "could not acquire local media", true, res.err)
	}

	o.acq = res.acq
	o.mu.Lock()
	o.diags.MediaGranted = true
	o.mu.Unlock()
	o.setState(StateMediaReady)

	_ = o.conn.Send(signaling.Envelope{
		Type:      signaling.TypeMediaReady,
		RoomID:    o.cfg.RoomID,
		MediaInfo: &res.acq.Info,
		Timestamp: time.Now().UnixMilli(),
	})

	o.maybeCreatePeer()
	return nil
}

func (o *Orchestrator) handleEnvelope(env signaling.Envelope) {
	o.log.Debug("signaling event", "kind", string(env.Type), "from", env.From, "ts", time.Now().UnixMilli())

	switch env.Type {
	case signaling.TypeMembershipChanged:
		o.mu.Lock()
		o.peerCount = env.ParticipantCount
		o.mu.Unlock()
		o.log.Info("membership changed", "participants", env.Participants, "count", env.ParticipantCount)
		o.maybeCreatePeer()

	case signaling.TypeUserLeft:
		o.mu.Lock()
		o.peerCount = env.ParticipantCount
		o.mu.Unlock()
		o.log.Info("peer left room", "user", env.UserName, "remaining", env.ParticipantCount)
		if o.peerConn != nil {
			o.teardownPeer()
			if o.State() != StateError && o.State() != StateDisconnected {
				o.setState(StateMediaReady)
			}
		}

	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeICECandidate:
		o.handleNegotiation(env)

	case signaling.TypeScanNotification:
		// Self-delivery guard: never surface our own notification.
		if env.From != "" && env.From == o.selfIDSnapshot() {
			return
		}
		if env.Scan == nil {
			return
		}
		o.log.Info("scan notification received", "scan_type", env.Scan.Type, "from", env.FromName)
		if o.cfg.OnScan != nil {
			o.cfg.OnScan(*env.Scan, env.FromName)
		}

	case signaling.TypeHeartbeatAck:
		o.mu.Lock()
		if o.selfID == "" {
			o.selfID = env.ConnectionID
		}
		o.mu.Unlock()

	case signaling.TypePeerMediaReady:
		o.log.Info("peer media ready", "user", env.UserName, "info", env.MediaInfo)

	case signaling.TypeError:
		o.log.Warn("server error message", "code", env.Code, "message", env.Message)
	}
}

func (o *Orchestrator) handleNegotiation(env signaling.Envelope) {
	if o.peerConn == nil {
		// The host may offer before our peer connection exists (for a guest
		// still in the media stage). Buffer and replay on creation.
		o.pendingRemote = append(o.pendingRemote, env)
		return
	}

	var err error
	switch env.Type {
	case signaling.TypeOffer:
		err = o.peerConn.HandleOffer(*env.SDP)
	case signaling.TypeAnswer:
		err = o.peerConn.HandleAnswer(*env.SDP)
	case signaling.TypeICECandidate:
		err = o.peerConn.HandleCandidate(*env.Candidate)
	}
	if err != nil {
		o.log.Error("negotiation message failed", "kind", string(env.Type), "err", err)
	}
}

// maybeCreatePeer starts negotiation once media is ready (or skipped) and a
// second participant is present. Idempotent.
func (o *Orchestrator) maybeCreatePeer() {
	if o.peerConn != nil {
		return
	}
	if o.acq == nil && !o.cfg.NoMedia {
		return
	}
	o.mu.Lock()
	count := o.peerCount
	st := o.state
	o.mu.Unlock()
	if count < 2 || (st != StateMediaReady && st != StateRoomJoined) {
		return
	}
	o.createPeer()
}

func (o *Orchestrator) createPeer() {
	o.setState(StateCreatingPeer)

	var tracks []webrtc.TrackLocal
	if o.cfg.LocalTracks != nil && o.acq != nil {
		tracks = o.cfg.LocalTracks(o.acq)
	}

	pc, err := o.cfg.NewPeer(peer.Config{
		ICEServers:  o.cfg.ICEServers,
		Log:         o.log,
		Initiator:   o.cfg.Role == "host",
		LocalTracks: tracks,
		OnLocalSDP: func(sdp signaling.SDP) {
			kind := signaling.TypeOffer
			if sdp.Type == "answer" {
				kind = signaling.TypeAnswer
			}
			_ = o.conn.Send(signaling.Envelope{Type: kind, RoomID: o.cfg.RoomID, SDP: &sdp})
		},
		OnLocalCandidate: func(c signaling.Candidate) {
			_ = o.conn.Send(signaling.Envelope{Type: signaling.TypeICECandidate, RoomID: o.cfg.RoomID, Candidate: &c})
		},
		OnRemoteTrack: o.cfg.OnRemoteTrack,
		// Invoked synchronously from teardownPeer, which only ever runs on the
		// event-loop goroutine, so the callback fires in order with the other
		// consumer callbacks without a trip through peerEvents.
		OnRemoteStreamCleared: func() {
			if o.cfg.OnRemoteStreamCleared != nil {
				o.cfg.OnRemoteStreamCleared()
			}
		},
		OnConnectionState: func(state webrtc.PeerConnectionState) {
			select {
			case o.peerEvents <- peerEvent{kind: evConnState, connState: state}:
			case <-o.closed:
			}
		},
		OnICEState: func(state webrtc.ICEConnectionState) {
			select {
			case o.peerEvents <- peerEvent{kind: evICEState, iceState: state}:
			case <-o.closed:
			}
		},
	})
	if err != nil {
		o.log.Error("peer connection creation failed", "err", err)
		_ = o.fail(StateError, diag.ContextPeerNegotiation, "could not create peer connection", true, err)
		return
	}
	o.peerConn = pc

	// Replay negotiation traffic that arrived before the peer existed.
	pending := o.pendingRemote
	o.pendingRemote = nil
	for _, env := range pending {
		o.handleNegotiation(env)
	}

	if err := pc.Start(); err != nil {
		o.log.Error("peer negotiation start failed", "err", err)
		_ = o.fail(StateError, diag.ContextPeerNegotiation, "could not start negotiation", true, err)
	}
}

func (o *Orchestrator) handlePeerEvent(ev peerEvent) {
	switch ev.kind {
	case evConnState:
		switch ev.connState {
		case webrtc.PeerConnectionStateConnected:
			o.mu.Lock()
			o.diags.PeerConnected = true
			o.mu.Unlock()
			o.setState(StatePeerConnected)
			o.setState(StateReady)
		case webrtc.PeerConnectionStateFailed:
			// Unbounded but logged recreation: a failed transport is rebuilt
			// from scratch as long as the session lives.
			o.log.Warn("peer transport failed, recreating connection")
			o.mu.Lock()
			o.diags.PeerConnected = false
			o.diags.ICEConnected = false
			o.mu.Unlock()
			o.teardownPeer()
			o.setState(StateMediaReady)
			o.maybeCreatePeer()
		case webrtc.PeerConnectionStateDisconnected:
			o.log.Warn("peer transport disconnected, waiting for recovery")
		}

	case evICEState:
		switch ev.iceState {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			o.mu.Lock()
			o.diags.ICEConnected = true
			o.mu.Unlock()
		case webrtc.ICEConnectionStateFailed:
			// ICE-only failure heals in place; the transport is kept.
			o.mu.Lock()
			o.diags.ICEConnected = false
			o.mu.Unlock()
			if o.peerConn != nil {
				if err := o.peerConn.RestartICE(); err != nil {
					o.log.Error("ice restart failed", "err", err)
				}
			}
		}
	}
}

func (o *Orchestrator) sendScan(cmd command) {
	o.mu.Lock()
	alone := o.peerCount < 2
	o.mu.Unlock()
	if alone {
		// Silent no-op, not an error: there is nobody to notify.
		o.log.Debug("scan notification skipped, no other participants")
		return
	}

	err := o.conn.Send(signaling.Envelope{
		Type:   signaling.TypeScanNotification,
		RoomID: o.cfg.RoomID,
		Scan: &signaling.Scan{
			Type:       cmd.scanType,
			Message:    cmd.message,
			DurationMs: signaling.DefaultScanDurationMs,
		},
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		// Delivery is best-effort; failures are logged, never surfaced.
		o.log.Warn("scan notification send failed", "err", err)
	}
}

func (o *Orchestrator) teardownPeer() {
	if o.peerConn == nil {
		return
	}
	_ = o.peerConn.Close()
	o.peerConn = nil
}

func (o *Orchestrator) setState(to State) {
	o.mu.Lock()
	if o.disposed && to != StateDisconnected {
		o.mu.Unlock()
		return
	}
	from := o.state
	if from == to {
		o.mu.Unlock()
		return
	}
	o.state = to
	o.mu.Unlock()

	o.log.Info("session state", "from", string(from), "to", string(to), "ts", time.Now().UnixMilli())
	if o.cfg.OnStateChange != nil {
		o.cfg.OnStateChange(from, to)
	}
}

// fail records a SessionError, moves to the terminal state, and notifies the
// consumer. The returned error is the SessionError itself.
func (o *Orchestrator) fail(terminal State, contextTag, message string, recoverable bool, cause error) error {
	serr := &SessionError{
		Context:     contextTag,
		Message:     message,
		Recoverable: recoverable,
		Role:        o.cfg.Role,
		Diagnostics: o.Diagnostics(),
		Suggestions: diag.Suggestions(contextTag),
		Err:         cause,
	}

	o.mu.Lock()
	o.lastErr = serr
	o.mu.Unlock()

	o.log.Error("session failed",
		"context", contextTag,
		"message", message,
		"recoverable", recoverable,
		"diagnostics", serr.Diagnostics,
		"err", cause,
	)
	o.setState(terminal)
	if o.cfg.OnError != nil {
		o.cfg.OnError(serr)
	}
	return serr
}

func (o *Orchestrator) isDisposed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.disposed
}

func (o *Orchestrator) disposedErr() error {
	return errors.New("session disposed")
}

func (o *Orchestrator) selfIDSnapshot() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selfID
}
