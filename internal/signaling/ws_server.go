package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/veridium/scanmeet/internal/metrics"
	"github.com/veridium/scanmeet/internal/origin"
	"github.com/veridium/scanmeet/internal/ratelimit"
	"github.com/veridium/scanmeet/internal/rooms"
)

const (
	writeWait = 10 * time.Second

	// sendBuffer is the per-connection outbound queue. A slow reader gets
	// messages dropped (and logged) rather than stalling the whole room.
	sendBuffer = 64
)

// ServerConfig wires the relay's collaborators and limits.
type ServerConfig struct {
	Registry *rooms.Registry
	Metrics  *metrics.Metrics
	Log      *slog.Logger
	Origins  origin.Allowlist
	Clock    ratelimit.Clock

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	IdleTimeout          time.Duration
	PingInterval         time.Duration

	ParticipantTTL time.Duration
	EmptyRoomTTL   time.Duration
}

// Server is the signaling relay: it upgrades websocket connections, applies
// room mutations through the registry, and fans messages out to other room
// members. It never stores message history and never inspects media.
type Server struct {
	cfg      ServerConfig
	log      *slog.Logger
	registry *rooms.Registry
	metrics  *metrics.Metrics
	clock    ratelimit.Clock
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*conn
}

// NewServer builds the relay. Registry is required; nil Metrics/Log/Clock get
// safe defaults.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = 50
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}

	s := &Server{
		cfg:      cfg,
		log:      cfg.Log,
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		conns:    make(map[string]*conn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			ok := cfg.Origins.Allow(r.Header.Get("Origin"), r.Host)
			if !ok {
				s.metrics.Inc(metrics.RejectedOrigins)
				s.log.Warn("rejected websocket origin", "origin", r.Header.Get("Origin"), "host", r.Host)
			}
			return ok
		},
	}
	return s
}

// ActiveConnections returns the number of open signaling sockets.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

type conn struct {
	id   string
	sock *websocket.Conn
	send chan []byte
	done chan struct{}

	// Written only by this connection's own read loop.
	roomID   string
	userName string
	role     rooms.Role

	closeOnce sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ServeHTTP upgrades the request and runs the connection's read loop until
// disconnect. Handshake query parameters (clientType, role, attempt,
// timestamp) are diagnostic only and never used for authorization.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &conn{
		id:   uuid.NewString(),
		sock: sock,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		role: rooms.RoleUnknown,
	}

	q := r.URL.Query()
	s.log.Info("signaling connection accepted",
		"conn", c.id,
		"client_type", q.Get("clientType"),
		"role", q.Get("role"),
		"attempt", q.Get("attempt"),
	)
	s.metrics.Inc(metrics.ConnectionsAccepted)

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	go s.writePump(c)
	s.readLoop(c)
	s.disconnect(c)
}

func (s *Server) readLoop(c *conn) {
	c.sock.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = c.sock.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	rate := int64(s.cfg.MaxMessagesPerSecond)
	bucket := ratelimit.NewBucket(s.clock, rate, rate)

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("signaling read ended", "conn", c.id, "err", err)
			}
			return
		}
		_ = c.sock.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		if !bucket.Allow() {
			s.metrics.Inc(metrics.RateLimitedCloses)
			s.log.Warn("closing rate-limited signaling connection", "conn", c.id, "role", c.role)
			s.writeClose(c, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msg, err := ParseEnvelope(data)
		if err != nil {
			s.metrics.Inc(metrics.MalformedMessages)
			s.log.Debug("dropping malformed signaling message", "conn", c.id, "err", err)
			s.sendTo([]string{c.id}, Envelope{Type: TypeError, Code: "bad-message", Message: err.Error()})
			continue
		}

		s.handle(c, msg)
	}
}

func (s *Server) handle(c *conn, msg Envelope) {
	s.log.Debug("signaling message",
		"kind", string(msg.Type),
		"conn", c.id,
		"role", c.role,
		"room", msg.RoomID,
		"ts", s.nowMs(),
	)

	switch msg.Type {
	case TypeJoinRoom:
		s.handleJoin(c, msg)
	case TypeOffer:
		s.relay(c, msg, metrics.RelayedOffers)
	case TypeAnswer:
		s.relay(c, msg, metrics.RelayedAnswers)
	case TypeICECandidate:
		s.relay(c, msg, metrics.RelayedCandidates)
	case TypeMediaReady:
		s.handleMediaReady(c, msg)
	case TypeScanNotification:
		s.handleScan(c, msg)
	case TypeHeartbeat:
		s.handleHeartbeat(c, msg)
	}
}

func (s *Server) handleJoin(c *conn, msg Envelope) {
	role := rooms.ParseRole(msg.Role)
	m, changed := s.registry.Join(c.id, msg.RoomID, msg.UserName, role)
	if !changed && m.RoomID == "" {
		s.sendTo([]string{c.id}, Envelope{Type: TypeError, Code: "already-joined", Message: "connection is already a member of another room"})
		return
	}

	c.roomID = m.RoomID
	c.userName = msg.UserName
	c.role = role

	s.log.Info("participant joined",
		"room", m.RoomID,
		"conn", c.id,
		"name", msg.UserName,
		"role", role,
		"participants", m.ParticipantCount,
		"rejoin", !changed,
	)

	// Everyone in the room, joiner included, gets the fresh membership view.
	// The join request's timestamp is echoed back so the joiner can pick out
	// its own confirmation even when display names collide.
	env := membershipEnvelope(TypeMembershipChanged, m)
	env.Timestamp = msg.Timestamp
	s.sendTo(m.MemberIDs, env)
}

// relay forwards offer/answer/ice-candidate payloads to every other member
// of the room, annotated with the sender. Never echoed to the sender.
func (s *Server) relay(c *conn, msg Envelope, counter string) {
	if !s.registry.IsMember(msg.RoomID, c.id) {
		s.metrics.Inc(metrics.DroppedNonMember)
		s.log.Debug("dropping relay from non-member", "conn", c.id, "room", msg.RoomID, "kind", string(msg.Type))
		return
	}

	targets := s.registry.OtherMembers(msg.RoomID, c.id)
	if len(targets) == 0 {
		return
	}

	out := Envelope{
		Type:      msg.Type,
		RoomID:    msg.RoomID,
		SDP:       msg.SDP,
		Candidate: msg.Candidate,
		From:      c.id,
		FromName:  c.userName,
	}
	s.sendTo(targets, out)
	s.metrics.Inc(counter)
}

func (s *Server) handleMediaReady(c *conn, msg Envelope) {
	if !s.registry.IsMember(msg.RoomID, c.id) {
		s.metrics.Inc(metrics.DroppedNonMember)
		return
	}
	ev, ok := s.registry.SetMediaReady(c.id, msg.MediaInfo)
	if !ok {
		return
	}
	s.log.Info("participant media ready", "room", ev.RoomID, "conn", c.id, "role", ev.Role)
	if len(ev.MemberIDs) == 0 {
		return
	}
	s.sendTo(ev.MemberIDs, Envelope{
		Type:      TypePeerMediaReady,
		RoomID:    ev.RoomID,
		UserID:    ev.UserID,
		UserName:  ev.UserName,
		Role:      string(ev.Role),
		MediaInfo: ev.MediaInfo,
	})
	s.metrics.Inc(metrics.RelayedMediaReady)
}

// handleScan validates and forwards a scan notification. Invalid payloads
// and non-member sends are dropped without any reply; delivery is
// best-effort by design.
func (s *Server) handleScan(c *conn, msg Envelope) {
	if !s.registry.IsMember(msg.RoomID, c.id) {
		s.metrics.Inc(metrics.DroppedNonMember)
		s.log.Debug("dropping scan from non-member", "conn", c.id, "room", msg.RoomID)
		return
	}
	if msg.Scan == nil || !msg.Scan.Valid() {
		s.metrics.Inc(metrics.DroppedInvalidScans)
		s.log.Debug("dropping invalid scan notification", "conn", c.id, "room", msg.RoomID)
		return
	}

	targets := s.registry.OtherMembers(msg.RoomID, c.id)
	if len(targets) == 0 {
		return
	}

	scan := *msg.Scan
	if scan.DurationMs <= 0 {
		scan.DurationMs = DefaultScanDurationMs
	}
	s.sendTo(targets, Envelope{
		Type:      TypeScanNotification,
		RoomID:    msg.RoomID,
		Scan:      &scan,
		From:      c.id,
		FromName:  c.userName,
		Timestamp: s.nowMs(),
	})
	s.metrics.Inc(metrics.RelayedScans)
}

func (s *Server) handleHeartbeat(c *conn, msg Envelope) {
	s.registry.Heartbeat(c.id)
	s.metrics.Inc(metrics.HeartbeatsAcked)
	s.sendTo([]string{c.id}, Envelope{
		Type:         TypeHeartbeatAck,
		Timestamp:    msg.Timestamp,
		ConnectionID: c.id,
		ServerTime:   s.nowMs(),
	})
}

func (s *Server) disconnect(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	c.close()

	s.metrics.Inc(metrics.ConnectionsDisposed)

	m, ok := s.registry.Leave(c.id)
	if !ok {
		return
	}
	s.log.Info("participant left",
		"room", m.RoomID,
		"conn", c.id,
		"name", m.UserName,
		"role", m.Role,
		"room_removed", m.RoomRemoved,
	)
	if len(m.MemberIDs) > 0 {
		s.sendTo(m.MemberIDs, membershipEnvelope(TypeUserLeft, m))
	}
}

// RunSweeper periodically purges abandoned participants and lingering empty
// rooms, notifying surviving room members. Blocks until ctx is done.
func (s *Server) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Server) sweepOnce() {
	evicted, removedRooms := s.registry.Sweep(s.cfg.ParticipantTTL, s.cfg.EmptyRoomTTL)
	if len(evicted) == 0 && removedRooms == 0 {
		return
	}

	s.metrics.Add(metrics.SweptParticipants, uint64(len(evicted)))
	s.metrics.Add(metrics.SweptRooms, uint64(removedRooms))

	for _, m := range evicted {
		s.log.Warn("swept stale participant", "room", m.RoomID, "conn", m.UserID, "name", m.UserName, "role", m.Role)
		if len(m.MemberIDs) > 0 {
			s.sendTo(m.MemberIDs, membershipEnvelope(TypeUserLeft, m))
		}

		// Nudge the abandoned socket shut, if it is somehow still open.
		s.mu.Lock()
		stale := s.conns[m.UserID]
		s.mu.Unlock()
		if stale != nil {
			s.writeClose(stale, websocket.CloseGoingAway, "heartbeat timeout")
			_ = stale.sock.Close()
		}
	}
	if removedRooms > 0 {
		s.log.Warn("swept lingering empty rooms", "count", removedRooms)
	}
}

func membershipEnvelope(t MessageType, m rooms.Membership) Envelope {
	stats := m.Stats
	return Envelope{
		Type:             t,
		RoomID:           m.RoomID,
		UserID:           m.UserID,
		UserName:         m.UserName,
		Role:             string(m.Role),
		Participants:     m.Participants,
		ParticipantCount: m.ParticipantCount,
		RoomStats:        &stats,
	}
}

// sendTo marshals once and queues the envelope on each target connection.
// A full outbound buffer drops the message for that target only.
func (s *Server) sendTo(ids []string, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.log.Error("failed to marshal signaling message", "kind", string(env.Type), "err", err)
		return
	}

	s.mu.Lock()
	targets := make([]*conn, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			s.log.Warn("dropping message for slow consumer", "conn", c.id, "kind", string(env.Type))
		}
	}
}

func (s *Server) writePump(c *conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.sock.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Server) writeClose(c *conn, code int, reason string) {
	_ = c.sock.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

func (s *Server) nowMs() int64 {
	return s.clock.Now().UnixMilli()
}
