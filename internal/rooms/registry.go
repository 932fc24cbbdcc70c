// Package rooms holds the authoritative in-memory room/participant registry.
//
// The registry is pure bookkeeping: it never performs I/O and never talks to
// websockets. Mutating operations return snapshots describing what changed;
// fanning those snapshots out to connected peers is the signaling relay's job.
// This keeps every room mutation atomic without holding the registry lock
// across network writes.
package rooms

import (
	"sort"
	"sync"
	"time"
)

// Role classifies a participant within a room.
type Role string

const (
	RoleHost    Role = "host"
	RoleGuest   Role = "guest"
	RoleUnknown Role = "unknown"
)

// ParseRole maps a wire role string onto a known Role.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleHost:
		return RoleHost
	case RoleGuest:
		return RoleGuest
	default:
		return RoleUnknown
	}
}

// MediaState tracks whether a participant has announced local media.
type MediaState string

const (
	MediaStateNone  MediaState = "none"
	MediaStateReady MediaState = "ready"
)

// MediaInfo describes the media a participant acquired. It is relayed
// verbatim to other room members and never interpreted by the server.
type MediaInfo struct {
	Audio     bool    `json:"audio"`
	Video     bool    `json:"video"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	FrameRate float64 `json:"frameRate,omitempty"`
}

// Participant is one connected user session within a room. A participant
// record is only ever written in response to that same connection's events.
type Participant struct {
	ConnectionID  string
	DisplayName   string
	Role          Role
	JoinedAt      time.Time
	MediaState    MediaState
	MediaInfo     *MediaInfo
	LastHeartbeat time.Time
}

// RoomStats is the per-role membership breakdown carried on membership events.
type RoomStats struct {
	Hosts  int `json:"hosts"`
	Guests int `json:"guests"`
	Total  int `json:"total"`
}

// Membership is the snapshot emitted for membership-changed and user-left
// events. MemberIDs lists the connection ids the event should be delivered
// to: every current member for a join (including the joiner), the remaining
// members for a leave.
type Membership struct {
	RoomID           string
	UserID           string
	UserName         string
	Role             Role
	Participants     []string
	ParticipantCount int
	Stats            RoomStats
	MemberIDs        []string
	RoomRemoved      bool
}

// MediaReady is the snapshot emitted when a participant announces media.
// MemberIDs lists every other member of the room.
type MediaReady struct {
	RoomID    string
	UserID    string
	UserName  string
	Role      Role
	MediaInfo *MediaInfo
	MemberIDs []string
}

// Clock abstracts time for sweep/heartbeat tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the Clock used in production.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

type room struct {
	id           string
	createdAt    time.Time
	hostID       string
	participants []*Participant
}

// Registry is the only globally shared mutable structure in the server. All
// operations take the registry mutex, mutate, build snapshots, and release;
// no operation performs I/O while holding it.
type Registry struct {
	clock Clock

	mu     sync.Mutex
	rooms  map[string]*room
	byConn map[string]string
}

// NewRegistry creates an empty registry. A nil clock means wall-clock time.
func NewRegistry(clock Clock) *Registry {
	if clock == nil {
		clock = RealClock{}
	}
	return &Registry{
		clock:  clock,
		rooms:  make(map[string]*room),
		byConn: make(map[string]string),
	}
}

// Join adds a connection to roomID, creating the room if it does not exist.
// A connection already present in the room is a no-op and reports changed ==
// false; the returned snapshot still describes the current membership so
// callers can re-confirm membership if they want to. A join from a connection
// that is already a member of a different room is dropped.
func (g *Registry) Join(connID, roomID, displayName string, role Role) (Membership, bool) {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.byConn[connID]; ok {
		if existing != roomID {
			return Membership{}, false
		}
		r := g.rooms[roomID]
		return membershipLocked(r, connID, displayName, role), false
	}

	r, ok := g.rooms[roomID]
	if !ok {
		r = &room{id: roomID, createdAt: now}
		g.rooms[roomID] = r
	}

	p := &Participant{
		ConnectionID:  connID,
		DisplayName:   displayName,
		Role:          role,
		JoinedAt:      now,
		MediaState:    MediaStateNone,
		LastHeartbeat: now,
	}
	r.participants = append(r.participants, p)
	if role == RoleHost && r.hostID == "" {
		r.hostID = connID
	}
	g.byConn[connID] = roomID

	return membershipLocked(r, connID, displayName, role), true
}

// Leave removes a connection from its room. The room is deleted the instant
// its participant list becomes empty.
func (g *Registry) Leave(connID string) (Membership, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leaveLocked(connID)
}

func (g *Registry) leaveLocked(connID string) (Membership, bool) {
	roomID, ok := g.byConn[connID]
	if !ok {
		return Membership{}, false
	}
	r := g.rooms[roomID]

	var leaver *Participant
	for i, p := range r.participants {
		if p.ConnectionID == connID {
			leaver = p
			r.participants = append(r.participants[:i], r.participants[i+1:]...)
			break
		}
	}
	delete(g.byConn, connID)
	if leaver == nil {
		return Membership{}, false
	}

	if r.hostID == connID {
		r.hostID = ""
		for _, p := range r.participants {
			if p.Role == RoleHost {
				r.hostID = p.ConnectionID
				break
			}
		}
	}

	m := membershipLocked(r, connID, leaver.DisplayName, leaver.Role)
	if len(r.participants) == 0 {
		delete(g.rooms, roomID)
		m.RoomRemoved = true
	}
	return m, true
}

// Heartbeat records liveness for a connection. Reports false for unknown
// connections.
func (g *Registry) Heartbeat(connID string) bool {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	p := g.participantLocked(connID)
	if p == nil {
		return false
	}
	p.LastHeartbeat = now
	return true
}

// SetMediaReady marks a participant's media as acquired and returns the
// snapshot to relay to the other room members.
func (g *Registry) SetMediaReady(connID string, info *MediaInfo) (MediaReady, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	roomID, ok := g.byConn[connID]
	if !ok {
		return MediaReady{}, false
	}
	r := g.rooms[roomID]
	p := g.participantLocked(connID)
	if p == nil {
		return MediaReady{}, false
	}
	p.MediaState = MediaStateReady
	p.MediaInfo = info

	return MediaReady{
		RoomID:    roomID,
		UserID:    connID,
		UserName:  p.DisplayName,
		Role:      p.Role,
		MediaInfo: info,
		MemberIDs: otherMembersLocked(r, connID),
	}, true
}

// IsMember reports whether connID is currently a participant of roomID.
func (g *Registry) IsMember(roomID, connID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.byConn[connID] == roomID
}

// OtherMembers returns the connection ids of every member of roomID except
// exceptID. Relay fan-out never echoes to the sender.
func (g *Registry) OtherMembers(roomID, exceptID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return nil
	}
	return otherMembersLocked(r, exceptID)
}

// Lookup returns a copy of the participant record and its room id.
func (g *Registry) Lookup(connID string) (Participant, string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	roomID, ok := g.byConn[connID]
	if !ok {
		return Participant{}, "", false
	}
	p := g.participantLocked(connID)
	if p == nil {
		return Participant{}, "", false
	}
	return *p, roomID, true
}

// Sweep purges participants whose last heartbeat is older than participantTTL
// (treated as abandoned even without an explicit disconnect). It also removes
// rooms that have sat empty longer than emptyRoomTTL, aged from creation:
// Leave deletes a room the instant it empties, so this branch only fires if
// that invariant is ever broken. It returns a user-left snapshot per purged
// participant, in purge order, plus the number of backstop-removed rooms.
func (g *Registry) Sweep(participantTTL, emptyRoomTTL time.Duration) ([]Membership, int) {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	var stale []string
	for connID := range g.byConn {
		p := g.participantLocked(connID)
		if p != nil && now.Sub(p.LastHeartbeat) > participantTTL {
			stale = append(stale, connID)
		}
	}
	sort.Strings(stale)

	var evicted []Membership
	for _, connID := range stale {
		if m, ok := g.leaveLocked(connID); ok {
			evicted = append(evicted, m)
		}
	}

	removed := 0
	for id, r := range g.rooms {
		if len(r.participants) == 0 && now.Sub(r.createdAt) > emptyRoomTTL {
			delete(g.rooms, id)
			removed++
		}
	}
	return evicted, removed
}

// Stats returns the current room and participant counts.
func (g *Registry) Stats() (roomCount, participantCount int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms), len(g.byConn)
}

// ParticipantSnapshot is the introspection view of a participant.
type ParticipantSnapshot struct {
	ConnectionID  string     `json:"connectionId"`
	DisplayName   string     `json:"displayName"`
	Role          Role       `json:"role"`
	JoinedAt      time.Time  `json:"joinedAt"`
	MediaState    MediaState `json:"mediaState"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
}

// RoomSnapshot is the introspection view of a room.
type RoomSnapshot struct {
	ID           string                `json:"id"`
	CreatedAt    time.Time             `json:"createdAt"`
	HostID       string                `json:"hostId,omitempty"`
	Stats        RoomStats             `json:"stats"`
	Participants []ParticipantSnapshot `json:"participants"`
}

// Rooms returns introspection snapshots for every room, sorted by id.
func (g *Registry) Rooms() []RoomSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]RoomSnapshot, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, snapshotLocked(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Room returns the introspection snapshot for one room.
func (g *Registry) Room(id string) (RoomSnapshot, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[id]
	if !ok {
		return RoomSnapshot{}, false
	}
	return snapshotLocked(r), true
}

func snapshotLocked(r *room) RoomSnapshot {
	snap := RoomSnapshot{
		ID:        r.id,
		CreatedAt: r.createdAt,
		HostID:    r.hostID,
		Stats:     statsOf(r),
	}
	for _, p := range r.participants {
		snap.Participants = append(snap.Participants, ParticipantSnapshot{
			ConnectionID:  p.ConnectionID,
			DisplayName:   p.DisplayName,
			Role:          p.Role,
			JoinedAt:      p.JoinedAt,
			MediaState:    p.MediaState,
			LastHeartbeat: p.LastHeartbeat,
		})
	}
	return snap
}

func (g *Registry) participantLocked(connID string) *Participant {
	roomID, ok := g.byConn[connID]
	if !ok {
		return nil
	}
	r, ok := g.rooms[roomID]
	if !ok {
		return nil
	}
	for _, p := range r.participants {
		if p.ConnectionID == connID {
			return p
		}
	}
	return nil
}

func membershipLocked(r *room, userID, userName string, role Role) Membership {
	names := make([]string, 0, len(r.participants))
	ids := make([]string, 0, len(r.participants))
	for _, p := range r.participants {
		names = append(names, p.DisplayName)
		ids = append(ids, p.ConnectionID)
	}
	return Membership{
		RoomID:           r.id,
		UserID:           userID,
		UserName:         userName,
		Role:             role,
		Participants:     names,
		ParticipantCount: len(r.participants),
		Stats:            statsOf(r),
		MemberIDs:        ids,
	}
}

func otherMembersLocked(r *room, exceptID string) []string {
	var out []string
	for _, p := range r.participants {
		if p.ConnectionID != exceptID {
			out = append(out, p.ConnectionID)
		}
	}
	return out
}

func statsOf(r *room) RoomStats {
	s := RoomStats{Total: len(r.participants)}
	for _, p := range r.participants {
		switch p.Role {
		case RoleHost:
			s.Hosts++
		case RoleGuest:
			s.Guests++
		}
	}
	return s
}
