package signaling

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veridium/scanmeet/internal/metrics"
	"github.com/veridium/scanmeet/internal/rooms"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func newTestServer(t *testing.T, reg *rooms.Registry) (*Server, string, func()) {
	t.Helper()
	if reg == nil {
		reg = rooms.NewRegistry(nil)
	}
	s := NewServer(ServerConfig{
		Registry:       reg,
		Metrics:        metrics.New(),
		ParticipantTTL: 5 * time.Minute,
		EmptyRoomTTL:   time.Hour,
	})
	ts := httptest.NewServer(s)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return s, wsURL, ts.Close
}

// testWS wraps a websocket connection with a background read pump so that
// waiting for silence does not poison the connection: gorilla/websocket makes
// every read after a read-deadline timeout return the same cached error.
type testWS struct {
	*websocket.Conn
	msgs chan []byte
}

func dial(t *testing.T, url string) *testWS {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	c := &testWS{Conn: ws, msgs: make(chan []byte, 16)}
	go func() {
		defer close(c.msgs)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			c.msgs <- data
		}
	}()
	return c
}

func send(t *testing.T, ws *testWS, env Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, ws *testWS) Envelope {
	t.Helper()
	select {
	case data, ok := <-ws.msgs:
		if !ok {
			t.Fatalf("read: connection closed")
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("read: timeout")
	}
	panic("unreachable")
}

// expectSilence asserts no message arrives within a short window.
func expectSilence(t *testing.T, ws *testWS) {
	t.Helper()
	select {
	case data, ok := <-ws.msgs:
		if ok {
			t.Fatalf("unexpected message: %s", data)
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func join(t *testing.T, ws *testWS, room, name, role string) Envelope {
	t.Helper()
	send(t, ws, Envelope{Type: TypeJoinRoom, RoomID: room, UserName: name, Role: role, Timestamp: time.Now().UnixMilli()})
	env := recv(t, ws)
	if env.Type != TypeMembershipChanged {
		t.Fatalf("after join got %s, want %s", env.Type, TypeMembershipChanged)
	}
	return env
}

func TestServer_JoinBroadcastsMembership(t *testing.T) {
	_, url, done := newTestServer(t, nil)
	defer done()

	alice := dial(t, url)
	m1 := join(t, alice, "R1", "Alice", "host")
	if m1.ParticipantCount != 1 || m1.RoomStats.Hosts != 1 {
		t.Fatalf("alice membership=%+v", m1)
	}

	bob := dial(t, url)
	m2 := join(t, bob, "R1", "Bob", "guest")

	// Both sides see the full two-person view.
	aliceView := recv(t, alice)
	for _, m := range []Envelope{m2, aliceView} {
		if m.Type != TypeMembershipChanged {
			t.Fatalf("got %s, want membership-changed", m.Type)
		}
		if len(m.Participants) != 2 || m.Participants[0] != "Alice" || m.Participants[1] != "Bob" {
			t.Fatalf("participants=%v, want [Alice Bob]", m.Participants)
		}
		want := rooms.RoomStats{Hosts: 1, Guests: 1, Total: 2}
		if m.RoomStats == nil || *m.RoomStats != want {
			t.Fatalf("roomStats=%+v, want %+v", m.RoomStats, want)
		}
	}
	if m2.UserName != "Bob" {
		t.Fatalf("join event userName=%q, want Bob", m2.UserName)
	}
}

func TestServer_JoinEchoesRequestTimestamp(t *testing.T) {
	_, url, done := newTestServer(t, nil)
	defer done()

	alice := dial(t, url)
	send(t, alice, Envelope{Type: TypeJoinRoom, RoomID: "R1", UserName: "Alice", Role: "host", Timestamp: 777})

	m := recv(t, alice)
	if m.Type != TypeMembershipChanged {
		t.Fatalf("got %s, want %s", m.Type, TypeMembershipChanged)
	}
	if m.Timestamp != 777 {
		t.Fatalf("timestamp=%d, want the request's 777 echoed back", m.Timestamp)
	}
}

func TestServer_RelayNeverEchoesToSender(t *testing.T) {
	_, url, done := newTestServer(t, nil)
	defer done()

	alice := dial(t, url)
	join(t, alice, "R1", "Alice", "host")
	bob := dial(t, url)
	join(t, bob, "R1", "Bob", "guest")
	recv(t, alice) // membership update for bob's join

	send(t, alice, Envelope{Type: TypeOffer, RoomID: "R1", SDP: &SDP{Type: "offer", SDP: "v=0 alice"}})

	got := recv(t, bob)
	if got.Type != TypeOffer || got.SDP == nil || got.SDP.SDP != "v=0 alice" {
		t.Fatalf("bob got %+v, want relayed offer", got)
	}
	if got.From == "" || got.FromName != "Alice" {
		t.Fatalf("relayed offer from=%q/%q, want sender annotation", got.From, got.FromName)
	}
	expectSilence(t, alice)

	send(t, bob, Envelope{Type: TypeAnswer, RoomID: "R1", SDP: &SDP{Type: "answer", SDP: "v=0 bob"}})
	back := recv(t, alice)
	if back.Type != TypeAnswer || back.FromName != "Bob" {
		t.Fatalf("alice got %+v, want relayed answer from Bob", back)
	}
	expectSilence(t, bob)
}

func TestServer_RelayFromNonMemberDropped(t *testing.T) {
	_, url, done := newTestServer(t, nil)
	defer done()

	alice := dial(t, url)
	join(t, alice, "R1", "Alice", "host")

	// Outsider never joined R1.
	outsider := dial(t, url)
	send(t, outsider, Envelope{Type: TypeOffer, RoomID: "R1", SDP: &SDP{Type: "offer", SDP: "v=0"}})

	expectSilence(t, alice)
}

func TestServer_ScanNotificationValidation(t *testing.T) {
	s, url, done := newTestServer(t, nil)
	defer done()

	alice := dial(t, url)
	join(t, alice, "R1", "Alice", "host")
	bob := dial(t, url)
	join(t, bob, "R1", "Bob", "guest")
	recv(t, alice)

	// Missing message: dropped silently, no error to sender.
	send(t, alice, Envelope{Type: TypeScanNotification, RoomID: "R1", Scan: &Scan{Type: ScanTypeFace}})
	expectSilence(t, bob)
	expectSilence(t, alice)
	if got := s.metrics.Get(metrics.DroppedInvalidScans); got != 1 {
		t.Fatalf("dropped_invalid_scans=%d, want 1", got)
	}

	// Valid scan: forwarded with sender annotation and defaulted duration.
	send(t, alice, Envelope{Type: TypeScanNotification, RoomID: "R1", Scan: &Scan{Type: ScanTypeFace, Message: "scanning face"}})
	got := recv(t, bob)
	if got.Type != TypeScanNotification || got.Scan == nil {
		t.Fatalf("bob got %+v, want scan", got)
	}
	if got.Scan.DurationMs != DefaultScanDurationMs {
		t.Fatalf("durationMs=%d, want default %d", got.Scan.DurationMs, DefaultScanDurationMs)
	}
	if got.FromName != "Alice" || got.Timestamp == 0 {
		t.Fatalf("scan annotation from=%q ts=%d", got.FromName, got.Timestamp)
	}
	expectSilence(t, alice)

	// Dropped traffic must not have poisoned the connection.
	send(t, alice, Envelope{Type: TypeHeartbeat, RoomID: "R1", Timestamp: 42})
	if ack := recv(t, alice); ack.Type != TypeHeartbeatAck {
		t.Fatalf("after dropped scan, heartbeat ack=%+v", ack)
	}
}

func TestServer_ScanWhileAloneIsNoOp(t *testing.T) {
	s, url, done := newTestServer(t, nil)
	defer done()

	alice := dial(t, url)
	join(t, alice, "R1", "Alice", "host")

	send(t, alice, Envelope{Type: TypeScanNotification, RoomID: "R1", Scan: &Scan{Type: ScanTypeHand, Message: "hi"}})
	expectSilence(t, alice)
	if got := s.metrics.Get(metrics.RelayedScans); got != 0 {
		t.Fatalf("relayed_scans=%d, want 0 when alone", got)
	}
}

func TestServer_HeartbeatAck(t *testing.T) {
	_, url, done := newTestServer(t, nil)
	defer done()

	alice := dial(t, url)
	join(t, alice, "R1", "Alice", "host")

	send(t, alice, Envelope{Type: TypeHeartbeat, RoomID: "R1", Timestamp: 12345})
	ack := recv(t, alice)
	if ack.Type != TypeHeartbeatAck {
		t.Fatalf("got %s, want heartbeat-ack", ack.Type)
	}
	if ack.Timestamp != 12345 {
		t.Fatalf("ack timestamp=%d, want echo 12345", ack.Timestamp)
	}
	if ack.ConnectionID == "" || ack.ServerTime == 0 {
		t.Fatalf("ack=%+v, want connectionId and serverTime", ack)
	}
}

func TestServer_DisconnectBroadcastsUserLeft(t *testing.T) {
	_, url, done := newTestServer(t, nil)
	defer done()

	alice := dial(t, url)
	join(t, alice, "R1", "Alice", "host")
	bob := dial(t, url)
	join(t, bob, "R1", "Bob", "guest")
	recv(t, alice)

	bob.Close()

	left := recv(t, alice)
	if left.Type != TypeUserLeft || left.UserName != "Bob" {
		t.Fatalf("got %+v, want user-left for Bob", left)
	}
	if len(left.Participants) != 1 || left.Participants[0] != "Alice" {
		t.Fatalf("participants=%v, want [Alice]", left.Participants)
	}
	want := rooms.RoomStats{Hosts: 1, Guests: 0, Total: 1}
	if left.RoomStats == nil || *left.RoomStats != want {
		t.Fatalf("roomStats=%+v, want %+v", left.RoomStats, want)
	}
}

func TestServer_MalformedMessageGetsErrorAndConnectionSurvives(t *testing.T) {
	_, url, done := newTestServer(t, nil)
	defer done()

	alice := dial(t, url)
	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"join-room"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	errEnv := recv(t, alice)
	if errEnv.Type != TypeError || errEnv.Code != "bad-message" {
		t.Fatalf("got %+v, want bad-message error", errEnv)
	}

	join(t, alice, "R1", "Alice", "host")
}

func TestServer_SweepEvictsStaleParticipant(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	reg := rooms.NewRegistry(clock)
	s, url, done := newTestServer(t, reg)
	defer done()

	alice := dial(t, url)
	join(t, alice, "R1", "Alice", "host")
	bob := dial(t, url)
	join(t, bob, "R1", "Bob", "guest")
	recv(t, alice)

	// Bob goes silent; Alice keeps heartbeating.
	clock.now = clock.now.Add(3 * time.Minute)
	send(t, alice, Envelope{Type: TypeHeartbeat, RoomID: "R1", Timestamp: 1})
	recv(t, alice)

	clock.now = clock.now.Add(3 * time.Minute)
	s.sweepOnce()

	left := recv(t, alice)
	if left.Type != TypeUserLeft || left.UserName != "Bob" {
		t.Fatalf("got %+v, want swept user-left for Bob", left)
	}
	if reg.IsMember("R1", left.UserID) {
		t.Fatalf("swept participant still in registry")
	}
}
