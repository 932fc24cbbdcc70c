// Package signalclient is the client half of the signaling protocol: a
// websocket connection that speaks signaling envelopes, with background
// read/write pumps and keepalive pings.
package signalclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veridium/scanmeet/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// incomingBuffer absorbs bursts (a join immediately followed by a relay)
	// without blocking the read pump.
	incomingBuffer = 16
)

// Meta is the diagnostic handshake metadata sent as query parameters. The
// server logs it; it carries no authority.
type Meta struct {
	ClientType string
	Role       string
	Attempt    int
}

// Conn is a connected signaling session. The concrete implementation is a
// websocket; session logic depends on this interface so tests can substitute
// an in-memory fake.
type Conn interface {
	// Send queues an envelope for delivery. It fails once the connection is
	// closed or the peer has gone away.
	Send(env signaling.Envelope) error
	// Incoming delivers server envelopes in arrival order. The channel is
	// closed when the connection dies, however that happens.
	Incoming() <-chan signaling.Envelope
	Close() error
}

// Dialer opens signaling connections. Swappable in tests.
type Dialer func(ctx context.Context, serverURL string, meta Meta) (Conn, error)

type wsConn struct {
	sock     *websocket.Conn
	incoming chan signaling.Envelope
	outgoing chan signaling.Envelope
	done     chan struct{}

	closeOnce sync.Once
}

// Dial connects to the signaling server, attaches handshake metadata, and
// starts the connection pumps. The ctx bounds the handshake only.
func Dial(ctx context.Context, serverURL string, meta Meta) (Conn, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling URL: %w", err)
	}
	q := u.Query()
	if meta.ClientType != "" {
		q.Set("clientType", meta.ClientType)
	}
	if meta.Role != "" {
		q.Set("role", meta.Role)
	}
	if meta.Attempt > 0 {
		q.Set("attempt", strconv.Itoa(meta.Attempt))
	}
	q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	u.RawQuery = q.Encode()

	sock, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connect to signaling server: %w", err)
	}

	c := &wsConn{
		sock:     sock,
		incoming: make(chan signaling.Envelope, incomingBuffer),
		outgoing: make(chan signaling.Envelope, 1),
		done:     make(chan struct{}),
	}

	sock.SetReadLimit(maxMessageSize)
	sock.SetPongHandler(func(string) error {
		return sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

func (c *wsConn) readPump() {
	defer func() {
		_ = c.sock.Close()
		close(c.incoming)
	}()

	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))

		// Server-to-client envelopes have their own shapes; decode loosely and
		// skip anything unintelligible rather than dropping the connection.
		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			continue
		}

		select {
		case c.incoming <- env:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()

	for {
		select {
		case env := <-c.outgoing:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteJSON(env); err != nil {
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

func (c *wsConn) Send(env signaling.Envelope) error {
	select {
	case c.outgoing <- env:
		return nil
	case <-c.done:
		return fmt.Errorf("signaling connection closed")
	case <-time.After(writeWait):
		return fmt.Errorf("signaling send timed out")
	}
}

func (c *wsConn) Incoming() <-chan signaling.Envelope {
	return c.incoming
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
