// Package diag holds the session diagnostics snapshot: the fixed set of
// boolean milestones used to explain connection failures, plus the
// remediation-suggestion catalog keyed by failure context.
package diag

import (
	"context"
	"net/http"
	"time"
)

// Snapshot is the connectivity self-check attached to every surfaced session
// error. Each flag flips true when its milestone is reached and back to false
// when the milestone is lost.
type Snapshot struct {
	ServerReachable bool `json:"serverReachable"`
	SocketConnected bool `json:"socketConnected"`
	RoomJoined      bool `json:"roomJoined"`
	MediaGranted    bool `json:"mediaGranted"`
	PeerConnected   bool `json:"peerConnected"`
	ICEConnected    bool `json:"iceConnected"`
}

// Failure context tags. Stable identifiers: they key the suggestion catalog
// and are matched by consumers, so they never change meaning.
const (
	ContextSignalingConnect = "signaling-connect"
	ContextRoomJoin         = "room-join"
	ContextMediaPermission  = "media-permission"
	ContextMediaAccess      = "media-access"
	ContextPeerNegotiation  = "peer-negotiation"
	ContextDisconnected     = "disconnected"
)

var suggestions = map[string][]string{
	ContextSignalingConnect: {
		"Check that the signaling server address is correct and the server is running.",
		"Verify your network connection and any firewall or proxy in the path.",
		"If the server sits behind TLS, make sure the URL uses wss://.",
	},
	ContextRoomJoin: {
		"Confirm the room identifier with the other participant.",
		"The server may be restarting; try joining again in a few seconds.",
	},
	ContextMediaPermission: {
		"Grant camera and microphone access in your system settings.",
		"Close other applications that may be holding the camera.",
	},
	ContextMediaAccess: {
		"Check that a camera is connected and not in use by another application.",
		"Try again with the camera unplugged and replugged.",
	},
	ContextPeerNegotiation: {
		"Both participants may be behind restrictive NATs; a TURN server may be required.",
		"Check that UDP traffic is not blocked on your network.",
	},
	ContextDisconnected: {
		"The connection to the server was lost; check your network and rejoin the room.",
	},
}

// Suggestions returns the remediation list for a failure context. Unknown
// contexts get a generic fallback so surfaced errors always carry guidance.
func Suggestions(contextTag string) []string {
	if s, ok := suggestions[contextTag]; ok {
		return append([]string(nil), s...)
	}
	return []string{"Retry the connection; if the problem persists, collect client logs from both participants."}
}

// ProbeServer checks the health endpoint, feeding the serverReachable flag.
// Any 2xx response counts as reachable.
func ProbeServer(ctx context.Context, client *http.Client, healthURL string) bool {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
