package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/veridium/scanmeet/internal/rooms"
)

// MessageType tags every signaling envelope.
type MessageType string

const (
	// Client to server.
	TypeJoinRoom         MessageType = "join-room"
	TypeOffer            MessageType = "offer"
	TypeAnswer           MessageType = "answer"
	TypeICECandidate     MessageType = "ice-candidate"
	TypeMediaReady       MessageType = "media-ready"
	TypeScanNotification MessageType = "scan-notification"
	TypeHeartbeat        MessageType = "heartbeat"

	// Server to client.
	TypeMembershipChanged MessageType = "membership-changed"
	TypePeerMediaReady    MessageType = "peer-media-ready"
	TypeHeartbeatAck      MessageType = "heartbeat-ack"
	TypeUserLeft          MessageType = "user-left"
	TypeError             MessageType = "error"
)

// Scan types for scan notifications.
const (
	ScanTypeFace = "face_scan"
	ScanTypeHand = "hand_scan"
)

// DefaultScanDurationMs is the sender-suggested display duration applied when
// a scan notification omits one. The receiver owns the countdown.
const DefaultScanDurationMs = 5000

// SDP is a JSON-friendly session description. The wire format deliberately
// avoids pion types; conversion happens at the edges.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// SDPFromPion converts a pion session description for the wire.
func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{Type: desc.Type.String(), SDP: desc.SDP}
}

// ToPion converts a wire session description into a pion one.
func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is a JSON-friendly trickle ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CandidateFromPion converts a pion candidate init for the wire.
func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

// ToPion converts a wire candidate into a pion candidate init.
func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Scan carries a scan notification payload. Type and Message are required on
// send; DurationMs defaults to DefaultScanDurationMs when zero.
type Scan struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	DurationMs int    `json:"durationMs,omitempty"`
}

// Valid reports whether the scan payload carries the required fields. Invalid
// scans are dropped by the relay without an error to the sender.
func (s Scan) Valid() bool {
	if s.Message == "" {
		return false
	}
	return s.Type == ScanTypeFace || s.Type == ScanTypeHand
}

// Envelope is the tagged union carried over the signaling websocket in both
// directions. Which fields are meaningful depends on Type; Validate enforces
// the per-type shape for client-to-server traffic.
type Envelope struct {
	Type      MessageType `json:"type"`
	RoomID    string      `json:"roomId,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`

	// join-room.
	UserName string `json:"userName,omitempty"`
	Role     string `json:"role,omitempty"`

	// offer / answer.
	SDP *SDP `json:"sdp,omitempty"`

	// ice-candidate.
	Candidate *Candidate `json:"candidate,omitempty"`

	// media-ready / peer-media-ready.
	MediaInfo *rooms.MediaInfo `json:"mediaInfo,omitempty"`

	// scan-notification.
	Scan *Scan `json:"scan,omitempty"`

	// Relay annotations on forwarded messages.
	From     string `json:"from,omitempty"`
	FromName string `json:"fromName,omitempty"`

	// membership-changed / user-left / peer-media-ready.
	UserID           string           `json:"userId,omitempty"`
	Participants     []string         `json:"participants,omitempty"`
	ParticipantCount int              `json:"participantCount,omitempty"`
	RoomStats        *rooms.RoomStats `json:"roomStats,omitempty"`

	// heartbeat-ack.
	ConnectionID string `json:"connectionId,omitempty"`
	ServerTime   int64  `json:"serverTime,omitempty"`

	// error.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseEnvelope decodes one client-to-server signaling message. Unknown
// fields and trailing data are rejected so protocol drift is caught loudly
// instead of being silently ignored.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Envelope
	if err := dec.Decode(&msg); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return Envelope{}, err
	}
	return msg, nil
}

// Validate enforces the client-to-server shape for the envelope's type.
//
// scan-notification payload fields are deliberately not validated here: the
// relay drops invalid scans silently instead of failing the connection.
func (m Envelope) Validate() error {
	switch m.Type {
	case TypeJoinRoom:
		if m.RoomID == "" {
			return fmt.Errorf("join-room missing roomId")
		}
		if m.UserName == "" {
			return fmt.Errorf("join-room missing userName")
		}
	case TypeOffer:
		if m.RoomID == "" {
			return fmt.Errorf("offer missing roomId")
		}
		if m.SDP == nil || m.SDP.Type != "offer" || m.SDP.SDP == "" {
			return fmt.Errorf("offer missing or malformed sdp")
		}
	case TypeAnswer:
		if m.RoomID == "" {
			return fmt.Errorf("answer missing roomId")
		}
		if m.SDP == nil || m.SDP.Type != "answer" || m.SDP.SDP == "" {
			return fmt.Errorf("answer missing or malformed sdp")
		}
	case TypeICECandidate:
		if m.RoomID == "" {
			return fmt.Errorf("ice-candidate missing roomId")
		}
		if m.Candidate == nil || m.Candidate.Candidate == "" {
			return fmt.Errorf("ice-candidate missing candidate")
		}
	case TypeMediaReady:
		if m.RoomID == "" {
			return fmt.Errorf("media-ready missing roomId")
		}
	case TypeScanNotification:
		if m.RoomID == "" {
			return fmt.Errorf("scan-notification missing roomId")
		}
	case TypeHeartbeat:
		if m.RoomID == "" {
			return fmt.Errorf("heartbeat missing roomId")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
