// Package metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to plug into a real metrics backend eventually; this
// type keeps the signaling counters testable and exposes them on /healthz in
// the meantime.
package metrics

import "sync"

// Counter names used by the signaling relay.
const (
	RelayedOffers        = "relayed_offers"
	RelayedAnswers       = "relayed_answers"
	RelayedCandidates    = "relayed_candidates"
	RelayedMediaReady    = "relayed_media_ready"
	RelayedScans         = "relayed_scans"
	DroppedInvalidScans  = "dropped_invalid_scans"
	DroppedNonMember     = "dropped_non_member"
	SweptParticipants    = "swept_participants"
	SweptRooms           = "swept_rooms"
	RejectedOrigins      = "rejected_origins"
	RateLimitedCloses    = "rate_limited_closes"
	MalformedMessages    = "malformed_messages"
	HeartbeatsAcked      = "heartbeats_acked"
	ConnectionsAccepted  = "connections_accepted"
	ConnectionsDisposed  = "connections_disposed"
)

type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies all counters, for the health endpoint.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
