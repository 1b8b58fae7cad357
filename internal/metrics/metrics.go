package metrics

import "sync"

// Counter names used across the relay.
const (
	PresenterStarted   = "presenter_started"
	PresenterRejected  = "presenter_rejected"
	ViewerStarted      = "viewer_started"
	ViewerRejected     = "viewer_rejected"
	NegotiationFailed  = "negotiation_failed"
	NegotiationAborted = "negotiation_aborted"
	Stops              = "stops"

	CandidatesQueued    = "candidates_queued"
	CandidatesReplayed  = "candidates_replayed"
	CandidatesForwarded = "candidates_forwarded"

	RoomsCreated = "rooms_created"
	RoomFull     = "room_full"
	RoomTaken    = "room_taken"

	DropReasonRateLimited = "rate_limited"
	BadMessage            = "bad_message"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to plug into a real metrics backend eventually; this
// type keeps enforcement logic testable and feeds the Prometheus text
// exposition handler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		snap[k] = v
	}
	return snap
}
