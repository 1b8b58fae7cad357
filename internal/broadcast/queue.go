package broadcast

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// candidateQueue buffers ICE candidates that arrive for a session before its
// remote endpoint exists. Candidates are replayed in arrival order exactly
// once, and discarded wholesale when the session stops.
type candidateQueue struct {
	mu      sync.Mutex
	pending map[SessionID][]webrtc.ICECandidateInit
}

func newCandidateQueue() *candidateQueue {
	return &candidateQueue{
		pending: make(map[SessionID][]webrtc.ICECandidateInit),
	}
}

func (q *candidateQueue) Enqueue(id SessionID, cand webrtc.ICECandidateInit) {
	q.mu.Lock()
	q.pending[id] = append(q.pending[id], cand)
	q.mu.Unlock()
}

// Drain removes and returns all queued candidates for id in arrival order.
func (q *candidateQueue) Drain(id SessionID) []webrtc.ICECandidateInit {
	q.mu.Lock()
	defer q.mu.Unlock()

	cands := q.pending[id]
	delete(q.pending, id)
	return cands
}

func (q *candidateQueue) Clear(id SessionID) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}
