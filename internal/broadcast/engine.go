package broadcast

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/streamforge/broadcast-relay/internal/media"
	"github.com/streamforge/broadcast-relay/internal/metrics"
)

// Peer is the engine's view of a connected client: the two unsolicited
// notifications the engine pushes outside a request/response exchange.
// Implementations must be safe for concurrent use.
type Peer interface {
	SendICECandidate(cand webrtc.ICECandidateInit)
	SendStop()
}

// Connector hands out the shared media client.
type Connector interface {
	Get(ctx context.Context) (media.Client, error)
}

// Engine drives SDP negotiation and lifecycle for presenters and viewers. It
// serializes all room state through the registry mutex but never holds it
// across a media round-trip; instead every round-trip is followed by an epoch
// re-validation, and a negotiation that lost its slot aborts and releases
// whatever it still owns.
type Engine struct {
	log       *slog.Logger
	metrics   *metrics.Metrics
	sessions  *SessionRegistry
	rooms     *Registry
	connector Connector
	queue     *candidateQueue

	// beforePipelineCreate runs between slot reservation and pipeline
	// creation. Tests use it to widen race windows; nil otherwise.
	beforePipelineCreate func()
}

func NewEngine(log *slog.Logger, m *metrics.Metrics, sessions *SessionRegistry, rooms *Registry, connector Connector) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:       log,
		metrics:   m,
		sessions:  sessions,
		rooms:     rooms,
		connector: connector,
		queue:     newCandidateQueue(),
	}
}

// StartPresenter claims the presenter role in the session's room and
// negotiates its endpoint, returning the SDP answer. The slot is reserved
// before any media work so a concurrent claim fails fast, and re-checked
// after every media round-trip so a stop that raced in wins.
func (e *Engine) StartPresenter(ctx context.Context, id SessionID, peer Peer, offer string) (string, error) {
	e.queue.Clear(id)

	name, ok := e.sessions.Room(id)
	if !ok {
		e.metrics.Inc(metrics.PresenterRejected)
		return "", ErrNotInRoom
	}

	epoch, err := e.rooms.reservePresenter(name, id)
	if err != nil {
		e.metrics.Inc(metrics.PresenterRejected)
		return "", err
	}

	if e.beforePipelineCreate != nil {
		e.beforePipelineCreate()
	}

	client, err := e.connector.Get(ctx)
	if err != nil {
		e.abandonReservation(name, id, epoch)
		e.metrics.Inc(metrics.NegotiationFailed)
		return "", fmt.Errorf("connecting to media server: %w", err)
	}

	pipeline, err := client.CreatePipeline(ctx)
	if err != nil {
		e.abandonReservation(name, id, epoch)
		e.metrics.Inc(metrics.NegotiationFailed)
		return "", fmt.Errorf("creating pipeline: %w", err)
	}
	if !e.rooms.attachPresenterPipeline(name, id, epoch, pipeline) {
		e.releasePipeline(pipeline)
		e.metrics.Inc(metrics.NegotiationAborted)
		return "", ErrSuperseded
	}

	endpoint, err := pipeline.CreateEndpoint(ctx)
	if err != nil {
		e.teardownPresenter(name, id, epoch)
		e.metrics.Inc(metrics.NegotiationFailed)
		return "", fmt.Errorf("creating presenter endpoint: %w", err)
	}
	if !e.rooms.attachPresenterEndpoint(name, id, epoch, endpoint) {
		e.metrics.Inc(metrics.NegotiationAborted)
		return "", ErrSuperseded
	}

	e.replayCandidates(ctx, id, endpoint)

	if err := endpoint.OnICECandidate(ctx, func(cand webrtc.ICECandidateInit) {
		e.metrics.Inc(metrics.CandidatesForwarded)
		peer.SendICECandidate(cand)
	}); err != nil {
		e.teardownPresenter(name, id, epoch)
		e.metrics.Inc(metrics.NegotiationFailed)
		return "", fmt.Errorf("subscribing to presenter candidates: %w", err)
	}

	answer, err := endpoint.ProcessOffer(ctx, offer)
	if err != nil {
		e.teardownPresenter(name, id, epoch)
		e.metrics.Inc(metrics.NegotiationFailed)
		return "", fmt.Errorf("processing presenter offer: %w", err)
	}

	if !e.rooms.presenterAlive(name, id, epoch) {
		// Whoever cleared the slot released the pipeline.
		e.metrics.Inc(metrics.NegotiationAborted)
		return "", ErrSuperseded
	}

	go e.gather(id, endpoint, "presenter")

	e.metrics.Inc(metrics.PresenterStarted)
	e.log.Info("presenter started", "session_id", id, "room", name)
	return answer, nil
}

// StartViewer negotiates a receive endpoint branched off the room's presenter
// pipeline and returns the SDP answer. Failures release only this viewer's
// resources; the presenter is never disturbed.
func (e *Engine) StartViewer(ctx context.Context, id SessionID, peer Peer, offer string) (string, error) {
	e.queue.Clear(id)

	name, ok := e.sessions.Room(id)
	if !ok {
		e.metrics.Inc(metrics.ViewerRejected)
		return "", ErrNotInRoom
	}

	pipeline, presenter, epoch, err := e.rooms.readyPresenter(name)
	if err != nil {
		e.metrics.Inc(metrics.ViewerRejected)
		return "", err
	}

	endpoint, err := pipeline.CreateEndpoint(ctx)
	if err != nil {
		e.metrics.Inc(metrics.NegotiationFailed)
		return "", fmt.Errorf("creating viewer endpoint: %w", err)
	}

	if err := e.rooms.registerViewer(name, id, presenter, epoch, endpoint, peer); err != nil {
		e.releaseEndpoint(endpoint)
		e.metrics.Inc(metrics.NegotiationAborted)
		return "", err
	}

	e.replayCandidates(ctx, id, endpoint)

	fail := func(stage string, err error) (string, error) {
		if slot := e.rooms.removeViewer(name, id, endpoint); slot != nil {
			e.releaseEndpoint(slot.endpoint)
		}
		e.metrics.Inc(metrics.NegotiationFailed)
		return "", fmt.Errorf("%s: %w", stage, err)
	}

	if err := endpoint.OnICECandidate(ctx, func(cand webrtc.ICECandidateInit) {
		e.metrics.Inc(metrics.CandidatesForwarded)
		peer.SendICECandidate(cand)
	}); err != nil {
		return fail("subscribing to viewer candidates", err)
	}

	answer, err := endpoint.ProcessOffer(ctx, offer)
	if err != nil {
		return fail("processing viewer offer", err)
	}

	source, err := e.rooms.presenterEndpoint(name, presenter, epoch)
	if err != nil {
		if slot := e.rooms.removeViewer(name, id, endpoint); slot != nil {
			e.releaseEndpoint(slot.endpoint)
		}
		e.metrics.Inc(metrics.NegotiationAborted)
		return "", err
	}
	if err := source.Connect(ctx, endpoint); err != nil {
		return fail("connecting viewer to presenter", err)
	}

	if err := endpoint.GatherCandidates(ctx); err != nil {
		return fail("gathering viewer candidates", err)
	}

	if !e.rooms.presenterAlive(name, presenter, epoch) {
		// The presenter stopped mid-negotiation; our endpoint went down with
		// the pipeline and the peer got its stop notification.
		e.metrics.Inc(metrics.NegotiationAborted)
		return "", ErrSuperseded
	}

	e.metrics.Inc(metrics.ViewerStarted)
	e.log.Info("viewer started", "session_id", id, "room", name)
	return answer, nil
}

// Stop tears down the session's broadcast role, if any. Stopping a presenter
// notifies every viewer in the room exactly once and releases the pipeline,
// which cascades to all endpoints created from it; stopping a viewer releases
// just that endpoint. Queued candidates are discarded either way.
func (e *Engine) Stop(id SessionID) {
	defer e.queue.Clear(id)

	name, ok := e.sessions.Room(id)
	if !ok {
		return
	}

	slot, viewers := e.rooms.takeRole(name, id)
	if slot != nil {
		for _, v := range viewers {
			e.queue.Clear(v.session)
			v.peer.SendStop()
		}
		if slot.pipeline != nil {
			e.releasePipeline(slot.pipeline)
		}
		e.metrics.Inc(metrics.Stops)
		e.log.Info("presenter stopped", "session_id", id, "room", name, "viewers", len(viewers))
		return
	}

	if len(viewers) == 1 {
		if viewers[0].endpoint != nil {
			e.releaseEndpoint(viewers[0].endpoint)
		}
		e.metrics.Inc(metrics.Stops)
		e.log.Info("viewer stopped", "session_id", id, "room", name)
	}
}

// AddICECandidate routes a candidate from the client toward its negotiated
// endpoint, or queues it when negotiation has not produced one yet.
func (e *Engine) AddICECandidate(ctx context.Context, id SessionID, cand webrtc.ICECandidateInit) {
	name, ok := e.sessions.Room(id)
	if ok {
		if ep := e.rooms.lookupEndpoint(name, id); ep != nil {
			if err := ep.AddICECandidate(ctx, cand); err != nil {
				e.log.Warn("forwarding candidate", "session_id", id, "err", err)
			}
			return
		}
	}
	e.metrics.Inc(metrics.CandidatesQueued)
	e.queue.Enqueue(id, cand)
}

// Join moves the session into a room, first tearing down any broadcast role
// it held in its previous room. A full target room rejects the move before
// anything is disturbed.
func (e *Engine) Join(id SessionID, name string) (RoomDescription, error) {
	if e.rooms.full(name) {
		e.metrics.Inc(metrics.RoomFull)
		return nil, ErrRoomFull
	}
	e.Stop(id)
	return e.rooms.Join(id, name)
}

// CreateRoom creates and joins a room that must not already have members. An
// empty name asks for a generated one. The precheck here only avoids tearing
// down the caller's broadcast role for a doomed create; the registry repeats
// the taken check atomically with the join.
func (e *Engine) CreateRoom(id SessionID, name string) (string, RoomDescription, error) {
	if name != "" && e.rooms.Taken(name) {
		e.metrics.Inc(metrics.RoomTaken)
		return "", nil, ErrRoomTaken
	}
	e.Stop(id)
	return e.rooms.Create(id, name)
}

// Leave tears down the session's role and removes it from its room.
func (e *Engine) Leave(id SessionID) {
	e.Stop(id)
	e.rooms.Leave(id)
}

// Disconnect runs the full cleanup for a dropped connection.
func (e *Engine) Disconnect(id SessionID) {
	e.Leave(id)
	e.sessions.Remove(id)
}

func (e *Engine) replayCandidates(ctx context.Context, id SessionID, ep media.Endpoint) {
	for _, cand := range e.queue.Drain(id) {
		e.metrics.Inc(metrics.CandidatesReplayed)
		if err := ep.AddICECandidate(ctx, cand); err != nil {
			e.log.Warn("replaying queued candidate", "session_id", id, "err", err)
		}
	}
}

// gather triggers ICE gathering after the answer went back to the client. A
// failure here cannot be reported on the negotiation call, so it tears the
// session's role down instead.
func (e *Engine) gather(id SessionID, ep media.Endpoint, role string) {
	if err := ep.GatherCandidates(context.Background()); err != nil {
		e.log.Warn("gathering candidates", "session_id", id, "role", role, "err", err)
		e.Stop(id)
	}
}

// abandonReservation drops a presenter reservation that never got a pipeline
// attached. There is nothing to release.
func (e *Engine) abandonReservation(name string, id SessionID, epoch uint64) {
	e.rooms.clearPresenter(name, id, epoch)
}

// teardownPresenter clears the reservation and releases the attached pipeline
// if this negotiation still owns the slot. When it does not, whoever cleared
// the slot already released the handles.
func (e *Engine) teardownPresenter(name string, id SessionID, epoch uint64) {
	slot := e.rooms.clearPresenter(name, id, epoch)
	if slot != nil && slot.pipeline != nil {
		e.releasePipeline(slot.pipeline)
	}
}

func (e *Engine) releasePipeline(p media.Pipeline) {
	if err := p.Release(context.Background()); err != nil {
		e.log.Warn("releasing pipeline", "err", err)
	}
}

func (e *Engine) releaseEndpoint(ep media.Endpoint) {
	if err := ep.Release(context.Background()); err != nil {
		e.log.Warn("releasing endpoint", "err", err)
	}
}
