package broadcast

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/streamforge/broadcast-relay/internal/media"
	"github.com/streamforge/broadcast-relay/internal/metrics"
)

// The fakes below stand in for the remote media service. They record every
// call and let tests inject failures at any stage of a negotiation.

type fakeConnector struct {
	client *fakeClient
	err    error
}

func (c *fakeConnector) Get(ctx context.Context) (media.Client, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.client, nil
}

type fakeClient struct {
	mu                 sync.Mutex
	failCreatePipeline error

	// endpointOfferHook is copied onto every endpoint this client produces;
	// see fakeEndpoint.afterProcessOffer.
	endpointOfferHook func()

	pipelines []*fakePipeline
	closed    bool
}

func (c *fakeClient) CreatePipeline(ctx context.Context) (media.Pipeline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failCreatePipeline != nil {
		return nil, c.failCreatePipeline
	}
	p := &fakePipeline{endpointOfferHook: c.endpointOfferHook}
	c.pipelines = append(c.pipelines, p)
	return p, nil
}

func (c *fakeClient) Pipelines() []*fakePipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakePipeline(nil), c.pipelines...)
}

func (c *fakeClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type fakePipeline struct {
	mu                 sync.Mutex
	failCreateEndpoint error
	endpointOfferHook  func()
	endpointOfferErr   error
	endpoints          []*fakeEndpoint
	released           bool
}

func (p *fakePipeline) setEndpointOfferErr(err error) {
	p.mu.Lock()
	p.endpointOfferErr = err
	p.mu.Unlock()
}

func (p *fakePipeline) CreateEndpoint(ctx context.Context) (media.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCreateEndpoint != nil {
		return nil, p.failCreateEndpoint
	}
	ep := &fakeEndpoint{
		pipeline:          p,
		answer:            "v=0 answer",
		afterProcessOffer: p.endpointOfferHook,
		failProcessOffer:  p.endpointOfferErr,
	}
	p.endpoints = append(p.endpoints, ep)
	return ep, nil
}

// Release cascades to every endpoint created on the pipeline.
func (p *fakePipeline) Release(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
	for _, ep := range p.endpoints {
		ep.mu.Lock()
		ep.released = true
		ep.mu.Unlock()
	}
	return nil
}

func (p *fakePipeline) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

func (p *fakePipeline) Endpoints() []*fakeEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeEndpoint(nil), p.endpoints...)
}

type fakeEndpoint struct {
	pipeline *fakePipeline
	answer   string

	mu               sync.Mutex
	failProcessOffer error
	failGather       error
	failConnect      error
	failAdd          error
	failSubscribe    error

	// afterProcessOffer runs after a successful offer/answer round-trip,
	// before the call returns. Tests use it to race a stop in.
	afterProcessOffer func()

	offers   []string
	added    []webrtc.ICECandidateInit
	sinks    []media.Endpoint
	handler  func(webrtc.ICECandidateInit)
	gathered int
	released bool
}

func (e *fakeEndpoint) ProcessOffer(ctx context.Context, offer string) (string, error) {
	e.mu.Lock()
	if e.failProcessOffer != nil {
		defer e.mu.Unlock()
		return "", e.failProcessOffer
	}
	e.offers = append(e.offers, offer)
	hook := e.afterProcessOffer
	answer := e.answer
	e.mu.Unlock()

	if hook != nil {
		hook()
	}
	return answer, nil
}

func (e *fakeEndpoint) GatherCandidates(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failGather != nil {
		return e.failGather
	}
	e.gathered++
	return nil
}

func (e *fakeEndpoint) AddICECandidate(ctx context.Context, cand webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failAdd != nil {
		return e.failAdd
	}
	e.added = append(e.added, cand)
	return nil
}

func (e *fakeEndpoint) Connect(ctx context.Context, sink media.Endpoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failConnect != nil {
		return e.failConnect
	}
	e.sinks = append(e.sinks, sink)
	return nil
}

func (e *fakeEndpoint) OnICECandidate(ctx context.Context, fn func(webrtc.ICECandidateInit)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failSubscribe != nil {
		return e.failSubscribe
	}
	e.handler = fn
	return nil
}

func (e *fakeEndpoint) Release(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released = true
	return nil
}

func (e *fakeEndpoint) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

func (e *fakeEndpoint) Gathered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gathered
}

func (e *fakeEndpoint) Added() []webrtc.ICECandidateInit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), e.added...)
}

// emit drives the subscribed candidate handler like a remote gather event.
func (e *fakeEndpoint) emit(cand webrtc.ICECandidateInit) {
	e.mu.Lock()
	fn := e.handler
	e.mu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

type fakePeer struct {
	mu         sync.Mutex
	candidates []webrtc.ICECandidateInit
	stops      int
}

func (p *fakePeer) SendICECandidate(cand webrtc.ICECandidateInit) {
	p.mu.Lock()
	p.candidates = append(p.candidates, cand)
	p.mu.Unlock()
}

func (p *fakePeer) SendStop() {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
}

func (p *fakePeer) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

func (p *fakePeer) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

type harness struct {
	sessions *SessionRegistry
	rooms    *Registry
	engine   *Engine
	client   *fakeClient
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T, maxClients int) *harness {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	sessions := NewSessionRegistry(log)
	rooms := NewRegistry(log, m, sessions, maxClients)
	client := &fakeClient{}
	engine := NewEngine(log, m, sessions, rooms, &fakeConnector{client: client})
	return &harness{
		sessions: sessions,
		rooms:    rooms,
		engine:   engine,
		client:   client,
		metrics:  m,
	}
}

// joinedSession creates a session already placed in the room.
func (h *harness) joinedSession(t *testing.T, roomName string) SessionID {
	t.Helper()

	id := h.sessions.Create()
	if _, err := h.engine.Join(id, roomName); err != nil {
		t.Fatalf("join %s: %v", roomName, err)
	}
	return id
}

func cand(s string) webrtc.ICECandidateInit {
	mid := "0"
	var idx uint16
	return webrtc.ICECandidateInit{Candidate: s, SDPMid: &mid, SDPMLineIndex: &idx}
}
