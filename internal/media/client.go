package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// The media service speaks JSON-RPC 2.0 over a WebSocket: "create" allocates
// server-side objects (MediaPipeline, WebRtcEndpoint), "invoke" calls an
// operation on an object, "release" destroys one, and "subscribe" registers
// for server-pushed events delivered as "onEvent" notifications.
const (
	methodCreate    = "create"
	methodInvoke    = "invoke"
	methodRelease   = "release"
	methodSubscribe = "subscribe"
	methodOnEvent   = "onEvent"

	typeMediaPipeline   = "MediaPipeline"
	typeWebRtcEndpoint  = "WebRtcEndpoint"
	eventOnIceCandidate = "OnIceCandidate"
)

const defaultCallTimeout = 10 * time.Second

type Options struct {
	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration

	// CallTimeout bounds each RPC round-trip. Zero means a 10s default.
	CallTimeout time.Duration

	// LoggerFactory provides the wire-level trace logger. Nil falls back to the
	// pion default factory.
	LoggerFactory logging.LoggerFactory
}

// Conn is a JSON-RPC connection to the media service. It multiplexes
// concurrent calls over one WebSocket and dispatches server events to
// per-object handlers.
type Conn struct {
	ws  *websocket.Conn
	log logging.LeveledLogger

	callTimeout time.Duration

	writeMu sync.Mutex

	mu        sync.Mutex
	nextID    uint64
	pending   map[uint64]chan rpcEnvelope
	handlers  map[string]func(webrtc.ICECandidateInit)
	sessionID string
	closed    bool

	// Candidate events queue here and are delivered by dispatchLoop, so a
	// handler that blocks (a slow client write) cannot stall the read loop
	// that every pending RPC response arrives on.
	eventMu    sync.Mutex
	eventCond  *sync.Cond
	events     []iceEvent
	eventsDone bool
}

type iceEvent struct {
	object string
	cand   webrtc.ICECandidateInit
}

// Dial connects to the media service at wsURL.
func Dial(ctx context.Context, wsURL string, opts Options) (*Conn, error) {
	factory := opts.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial media service %s: %w", wsURL, err)
	}

	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}

	c := &Conn{
		ws:          ws,
		log:         factory.NewLogger("media"),
		callTimeout: callTimeout,
		pending:     make(map[uint64]chan rpcEnvelope),
		handlers:    make(map[string]func(webrtc.ICECandidateInit)),
	}
	c.eventCond = sync.NewCond(&c.eventMu)
	go c.readLoop()
	go c.dispatchLoop()
	return c, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type rpcResult struct {
	Value     string `json:"value"`
	SessionID string `json:"sessionId"`
}

func (c *Conn) readLoop() {
	defer c.teardown()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var env rpcEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warnf("discarding unparseable frame: %v", err)
			continue
		}

		switch {
		case env.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*env.ID]
			if ok {
				delete(c.pending, *env.ID)
			}
			c.mu.Unlock()
			if !ok {
				c.log.Warnf("response for unknown call id %d", *env.ID)
				continue
			}
			ch <- env
		case env.Method == methodOnEvent:
			c.dispatchEvent(env.Params)
		default:
			c.log.Warnf("unexpected frame method %q", env.Method)
		}
	}
}

type eventParams struct {
	Value struct {
		Type   string          `json:"type"`
		Object string          `json:"object"`
		Data   json.RawMessage `json:"data"`
	} `json:"value"`
}

type iceCandidateEventData struct {
	Candidate wireCandidate `json:"candidate"`
}

// wireCandidate is the media service's ICE candidate shape: sdpMid and
// sdpMLineIndex are plain values, not the optional pointers pion uses.
type wireCandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

func (w wireCandidate) toPion() webrtc.ICECandidateInit {
	mid := w.SDPMid
	idx := w.SDPMLineIndex
	return webrtc.ICECandidateInit{
		Candidate:     w.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

func fromPion(init webrtc.ICECandidateInit) wireCandidate {
	w := wireCandidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		w.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		w.SDPMLineIndex = *init.SDPMLineIndex
	}
	return w
}

func (c *Conn) dispatchEvent(raw json.RawMessage) {
	var params eventParams
	if err := json.Unmarshal(raw, &params); err != nil {
		c.log.Warnf("discarding unparseable event: %v", err)
		return
	}
	if params.Value.Type != eventOnIceCandidate {
		c.log.Tracef("ignoring event type %q", params.Value.Type)
		return
	}

	var data iceCandidateEventData
	if err := json.Unmarshal(params.Value.Data, &data); err != nil {
		c.log.Warnf("discarding malformed %s event: %v", eventOnIceCandidate, err)
		return
	}

	c.eventMu.Lock()
	if !c.eventsDone {
		c.events = append(c.events, iceEvent{
			object: params.Value.Object,
			cand:   data.Candidate.toPion(),
		})
		c.eventCond.Signal()
	}
	c.eventMu.Unlock()
}

// dispatchLoop hands queued candidate events to their handlers in arrival
// order, off the read loop.
func (c *Conn) dispatchLoop() {
	for {
		c.eventMu.Lock()
		for len(c.events) == 0 && !c.eventsDone {
			c.eventCond.Wait()
		}
		if len(c.events) == 0 {
			c.eventMu.Unlock()
			return
		}
		ev := c.events[0]
		c.events = c.events[1:]
		c.eventMu.Unlock()

		c.mu.Lock()
		fn := c.handlers[ev.object]
		c.mu.Unlock()
		if fn == nil {
			c.log.Tracef("no candidate handler for object %s", ev.object)
			continue
		}
		fn(ev.cand)
	}
}

func (c *Conn) teardown() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.handlers = nil
	c.mu.Unlock()

	c.eventMu.Lock()
	c.eventsDone = true
	c.eventMu.Unlock()
	c.eventCond.Broadcast()

	_ = c.ws.Close()
	for _, ch := range pending {
		close(ch)
	}
}

// call performs one RPC round-trip. params must be a map; the connection's
// media session id is injected when known.
func (c *Conn) call(ctx context.Context, method string, params map[string]any) (rpcResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return rpcResult{}, ErrClientClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan rpcEnvelope, 1)
	c.pending[id] = ch
	if c.sessionID != "" {
		params["sessionId"] = c.sessionID
	}
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		c.abandon(id)
		return rpcResult{}, err
	}

	c.log.Tracef("-> %s", data)

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.callTimeout))
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.abandon(id)
		return rpcResult{}, fmt.Errorf("media call %s: %w", method, err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case env, ok := <-ch:
		if !ok {
			return rpcResult{}, ErrClientClosed
		}
		if env.Error != nil {
			return rpcResult{}, env.Error
		}
		var res rpcResult
		if len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, &res); err != nil {
				return rpcResult{}, fmt.Errorf("media call %s: malformed result: %w", method, err)
			}
		}
		if res.SessionID != "" {
			c.mu.Lock()
			c.sessionID = res.SessionID
			c.mu.Unlock()
		}
		return res, nil
	case <-ctx.Done():
		c.abandon(id)
		return rpcResult{}, ctx.Err()
	case <-timer.C:
		c.abandon(id)
		return rpcResult{}, fmt.Errorf("media call %s: %w", method, ErrCallTimeout)
	}
}

func (c *Conn) abandon(id uint64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Conn) CreatePipeline(ctx context.Context) (Pipeline, error) {
	res, err := c.call(ctx, methodCreate, map[string]any{
		"type":              typeMediaPipeline,
		"constructorParams": map[string]any{},
	})
	if err != nil {
		return nil, err
	}
	return &pipeline{conn: c, id: res.Value}, nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Close() error {
	return c.ws.Close()
}

func (c *Conn) registerHandler(objectID string, fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	if c.handlers != nil {
		c.handlers[objectID] = fn
	}
	c.mu.Unlock()
}

func (c *Conn) unregisterHandler(objectID string) {
	c.mu.Lock()
	if c.handlers != nil {
		delete(c.handlers, objectID)
	}
	c.mu.Unlock()
}

type pipeline struct {
	conn *Conn
	id   string
}

func (p *pipeline) CreateEndpoint(ctx context.Context) (Endpoint, error) {
	res, err := p.conn.call(ctx, methodCreate, map[string]any{
		"type": typeWebRtcEndpoint,
		"constructorParams": map[string]any{
			"mediaPipeline": p.id,
		},
	})
	if err != nil {
		return nil, err
	}
	return &endpoint{conn: p.conn, id: res.Value}, nil
}

func (p *pipeline) Release(ctx context.Context) error {
	_, err := p.conn.call(ctx, methodRelease, map[string]any{
		"object": p.id,
	})
	return err
}

type endpoint struct {
	conn *Conn
	id   string
}

func (e *endpoint) ProcessOffer(ctx context.Context, offer string) (string, error) {
	res, err := e.conn.call(ctx, methodInvoke, map[string]any{
		"object":    e.id,
		"operation": "processOffer",
		"operationParams": map[string]any{
			"offer": offer,
		},
	})
	if err != nil {
		return "", err
	}
	return res.Value, nil
}

func (e *endpoint) GatherCandidates(ctx context.Context) error {
	_, err := e.conn.call(ctx, methodInvoke, map[string]any{
		"object":    e.id,
		"operation": "gatherCandidates",
	})
	return err
}

func (e *endpoint) AddICECandidate(ctx context.Context, cand webrtc.ICECandidateInit) error {
	_, err := e.conn.call(ctx, methodInvoke, map[string]any{
		"object":    e.id,
		"operation": "addIceCandidate",
		"operationParams": map[string]any{
			"candidate": fromPion(cand),
		},
	})
	return err
}

func (e *endpoint) Connect(ctx context.Context, sink Endpoint) error {
	other, ok := sink.(*endpoint)
	if !ok {
		return fmt.Errorf("cannot connect to foreign endpoint %T", sink)
	}
	_, err := e.conn.call(ctx, methodInvoke, map[string]any{
		"object":    e.id,
		"operation": "connect",
		"operationParams": map[string]any{
			"sink": other.id,
		},
	})
	return err
}

func (e *endpoint) OnICECandidate(ctx context.Context, fn func(webrtc.ICECandidateInit)) error {
	// Register before subscribing so an event racing the subscribe response is
	// not lost.
	e.conn.registerHandler(e.id, fn)
	_, err := e.conn.call(ctx, methodSubscribe, map[string]any{
		"object": e.id,
		"type":   eventOnIceCandidate,
	})
	if err != nil {
		e.conn.unregisterHandler(e.id)
		return err
	}
	return nil
}

func (e *endpoint) Release(ctx context.Context) error {
	e.conn.unregisterHandler(e.id)
	_, err := e.conn.call(ctx, methodRelease, map[string]any{
		"object": e.id,
	})
	return err
}
