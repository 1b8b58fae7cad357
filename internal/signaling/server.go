package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/streamforge/broadcast-relay/internal/broadcast"
	"github.com/streamforge/broadcast-relay/internal/metrics"
	"github.com/streamforge/broadcast-relay/internal/ratelimit"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Log     *slog.Logger
	Metrics *metrics.Metrics

	Sessions *broadcast.SessionRegistry
	Engine   *broadcast.Engine

	// IdleTimeout closes connections that produce no traffic (including pong
	// replies) for this long.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	// Inbound signaling hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

// Server implements the relay's WebSocket signaling surface.
//
// Endpoints:
//   - GET /signal : WebSocket signaling with trickle ICE
type Server struct {
	Log     *slog.Logger
	Metrics *metrics.Metrics

	Sessions *broadcast.SessionRegistry
	Engine   *broadcast.Engine

	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	mu    sync.Mutex
	conns map[*wsSession]struct{}
}

func NewServer(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		Log:      log,
		Metrics:  cfg.Metrics,
		Sessions: cfg.Sessions,
		Engine:   cfg.Engine,

		IdleTimeout:  cfg.IdleTimeout,
		PingInterval: cfg.PingInterval,

		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,

		conns: make(map[*wsSession]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close disconnects every active signaling connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*wsSession, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) track(wss *wsSession) {
	s.mu.Lock()
	if s.conns == nil {
		s.conns = make(map[*wsSession]struct{})
	}
	s.conns[wss] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(wss *wsSession) {
	s.mu.Lock()
	if s.conns != nil {
		delete(s.conns, wss)
	}
	s.mu.Unlock()
}

func (s *Server) incMetric(name string) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.Inc(name)
}

func (s *Server) idleTimeout() time.Duration {
	if s.IdleTimeout <= 0 {
		return 5 * time.Minute
	}
	return s.IdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.PingInterval <= 0 {
		return 30 * time.Second
	}
	return s.PingInterval
}

func (s *Server) maxMessageBytes() int64 {
	if s.MaxMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.MaxMessageBytes
}

func (s *Server) maxMessagesPerSecond() int {
	if s.MaxMessagesPerSecond <= 0 {
		return 50
	}
	return s.MaxMessagesPerSecond
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if s.Engine == nil || s.Sessions == nil {
		http.Error(w, "signaling engine not configured", http.StatusInternalServerError)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	wss := &wsSession{
		srv:    s,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,

		id:      s.Sessions.Create(),
		limiter: ratelimit.NewPerSecond(ratelimit.RealClock{}, int64(s.maxMessagesPerSecond())),
	}
	s.track(wss)
	wss.run()
}

const wsWriteWait = 1 * time.Second

// wsSession is one signaling connection. It implements broadcast.Peer so the
// engine can push candidates and stop notifications to the client.
type wsSession struct {
	srv    *Server
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	id      broadcast.SessionID
	limiter *ratelimit.TokenBucket

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (wss *wsSession) run() {
	defer wss.Close()

	wss.conn.SetReadLimit(wss.srv.maxMessageBytes())
	wss.conn.SetPongHandler(func(string) error {
		return wss.conn.SetReadDeadline(time.Now().Add(wss.srv.idleTimeout()))
	})
	go wss.pingLoop()

	wss.srv.Log.Debug("signaling connected", "session_id", wss.id)

	for {
		_ = wss.conn.SetReadDeadline(time.Now().Add(wss.srv.idleTimeout()))
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			return
		}
		// Apply the rate limit after reading so bytes already in the TCP
		// receive buffer are consumed; closing with unread data can turn into
		// an abortive close that hides the close code from the client.
		if wss.limiter != nil && !wss.limiter.Allow(1) {
			wss.srv.incMetric(metrics.DropReasonRateLimited)
			wss.fail("rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			wss.fail("expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := parseSignalMessage(data)
		if err != nil {
			// A malformed or unknown message is answered but does not kill
			// the connection; the client may have newer message kinds.
			wss.srv.incMetric(metrics.BadMessage)
			_ = wss.send(signalMessage{ID: kindError, Message: err.Error()})
			continue
		}

		wss.dispatch(msg)
	}
}

func (wss *wsSession) dispatch(msg signalMessage) {
	switch msg.ID {
	case kindPresenter:
		go wss.negotiate(kindPresenterResponse, msg.SDPOffer, wss.srv.Engine.StartPresenter)
	case kindViewer:
		go wss.negotiate(kindViewerResponse, msg.SDPOffer, wss.srv.Engine.StartViewer)
	case kindStop:
		wss.srv.Engine.Stop(wss.id)
	case kindOnIceCandidate:
		wss.srv.Engine.AddICECandidate(wss.ctx, wss.id, msg.Candidate.toPion())
	case kindJoin:
		wss.handleJoin(msg.Room)
	case kindCreate:
		wss.handleCreate(msg.Room)
	case kindLeave:
		wss.srv.Engine.Leave(wss.id)
	case kindShareScreen:
		wss.srv.Sessions.SetResource(wss.id, broadcast.ResourceScreen, true)
	case kindUnshareScreen:
		wss.srv.Sessions.SetResource(wss.id, broadcast.ResourceScreen, false)
	}
}

type negotiateFunc func(ctx context.Context, id broadcast.SessionID, peer broadcast.Peer, offer string) (string, error)

// negotiate runs an SDP exchange on its own goroutine so candidate messages
// keep flowing while the media server round-trips are in flight.
func (wss *wsSession) negotiate(responseKind messageKind, offer string, start negotiateFunc) {
	answer, err := start(wss.ctx, wss.id, wss, offer)
	if err != nil {
		if errors.Is(err, broadcast.ErrSuperseded) {
			// The slot went away mid-negotiation; the client already got its
			// stop notification or asked for this itself.
			return
		}
		_ = wss.send(signalMessage{
			ID:       responseKind,
			Response: responseRejected,
			Message:  rejectionText(err),
		})
		return
	}
	_ = wss.send(signalMessage{
		ID:        responseKind,
		Response:  responseAccepted,
		SDPAnswer: answer,
	})
}

func (wss *wsSession) handleJoin(room string) {
	desc, err := wss.srv.Engine.Join(wss.id, room)
	if err != nil {
		_ = wss.send(signalMessage{
			ID:       kindJoinResponse,
			Response: responseRejected,
			Message:  rejectionText(err),
		})
		return
	}
	_ = wss.send(signalMessage{
		ID:        kindJoinResponse,
		Response:  responseAccepted,
		Room:      room,
		SessionID: string(wss.id),
		Members:   membersWire(desc),
	})
}

func (wss *wsSession) handleCreate(room string) {
	name, desc, err := wss.srv.Engine.CreateRoom(wss.id, room)
	if err != nil {
		_ = wss.send(signalMessage{
			ID:       kindCreateResponse,
			Response: responseRejected,
			Message:  rejectionText(err),
		})
		return
	}
	_ = wss.send(signalMessage{
		ID:        kindCreateResponse,
		Response:  responseAccepted,
		Room:      name,
		SessionID: string(wss.id),
		Members:   membersWire(desc),
	})
}

// rejectionText maps engine errors to the short codes clients switch on.
func rejectionText(err error) string {
	switch {
	case errors.Is(err, broadcast.ErrRoomFull):
		return "full"
	case errors.Is(err, broadcast.ErrRoomTaken):
		return "taken"
	default:
		return err.Error()
	}
}

// SendICECandidate implements broadcast.Peer.
func (wss *wsSession) SendICECandidate(cand webrtc.ICECandidateInit) {
	c := candidateFromPion(cand)
	_ = wss.send(signalMessage{ID: kindIceCandidate, Candidate: &c})
}

// SendStop implements broadcast.Peer.
func (wss *wsSession) SendStop() {
	_ = wss.send(signalMessage{ID: kindStopCommunication})
}

func (wss *wsSession) pingLoop() {
	ticker := time.NewTicker(wss.srv.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-wss.ctx.Done():
			return
		case <-ticker.C:
			wss.writeMu.Lock()
			err := wss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			wss.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (wss *wsSession) send(msg signalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return wss.conn.WriteMessage(websocket.TextMessage, data)
}

func (wss *wsSession) fail(message string, closeCode int, closeReason string) {
	_ = wss.send(signalMessage{ID: kindError, Message: message})
	wss.closeWith(closeCode, closeReason)
}

func (wss *wsSession) closeWith(code int, reason string) {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// Close runs the full disconnect cleanup: the session's broadcast role is
// torn down, its room membership dropped and the session forgotten.
func (wss *wsSession) Close() {
	wss.closeOnce.Do(func() {
		wss.cancel()
		wss.srv.Engine.Disconnect(wss.id)
		wss.srv.untrack(wss)
		_ = wss.conn.Close()
		wss.srv.Log.Debug("signaling disconnected", "session_id", wss.id)
	})
}
