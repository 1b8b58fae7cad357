package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamforge/broadcast-relay/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, s *Server) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		if err := s.Serve(l); err != nil && !errors.Is(err, ErrServerClosed) {
			t.Errorf("serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return "http://" + l.Addr().String()
}

func TestHealthAndVersionEndpoints(t *testing.T) {
	s := New(config.Config{ListenAddr: "127.0.0.1:0"}, testLogger(), BuildInfo{Commit: "abc123", BuildTime: "2026-01-01"})
	base := startServer(t, s)

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Request-ID"); got == "" {
		t.Fatalf("missing X-Request-ID header")
	}

	vresp, err := http.Get(base + "/version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	defer vresp.Body.Close()
	var build BuildInfo
	if err := json.NewDecoder(vresp.Body).Decode(&build); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if build.Commit != "abc123" {
		t.Fatalf("commit=%q", build.Commit)
	}
}

func TestReadyz(t *testing.T) {
	s := New(config.Config{ListenAddr: "127.0.0.1:0"}, testLogger(), BuildInfo{})

	var failCheck atomic.Bool
	s.ReadyCheck = func() error {
		if failCheck.Load() {
			return errors.New("media server unreachable")
		}
		return nil
	}

	// Before Serve the server reports not ready.
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before serve status=%d", rec.Code)
	}

	base := startServer(t, s)
	resp, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status=%d", resp.StatusCode)
	}

	// A failing dependency check flips readiness.
	failCheck.Store(true)
	resp, err = http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz with failing check status=%d", resp.StatusCode)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	s := New(config.Config{ListenAddr: "127.0.0.1:0"}, testLogger(), BuildInfo{})
	s.Mux().HandleFunc("GET /boom", func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})
	base := startServer(t, s)

	resp, err := http.Get(base + "/boom")
	if err != nil {
		t.Fatalf("boom: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", resp.StatusCode)
	}
}

// The signaling endpoint upgrades connections through the middleware chain,
// so the logging wrapper must pass hijacking through.
func TestWebSocketUpgradeThroughMiddleware(t *testing.T) {
	s := New(config.Config{ListenAddr: "127.0.0.1:0"}, testLogger(), BuildInfo{})
	upgrader := websocket.Upgrader{}
	s.Mux().HandleFunc("GET /echo", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(mt, data)
	})
	base := startServer(t, s)

	url := "ws" + strings.TrimPrefix(base, "http") + "/echo"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "ping" {
		t.Fatalf("echo=%q", data)
	}
}
