package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/streamforge/broadcast-relay/internal/broadcast"
	"github.com/streamforge/broadcast-relay/internal/config"
	"github.com/streamforge/broadcast-relay/internal/httpserver"
	"github.com/streamforge/broadcast-relay/internal/media"
	"github.com/streamforge/broadcast-relay/internal/metrics"
	"github.com/streamforge/broadcast-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting broadcast-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"media_server_url", cfg.MediaServerURL,
		"media_connect_timeout", cfg.MediaConnectTimeout,
		"media_call_timeout", cfg.MediaCallTimeout,
		"room_max_clients", cfg.RoomMaxClients,
		"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
		"signaling_ws_ping_interval", cfg.SignalingWSPingInterval,
	)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	m := metrics.New()

	// The media connection is shared process-wide and dialed lazily on the
	// first negotiation, so a down media server does not block startup.
	connector := media.NewConnector(cfg.MediaServerURL, media.Options{
		HandshakeTimeout: cfg.MediaConnectTimeout,
		CallTimeout:      cfg.MediaCallTimeout,
	})

	sessions := broadcast.NewSessionRegistry(logger)
	rooms := broadcast.NewRegistry(logger, m, sessions, cfg.RoomMaxClients)
	engine := broadcast.NewEngine(logger, m, sessions, rooms, connector)

	sig := signaling.NewServer(signaling.Config{
		Log:      logger,
		Metrics:  m,
		Sessions: sessions,
		Engine:   engine,

		IdleTimeout:  cfg.SignalingWSIdleTimeout,
		PingInterval: cfg.SignalingWSPingInterval,

		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	})
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		_ = connector.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()
	_ = connector.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}
	return commit, built
}
