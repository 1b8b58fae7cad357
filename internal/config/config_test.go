package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupFromMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(lookupFromMap(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.MediaServerURL != DefaultMediaServerURL {
		t.Errorf("MediaServerURL=%q, want %q", cfg.MediaServerURL, DefaultMediaServerURL)
	}
	if cfg.Mode != ModeDev {
		t.Errorf("Mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Errorf("LogFormat=%q, want %q (dev default)", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel=%v, want debug (dev default)", cfg.LogLevel)
	}
	if cfg.RoomMaxClients != 0 {
		t.Errorf("RoomMaxClients=%d, want 0", cfg.RoomMaxClients)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Errorf("MaxSignalingMessageBytes=%d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	}
}

func TestLoad_ProdModeDefaultsToJSONInfo(t *testing.T) {
	cfg, err := load(lookupFromMap(map[string]string{
		"BROADCAST_RELAY_MODE": "prod",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Errorf("LogFormat=%q, want json", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel=%v, want info", cfg.LogLevel)
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupFromMap(map[string]string{
		"MEDIA_SERVER_URL": "ws://env-host:8888/kurento",
		"ROOM_MAX_CLIENTS": "4",
	}), []string{
		"--media-server-url=wss://flag-host/kurento",
		"--room-max-clients=8",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MediaServerURL != "wss://flag-host/kurento" {
		t.Errorf("MediaServerURL=%q, want flag value", cfg.MediaServerURL)
	}
	if cfg.RoomMaxClients != 8 {
		t.Errorf("RoomMaxClients=%d, want 8", cfg.RoomMaxClients)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		args    []string
		wantErr string
	}{
		{
			name:    "bad media url scheme",
			env:     map[string]string{"MEDIA_SERVER_URL": "http://host/kurento"},
			wantErr: "scheme must be ws or wss",
		},
		{
			name:    "media url missing host",
			args:    []string{"--media-server-url=ws://"},
			wantErr: "missing host",
		},
		{
			name:    "negative room max clients",
			env:     map[string]string{"ROOM_MAX_CLIENTS": "-1"},
			wantErr: "must be >= 0",
		},
		{
			name:    "bad room max clients",
			env:     map[string]string{"ROOM_MAX_CLIENTS": "lots"},
			wantErr: "invalid ROOM_MAX_CLIENTS",
		},
		{
			name:    "bad shutdown timeout",
			env:     map[string]string{"BROADCAST_RELAY_SHUTDOWN_TIMEOUT": "soon"},
			wantErr: "invalid BROADCAST_RELAY_SHUTDOWN_TIMEOUT",
		},
		{
			name:    "bad mode",
			args:    []string{"--mode=staging"},
			wantErr: "invalid mode",
		},
		{
			name:    "ping interval must be below idle timeout",
			args:    []string{"--signaling-ws-ping-interval=2m", "--signaling-ws-idle-timeout=1m"},
			wantErr: "must be <",
		},
		{
			name:    "zero message rate",
			env:     map[string]string{"MAX_SIGNALING_MESSAGES_PER_SECOND": "0"},
			wantErr: "must be > 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(lookupFromMap(tt.env), tt.args)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err=%q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_Durations(t *testing.T) {
	cfg, err := load(lookupFromMap(map[string]string{
		"MEDIA_CONNECT_TIMEOUT": "3s",
		"MEDIA_CALL_TIMEOUT":    "7s",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MediaConnectTimeout != 3*time.Second {
		t.Errorf("MediaConnectTimeout=%v, want 3s", cfg.MediaConnectTimeout)
	}
	if cfg.MediaCallTimeout != 7*time.Second {
		t.Errorf("MediaCallTimeout=%v, want 7s", cfg.MediaCallTimeout)
	}
}

func TestNewLogger_RejectsUnknownFormat(t *testing.T) {
	_, err := NewLogger(Config{LogFormat: "yaml"})
	if err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}
