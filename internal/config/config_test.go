package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected :8080, got %s", cfg.Server.Addr)
	}
	if cfg.Hub.ChatHistoryLimit != 100 || cfg.Hub.SnapshotChatLimit != 20 {
		t.Fatalf("unexpected hub defaults: %+v", cfg.Hub)
	}
	if cfg.Capture.DebounceDelay != time.Second || cfg.Capture.MaxBuffer != 3*time.Second {
		t.Fatalf("unexpected coalescer defaults: %+v", cfg.Capture)
	}
	if cfg.AI.Enabled() {
		t.Fatal("AI should be disabled without credentials")
	}
	if len(cfg.Relay.Kinds) != 1 || cfg.Relay.Kinds[0] != "chat" {
		t.Fatalf("unexpected relay kinds: %v", cfg.Relay.Kinds)
	}
}

func TestLoadServerConfig(t *testing.T) {
	cases := map[string]struct {
		port    string
		want    string
		wantErr bool
	}{
		"bare port":    {port: "9000", want: ":9000"},
		"colon prefix": {port: ":7000", want: ":7000"},
		"host port":    {port: "127.0.0.1:7001", want: "127.0.0.1:7001"},
		"space":        {port: "80 80", wantErr: true},
		"not a number": {port: "http", wantErr: true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv("PORT", tc.port)

			cfg, err := Load("")
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load err: %v", err)
			}
			if cfg.Server.Addr != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, cfg.Server.Addr)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("Model", "doubao-vision")
	t.Setenv("ARK_API_KEY", "key")
	t.Setenv("HUB_CHAT_HISTORY", "5")
	t.Setenv("TRANSCRIPT_DEBOUNCE", "250ms")
	t.Setenv("TRANSCRIPT_MAX_BUFFER", "1500")
	t.Setenv("TRANSCRIPT_DENY_LIST", "thank you., bye")
	t.Setenv("SPEECH_APP_ID", "app")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if !cfg.AI.Enabled() || cfg.AI.Model != "doubao-vision" {
		t.Fatalf("expected AI enabled with model, got %+v", cfg.AI)
	}
	if cfg.Hub.ChatHistoryLimit != 5 {
		t.Fatalf("expected history 5, got %d", cfg.Hub.ChatHistoryLimit)
	}
	if cfg.Capture.DebounceDelay != 250*time.Millisecond {
		t.Fatalf("expected 250ms debounce, got %s", cfg.Capture.DebounceDelay)
	}
	if cfg.Capture.MaxBuffer != 1500*time.Millisecond {
		t.Fatalf("expected 1500ms max buffer, got %s", cfg.Capture.MaxBuffer)
	}
	if len(cfg.Capture.DenyList) != 2 || cfg.Capture.DenyList[1] != "bye" {
		t.Fatalf("unexpected deny list: %q", cfg.Capture.DenyList)
	}
	if !cfg.Speech.Enabled || cfg.Speech.AccessToken != "key" {
		t.Fatalf("expected speech to fall back to ARK_API_KEY, got %+v", cfg.Speech)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "clawstream.yaml")
	content := []byte("port: 9100\ncapture_enabled: true\ncapture_stream_url: https://twitch.tv/someone\ntranscript_deny_list:\n  - you\n  - \"[music]\"\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Server.Addr != ":9100" {
		t.Fatalf("expected :9100, got %s", cfg.Server.Addr)
	}
	if !cfg.Capture.Enabled || cfg.Capture.StreamURL == "" {
		t.Fatalf("expected capture enabled, got %+v", cfg.Capture)
	}
	if len(cfg.Capture.DenyList) != 2 {
		t.Fatalf("expected 2 deny list entries, got %q", cfg.Capture.DenyList)
	}
}

func TestCaptureRequiresStreamURL(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CAPTURE_ENABLED", "true")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error when capture is enabled without a stream URL")
	}
}

func TestInvalidDuration(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HUB_PONG_WAIT", "soon")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}
