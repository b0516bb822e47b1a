package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ShinnosukeUesaka/house-agent/internal/config"
)

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server defaults: %+v", cfg.Server)
	}
	if cfg.Capture.SampleRate != 48000 || cfg.Capture.FramesPerBuffer != 480 || cfg.Capture.History != 3*time.Second {
		t.Errorf("capture defaults: %+v", cfg.Capture)
	}
	if !cfg.WakeWord.IsEnabled() || cfg.WakeWord.StripsTranscript() || cfg.WakeWord.Keyword != "alexa" {
		t.Errorf("wake word defaults: %+v", cfg.WakeWord)
	}
	tr := cfg.Transcription
	if tr.URL != "wss://api.openai.com/v1/realtime?intent=transcription" {
		t.Errorf("transcription.url = %q", tr.URL)
	}
	if tr.Timeout != 15*time.Second || tr.TransportRate != 24000 || tr.ChunkSamples != 2400 {
		t.Errorf("transcription defaults: %+v", tr)
	}
	if tr.SilenceThreshold != 0.01 || tr.Padding != 100*time.Millisecond {
		t.Errorf("trim defaults: %+v", tr)
	}
	if cfg.Token.Endpoint != "http://localhost:8000/api/realtime-session" || cfg.Token.SafetyMargin != 10*time.Second {
		t.Errorf("token defaults: %+v", cfg.Token)
	}
	if cfg.Chat.URL != "ws://localhost:8000/ws" || cfg.Chat.ReconnectDelay != 3*time.Second {
		t.Errorf("chat defaults: %+v", cfg.Chat)
	}
	if cfg.TranscriptLog.Capacity != 256 {
		t.Errorf("transcript_log.capacity = %d", cfg.TranscriptLog.Capacity)
	}
}

func TestLoadFromReader_FullDocument(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: "127.0.0.1:9090"
  log_level: debug
capture:
  sample_rate: 44100
  history: 5s
wake_word:
  enabled: false
  access_key: pv-key
  keyword: jarvis
  sensitivity: 0.7
  strip_from_transcript: true
transcription:
  url: wss://api.openai.com/v1/realtime?intent=transcription
  timeout: 20s
  chunk_samples: 4800
token:
  endpoint: https://backend.local/api/realtime-session
  safety_margin: 5s
chat:
  url: wss://backend.local/ws
  reconnect_delay: 1s
transcript_log:
  postgres_dsn: postgres://localhost/houseagent
debug:
  preroll_dir: /tmp/preroll
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.LogLevel != config.LogDebug || cfg.Server.ListenAddr != "127.0.0.1:9090" {
		t.Errorf("server: %+v", cfg.Server)
	}
	if cfg.Capture.SampleRate != 44100 || cfg.Capture.History != 5*time.Second {
		t.Errorf("capture: %+v", cfg.Capture)
	}
	if cfg.WakeWord.IsEnabled() || !cfg.WakeWord.StripsTranscript() || cfg.WakeWord.Keyword != "jarvis" {
		t.Errorf("wake_word: %+v", cfg.WakeWord)
	}
	if cfg.Transcription.Timeout != 20*time.Second || cfg.Transcription.ChunkSamples != 4800 {
		t.Errorf("transcription: %+v", cfg.Transcription)
	}
	if cfg.Token.SafetyMargin != 5*time.Second {
		t.Errorf("token.safety_margin = %s", cfg.Token.SafetyMargin)
	}
	if cfg.Chat.ReconnectDelay != time.Second || cfg.Chat.MaxReconnectDelay != 30*time.Second {
		t.Errorf("chat: %+v", cfg.Chat)
	}
	if cfg.Debug.PreRollDir != "/tmp/preroll" {
		t.Errorf("debug.preroll_dir = %q", cfg.Debug.PreRollDir)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("capture:\n  samplerate: 16000\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "samplerate") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: bananas\n", "server.log_level"},
		{"tls half", "server:\n  tls:\n    cert_file: a.pem\n", "server.tls"},
		{"sensitivity", "wake_word:\n  sensitivity: 1.5\n", "wake_word.sensitivity"},
		{"transport rate above capture", "capture:\n  sample_rate: 16000\n", "transcription.transport_rate"},
		{"silence threshold", "transcription:\n  silence_threshold: 2\n", "transcription.silence_threshold"},
		{"padding beyond history", "transcription:\n  padding: 10s\n", "transcription.padding"},
		{"transcription scheme", "transcription:\n  url: https://api.openai.com/v1/realtime\n", "transcription.url"},
		{"token scheme", "token:\n  endpoint: ftp://backend/token\n", "token.endpoint"},
		{"safety margin", "token:\n  safety_margin: 2m\n", "token.safety_margin"},
		{"noise reduction", "token_server:\n  noise_reduction: studio\n", "token_server.noise_reduction"},
		{"chat scheme", "chat:\n  url: http://localhost:8000/ws\n", "chat.url"},
		{"chat backoff", "chat:\n  reconnect_delay: 1m\n", "chat.max_reconnect_delay"},
		{"capacity", "transcript_log:\n  capacity: -1\n", "transcript_log.capacity"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error should mention %q, got: %v", tc.want, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
wake_word:
  sensitivity: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "wake_word.sensitivity"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_TokenServerNeedsAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := config.LoadFromReader(strings.NewReader("token_server:\n  enabled: true\n"))
	if err == nil || !strings.Contains(err.Error(), "token_server.api_key") {
		t.Fatalf("expected api key error, got: %v", err)
	}

	t.Setenv("OPENAI_API_KEY", "sk-env")
	cfg, err := config.LoadFromReader(strings.NewReader("token_server:\n  enabled: true\n"))
	if err != nil {
		t.Fatalf("unexpected error with env key: %v", err)
	}
	if cfg.Token.Endpoint != "" {
		t.Errorf("token.endpoint = %q, want empty for in-process minting", cfg.Token.Endpoint)
	}
	if cfg.TokenServer.Model != "gpt-4o-transcribe" || cfg.TokenServer.Language != "en" {
		t.Errorf("token_server defaults: %+v", cfg.TokenServer)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "houseagent.yaml")
	if err := os.WriteFile(path, []byte("server:\n  log_level: warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}

func TestLogLevel_Slog(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := in.Slog(); got != want {
			t.Errorf("%q.Slog() = %v, want %v", in, got, want)
		}
	}
}
