package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected. An empty document yields
// the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Call it after [ApplyDefaults].
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Capture
	if cfg.Capture.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must be positive", cfg.Capture.SampleRate))
	}
	if cfg.Capture.FramesPerBuffer <= 0 {
		errs = append(errs, fmt.Errorf("capture.frames_per_buffer %d must be positive", cfg.Capture.FramesPerBuffer))
	}
	if cfg.Capture.History <= 0 {
		errs = append(errs, fmt.Errorf("capture.history %s must be positive", cfg.Capture.History))
	}

	// Wake word
	if s := cfg.WakeWord.Sensitivity; s < 0 || s > 1 {
		errs = append(errs, fmt.Errorf("wake_word.sensitivity %.2f is out of range [0, 1]", s))
	}
	if cfg.WakeWord.IsEnabled() && cfg.WakeWord.AccessKey == "" && os.Getenv("PICOVOICE_ACCESS_KEY") == "" {
		slog.Warn("wake_word.access_key is empty and $PICOVOICE_ACCESS_KEY is unset; keyword spotting will fail to start")
	}

	// Transcription
	t := cfg.Transcription
	if t.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("transcription.timeout %s must be positive", t.Timeout))
	}
	if t.TransportRate <= 0 || t.TransportRate > cfg.Capture.SampleRate {
		errs = append(errs, fmt.Errorf("transcription.transport_rate %d must be positive and at most capture.sample_rate %d", t.TransportRate, cfg.Capture.SampleRate))
	}
	if t.ChunkSamples <= 0 {
		errs = append(errs, fmt.Errorf("transcription.chunk_samples %d must be positive", t.ChunkSamples))
	}
	if t.SilenceThreshold <= 0 || t.SilenceThreshold >= 1 {
		errs = append(errs, fmt.Errorf("transcription.silence_threshold %.3f is out of range (0, 1)", t.SilenceThreshold))
	}
	if t.Padding < 0 || t.Padding > cfg.Capture.History {
		errs = append(errs, fmt.Errorf("transcription.padding %s must be within capture.history", t.Padding))
	}
	if t.URL != "" {
		errs = append(errs, checkURL("transcription.url", t.URL, "ws", "wss"))
	}

	// Token
	if cfg.Token.Endpoint != "" {
		errs = append(errs, checkURL("token.endpoint", cfg.Token.Endpoint, "http", "https"))
	} else if !cfg.TokenServer.Enabled {
		errs = append(errs, errors.New("token.endpoint is required unless token_server.enabled is true"))
	}
	if cfg.Token.SafetyMargin < 0 || cfg.Token.SafetyMargin >= time.Minute {
		errs = append(errs, fmt.Errorf("token.safety_margin %s is out of range [0, 1m)", cfg.Token.SafetyMargin))
	}

	// Token server
	if cfg.TokenServer.Enabled && cfg.TokenServer.APIKey == "" && os.Getenv("OPENAI_API_KEY") == "" {
		errs = append(errs, errors.New("token_server.api_key or $OPENAI_API_KEY is required when token_server.enabled is true"))
	}
	switch cfg.TokenServer.NoiseReduction {
	case "", "near_field", "far_field":
	default:
		errs = append(errs, fmt.Errorf("token_server.noise_reduction %q is invalid; valid values: near_field, far_field", cfg.TokenServer.NoiseReduction))
	}

	// Chat
	errs = append(errs, checkURL("chat.url", cfg.Chat.URL, "ws", "wss"))
	if cfg.Chat.MaxReconnectDelay < cfg.Chat.ReconnectDelay {
		errs = append(errs, fmt.Errorf("chat.max_reconnect_delay %s is below chat.reconnect_delay %s", cfg.Chat.MaxReconnectDelay, cfg.Chat.ReconnectDelay))
	}

	// Transcript log
	if cfg.TranscriptLog.Capacity < 0 {
		errs = append(errs, fmt.Errorf("transcript_log.capacity %d must not be negative", cfg.TranscriptLog.Capacity))
	}

	return errors.Join(errs...)
}

// checkURL returns an error unless raw parses as an absolute URL with one of
// the given schemes.
func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q: %w", field, raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q must be an absolute %v URL", field, raw, schemes)
}
