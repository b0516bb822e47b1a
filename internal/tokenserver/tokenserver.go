// Package tokenserver mints short-lived client secrets for the hosted
// realtime transcription service.
//
// The long-lived OpenAI API key never leaves this process: callers receive
// an ephemeral secret scoped to one transcription session configuration
// (PCM16 input, model, language, server VAD). [Minter] serves the
// POST /api/realtime-session endpoint and also implements [token.Source] so
// the voice pipeline can mint in-process when no separate backend runs.
package tokenserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ShinnosukeUesaka/house-agent/internal/observe"
	"github.com/ShinnosukeUesaka/house-agent/internal/token"
)

// Path is the route the dashboard backend exposes for token minting.
const Path = "/api/realtime-session"

// sessionsPath is the OpenAI endpoint, relative to the API base URL.
const sessionsPath = "realtime/transcription_sessions"

var _ token.Source = (*Minter)(nil)

// Config describes the transcription session a minted secret is bound to.
type Config struct {
	// Model is the transcription model. Default: gpt-4o-transcribe.
	Model string

	// Language is the ISO-639-1 input language. Empty lets the model detect it.
	Language string

	// Prompt optionally biases the transcription vocabulary.
	Prompt string

	// VADThreshold is the server VAD activation threshold in [0, 1].
	// Default: 0.5.
	VADThreshold float64

	// PrefixPadding is audio kept before detected speech. Default: 300ms.
	PrefixPadding time.Duration

	// SilenceDuration ends a turn after this much silence. Default: 500ms.
	SilenceDuration time.Duration

	// NoiseReduction is "near_field", "far_field" or empty for none.
	NoiseReduction string
}

// DefaultConfig returns the session shape the voice pipeline expects.
func DefaultConfig() Config {
	return Config{
		Model:           "gpt-4o-transcribe",
		Language:        "en",
		VADThreshold:    0.5,
		PrefixPadding:   300 * time.Millisecond,
		SilenceDuration: 500 * time.Millisecond,
	}
}

type options struct {
	baseURL string
	timeout time.Duration
	log     *slog.Logger
	metrics *observe.Metrics
}

// Option is a functional option for [New].
type Option func(*options)

// WithBaseURL overrides the OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithTimeout sets the per-request HTTP timeout. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Minter creates ephemeral transcription secrets.
type Minter struct {
	client  oai.Client
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
}

// New constructs a Minter authenticated with apiKey. Zero fields of cfg take
// their [DefaultConfig] values.
func New(apiKey string, cfg Config, opts ...Option) (*Minter, error) {
	if apiKey == "" {
		return nil, errors.New("tokenserver: apiKey must not be empty")
	}
	o := options{timeout: 10 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: o.timeout}),
	}
	if o.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.baseURL))
	}

	return &Minter{
		client:  oai.NewClient(reqOpts...),
		cfg:     cfg.withDefaults(),
		log:     o.log,
		metrics: o.metrics,
	}, nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.VADThreshold <= 0 {
		c.VADThreshold = d.VADThreshold
	}
	if c.PrefixPadding <= 0 {
		c.PrefixPadding = d.PrefixPadding
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = d.SilenceDuration
	}
	return c
}

// ── Wire types ───────────────────────────────────────────────────────────────

type sessionRequest struct {
	InputAudioFormat         string              `json:"input_audio_format"`
	InputAudioTranscription  transcriptionParams `json:"input_audio_transcription"`
	TurnDetection            turnDetection       `json:"turn_detection"`
	InputAudioNoiseReduction *noiseReduction     `json:"input_audio_noise_reduction,omitempty"`
}

type transcriptionParams struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int64   `json:"prefix_padding_ms"`
	SilenceDurationMs int64   `json:"silence_duration_ms"`
}

type noiseReduction struct {
	Type string `json:"type"`
}

type sessionResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

func (c Config) request() sessionRequest {
	req := sessionRequest{
		InputAudioFormat: "pcm16",
		InputAudioTranscription: transcriptionParams{
			Model:    c.Model,
			Language: c.Language,
			Prompt:   c.Prompt,
		},
		TurnDetection: turnDetection{
			Type:              "server_vad",
			Threshold:         c.VADThreshold,
			PrefixPaddingMs:   c.PrefixPadding.Milliseconds(),
			SilenceDurationMs: c.SilenceDuration.Milliseconds(),
		},
	}
	if c.NoiseReduction != "" {
		req.InputAudioNoiseReduction = &noiseReduction{Type: c.NoiseReduction}
	}
	return req
}

// ── Minting ──────────────────────────────────────────────────────────────────

// Fetch mints a new ephemeral secret. It implements [token.Source].
func (m *Minter) Fetch(ctx context.Context) (token.Token, error) {
	var res sessionResponse
	if err := m.client.Post(ctx, sessionsPath, m.cfg.request(), &res); err != nil {
		m.metrics.RecordProviderRequest(ctx, "openai", "token", "error")
		m.metrics.RecordProviderError(ctx, "openai", "token")
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return token.Token{}, fmt.Errorf("tokenserver: create session: status %d: %w", apiErr.StatusCode, err)
		}
		return token.Token{}, fmt.Errorf("tokenserver: create session: %w", err)
	}
	if res.ClientSecret.Value == "" {
		m.metrics.RecordProviderRequest(ctx, "openai", "token", "error")
		return token.Token{}, errors.New("tokenserver: create session: response has no client secret")
	}
	m.metrics.RecordProviderRequest(ctx, "openai", "token", "ok")

	tok := token.Token{Value: res.ClientSecret.Value}
	if res.ClientSecret.ExpiresAt > 0 {
		tok.ExpiresAt = time.Unix(res.ClientSecret.ExpiresAt, 0)
	} else {
		tok.ExpiresAt = time.Now().Add(token.DefaultLifetime)
	}
	m.log.Debug("tokenserver: minted transcription secret", "session", res.ID, "expires_at", tok.ExpiresAt)
	return tok, nil
}

// Register mounts the minting endpoint on mux.
func (m *Minter) Register(mux *http.ServeMux) {
	mux.Handle("POST "+Path, m)
}

type mintResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ServeHTTP mints a secret and responds {"token": ..., "expires_at": ...}.
// Upstream failures become 502 Bad Gateway.
func (m *Minter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}
	tok, err := m.Fetch(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Warn("tokenserver: mint failed", "err", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "failed to create transcription session"})
		return
	}
	writeJSON(w, http.StatusOK, mintResponse{Token: tok.Value, ExpiresAt: tok.ExpiresAt.Unix()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
