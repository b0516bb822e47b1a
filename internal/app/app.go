// Package app wires all house-agent subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run starts the capture device and executes the processing
// loops, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithDevice, WithDetector, WithDialer, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ShinnosukeUesaka/house-agent/internal/chat"
	"github.com/ShinnosukeUesaka/house-agent/internal/config"
	"github.com/ShinnosukeUesaka/house-agent/internal/health"
	"github.com/ShinnosukeUesaka/house-agent/internal/observe"
	"github.com/ShinnosukeUesaka/house-agent/internal/token"
	"github.com/ShinnosukeUesaka/house-agent/internal/tokenserver"
	"github.com/ShinnosukeUesaka/house-agent/internal/transcript/phonetic"
	"github.com/ShinnosukeUesaka/house-agent/internal/transcriptlog"
	"github.com/ShinnosukeUesaka/house-agent/internal/transcriptlog/postgres"
	"github.com/ShinnosukeUesaka/house-agent/internal/voice"
	"github.com/ShinnosukeUesaka/house-agent/pkg/audio"
	"github.com/ShinnosukeUesaka/house-agent/pkg/audio/capture"
	"github.com/ShinnosukeUesaka/house-agent/pkg/audio/portaudio"
	"github.com/ShinnosukeUesaka/house-agent/pkg/provider/stt"
	"github.com/ShinnosukeUesaka/house-agent/pkg/provider/stt/realtime"
	"github.com/ShinnosukeUesaka/house-agent/pkg/wakeword"
	"github.com/ShinnosukeUesaka/house-agent/pkg/wakeword/porcupine"
)

const (
	// captureMaxGap is how long the capture engine may go without audio
	// before /readyz reports it as failing.
	captureMaxGap = 5 * time.Second

	// recentSessions is the number of entries served by /api/sessions.
	recentSessions = 50

	// serverShutdownTimeout bounds draining HTTP connections when Run stops.
	serverShutdownTimeout = 5 * time.Second
)

// App owns all subsystem lifetimes and orchestrates the voice pipeline.
type App struct {
	cfg        *config.Config
	configPath string
	level      *slog.LevelVar
	log        *slog.Logger
	metrics    *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	store      transcriptlog.Store
	engine     *capture.Engine
	device     audio.Device
	detector   wakeword.Detector
	tokenSrc   token.Source
	tokens     *token.Provider
	minter     *tokenserver.Minter
	dialer     stt.Dialer
	dispatcher chat.Dispatcher
	chat       *chat.Client
	orch       *voice.Orchestrator
	adapter    *wakeword.Adapter
	handler    http.Handler
	watcher    *config.Watcher

	// closers run in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevice injects a capture device instead of opening PortAudio.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithDetector injects a keyword detector instead of creating Porcupine.
func WithDetector(d wakeword.Detector) Option {
	return func(a *App) { a.detector = d }
}

// WithTokenSource injects the token source instead of the HTTP endpoint or
// the in-process minter.
func WithTokenSource(s token.Source) Option {
	return func(a *App) { a.tokenSrc = s }
}

// WithDialer injects the transcription dialer.
func WithDialer(d stt.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithDispatcher injects where final transcripts are sent. No chat
// connection is opened when set.
func WithDispatcher(d chat.Dispatcher) Option {
	return func(a *App) { a.dispatcher = d }
}

// WithTranscriptLog injects the session log instead of creating one from
// config.
func WithTranscriptLog(s transcriptlog.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metrics instance. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar sets the level variable that hot reload adjusts.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigPath enables hot reload of the config file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// A failing wake-word engine does not fail New: the assistant is disabled
// with a setup error and the HTTP surface keeps reporting it.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Slog())
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.log = slog.Default()

	// ── 1. Transcript log ────────────────────────────────────────────────
	if err := a.initTranscriptLog(ctx); err != nil {
		a.cleanup()
		return nil, fmt.Errorf("app: init transcript log: %w", err)
	}

	// ── 2. Capture ───────────────────────────────────────────────────────
	if err := a.initCapture(); err != nil {
		a.cleanup()
		return nil, fmt.Errorf("app: init capture: %w", err)
	}

	// ── 3. Tokens ────────────────────────────────────────────────────────
	if err := a.initTokens(); err != nil {
		a.cleanup()
		return nil, fmt.Errorf("app: init tokens: %w", err)
	}

	// ── 4. Transcription and chat transports ─────────────────────────────
	a.initTransports()

	// ── 5. Orchestrator ──────────────────────────────────────────────────
	a.initOrchestrator()

	// ── 6. Wake word ─────────────────────────────────────────────────────
	a.initWakeWord()

	// ── 7. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	// ── 8. Config hot reload ─────────────────────────────────────────────
	if err := a.initWatcher(); err != nil {
		a.cleanup()
		return nil, fmt.Errorf("app: init config watcher: %w", err)
	}

	return a, nil
}

func (a *App) initTranscriptLog(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if dsn := a.cfg.TranscriptLog.PostgresDSN; dsn != "" {
		st, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = st
		a.closers = append(a.closers, func() error { st.Close(); return nil })
		a.log.Info("transcript log: postgres")
		return nil
	}
	a.store = transcriptlog.NewMemStore(a.cfg.TranscriptLog.Capacity)
	return nil
}

func (a *App) initCapture() error {
	engine, err := capture.New(a.cfg.Capture.SampleRate, a.cfg.Capture.History)
	if err != nil {
		return err
	}
	a.engine = engine

	if a.device == nil {
		a.device = portaudio.New(
			portaudio.WithSampleRate(a.cfg.Capture.SampleRate),
			portaudio.WithFramesPerBuffer(a.cfg.Capture.FramesPerBuffer),
		)
	}
	if rate := a.device.SampleRate(); rate != engine.SampleRate() {
		return fmt.Errorf("device sample rate %d does not match capture rate %d", rate, engine.SampleRate())
	}
	dev := a.device
	a.closers = append(a.closers, dev.Close)
	return nil
}

func (a *App) initTokens() error {
	if a.tokenSrc == nil {
		if a.cfg.TokenServer.Enabled {
			m, err := a.newMinter()
			if err != nil {
				return err
			}
			a.minter = m
		}
		switch {
		case a.cfg.Token.Endpoint != "":
			a.tokenSrc = token.NewHTTPSource(token.WithEndpoint(a.cfg.Token.Endpoint))
		case a.minter != nil:
			a.tokenSrc = a.minter
			a.log.Info("tokens: minting in-process")
		default:
			return errors.New("no token endpoint and token server disabled")
		}
	}
	a.tokens = token.NewProvider(a.tokenSrc,
		token.WithSafetyMargin(a.cfg.Token.SafetyMargin),
		token.WithLogger(a.log),
		token.WithMetrics(a.metrics),
	)
	tokens := a.tokens
	a.closers = append(a.closers, func() error { tokens.Close(); return nil })
	return nil
}

func (a *App) newMinter() (*tokenserver.Minter, error) {
	ts := a.cfg.TokenServer
	key := ts.APIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	opts := []tokenserver.Option{
		tokenserver.WithLogger(a.log),
		tokenserver.WithMetrics(a.metrics),
	}
	if ts.BaseURL != "" {
		opts = append(opts, tokenserver.WithBaseURL(ts.BaseURL))
	}
	return tokenserver.New(key, tokenserver.Config{
		Model:          ts.Model,
		Language:       ts.Language,
		NoiseReduction: ts.NoiseReduction,
	}, opts...)
}

func (a *App) initTransports() {
	if a.dialer == nil {
		a.dialer = realtime.New(
			realtime.WithURL(a.cfg.Transcription.URL),
			realtime.WithLogger(a.log),
		)
	}
	if a.dispatcher == nil {
		a.chat = chat.New(a.cfg.Chat.URL,
			chat.WithBackoff(a.cfg.Chat.ReconnectDelay, a.cfg.Chat.MaxReconnectDelay),
			chat.WithLogger(a.log),
			chat.WithMetrics(a.metrics),
			chat.WithMessageHandler(func(m chat.Message) {
				a.log.Info("chat: message from agent", "type", m.Type)
			}),
		)
		a.dispatcher = a.chat
	}
}

func (a *App) initOrchestrator() {
	tr := a.cfg.Transcription
	rate := a.cfg.Capture.SampleRate
	opts := []voice.OrchestratorOption{
		voice.WithDispatcher(a.dispatcher),
		voice.WithTranscriptLog(a.store),
		voice.WithDispatchTimeout(a.cfg.Chat.SendTimeout),
		voice.WithLogger(a.log),
		voice.WithMetrics(a.metrics),
		voice.WithSessionConfig(voice.SessionConfig{
			Timeout:          tr.Timeout,
			CaptureRate:      rate,
			TransportRate:    tr.TransportRate,
			ChunkSamples:     tr.ChunkSamples,
			SilenceThreshold: float32(tr.SilenceThreshold),
			PaddingSamples:   int(tr.Padding.Seconds() * float64(rate)),
		}),
		voice.WithEnabledHook(func(on bool) {
			if a.adapter != nil {
				a.adapter.SetEnabled(on)
			}
		}),
	}
	if a.cfg.WakeWord.StripsTranscript() && a.cfg.WakeWord.Keyword != "" {
		opts = append(opts, voice.WithTranscriptFilter(phonetic.New([]string{a.cfg.WakeWord.Keyword}).Strip))
	}
	if dir := a.cfg.Debug.PreRollDir; dir != "" {
		opts = append(opts, voice.WithPreRollDir(dir))
	}
	a.orch = voice.NewOrchestrator(a.tokens, a.dialer, opts...)
	orch := a.orch
	a.closers = append(a.closers, func() error { orch.Close(); return nil })

	a.orch.Subscribe(func(s voice.State) {
		a.log.Debug("voice: state", "state", s)
	})
}

// initWakeWord creates the detector and adapter. Engine failures are setup
// errors: they disable the assistant but not the process.
func (a *App) initWakeWord() {
	ww := a.cfg.WakeWord
	if a.detector == nil {
		det, err := a.newPorcupine()
		if err != nil {
			a.orch.SetSetupError(err)
			return
		}
		a.detector = det
	}

	label := ww.Keyword
	if label == "" {
		label = "keyword"
	}
	adapter, err := wakeword.New(a.detector, a.engine, a.orch.HandleDetection,
		wakeword.WithLabels(label),
		wakeword.WithGate(a.orch.Accepting),
		wakeword.WithMonitoringHook(a.orch.SetMonitoring),
		wakeword.WithIgnoredHook(func(det wakeword.Detection, reason string) {
			a.metrics.RecordDetection(context.Background(), det.Label, reason)
		}),
		wakeword.WithLogger(a.log),
	)
	if err != nil {
		_ = a.detector.Close()
		a.orch.SetSetupError(err)
		return
	}
	a.adapter = adapter
	a.closers = append(a.closers, adapter.Close)

	if !ww.IsEnabled() {
		a.orch.SetEnabled(false)
	}
}

func (a *App) newPorcupine() (*porcupine.Detector, error) {
	ww := a.cfg.WakeWord
	key := ww.AccessKey
	if key == "" {
		key = os.Getenv("PICOVOICE_ACCESS_KEY")
	}
	opts := []porcupine.Option{porcupine.WithSensitivity(float32(ww.Sensitivity))}
	if ww.KeywordPath != "" {
		opts = append(opts, porcupine.WithKeywordPath(ww.KeywordPath))
	} else {
		opts = append(opts, porcupine.WithBuiltInKeyword(ww.Keyword))
	}
	if ww.ModelPath != "" {
		opts = append(opts, porcupine.WithModelPath(ww.ModelPath))
	}
	return porcupine.New(key, opts...)
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()

	h := health.New(
		health.CaptureLive(a.engine.Stats, captureMaxGap),
		health.Ping("transcript_log", a.store),
		health.NoSetupError(func() string { return a.orch.Status().SetupError }),
	)
	h.SetStatus(func() any { return a.orch.Status() })
	h.Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/sessions", a.handleSessions)
	mux.HandleFunc("POST /api/voice/enabled", a.handleEnabled)

	if a.minter != nil {
		a.minter.Register(mux)
	}

	a.handler = observe.Middleware(a.metrics)(mux)
}

func (a *App) initWatcher() error {
	if a.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.configPath, a.reload, config.WithWatcherLogger(a.log))
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, func() error { w.Stop(); return nil })
	return nil
}

// reload applies the hot-reloadable parts of a changed config.
func (a *App) reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Slog())
		a.log.Info("config: log level changed", "level", d.NewLogLevel)
	}
	if d.WakeWordChanged {
		a.orch.SetEnabled(d.WakeWordEnabled)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config: changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── HTTP handlers ───────────────────────────────────────────────────────────

func (a *App) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := recentSessions
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := a.store.Recent(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("transcript log: recent failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "transcript log unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *App) handleEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": `body must be {"enabled": bool}`})
		return
	}
	a.orch.SetEnabled(*body.Enabled)
	writeJSON(w, http.StatusOK, a.orch.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving probes, metrics and the API.
func (a *App) Handler() http.Handler { return a.handler }

// Orchestrator returns the voice orchestrator.
func (a *App) Orchestrator() *voice.Orchestrator { return a.orch }

// Engine returns the capture engine.
func (a *App) Engine() *capture.Engine { return a.engine }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the capture device and blocks until ctx is cancelled or a
// subsystem fails. A device that cannot start disables the assistant with a
// setup error; the HTTP server keeps running.
func (a *App) Run(ctx context.Context) error {
	if err := a.device.Start(a.engine.Push); err != nil {
		a.orch.SetSetupError(fmt.Errorf("app: start capture device: %w", err))
	} else {
		a.log.Info("capture device started", "sample_rate", a.device.SampleRate())
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.adapter != nil {
		g.Go(func() error { return a.adapter.Run(gctx) })
	}
	if a.chat != nil {
		g.Go(func() error { return a.chat.Run(gctx) })
	}
	g.Go(func() error {
		a.tokens.Prefetch(gctx)
		return nil
	})

	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.log.Info("http server listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// cleanup releases what a failed New had already acquired.
func (a *App) cleanup() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
