package voice

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShinnosukeUesaka/house-agent/internal/chat"
	"github.com/ShinnosukeUesaka/house-agent/internal/observe"
	"github.com/ShinnosukeUesaka/house-agent/internal/transcriptlog"
	"github.com/ShinnosukeUesaka/house-agent/pkg/audio"
	"github.com/ShinnosukeUesaka/house-agent/pkg/audio/capture"
	"github.com/ShinnosukeUesaka/house-agent/pkg/provider/stt"
	"github.com/ShinnosukeUesaka/house-agent/pkg/wakeword"
)

// Compile-time check that HandleDetection fits the adapter callback.
var _ wakeword.Handler = (*Orchestrator)(nil).HandleDetection

// Status is a point-in-time view of the assistant.
type Status struct {
	State          State   `json:"state"`
	Partial        string  `json:"partial"`
	Enabled        bool    `json:"enabled"`
	Monitoring     bool    `json:"monitoring"`
	SetupError     string  `json:"setup_error,omitempty"`
	LastOutcome    Outcome `json:"last_outcome,omitempty"`
	Sessions       uint64  `json:"sessions"`
	CurrentSession string  `json:"current_session,omitempty"`
}

// Orchestrator turns detections into sessions, one at a time, and routes
// their results.
//
// All methods are safe for concurrent use.
type Orchestrator struct {
	tokens       TokenSource
	dialer       stt.Dialer
	cfg          SessionConfig
	dispatch     chat.Dispatcher
	store        transcriptlog.Store
	filter       func(string) string
	dumpDir      string
	sendTimeout  time.Duration
	log          *slog.Logger
	metrics      *observe.Metrics
	newID        func() string
	onEnabled    func(bool)
	sessionOpts  []SessionOption
	base         context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	notifyMu     sync.Mutex
	lastNotified State

	mu          sync.Mutex
	state       State
	monitoring  bool
	partial     string
	enabled     bool
	setupErr    error
	lastOutcome Outcome
	sessions    uint64
	current     *Session
	observers   map[int]func(State)
	nextObs     int
}

// OrchestratorOption is a functional option for [NewOrchestrator].
type OrchestratorOption func(*Orchestrator)

// WithDispatcher sets where final transcripts are sent.
func WithDispatcher(d chat.Dispatcher) OrchestratorOption {
	return func(o *Orchestrator) { o.dispatch = d }
}

// WithTranscriptLog records every session outcome in store.
func WithTranscriptLog(store transcriptlog.Store) OrchestratorOption {
	return func(o *Orchestrator) { o.store = store }
}

// WithTranscriptFilter rewrites final transcripts before dispatch (for
// example to strip a spoken wake word). A filter result that is blank is
// not dispatched.
func WithTranscriptFilter(fn func(string) string) OrchestratorOption {
	return func(o *Orchestrator) { o.filter = fn }
}

// WithPreRollDir writes each session's trimmed pre-roll as a WAV file named
// after the session ID into dir.
func WithPreRollDir(dir string) OrchestratorOption {
	return func(o *Orchestrator) { o.dumpDir = dir }
}

// WithSessionConfig sets the per-session tuning.
func WithSessionConfig(cfg SessionConfig) OrchestratorOption {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithDispatchTimeout bounds each chat send. Default: 5s.
func WithDispatchTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.sendTimeout = d }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.log = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithIDGenerator replaces the random UUID session IDs.
func WithIDGenerator(fn func() string) OrchestratorOption {
	return func(o *Orchestrator) { o.newID = fn }
}

// WithEnabledHook is called with the new value whenever keyword spotting is
// enabled or disabled.
func WithEnabledHook(fn func(bool)) OrchestratorOption {
	return func(o *Orchestrator) { o.onEnabled = fn }
}

// NewOrchestrator creates an enabled, idle [Orchestrator].
func NewOrchestrator(tokens TokenSource, dialer stt.Dialer, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		tokens:      tokens,
		dialer:      dialer,
		cfg:         DefaultSessionConfig(),
		sendTimeout: 5 * time.Second,
		newID:       func() string { return uuid.NewString() },
		enabled:     true,
		observers:   make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.cfg = o.cfg.withDefaults()
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.sessionOpts = []SessionOption{WithSessionLogger(o.log), WithSessionMetrics(o.metrics)}
	o.base, o.cancel = context.WithCancel(context.Background())
	return o
}

// ── Detection hand-off ───────────────────────────────────────────────────────

// Accepting reports whether a detection would start a session now. It is
// the keyword-spotting gate.
func (o *Orchestrator) Accepting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rejectLocked() == ""
}

// rejectLocked returns why a detection would be discarded, or "".
func (o *Orchestrator) rejectLocked() string {
	switch {
	case o.setupErr != nil:
		return "setup_error"
	case !o.enabled:
		return "disabled"
	case o.base.Err() != nil:
		return "closed"
	case o.state != StateIdle:
		return "busy"
	default:
		return ""
	}
}

// HandleDetection starts a session for det when the assistant is enabled
// and idle (or listening). Otherwise the detection is discarded and the
// state is left unchanged.
func (o *Orchestrator) HandleDetection(det wakeword.Detection, snapshot []float32, fwd capture.Forwarder) {
	ctx := context.Background()

	o.mu.Lock()
	if reason := o.rejectLocked(); reason != "" {
		state := o.effectiveLocked()
		o.mu.Unlock()
		o.log.Info("voice: detection discarded", "keyword", det.Label, "reason", reason, "state", state)
		o.metrics.RecordDetection(ctx, det.Label, reason)
		return
	}
	o.state = StateConnecting
	o.partial = ""
	o.sessions++
	id := o.newID()
	o.wg.Add(1)
	o.mu.Unlock()

	o.metrics.RecordDetection(ctx, det.Label, "accepted")
	o.log.Info("voice: session starting", "session_id", id, "keyword", det.Label)
	o.publish()

	go o.runSession(id, det, snapshot, fwd)
}

func (o *Orchestrator) runSession(id string, det wakeword.Detection, snapshot []float32, fwd capture.Forwarder) {
	defer o.wg.Done()

	started := time.Now()
	var dispatched string
	sess := NewSession(id, o.tokens, o.dialer, fwd, o.cfg, Callbacks{
		OnState:   o.onSessionState,
		OnPartial: o.onPartial,
		OnFinal:   func(text string) { dispatched = o.deliver(text) },
	}, o.sessionOpts...)

	o.mu.Lock()
	o.current = sess
	o.mu.Unlock()

	outcome := sess.Run(o.base, snapshot)

	o.mu.Lock()
	o.lastOutcome = outcome
	if o.current == sess {
		o.current = nil
	}
	o.mu.Unlock()

	o.record(sess, det, started, dispatched)
	o.dumpPreRoll(sess)
}

// ── Session callbacks ────────────────────────────────────────────────────────

func (o *Orchestrator) onSessionState(st SessionState) {
	o.mu.Lock()
	switch st {
	case SessionStreaming:
		o.state = StateTranscribing
	case SessionClosed:
		o.state = StateIdle
		o.partial = ""
	default:
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.publish()
}

func (o *Orchestrator) onPartial(text string) {
	o.mu.Lock()
	o.partial = text
	o.mu.Unlock()
}

// deliver filters and dispatches a final transcript and returns what was
// dispatched.
func (o *Orchestrator) deliver(raw string) string {
	text := raw
	if o.filter != nil {
		text = strings.TrimSpace(o.filter(raw))
	}

	o.mu.Lock()
	o.partial = ""
	o.mu.Unlock()

	if text == "" {
		o.log.Info("voice: transcript held only the wake word, nothing sent", "raw", raw)
		return ""
	}
	if o.dispatch == nil {
		o.log.Info("voice: final transcript", "text", text)
		return text
	}

	// The session holds a wg slot, so Add cannot race with Wait reaching zero.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(o.base), o.sendTimeout)
		defer cancel()
		if err := o.dispatch.Send(ctx, text); err != nil {
			o.log.Warn("voice: dispatch final transcript", "err", err)
			return
		}
		o.log.Info("voice: final transcript sent", "chars", len(text))
	}()
	return text
}

func (o *Orchestrator) record(sess *Session, det wakeword.Detection, started time.Time, dispatched string) {
	if o.store == nil {
		return
	}
	e := transcriptlog.Entry{
		SessionID: sess.ID(),
		Keyword:   det.Label,
		StartedAt: started,
		EndedAt:   time.Now(),
		Outcome:   string(sess.Outcome()),
		Text:      dispatched,
		RawText:   sess.Final(),
	}
	if err := sess.Err(); err != nil && sess.Outcome() != OutcomeCancelled {
		e.Error = err.Error()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.base), 5*time.Second)
	defer cancel()
	if err := o.store.Record(ctx, e); err != nil {
		o.log.Warn("voice: record session", "session_id", e.SessionID, "err", err)
	}
}

func (o *Orchestrator) dumpPreRoll(sess *Session) {
	pcm := sess.PreRoll()
	if o.dumpDir == "" || len(pcm) == 0 {
		return
	}
	if err := writePreRoll(filepath.Join(o.dumpDir, sess.ID()+".wav"), pcm, o.cfg.TransportRate); err != nil {
		o.log.Warn("voice: dump pre-roll", "session_id", sess.ID(), "err", err)
	}
}

func writePreRoll(path string, pcm []int16, rate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("voice: create %s: %w", path, err)
	}
	if err := audio.WriteWAV(f, pcm, rate); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ── Enablement and status ────────────────────────────────────────────────────

// SetEnabled toggles keyword spotting. The capture device keeps running.
// Enabling has no effect after a setup error.
func (o *Orchestrator) SetEnabled(on bool) {
	o.mu.Lock()
	if on && o.setupErr != nil {
		o.mu.Unlock()
		o.log.Warn("voice: cannot enable after setup error")
		return
	}
	changed := o.enabled != on
	o.enabled = on
	o.mu.Unlock()

	if !changed {
		return
	}
	o.log.Info("voice: keyword spotting toggled", "enabled", on)
	if o.onEnabled != nil {
		o.onEnabled(on)
	}
	o.publish()
}

// SetMonitoring records whether the detector is actively listening.
func (o *Orchestrator) SetMonitoring(on bool) {
	o.mu.Lock()
	o.monitoring = on
	o.mu.Unlock()
	o.publish()
}

// SetSetupError disables the assistant for good after a device or engine
// failure. Only the first error is kept.
func (o *Orchestrator) SetSetupError(err error) {
	if err == nil {
		return
	}
	o.mu.Lock()
	if o.setupErr != nil {
		o.mu.Unlock()
		return
	}
	o.setupErr = err
	wasEnabled := o.enabled
	o.enabled = false
	o.mu.Unlock()

	o.log.Error("voice: assistant disabled by setup error", "err", err)
	if wasEnabled && o.onEnabled != nil {
		o.onEnabled(false)
	}
	o.publish()
}

// Status returns the current assistant status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		State:       o.effectiveLocked(),
		Partial:     o.partial,
		Enabled:     o.enabled,
		Monitoring:  o.monitoring,
		LastOutcome: o.lastOutcome,
		Sessions:    o.sessions,
	}
	if o.setupErr != nil {
		st.SetupError = o.setupErr.Error()
	}
	if o.current != nil {
		st.CurrentSession = o.current.ID()
	}
	return st
}

// Subscribe registers fn for state changes and returns a function that
// removes it. fn must not block.
func (o *Orchestrator) Subscribe(fn func(State)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextObs
	o.nextObs++
	o.observers[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.observers, id)
		o.mu.Unlock()
	}
}

// Wait blocks until running sessions and their dispatches have finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Close cancels any running session and waits for it. New detections are
// discarded afterwards.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.cancel()
	o.mu.Unlock()
	o.wg.Wait()
}

// effectiveLocked is the user-facing state: idle reads as listening while
// the detector is monitoring.
func (o *Orchestrator) effectiveLocked() State {
	if o.state == StateIdle && o.monitoring && o.enabled && o.setupErr == nil {
		return StateListening
	}
	return o.state
}

// publish notifies observers when the effective state has changed.
func (o *Orchestrator) publish() {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()

	o.mu.Lock()
	st := o.effectiveLocked()
	if st == o.lastNotified {
		o.mu.Unlock()
		return
	}
	o.lastNotified = st
	obs := make([]func(State), 0, len(o.observers))
	for _, fn := range o.observers {
		obs = append(obs, fn)
	}
	o.mu.Unlock()

	for _, fn := range obs {
		fn(st)
	}
}
