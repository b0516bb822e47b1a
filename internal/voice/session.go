package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ShinnosukeUesaka/house-agent/internal/observe"
	"github.com/ShinnosukeUesaka/house-agent/internal/token"
	"github.com/ShinnosukeUesaka/house-agent/pkg/audio"
	"github.com/ShinnosukeUesaka/house-agent/pkg/audio/capture"
	"github.com/ShinnosukeUesaka/house-agent/pkg/provider/stt"
)

// TokenSource hands out transcription credentials. *token.Provider
// satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (token.Token, error)
}

var _ TokenSource = (*token.Provider)(nil)

// Callbacks receive session progress. All are optional and are invoked from
// the goroutine running [Session.Run].
type Callbacks struct {
	// OnState is called on every state transition, ending with SessionClosed.
	OnState func(SessionState)

	// OnPartial receives the accumulated partial transcript.
	OnPartial func(text string)

	// OnFinal receives the trimmed, non-empty final transcript.
	OnFinal func(text string)
}

// SessionConfig tunes a [Session]. Zero fields take the values from
// [DefaultSessionConfig].
type SessionConfig struct {
	// Timeout bounds the whole session, connection set-up included.
	Timeout time.Duration

	// CaptureRate is the sample rate of the snapshot and live frames.
	CaptureRate int

	// TransportRate is the PCM16 rate expected by the service.
	TransportRate int

	// ChunkSamples is the pre-roll chunk size at TransportRate.
	ChunkSamples int

	// SilenceThreshold is the absolute amplitude above which pre-roll audio
	// counts as sound.
	SilenceThreshold float32

	// PaddingSamples is how much capture-rate audio to keep before the first
	// loud sample. Negative keeps none.
	PaddingSamples int

	// LiveBuffer is the live subscription's channel capacity in frames.
	LiveBuffer int
}

// DefaultSessionConfig returns the production tuning: 15 s deadline, 48 kHz
// capture, 24 kHz transport in 100 ms chunks, 0.01 silence threshold and
// 100 ms of padding.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Timeout:          15 * time.Second,
		CaptureRate:      48000,
		TransportRate:    24000,
		ChunkSamples:     2400,
		SilenceThreshold: 0.01,
		PaddingSamples:   4800,
		LiveBuffer:       64,
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.CaptureRate <= 0 {
		c.CaptureRate = d.CaptureRate
	}
	if c.TransportRate <= 0 {
		c.TransportRate = d.TransportRate
	}
	if c.ChunkSamples <= 0 {
		c.ChunkSamples = d.ChunkSamples
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = d.SilenceThreshold
	}
	switch {
	case c.PaddingSamples == 0:
		c.PaddingSamples = d.PaddingSamples
	case c.PaddingSamples < 0:
		c.PaddingSamples = 0
	}
	if c.LiveBuffer <= 0 {
		c.LiveBuffer = d.LiveBuffer
	}
	return c
}

// Session is one wake-word-to-transcript exchange with the transcription
// service. A Session is single use: [Session.Run] drives it to completion
// and later calls return the recorded outcome.
type Session struct {
	id      string
	cfg     SessionConfig
	tokens  TokenSource
	dialer  stt.Dialer
	fwd     capture.Forwarder
	cb      Callbacks
	log     *slog.Logger
	metrics *observe.Metrics

	ran         atomic.Bool
	cleanupOnce sync.Once

	// Owned by the Run goroutine.
	timer      *time.Timer
	conn       stt.Conn
	live       *capture.Subscription
	stopWriter context.CancelFunc
	writerDone chan struct{}
	chunks     [][]int16

	mu         sync.Mutex
	state      SessionState
	outcome    Outcome
	err        error
	accum      string
	final      string
	sawPartial bool
	preroll    []int16
	writerSent int
	started    time.Time
	endedAt    time.Time
}

// SessionOption is a functional option for [NewSession].
type SessionOption func(*Session)

// WithSessionLogger sets the logger. Default: slog.Default().
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// WithSessionMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithSessionMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// NewSession prepares a session. Nothing happens until [Session.Run].
func NewSession(id string, tokens TokenSource, dialer stt.Dialer, fwd capture.Forwarder, cfg SessionConfig, cb Callbacks, opts ...SessionOption) *Session {
	s := &Session{
		id:     id,
		cfg:    cfg.withDefaults(),
		tokens: tokens,
		dialer: dialer,
		fwd:    fwd,
		cb:     cb,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("session_id", id)
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Outcome returns how the session ended, or [OutcomeNone] while running.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Err returns the error behind an errored, failed or transport-closed
// outcome.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Final returns the delivered final transcript, if any.
func (s *Session) Final() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}

// PreRoll returns the trimmed, resampled pre-roll that was prepared for the
// service.
func (s *Session) PreRoll() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preroll
}

// Duration returns the wall time from Run to close.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endedAt.IsZero() {
		return 0
	}
	return s.endedAt.Sub(s.started)
}

// Run drives the session to completion and returns its outcome. snapshot is
// the capture history taken at detection time (oldest first, at
// CaptureRate). Errors never escape: they are reflected in the outcome and
// [Session.Err].
func (s *Session) Run(ctx context.Context, snapshot []float32) Outcome {
	if !s.ran.CompareAndSwap(false, true) {
		return s.Outcome()
	}

	ctx, span := observe.StartSpan(ctx, "voice.session",
		trace.WithAttributes(attribute.String("session.id", s.id)))
	defer span.End()

	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()
	s.metrics.ActiveSessions.Add(ctx, 1)

	// The deadline is armed before anything else so that a slow token or
	// dial counts against it.
	deadline := s.started.Add(s.cfg.Timeout)
	s.timer = time.NewTimer(time.Until(deadline))
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	outcome, err := s.run(ctx, runCtx, snapshot)
	s.finish(outcome, err)
	s.cleanup(ctx)

	span.SetAttributes(attribute.String("session.outcome", string(outcome)))
	if outcome != OutcomeFinalized && outcome != OutcomeTimedOut {
		observe.RecordError(span, err)
	}
	return outcome
}

func (s *Session) run(ctx, runCtx context.Context, snapshot []float32) (Outcome, error) {
	s.prepare(snapshot)

	s.setState(SessionConnecting)
	tok, err := s.tokens.Token(runCtx)
	if err != nil {
		return s.setupFailure(ctx, runCtx, OutcomeTokenFailed, fmt.Errorf("voice: token: %w", err))
	}
	conn, err := s.dialer.Dial(runCtx, tok.Value)
	if err != nil {
		return s.setupFailure(ctx, runCtx, OutcomeDialFailed, fmt.Errorf("voice: dial: %w", err))
	}
	s.conn = conn

	// Subscribe before enabling forwarding so no forwarded frame is missed.
	s.live = s.fwd.Subscribe(capture.TapLive, s.cfg.LiveBuffer)
	s.fwd.SetForwarding(true)
	s.setState(SessionStreaming)

	writerErr := make(chan error, 1)
	wctx, stop := context.WithCancel(runCtx)
	s.stopWriter = stop
	s.writerDone = make(chan struct{})
	go s.writeLoop(wctx, conn, s.live, writerErr)

	return s.loop(ctx, conn, writerErr)
}

// setupFailure classifies an error from the connecting phase.
func (s *Session) setupFailure(ctx, runCtx context.Context, outcome Outcome, err error) (Outcome, error) {
	switch {
	case ctx.Err() != nil:
		return OutcomeCancelled, err
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		s.setState(SessionTimingOut)
		return OutcomeTimedOut, err
	default:
		return outcome, err
	}
}

// prepare trims leading silence from the snapshot, converts it to transport
// PCM16 and slices it into chunks.
func (s *Session) prepare(snapshot []float32) {
	trimmed := audio.TrimLeadingSilence(snapshot, s.cfg.SilenceThreshold, s.cfg.PaddingSamples)
	pcm := audio.ResampleToPCM16(trimmed, s.cfg.CaptureRate, s.cfg.TransportRate)
	s.chunks = audio.Chunk(pcm, s.cfg.ChunkSamples)

	s.mu.Lock()
	s.preroll = pcm
	s.mu.Unlock()

	if len(pcm) == 0 {
		s.log.Debug("voice: pre-roll is silent, streaming live audio only",
			"snapshot_samples", len(snapshot))
		return
	}
	s.log.Debug("voice: pre-roll prepared",
		"snapshot_samples", len(snapshot),
		"trimmed_samples", len(trimmed),
		"chunks", len(s.chunks),
	)
}

// loop is the session scheduler. It returns when a terminal event, the
// deadline, a transport failure or cancellation occurs.
func (s *Session) loop(ctx context.Context, conn stt.Conn, writerErr <-chan error) (Outcome, error) {
	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return OutcomeCancelled, ctx.Err()

		case <-s.timer.C:
			s.setState(SessionTimingOut)
			return OutcomeTimedOut, nil

		case err := <-writerErr:
			return OutcomeTransportClosed, err

		case ev, ok := <-events:
			if !ok {
				return OutcomeTransportClosed, transportErr(conn)
			}
			if outcome, done, err := s.handle(ctx, ev); done {
				return outcome, err
			}
		}
	}
}

// handle applies one inbound event. done reports a terminal event.
func (s *Session) handle(ctx context.Context, ev stt.Event) (outcome Outcome, done bool, err error) {
	switch e := ev.(type) {
	case stt.TranscriptDelta:
		if e.Delta == "" {
			return OutcomeNone, false, nil
		}
		s.mu.Lock()
		first := !s.sawPartial
		s.sawPartial = true
		s.accum += e.Delta
		acc := s.accum
		started := s.started
		s.mu.Unlock()
		if first {
			s.metrics.TimeToFirstPartial.Record(ctx, time.Since(started).Seconds())
		}
		if s.cb.OnPartial != nil {
			s.cb.OnPartial(acc)
		}

	case stt.TranscriptCompleted:
		s.mu.Lock()
		text := e.Transcript
		if text == "" {
			text = s.accum
		}
		text = strings.TrimSpace(text)
		s.accum = ""
		if text != "" {
			s.final = text
		}
		s.mu.Unlock()

		if text == "" {
			s.log.Debug("voice: empty transcript, still listening", "item_id", e.ItemID)
			return OutcomeNone, false, nil
		}
		s.setState(SessionFinalizing)
		if s.cb.OnFinal != nil {
			s.cb.OnFinal(text)
		}
		return OutcomeFinalized, true, nil

	case stt.ServerError:
		s.setState(SessionErroring)
		return OutcomeErrored, true, e

	case stt.SpeechStarted:
		s.log.Debug("voice: speech started", "audio_start_ms", e.AudioStartMs)
	case stt.SpeechStopped:
		s.log.Debug("voice: speech stopped", "audio_end_ms", e.AudioEndMs)
	case stt.BufferCommitted:
		s.log.Debug("voice: audio buffer committed", "item_id", e.ItemID)
	case stt.SessionUpdated:
		s.log.Debug("voice: session event", "type", e.Type)
	default:
		s.log.Debug("voice: unhandled event", "kind", ev.Kind())
	}
	return OutcomeNone, false, nil
}

// writeLoop is the only goroutine that sends audio. The whole pre-roll goes
// out before the first live frame.
func (s *Session) writeLoop(ctx context.Context, conn stt.Conn, live *capture.Subscription, errc chan<- error) {
	defer close(s.writerDone)

	report := func(err error) {
		if ctx.Err() != nil {
			return
		}
		select {
		case errc <- err:
		default:
		}
	}

	for _, chunk := range s.chunks {
		if err := conn.SendAudio(ctx, chunk); err != nil {
			report(fmt.Errorf("voice: send pre-roll: %w", err))
			return
		}
		s.countSent(len(chunk))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-live.Done():
			return
		case f := <-live.C():
			rate := f.SampleRate
			if rate <= 0 {
				rate = s.cfg.CaptureRate
			}
			pcm := audio.ResampleToPCM16(f.Samples, rate, s.cfg.TransportRate)
			if len(pcm) == 0 {
				continue
			}
			if err := conn.SendAudio(ctx, pcm); err != nil {
				report(fmt.Errorf("voice: send live audio: %w", err))
				return
			}
			s.countSent(len(pcm))
		}
	}
}

func (s *Session) countSent(n int) {
	s.mu.Lock()
	s.writerSent += n
	s.mu.Unlock()
}

// SamplesSent returns the number of transport-rate samples written so far.
func (s *Session) SamplesSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writerSent
}

func (s *Session) finish(outcome Outcome, err error) {
	s.mu.Lock()
	s.outcome = outcome
	s.err = err
	s.mu.Unlock()

	attrs := []any{"outcome", string(outcome)}
	switch outcome {
	case OutcomeFinalized:
		s.log.Info("voice: transcript finalized", attrs...)
	case OutcomeTimedOut:
		s.log.Info("voice: no transcript before deadline", append(attrs, "timeout", s.cfg.Timeout)...)
	case OutcomeCancelled:
		s.log.Debug("voice: session cancelled", attrs...)
	default:
		s.log.Warn("voice: session failed", append(attrs, "err", err)...)
	}
}

// cleanup releases everything the session acquired. It runs once.
func (s *Session) cleanup(ctx context.Context) {
	s.cleanupOnce.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		if s.stopWriter != nil {
			s.stopWriter()
		}
		s.fwd.SetForwarding(false)
		if s.live != nil {
			s.fwd.Unsubscribe(s.live)
			s.metrics.RecordDroppedFrames(ctx, capture.TapLive.String(), s.live.Dropped())
		}
		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				s.log.Debug("voice: close connection", "err", err)
			}
		}
		if s.writerDone != nil {
			<-s.writerDone
		}

		s.mu.Lock()
		s.endedAt = time.Now()
		d := s.endedAt.Sub(s.started)
		outcome := s.outcome
		s.mu.Unlock()

		s.setState(SessionClosed)
		s.metrics.ActiveSessions.Add(ctx, -1)
		s.metrics.RecordSession(ctx, string(outcome), d)
	})
}

// setState records and announces a transition. Nothing follows SessionClosed.
func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	if s.state == SessionClosed || s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	if s.cb.OnState != nil {
		s.cb.OnState(st)
	}
}

// transportErr extracts a transport failure from conn when it exposes one.
func transportErr(conn stt.Conn) error {
	if c, ok := conn.(interface{ Err() error }); ok && c.Err() != nil {
		return c.Err()
	}
	return errors.New("voice: transcription connection closed")
}
