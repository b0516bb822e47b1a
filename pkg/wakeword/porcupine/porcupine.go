// Package porcupine implements [wakeword.Detector] with Picovoice Porcupine.
//
// Porcupine runs on-device and expects 16 kHz mono PCM16 frames of
// porcupine.FrameLength samples (512 for the v3 engine). A Picovoice access
// key is required even for built-in keywords.
package porcupine

import (
	"errors"
	"fmt"
	"sync"

	pv "github.com/Picovoice/porcupine/binding/go/v3"

	"github.com/ShinnosukeUesaka/house-agent/pkg/wakeword"
)

// Compile-time interface assertion.
var _ wakeword.Detector = (*Detector)(nil)

const defaultSensitivity = 0.5

// Option configures a [Detector].
type Option func(*config)

type config struct {
	keyword     string
	keywordPath string
	modelPath   string
	sensitivity float32
}

// WithBuiltInKeyword selects one of Porcupine's built-in keywords (e.g.
// "alexa", "jarvis", "porcupine").
func WithBuiltInKeyword(keyword string) Option {
	return func(c *config) { c.keyword = keyword }
}

// WithKeywordPath loads a custom .ppn keyword file instead of a built-in
// keyword.
func WithKeywordPath(path string) Option {
	return func(c *config) { c.keywordPath = path }
}

// WithModelPath overrides the acoustic model file (for non-English models).
func WithModelPath(path string) Option {
	return func(c *config) { c.modelPath = path }
}

// WithSensitivity sets the detection sensitivity in [0, 1]. Higher values
// miss fewer utterances at the cost of more false alarms.
func WithSensitivity(s float32) Option {
	return func(c *config) { c.sensitivity = s }
}

// Detector wraps a Porcupine handle.
type Detector struct {
	mu     sync.Mutex
	engine pv.Porcupine
	label  string
	closed bool
}

// New initialises Porcupine. Any failure is wrapped in
// [wakeword.ErrEngineInit].
func New(accessKey string, opts ...Option) (*Detector, error) {
	cfg := config{keyword: "alexa", sensitivity: defaultSensitivity}
	for _, o := range opts {
		o(&cfg)
	}
	if accessKey == "" {
		return nil, fmt.Errorf("%w: access key must not be empty", wakeword.ErrEngineInit)
	}
	if cfg.sensitivity < 0 || cfg.sensitivity > 1 {
		return nil, fmt.Errorf("%w: sensitivity %v out of range [0,1]", wakeword.ErrEngineInit, cfg.sensitivity)
	}

	engine := pv.Porcupine{
		AccessKey:     accessKey,
		ModelPath:     cfg.modelPath,
		Sensitivities: []float32{cfg.sensitivity},
	}
	label := cfg.keyword
	if cfg.keywordPath != "" {
		engine.KeywordPaths = []string{cfg.keywordPath}
		label = cfg.keywordPath
	} else {
		kw := pv.BuiltInKeyword(cfg.keyword)
		if !kw.IsValid() {
			return nil, fmt.Errorf("%w: unknown built-in keyword %q", wakeword.ErrEngineInit, cfg.keyword)
		}
		engine.BuiltInKeywords = []pv.BuiltInKeyword{kw}
	}

	if err := engine.Init(); err != nil {
		return nil, errors.Join(wakeword.ErrEngineInit, fmt.Errorf("porcupine: init: %w", err))
	}
	return &Detector{engine: engine, label: label}, nil
}

// Label returns the configured keyword name.
func (d *Detector) Label() string { return d.label }

// SampleRate implements [wakeword.Detector].
func (d *Detector) SampleRate() int { return pv.SampleRate }

// FrameLength implements [wakeword.Detector].
func (d *Detector) FrameLength() int { return pv.FrameLength }

// Process implements [wakeword.Detector].
func (d *Detector) Process(frame []int16) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return -1, errors.New("porcupine: detector closed")
	}
	idx, err := d.engine.Process(frame)
	if err != nil {
		return -1, fmt.Errorf("porcupine: process: %w", err)
	}
	return idx, nil
}

// Close implements [wakeword.Detector]. Idempotent.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.engine.Delete(); err != nil {
		return fmt.Errorf("porcupine: delete: %w", err)
	}
	return nil
}
