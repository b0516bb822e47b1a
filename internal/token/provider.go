package token

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ShinnosukeUesaka/house-agent/internal/observe"
)

// DefaultSafetyMargin is the minimum remaining lifetime for a cached token to
// be handed out.
const DefaultSafetyMargin = 10 * time.Second

// Provider hands out tokens, serving from a single-slot cache when possible.
//
// All methods are safe for concurrent use.
type Provider struct {
	src     Source
	margin  time.Duration
	now     func() time.Time
	log     *slog.Logger
	metrics *observe.Metrics

	// base bounds background prefetches; cancelled by Close.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	cached      Token
	prefetching bool
}

// Option is a functional option for [NewProvider].
type Option func(*Provider)

// WithClock sets the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithSafetyMargin overrides [DefaultSafetyMargin].
func WithSafetyMargin(d time.Duration) Option {
	return func(p *Provider) { p.margin = d }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// NewProvider creates a [Provider] backed by src.
func NewProvider(src Source, opts ...Option) *Provider {
	p := &Provider{
		src:    src,
		margin: DefaultSafetyMargin,
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.base, p.cancel = context.WithCancel(context.Background())
	return p
}

// Prefetch fetches a token and caches it. Failures are logged and swallowed;
// the next [Provider.Token] call falls back to a synchronous fetch. It
// returns immediately when another prefetch is already in flight.
func (p *Provider) Prefetch(ctx context.Context) {
	p.mu.Lock()
	if p.prefetching {
		p.mu.Unlock()
		return
	}
	p.prefetching = true
	p.mu.Unlock()

	defer p.endPrefetch()
	p.prefetch(ctx)
}

func (p *Provider) prefetch(ctx context.Context) {
	tok, err := p.fetch(ctx)
	if err != nil {
		p.log.Warn("token: prefetch failed", "err", err)
		return
	}
	p.mu.Lock()
	p.cached = tok
	p.mu.Unlock()
}

// Token returns a usable token. A cached token with more than the safety
// margin left is returned without network I/O; the cache is then cleared and
// a replacement is prefetched in the background. Otherwise a token is
// fetched synchronously and fetch errors are returned.
func (p *Provider) Token(ctx context.Context) (Token, error) {
	start := p.now()

	p.mu.Lock()
	tok := p.cached
	fresh := tok.ValidAt(start, p.margin)
	p.cached = Token{}
	p.mu.Unlock()

	if fresh {
		p.metrics.RecordTokenFetch(ctx, "cache", p.now().Sub(start))
		p.prefetchAsync()
		return tok, nil
	}

	tok, err := p.fetch(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("token: acquire: %w", err)
	}
	return tok, nil
}

// Cached reports whether a usable token is currently cached.
func (p *Provider) Cached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cached.ValidAt(p.now(), p.margin)
}

// Wait blocks until background prefetches have finished.
func (p *Provider) Wait() {
	p.wg.Wait()
}

// Close cancels background prefetches and waits for them.
func (p *Provider) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *Provider) prefetchAsync() {
	p.mu.Lock()
	if p.prefetching || p.base.Err() != nil {
		p.mu.Unlock()
		return
	}
	p.prefetching = true
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer p.endPrefetch()
		p.prefetch(p.base)
	}()
}

func (p *Provider) endPrefetch() {
	p.mu.Lock()
	p.prefetching = false
	p.mu.Unlock()
}

func (p *Provider) fetch(ctx context.Context) (Token, error) {
	start := time.Now()
	tok, err := p.src.Fetch(ctx)
	p.metrics.RecordTokenFetch(ctx, "network", time.Since(start))
	if err != nil {
		p.metrics.RecordProviderRequest(ctx, "token", "fetch", "error")
		p.metrics.RecordProviderError(ctx, "token", "fetch")
		return Token{}, err
	}
	p.metrics.RecordProviderRequest(ctx, "token", "fetch", "ok")
	return tok, nil
}
