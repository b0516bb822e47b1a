package token_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShinnosukeUesaka/house-agent/internal/resilience"
	"github.com/ShinnosukeUesaka/house-agent/internal/token"
	"github.com/ShinnosukeUesaka/house-agent/internal/token/mock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ── HTTPSource ───────────────────────────────────────────────────────────────

func TestHTTPSource_Fetch(t *testing.T) {
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"token":"ek_123","expires_at":%d}`, epoch.Add(time.Minute).Unix())
	}))
	defer srv.Close()

	src := token.NewHTTPSource(token.WithEndpoint(srv.URL))
	tok, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if method != http.MethodPost {
		t.Errorf("method = %s, want POST", method)
	}
	if tok.Value != "ek_123" {
		t.Errorf("Value = %q", tok.Value)
	}
	if !tok.ExpiresAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("ExpiresAt = %v", tok.ExpiresAt)
	}
}

func TestHTTPSource_DefaultLifetime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"token":"ek_abc"}`))
	}))
	defer srv.Close()

	src := token.NewHTTPSource(
		token.WithEndpoint(srv.URL),
		token.WithSourceClock(func() time.Time { return epoch }),
	)
	tok, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if want := epoch.Add(token.DefaultLifetime); !tok.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", tok.ExpiresAt, want)
	}
}

func TestHTTPSource_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"detail":"boom"}`},
		{"unauthorized", http.StatusUnauthorized, ``},
		{"malformed json", http.StatusOK, `{"token":`},
		{"missing token", http.StatusOK, `{"expires_at":1}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			src := token.NewHTTPSource(token.WithEndpoint(srv.URL))
			if _, err := src.Fetch(context.Background()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestHTTPSource_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "token",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})
	src := token.NewHTTPSource(token.WithEndpoint(srv.URL), token.WithBreaker(cb))

	for range 2 {
		_, _ = src.Fetch(context.Background())
	}
	_, err := src.Fetch(context.Background())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hits = %d, want 2", got)
	}
	if src.Breaker().State() != resilience.StateOpen {
		t.Errorf("breaker state = %v", src.Breaker().State())
	}
}

// ── Provider ─────────────────────────────────────────────────────────────────

func fixedClock() func() time.Time { return func() time.Time { return epoch } }

func TestProvider_SynchronousFetchWithoutCache(t *testing.T) {
	src := &mock.Source{Tokens: []token.Token{{Value: "a", ExpiresAt: epoch.Add(time.Minute)}}}
	p := token.NewProvider(src, token.WithClock(fixedClock()))
	defer p.Close()

	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.Value != "a" {
		t.Errorf("Value = %q, want a", tok.Value)
	}
	p.Wait()
	if got := src.Calls(); got != 1 {
		t.Errorf("fetches = %d, want 1 (no background prefetch on a miss)", got)
	}
}

func TestProvider_CacheHitPrefetchesReplacement(t *testing.T) {
	src := &mock.Source{Tokens: []token.Token{
		{Value: "first", ExpiresAt: epoch.Add(time.Minute)},
		{Value: "second", ExpiresAt: epoch.Add(time.Minute)},
	}}
	p := token.NewProvider(src, token.WithClock(fixedClock()))
	defer p.Close()

	p.Prefetch(context.Background())
	if !p.Cached() {
		t.Fatal("expected a cached token after Prefetch")
	}

	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.Value != "first" {
		t.Errorf("Value = %q, want first", tok.Value)
	}

	p.Wait()
	if got := src.Calls(); got != 2 {
		t.Errorf("fetches = %d, want 2", got)
	}

	tok, _ = p.Token(context.Background())
	if tok.Value != "second" {
		t.Errorf("second Value = %q, want the prefetched replacement", tok.Value)
	}
}

func TestProvider_NearExpiryIsNotServed(t *testing.T) {
	src := &mock.Source{Tokens: []token.Token{
		{Value: "stale", ExpiresAt: epoch.Add(10 * time.Second)},
		{Value: "fresh", ExpiresAt: epoch.Add(time.Minute)},
	}}
	p := token.NewProvider(src, token.WithClock(fixedClock()))
	defer p.Close()

	p.Prefetch(context.Background())
	if p.Cached() {
		t.Error("token within the safety margin must not count as cached")
	}

	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.Value != "fresh" {
		t.Errorf("Value = %q, want fresh", tok.Value)
	}
}

func TestProvider_CustomMargin(t *testing.T) {
	src := &mock.Source{Tokens: []token.Token{{Value: "x", ExpiresAt: epoch.Add(5 * time.Second)}}}
	p := token.NewProvider(src, token.WithClock(fixedClock()), token.WithSafetyMargin(time.Second))
	defer p.Close()

	p.Prefetch(context.Background())
	if !p.Cached() {
		t.Error("expected cache hit with 1s margin")
	}
}

func TestProvider_PrefetchFailureIsSwallowed(t *testing.T) {
	src := &mock.Source{Err: errors.New("backend down")}
	p := token.NewProvider(src, token.WithClock(fixedClock()))
	defer p.Close()

	p.Prefetch(context.Background())
	if p.Cached() {
		t.Error("nothing should be cached")
	}

	_, err := p.Token(context.Background())
	if err == nil {
		t.Fatal("expected Token to propagate the fetch error")
	}
	if !errors.Is(err, src.Err) {
		t.Errorf("err = %v, want wrapped backend error", err)
	}
}

func TestProvider_CloseStopsPrefetch(t *testing.T) {
	src := &mock.Source{Tokens: []token.Token{{Value: "a", ExpiresAt: epoch.Add(time.Minute)}}}
	p := token.NewProvider(src, token.WithClock(fixedClock()))

	p.Prefetch(context.Background())
	p.Close()

	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	p.Wait()
	if got := src.Calls(); got != 1 {
		t.Errorf("fetches = %d, want 1 after Close", got)
	}
}

func TestProvider_PrefetchInFlightSuppressesSecondFetch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	src := &mock.Source{}
	src.FetchFunc = func(context.Context) (token.Token, error) {
		if src.Calls() == 1 {
			close(started)
			<-release
		}
		return token.Token{Value: "boot", ExpiresAt: epoch.Add(time.Minute)}, nil
	}
	p := token.NewProvider(src, token.WithClock(fixedClock()))
	defer p.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Prefetch(context.Background())
	}()
	<-started

	p.Prefetch(context.Background())
	if got := src.Calls(); got != 1 {
		t.Errorf("fetches = %d, want 1 while a prefetch is in flight", got)
	}

	close(release)
	<-done
	if !p.Cached() {
		t.Fatal("expected the startup prefetch to be cached")
	}

	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	p.Wait()
	if got := src.Calls(); got != 2 {
		t.Errorf("fetches = %d, want 2 (startup + replacement)", got)
	}
}

func TestToken_ValidAt(t *testing.T) {
	tok := token.Token{Value: "v", ExpiresAt: epoch.Add(11 * time.Second)}
	if !tok.ValidAt(epoch, 10*time.Second) {
		t.Error("11s left with 10s margin should be valid")
	}
	if tok.ValidAt(epoch.Add(time.Second), 10*time.Second) {
		t.Error("exactly the margin left should be invalid")
	}
	if (token.Token{ExpiresAt: epoch.Add(time.Hour)}).ValidAt(epoch, 0) {
		t.Error("empty value is never valid")
	}
}
