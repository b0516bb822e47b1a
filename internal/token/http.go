package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ShinnosukeUesaka/house-agent/internal/resilience"
)

// DefaultEndpoint is the dashboard backend route that mints transcription
// secrets.
const DefaultEndpoint = "http://localhost:8000/api/realtime-session"

// DefaultLifetime is assumed when the backend omits expires_at.
const DefaultLifetime = 60 * time.Second

// Compile-time interface assertion.
var _ Source = (*HTTPSource)(nil)

// response is the JSON body returned by the token endpoint.
type response struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// HTTPSource fetches tokens with POST requests against a backend endpoint.
// Calls go through a circuit breaker so that a dead backend fails fast.
type HTTPSource struct {
	endpoint string
	client   *http.Client
	breaker  *resilience.CircuitBreaker
	now      func() time.Time
}

// HTTPOption is a functional option for [NewHTTPSource].
type HTTPOption func(*HTTPSource)

// WithEndpoint overrides [DefaultEndpoint].
func WithEndpoint(url string) HTTPOption {
	return func(s *HTTPSource) { s.endpoint = url }
}

// WithHTTPClient sets the client used for requests. Default: a client with a
// 10 s timeout.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) { s.client = c }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) HTTPOption {
	return func(s *HTTPSource) { s.breaker = cb }
}

// WithSourceClock sets the clock used to compute default expiries.
func WithSourceClock(now func() time.Time) HTTPOption {
	return func(s *HTTPSource) { s.now = now }
}

// NewHTTPSource creates an [HTTPSource].
func NewHTTPSource(opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{
		endpoint: DefaultEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.breaker == nil {
		s.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "token",
			MaxFailures:  3,
			ResetTimeout: 15 * time.Second,
		})
	}
	return s
}

// Endpoint returns the configured URL.
func (s *HTTPSource) Endpoint() string { return s.endpoint }

// Breaker returns the circuit breaker guarding the endpoint.
func (s *HTTPSource) Breaker() *resilience.CircuitBreaker { return s.breaker }

// Fetch implements [Source].
func (s *HTTPSource) Fetch(ctx context.Context) (Token, error) {
	var tok Token
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		tok, err = s.fetch(ctx)
		return err
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return Token{}, fmt.Errorf("token: fetch: %w", err)
		}
		return Token{}, err
	}
	return tok, nil
}

func (s *HTTPSource) fetch(ctx context.Context) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, nil)
	if err != nil {
		return Token{}, fmt.Errorf("token: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Token{}, fmt.Errorf("token: endpoint returned %s: %s", resp.Status, body)
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Token{}, fmt.Errorf("token: decode response: %w", err)
	}
	if r.Token == "" {
		return Token{}, errors.New("token: response carries no token")
	}

	tok := Token{Value: r.Token}
	if r.ExpiresAt > 0 {
		tok.ExpiresAt = time.Unix(r.ExpiresAt, 0)
	} else {
		tok.ExpiresAt = s.now().Add(DefaultLifetime)
	}
	return tok, nil
}
