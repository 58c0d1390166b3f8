package travel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"gitea.kood.tech/petrkubec/match-me/feed/logging"
	"gitea.kood.tech/petrkubec/match-me/feed/metrics"
	"gitea.kood.tech/petrkubec/match-me/feed/model"
)

// Provider fetches raw per-mode estimates. Payload validation happens in
// the resolver, so implementations pass each mode's JSON through as is.
type Provider interface {
	Estimate(ctx context.Context, origin, dest model.Coord, modes []Mode) (map[Mode]json.RawMessage, error)
}

// ErrNotConfigured means no routing provider URL is set.
var ErrNotConfigured = errors.New("routing provider not configured")

// APIError is a non-success response from the routing provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("routing API error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// HTTPProviderConfig configures HTTPProvider.
type HTTPProviderConfig struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

// HTTPProvider calls a JSON routing endpoint:
//
//	POST {origin:{lat,lng}, destination:{lat,lng}, modes:[...]}
//	-> {modes: {walking: {durationSeconds, label}, ...}}
type HTTPProvider struct {
	cfg  HTTPProviderConfig
	http *http.Client
	cb   *gobreaker.CircuitBreaker[map[Mode]json.RawMessage]
}

type routeRequest struct {
	Origin      model.Coord `json:"origin"`
	Destination model.Coord `json:"destination"`
	Modes       []Mode      `json:"modes"`
}

type routeResponse struct {
	Modes map[Mode]json.RawMessage `json:"modes"`
}

// NewHTTPProvider returns a provider, or ErrNotConfigured when cfg.URL is
// empty.
func NewHTTPProvider(cfg HTTPProviderConfig) (*HTTPProvider, error) {
	if cfg.URL == "" {
		return nil, ErrNotConfigured
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	name := "routing-provider"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	cb := gobreaker.NewCircuitBreaker[map[Mode]json.RawMessage](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
	return &HTTPProvider{cfg: cfg, http: hc, cb: cb}, nil
}

// Estimate implements Provider.
func (p *HTTPProvider) Estimate(ctx context.Context, origin, dest model.Coord, modes []Mode) (map[Mode]json.RawMessage, error) {
	return p.cb.Execute(func() (map[Mode]json.RawMessage, error) {
		return p.do(ctx, origin, dest, modes)
	})
}

func (p *HTTPProvider) do(ctx context.Context, origin, dest model.Coord, modes []Mode) (map[Mode]json.RawMessage, error) {
	body, err := json.Marshal(routeRequest{Origin: origin, Destination: dest, Modes: modes})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	var out routeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode routing response: %w", err)
	}
	if out.Modes == nil {
		return nil, errors.New("routing response has no modes")
	}
	return out.Modes, nil
}
