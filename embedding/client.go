package embedding

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"gitea.kood.tech/petrkubec/match-me/feed/logging"
	"gitea.kood.tech/petrkubec/match-me/feed/metrics"
)

// Generator produces a vector for a piece of text. Implementations return
// nil instead of an error: a missing vector means "no signal".
type Generator interface {
	Generate(ctx context.Context, text string) []float32
}

// ErrNotConfigured means the provider URL or API key is missing.
var ErrNotConfigured = errors.New("embedding provider not configured")

// ErrEmptyText means there was nothing left to embed after trimming.
var ErrEmptyText = errors.New("empty text")

// ErrMalformedResponse means the provider body did not match the expected
// schema.
var ErrMalformedResponse = errors.New("malformed embedding response")

// APIError is a non-success response from the provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("embedding API error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// InvalidVectorError means the provider answered with a vector of the wrong
// shape.
type InvalidVectorError struct {
	Got, Want int
}

func (e *InvalidVectorError) Error() string {
	return fmt.Sprintf("embedding has %d dimensions, want %d", e.Got, e.Want)
}

// ClientConfig configures the provider client.
type ClientConfig struct {
	URL               string
	APIKey            string
	Model             string
	Dimension         int
	MaxInputChars     int
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// Client calls an OpenAI-compatible embeddings endpoint.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[[]float32]
}

type embedRequest struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding" validate:"required"`
	} `json:"data" validate:"min=1,dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewClient builds a client. A client without URL or API key is valid and
// returns nil for every Generate call.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Dimension <= 0 {
		cfg.Dimension = Dimension
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = 8000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	name := "embedding-provider"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	cb := gobreaker.NewCircuitBreaker[[]float32](gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// a caller giving up says nothing about provider health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return &Client{
		cfg:     cfg,
		http:    hc,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		cb:      cb,
	}
}

// Configured reports whether credentials are present.
func (c *Client) Configured() bool {
	return c.cfg.URL != "" && c.cfg.APIKey != ""
}

// Generate returns the vector for text, or nil on any failure. Failures are
// logged and counted but never returned.
func (c *Client) Generate(ctx context.Context, text string) []float32 {
	vec, err := c.Embed(ctx, text)
	switch {
	case err == nil:
		metrics.EmbeddingRequests.WithLabelValues("ok").Inc()
		return vec
	case errors.Is(err, ErrEmptyText):
		metrics.EmbeddingRequests.WithLabelValues("skipped").Inc()
	case errors.Is(err, ErrNotConfigured):
		metrics.EmbeddingRequests.WithLabelValues("not_configured").Inc()
		logging.Ctx(ctx).Debug().Msg("embedding skipped: provider not configured")
	default:
		var ive *InvalidVectorError
		if errors.As(err, &ive) || errors.Is(err, ErrMalformedResponse) {
			metrics.EmbeddingRequests.WithLabelValues("invalid_payload").Inc()
		} else {
			metrics.EmbeddingRequests.WithLabelValues("upstream_error").Inc()
		}
		logging.Ctx(ctx).Warn().Err(err).Msg("embedding generation failed")
	}
	return nil
}

// Embed is Generate with the failure reason exposed.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	input := PrepareText(text, c.cfg.MaxInputChars)
	if input == "" {
		return nil, ErrEmptyText
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return c.cb.Execute(func() ([]float32, error) {
		return c.do(ctx, input)
	})
}

func (c *Client) do(ctx context.Context, input string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Model: c.cfg.Model, Input: input, Dimensions: c.cfg.Dimension})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	var out embedResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := validate.Struct(out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	vec := out.Data[0].Embedding
	if len(vec) != c.cfg.Dimension {
		return nil, &InvalidVectorError{Got: len(vec), Want: c.cfg.Dimension}
	}
	return vec, nil
}

// PrepareText trims text and truncates it to at most maxChars runes without
// splitting a UTF-8 sequence.
func PrepareText(text string, maxChars int) string {
	text = strings.TrimSpace(text)
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	n := 0
	for i := range text {
		if n == maxChars {
			return strings.TrimSpace(text[:i])
		}
		n++
	}
	return text
}
