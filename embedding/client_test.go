package embedding

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	calls   atomic.Int32
	status  int
	dim     int
	rawBody string
	lastReq atomic.Value // embedRequest
}

func (f *fakeProvider) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.lastReq.Store(req)

		if f.status != 0 && f.status != http.StatusOK {
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
			return
		}
		if f.rawBody != "" {
			_, _ = w.Write([]byte(f.rawBody))
			return
		}
		vec := make([]float32, f.dim)
		vec[0] = 1
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": vec}},
		})
	}
}

func newTestClient(t *testing.T, f *fakeProvider, mutate func(*ClientConfig)) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	cfg := ClientConfig{
		URL:           srv.URL,
		APIKey:        "test-key",
		Model:         "test-model",
		Dimension:     8,
		MaxInputChars: 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewClient(cfg)
}

func TestGenerateSuccess(t *testing.T) {
	f := &fakeProvider{dim: 8}
	c := newTestClient(t, f, nil)

	vec := c.Generate(context.Background(), "  likes long walks  ")

	require.Len(t, vec, 8)
	assert.Equal(t, int32(1), f.calls.Load())
	req := f.lastReq.Load().(embedRequest)
	assert.Equal(t, "likes long walks", req.Input)
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, 8, req.Dimensions)
}

func TestGenerateEmptyTextMakesNoCall(t *testing.T) {
	f := &fakeProvider{dim: 8}
	c := newTestClient(t, f, nil)

	assert.Nil(t, c.Generate(context.Background(), ""))
	assert.Nil(t, c.Generate(context.Background(), "   \n\t "))
	assert.Zero(t, f.calls.Load())
}

func TestGenerateMissingCredentials(t *testing.T) {
	f := &fakeProvider{dim: 8}
	c := newTestClient(t, f, func(cfg *ClientConfig) { cfg.APIKey = "" })

	assert.False(t, c.Configured())
	assert.Nil(t, c.Generate(context.Background(), "hello"))
	_, err := c.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Zero(t, f.calls.Load())
}

func TestGenerateProviderError(t *testing.T) {
	f := &fakeProvider{dim: 8, status: http.StatusTooManyRequests}
	c := newTestClient(t, f, nil)

	assert.Nil(t, c.Generate(context.Background(), "hello"))

	_, err := c.Embed(context.Background(), "hello")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
}

func TestGenerateWrongDimension(t *testing.T) {
	f := &fakeProvider{dim: 7}
	c := newTestClient(t, f, nil)

	assert.Nil(t, c.Generate(context.Background(), "hello"))

	_, err := c.Embed(context.Background(), "hello")
	var ive *InvalidVectorError
	require.ErrorAs(t, err, &ive)
	assert.Equal(t, 7, ive.Got)
}

func TestGenerateMalformedPayload(t *testing.T) {
	for name, body := range map[string]string{
		"not json":     `<html>`,
		"no data":      `{"data":[]}`,
		"wrong type":   `{"data":[{"embedding":"abc"}]}`,
		"no embedding": `{"data":[{}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			f := &fakeProvider{rawBody: body}
			c := newTestClient(t, f, nil)
			assert.Nil(t, c.Generate(context.Background(), "hello"))
		})
	}
}

func TestPrepareTextTruncatesOnRuneBoundary(t *testing.T) {
	assert.Equal(t, "abc", PrepareText("  abc  ", 10))
	assert.Equal(t, "héllo", PrepareText("héllo wörld", 5))
	assert.Equal(t, "ab", PrepareText("ab   cd", 4))
	long := strings.Repeat("ø", 30)
	assert.Equal(t, strings.Repeat("ø", 20), PrepareText(long, 20))
}

func TestGenerateTruncatesInput(t *testing.T) {
	f := &fakeProvider{dim: 8}
	c := newTestClient(t, f, nil)

	c.Generate(context.Background(), strings.Repeat("x", 100))
	req := f.lastReq.Load().(embedRequest)
	assert.Len(t, req.Input, 20)
}
