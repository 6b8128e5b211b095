package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteReturnsFirstChoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var req ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)
		assert.Len(t, req.Messages, 2)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  hello "}}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`))
	}))
	defer srv.Close()

	c := NewClient("key", srv.URL, time.Second)
	got, err := c.Complete(context.Background(), "gpt-test", "sys", "user", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestCompleteSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	_, err := NewClient("key", srv.URL, time.Second).Complete(context.Background(), "m", "s", "u", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestCompleteWithoutKey(t *testing.T) {
	_, err := NewClient("", "", 0).Complete(context.Background(), "m", "s", "u", nil)
	assert.ErrorIs(t, err, ErrNoAPIKey)
}
