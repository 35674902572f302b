package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionJSON(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"model":   "test-model",
		"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"}},
		"usage":   map[string]any{"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150},
	}
}

func testClient(opts Options) *Client {
	return NewClient(opts, nil)
}

func TestGetCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionJSON("开场: 你在废墟中醒来. …"))
	}))
	defer server.Close()

	client := testClient(Options{})
	defer client.Close()

	content, usage, modelName, err := client.GetCompletion(context.Background(),
		[]Message{SystemPrompt("世界观: 废土"), UserMessage("开始")},
		Credentials{Model: "test-model", BaseURL: server.URL, APIKey: "sk-test-0123456789"})

	require.NoError(t, err)
	assert.Equal(t, "开场: 你在废墟中醒来. …", content)
	assert.Equal(t, "test-model", modelName)
	require.NotNil(t, usage)
	assert.Equal(t, 120, usage.PromptTokens)
	assert.Equal(t, 150, usage.TotalTokens)
}

func TestGetCompletionRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error": {"message": "rate limited", "type": "rate_limit_exceeded"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionJSON("ok"))
	}))
	defer server.Close()

	client := testClient(Options{BaseDelay: 5 * time.Millisecond})
	defer client.Close()

	content, _, _, err := client.GetCompletion(context.Background(),
		[]Message{UserMessage("Hello")},
		Credentials{Model: "test-model", BaseURL: server.URL, APIKey: "sk-test-0123456789"})

	require.NoError(t, err)
	assert.Equal(t, "ok", content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetCompletionDoesNotRetryFatal(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "Incorrect API key provided", "type": "invalid_request_error"}}`))
	}))
	defer server.Close()

	client := testClient(Options{BaseDelay: 5 * time.Millisecond})
	defer client.Close()

	_, _, _, err := client.GetCompletion(context.Background(),
		[]Message{UserMessage("Hello")},
		Credentials{Model: "test-model", BaseURL: server.URL, APIKey: "sk-bad-0123456789"})

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestGetCompletionRetryExhaustion(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "boom"}}`))
	}))
	defer server.Close()

	client := testClient(Options{MaxRetries: 3, BaseDelay: 5 * time.Millisecond})
	defer client.Close()

	_, _, _, err := client.GetCompletion(context.Background(),
		[]Message{UserMessage("Hello")},
		Credentials{Model: "test-model", BaseURL: server.URL, APIKey: "sk-test-0123456789"})

	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetCompletionCancellationAbortsBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "boom"}}`))
	}))
	defer server.Close()

	client := testClient(Options{MaxRetries: 5, BaseDelay: 10 * time.Second})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, _, err := client.GetCompletion(ctx,
		[]Message{UserMessage("Hello")},
		Credentials{Model: "test-model", BaseURL: server.URL, APIKey: "sk-test-0123456789"})

	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second, "cancellation must cut the backoff sleep short")
}

func TestIsTransient(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"api 429", &openai.APIError{HTTPStatusCode: 429}, true},
		{"api 408", &openai.APIError{HTTPStatusCode: 408}, true},
		{"api 500", &openai.APIError{HTTPStatusCode: 500}, true},
		{"api 503", &openai.APIError{HTTPStatusCode: 503}, true},
		{"api 401", &openai.APIError{HTTPStatusCode: 401}, false},
		{"api 404", &openai.APIError{HTTPStatusCode: 404}, false},
		{"request transport", &openai.RequestError{HTTPStatusCode: 0, Err: errors.New("connection refused")}, true},
		{"request 400", &openai.RequestError{HTTPStatusCode: 400, Err: errors.New("bad request")}, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.transient, IsTransient(tc.err))
		})
	}
}

func TestClientPoolReuse(t *testing.T) {
	client := testClient(Options{MaxClients: 2})
	defer client.Close()

	a1 := client.clientFor(Credentials{BaseURL: "http://a.example", APIKey: "key-a-0123456789"})
	a2 := client.clientFor(Credentials{BaseURL: "http://a.example", APIKey: "key-a-0123456789"})
	assert.Same(t, a1, a2, "same (key, url) must reuse the pooled client")

	b := client.clientFor(Credentials{BaseURL: "http://b.example", APIKey: "key-b-0123456789"})
	assert.NotSame(t, a1, b)

	// A third distinct binding displaces the least recently used entry.
	client.clientFor(Credentials{BaseURL: "http://c.example", APIKey: "key-c-0123456789"})
	a3 := client.clientFor(Credentials{BaseURL: "http://a.example", APIKey: "key-a-0123456789"})
	assert.NotSame(t, a1, a3, "displaced entry is rebuilt on next use")
}
