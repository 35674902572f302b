package llm

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/hrygo/taleforge/ai/cache"
	"github.com/hrygo/taleforge/ai/metrics"
)

const (
	defaultMaxClients  = 20
	defaultIdleTTL     = 3600 * time.Second
	defaultCallTimeout = 60 * time.Second
	defaultMaxRetries  = 2
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
)

// Options configures the completion client.
type Options struct {
	// MaxClients bounds the per-(api_key, base_url) client pool.
	MaxClients int
	// IdleTTL evicts pooled clients untouched for this long.
	IdleTTL time.Duration
	// CallTimeout is the wall clock budget of one completion attempt.
	CallTimeout time.Duration
	// MaxRetries is the total number of attempts (first try included).
	MaxRetries int
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration
	// MaxDelay clips the backoff.
	MaxDelay time.Duration
}

func (o *Options) fillDefaults() {
	if o.MaxClients <= 0 {
		o.MaxClients = defaultMaxClients
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = defaultIdleTTL
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
}

type poolKey struct {
	apiKey  string
	baseURL string
}

type pooledClient struct {
	api  *openai.Client
	http *http.Client
}

// Client issues chat completions against per-preset endpoints. Pooled
// clients are keyed by (api_key, base_url); the pool's lock is held only
// to promote or evict, never across an HTTP call.
type Client struct {
	opts     Options
	exporter *metrics.Exporter
	pool     *cache.LRUCache[poolKey, *pooledClient]
}

// NewClient creates a completion client.
func NewClient(opts Options, exporter *metrics.Exporter) *Client {
	opts.fillDefaults()
	pool := cache.NewLRUCache[poolKey, *pooledClient](opts.MaxClients, opts.IdleTTL)
	// Displaced or idle-expired entries free their kept-alive connections.
	pool.OnEvict(func(_ poolKey, pc *pooledClient) {
		go pc.http.CloseIdleConnections()
	})
	return &Client{opts: opts, exporter: exporter, pool: pool}
}

// GetCompletion performs a chat completion with retry. Transient failures
// (rate limit, request timeout, connection errors, HTTP 429/408/5xx) are
// retried with exponential backoff and jitter; everything else propagates
// immediately. Cancellation of ctx aborts the retry chain.
func (c *Client) GetCompletion(ctx context.Context, messages []Message, creds Credentials) (string, *Usage, string, error) {
	pc := c.clientFor(creds)
	req := openai.ChatCompletionRequest{
		Model:    creds.Model,
		Messages: convertMessages(messages),
	}

	var lastErr error
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt-1); err != nil {
				return "", nil, "", err
			}
			slog.Info("retrying LLM completion", "attempt", attempt+1, "model", creds.Model)
		}

		content, usage, modelName, err := c.attempt(ctx, pc, req)
		if err == nil {
			return content, usage, modelName, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			// The caller went away; the per-attempt timeout below is the
			// only deadline we retry through.
			return "", nil, "", ctx.Err()
		}
		if !IsTransient(err) {
			c.exporter.RecordLLMRequest("fatal", 0)
			return "", nil, "", err
		}
		slog.Warn("transient LLM failure", "attempt", attempt+1, "error", err)
	}
	c.exporter.RecordLLMRequest("exhausted", 0)
	return "", nil, "", lastErr
}

func (c *Client) attempt(ctx context.Context, pc *pooledClient, req openai.ChatCompletionRequest) (string, *Usage, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	resp, err := pc.api.CreateChatCompletion(callCtx, req)
	elapsed := time.Since(start)
	if err != nil {
		c.exporter.RecordLLMRequest("error", elapsed)
		return "", nil, "", err
	}
	if len(resp.Choices) == 0 {
		c.exporter.RecordLLMRequest("empty", elapsed)
		return "", nil, "", ErrEmptyResponse
	}

	c.exporter.RecordLLMRequest("ok", elapsed)
	usage := &Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	return resp.Choices[0].Message.Content, usage, resp.Model, nil
}

// backoff sleeps baseDelay * 2^attempt plus uniform jitter in
// [0, 0.2*baseDelay], clipped at MaxDelay. Cancellation aborts the sleep.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	delay := c.opts.BaseDelay << uint(attempt)
	if delay > c.opts.MaxDelay {
		delay = c.opts.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(c.opts.BaseDelay)/5 + 1))
	delay += jitter
	if delay > c.opts.MaxDelay {
		delay = c.opts.MaxDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// clientFor returns the pooled client for the credentials, creating and
// inserting one on miss. Get promotes the entry and slides its idle TTL.
func (c *Client) clientFor(creds Credentials) *pooledClient {
	key := poolKey{apiKey: creds.APIKey, baseURL: creds.BaseURL}
	if pc, ok := c.pool.Get(key); ok {
		return pc
	}

	httpClient := newHTTPClient(c.opts.CallTimeout)
	config := openai.DefaultConfig(creds.APIKey)
	if creds.BaseURL != "" {
		config.BaseURL = creds.BaseURL
	}
	config.HTTPClient = httpClient

	pc := &pooledClient{api: openai.NewClientWithConfig(config), http: httpClient}
	c.pool.SetWithDefaultTTL(key, pc)
	return pc
}

// Close evicts every pooled client.
func (c *Client) Close() {
	c.pool.Clear()
}

// ErrEmptyResponse is returned when the provider answered without a choice.
var ErrEmptyResponse = errors.New("empty response from LLM")

// IsTransient classifies an error as retriable: rate limit, request
// timeout, connection failure, or HTTP 429/408/5xx.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// The per-attempt timeout expired; the caller's own deadline is
		// checked separately in the retry loop.
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retriableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if retriableStatus(reqErr.HTTPStatusCode) {
			return true
		}
		// A RequestError without a status is a transport-level failure.
		return reqErr.HTTPStatusCode == 0
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

func retriableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= 500
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
