package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// DefaultBaseURL is the OpenRouter API root.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// maxResponseBytes bounds provider response reads.
const maxResponseBytes = 10 << 20

// ClientOptions configure the provider client.
type ClientOptions struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// Extras are injected into every chat request by the transport.
	Extras Extras
	// Timeout bounds a single HTTP exchange. Defaults to 120 s; generation
	// against slow models routinely takes over a minute.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Client talks Chat-Completions to the provider. The API key is passed per
// call because each request may use a different user's key.
type Client struct {
	httpClient *http.Client
	baseURL    string
	breaker    *gobreaker.CircuitBreaker
	log        *zap.Logger
}

func NewClient(opts ClientOptions) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "openrouter",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Permanent failures are the caller's problem, not the provider's
		// health; only transient failures may trip the breaker.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var ce *Error
			return errors.As(err, &ce) && ce.Permanent()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			opts.Logger.Warn("provider circuit state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: newOpenRouterTransport(nil, opts.Extras, opts.Logger),
		},
		baseURL: opts.BaseURL,
		breaker: breaker,
		log:     opts.Logger,
	}
}

// Chat runs one completion. Cancellation of ctx aborts the HTTP exchange.
func (c *Client) Chat(ctx context.Context, apiKey string, req *ChatRequest) (*ChatResponse, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.chat(ctx, apiKey, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, newError(CatServerError, 0, "provider circuit open: "+err.Error())
		}
		return nil, Classify(err)
	}
	return out.(*ChatResponse), nil
}

func (c *Client) chat(ctx context.Context, apiKey string, req *ChatRequest) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.post(ctx, apiKey, "/chat/completions", req, &resp); err != nil {
		// Classify before the breaker sees it so permanent failures do not
		// count against provider health.
		return nil, Classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, newError(CatEmptyResponse, 0, "provider returned no choices")
	}
	return &resp, nil
}

// Embed returns one vector per input text.
func (c *Client) Embed(ctx context.Context, apiKey string, req *EmbedRequest) (*EmbedResponse, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		var resp EmbedResponse
		if err := c.post(ctx, apiKey, "/embeddings", req, &resp); err != nil {
			return nil, Classify(err)
		}
		if len(resp.Data) != len(req.Input) {
			return nil, newError(CatSDKParsing, 0,
				fmt.Sprintf("embeddings: %d inputs, %d vectors", len(req.Input), len(resp.Data)))
		}
		return &resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, newError(CatServerError, 0, "provider circuit open: "+err.Error())
		}
		return nil, Classify(err)
	}
	return out.(*EmbedResponse), nil
}

func (c *Client) post(ctx context.Context, apiKey, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("llm: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var pe providerError
		msg := string(payload)
		if json.Unmarshal(payload, &pe) == nil && pe.Error.Message != "" {
			msg = pe.Error.Message
		}
		return &statusError{status: resp.StatusCode, message: msg}
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return newError(CatSDKParsing, resp.StatusCode, "decode response: "+err.Error())
	}
	return nil
}
