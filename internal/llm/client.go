// Package llm is the client for the synchronous inference collaborator.
// Implementations classify failures as transient (throttle, timeout, 5xx)
// or terminal (content policy, validation) so the pipeline can decide
// between backoff and a permanent case failure.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/docquery/casepipe/internal/errs"
)

// Client invokes the inference endpoint with a bounded timeout.
type Client interface {
	Invoke(ctx context.Context, prompt string) (answer string, err error)
}

type EndpointClientConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
	RateLimit  float64
	RateBurst  int
}

// EndpointClient calls an arbitrary HTTP inference endpoint (a self-hosted
// model server or a hosted completion API).
type EndpointClient struct {
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewEndpointClient(config EndpointClientConfig) *EndpointClient {
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 2
	}
	if config.RateBurst <= 0 {
		config.RateBurst = 2
	}

	return &EndpointClient{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/"),
		apiKey:     strings.TrimSpace(config.APIKey),
		model:      strings.TrimSpace(config.Model),
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
		httpClient: config.HTTPClient,
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
	}
}

type invokeRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
}

type invokeResponse struct {
	Answer string `json:"answer"`
	Text   string `json:"text"`
	Error  struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *EndpointClient) Invoke(ctx context.Context, prompt string) (string, error) {
	if c.baseURL == "" {
		return "", errors.New("llm endpoint is not configured")
	}
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("%w: prompt is required", errs.ErrValidation)
	}

	payload, err := json.Marshal(invokeRequest{Model: c.model, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("marshal llm payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		answer, callErr := c.call(ctx, payload)
		if callErr == nil {
			return answer, nil
		}
		lastErr = callErr

		if !errs.IsTransient(callErr) || attempt == c.maxRetries {
			break
		}

		backoff := time.Duration(350*(attempt+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}
	return "", lastErr
}

func (c *EndpointClient) call(ctx context.Context, payload []byte) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.baseURL+"/invoke", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create llm request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return "", errs.Transient("llm invoke", err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return "", errs.Transient("read llm response", err)
	}

	switch {
	case httpResponse.StatusCode == http.StatusTooManyRequests || httpResponse.StatusCode >= 500:
		return "", errs.Transient("llm invoke", fmt.Errorf("status %d: %s", httpResponse.StatusCode, truncate(body)))
	case httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299:
		var decoded invokeResponse
		code := "llm_rejected"
		message := truncate(body)
		if json.Unmarshal(body, &decoded) == nil && decoded.Error.Code != "" {
			code = decoded.Error.Code
			message = decoded.Error.Message
		}
		return "", errs.Terminal(code, message)
	}

	var decoded invokeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	answer := decoded.Answer
	if strings.TrimSpace(answer) == "" {
		answer = decoded.Text
	}
	if strings.TrimSpace(answer) == "" {
		return "", errors.New("llm response without text output")
	}
	return strings.TrimSpace(answer), nil
}

func truncate(body []byte) string {
	message := strings.TrimSpace(string(body))
	if len(message) > 700 {
		message = message[:700]
	}
	return message
}
