// Package ocr is the client for the external OCR engine. The engine is a
// black-box async job processor: Submit returns a correlation id and the
// engine later delivers exactly one terminal notification (at-least-once)
// to the callback target.
package ocr

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

// Client submits documents for asynchronous text extraction.
type Client interface {
	Submit(ctx context.Context, sourceLocation, callbackTarget string) (externalJobID string, err error)
}

type HTTPClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	// RateLimit bounds submissions per second across all workers in this
	// process; the engine is rate-limited on its side too.
	RateLimit float64
	RateBurst int
}

// HTTPClient talks to an OCR engine over its submission API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewHTTPClient(config HTTPClientConfig) *HTTPClient {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 5
	}
	if config.RateBurst <= 0 {
		config.RateBurst = 5
	}

	return &HTTPClient{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/"),
		apiKey:     strings.TrimSpace(config.APIKey),
		timeout:    config.Timeout,
		httpClient: config.HTTPClient,
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
	}
}

type submitRequest struct {
	SourceLocation string `json:"source_location"`
	CallbackTarget string `json:"callback_target"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

func (c *HTTPClient) Submit(ctx context.Context, sourceLocation, callbackTarget string) (string, error) {
	if c.baseURL == "" {
		return "", errors.New("ocr endpoint is not configured")
	}
	if strings.TrimSpace(sourceLocation) == "" {
		return "", fmt.Errorf("%w: source location is required", errs.ErrValidation)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	payload, err := json.Marshal(submitRequest{
		SourceLocation: sourceLocation,
		CallbackTarget: callbackTarget,
	})
	if err != nil {
		return "", fmt.Errorf("marshal ocr submit payload: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.baseURL+"/jobs", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create ocr request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return "", errs.Transient("ocr submit", err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return "", errs.Transient("read ocr response", err)
	}

	switch {
	case httpResponse.StatusCode == http.StatusTooManyRequests || httpResponse.StatusCode >= 500:
		return "", errs.Transient("ocr submit", fmt.Errorf("status %d: %s", httpResponse.StatusCode, truncate(body)))
	case httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299:
		return "", errs.Terminal("ocr_rejected", fmt.Sprintf("status %d: %s", httpResponse.StatusCode, truncate(body)))
	}

	var decoded submitResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decode ocr response: %w", err)
	}
	if strings.TrimSpace(decoded.JobID) == "" {
		return "", errors.New("ocr response without job id")
	}
	return decoded.JobID, nil
}

func truncate(body []byte) string {
	message := strings.TrimSpace(string(body))
	if len(message) > 700 {
		message = message[:700]
	}
	return message
}
