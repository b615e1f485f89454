package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"

	"github.com/docquery/casepipe/internal/errs"
)

type OpenAIClientConfig struct {
	APIKey      string
	Model       string
	Instruction string
	Timeout     time.Duration
	MaxTokens   int64
	RateLimit   float64
	RateBurst   int
}

// OpenAIClient invokes the OpenAI Chat Completions API through the official
// SDK. Used when the pipeline is pointed at a hosted model instead of a
// self-managed inference endpoint.
type OpenAIClient struct {
	client      openai.Client
	model       string
	instruction string
	timeout     time.Duration
	maxTokens   int64
	limiter     *rate.Limiter
}

func NewOpenAIClient(config OpenAIClientConfig) *OpenAIClient {
	if config.Model == "" {
		config.Model = openai.ChatModelGPT4oMini
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1024
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 2
	}
	if config.RateBurst <= 0 {
		config.RateBurst = 2
	}
	if config.Instruction == "" {
		config.Instruction = "Answer questions about the provided document text. Be concise and factual."
	}

	return &OpenAIClient{
		client:      openai.NewClient(option.WithAPIKey(config.APIKey)),
		model:       config.Model,
		instruction: config.Instruction,
		timeout:     config.Timeout,
		maxTokens:   config.MaxTokens,
		limiter:     rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
	}
}

func (c *OpenAIClient) Invoke(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("%w: prompt is required", errs.ErrValidation)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	completion, err := c.client.Chat.Completions.New(timeoutCtx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(c.instruction),
			openai.UserMessage(prompt),
		},
		Model:               c.model,
		MaxCompletionTokens: openai.Int(c.maxTokens),
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(completion.Choices) == 0 || strings.TrimSpace(completion.Choices[0].Message.Content) == "" {
		return "", errors.New("openai response without text output")
	}
	return strings.TrimSpace(completion.Choices[0].Message.Content), nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return errs.Transient("openai invoke", err)
		}
		return errs.Terminal("openai_rejected", apiErr.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Transient("openai invoke", err)
	}
	return errs.Transient("openai invoke", err)
}
