package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"ListingRadar/internal/config"
	"ListingRadar/internal/domain"
	"ListingRadar/internal/ports"
)

const opOpenAI = "openai classify"

// OpenAIClassifier implements ports.Classifier backed by OpenAI-compatible chat completion APIs.
type OpenAIClassifier struct {
	client       *openai.Client
	model        string
	systemPrompt string
	maxTokens    int
	temperature  float32
	timeout      time.Duration
	limiter      *rate.Limiter
	pricing      Pricing
	logger       *slog.Logger
}

var _ ports.Classifier = (*OpenAIClassifier)(nil)

// NewOpenAIClassifier builds a classifier from configuration. An empty endpoint targets api.openai.com.
func NewOpenAIClassifier(cfg config.ClassifierConfig, logger *slog.Logger) (*OpenAIClassifier, error) {
	if cfg.APIKey == "" || cfg.Model == "" {
		return nil, errors.New("openai classifier misconfigured: api key and model are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = cfg.Endpoint
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &OpenAIClassifier{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        cfg.Model,
		systemPrompt: systemPrompt(cfg.SystemPrompt),
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		timeout:      cfg.Timeout,
		limiter:      rate.NewLimiter(limit, 1),
		pricing:      NewPricing(cfg.Pricing),
		logger:       logger,
	}, nil
}

// Classify sends text to the model and decodes its JSON answer.
func (c *OpenAIClassifier) Classify(ctx context.Context, text string) (domain.Extraction, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return domain.Extraction{}, domain.NewExternalError(opOpenAI, fmt.Errorf("rate limit wait: %w", err))
	}

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(text)},
		},
		Temperature: c.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if c.maxTokens > 0 {
		req.MaxTokens = c.maxTokens
	}

	started := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return domain.Extraction{}, domain.NewExternalError(opOpenAI, err)
	}
	if len(resp.Choices) == 0 {
		return domain.Extraction{}, domain.NewExternalError(opOpenAI, errors.New("no choices returned"))
	}

	c.logger.Debug("classifier answered",
		"model", resp.Model,
		"finish_reason", resp.Choices[0].FinishReason,
		"total_tokens", resp.Usage.TotalTokens,
		"elapsed", time.Since(started))

	extraction, err := decodeExtraction(resp.Choices[0].Message.Content)
	if err != nil {
		return domain.Extraction{}, domain.NewExternalError(opOpenAI, err)
	}
	extraction.Usage = c.usage(resp)
	return extraction, nil
}

func (c *OpenAIClassifier) usage(resp openai.ChatCompletionResponse) domain.Usage {
	model := resp.Model
	if model == "" {
		model = c.model
	}
	return domain.Usage{
		Model:            model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		CostUSD:          c.pricing.Cost(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}
}
