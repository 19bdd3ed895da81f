package ml

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

	"ListingRadar/internal/config"
	"ListingRadar/internal/domain"
	"ListingRadar/internal/ports"
)

const opClassify = "ml classify"

// Client talks to a self-hosted extraction service: POST {endpoint}/classify with {"text": ...}.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
}

var _ ports.Classifier = (*Client)(nil)

// NewClient creates a reusable HTTP client.
func NewClient(cfg config.ClassifierConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("ml classifier misconfigured: endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		http:     &http.Client{Timeout: timeout},
	}, nil
}

type classifyResponse struct {
	IsListing  bool           `json:"is_listing"`
	Confidence float64        `json:"confidence"`
	Listing    domain.Listing `json:"listing"`
	Reason     string         `json:"reason"`
	Usage      *classifyUsage `json:"usage,omitempty"`
}

type classifyUsage struct {
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Classify sends text for extraction.
func (c *Client) Classify(ctx context.Context, text string) (domain.Extraction, error) {
	payload := map[string]any{
		"text":  text,
		"model": c.model,
	}

	var resp classifyResponse
	if err := c.post(ctx, "/classify", payload, &resp); err != nil {
		return domain.Extraction{}, domain.NewExternalError(opClassify, err)
	}

	if !resp.IsListing {
		return domain.Extraction{Outcome: domain.OutcomeNotApplicable, Reason: resp.Reason}, nil
	}

	extraction := domain.Extraction{
		Outcome:    domain.OutcomeClassified,
		Listing:    resp.Listing,
		Confidence: resp.Confidence,
		Usage:      domain.Usage{Model: c.model},
	}
	if u := resp.Usage; u != nil {
		extraction.Usage = domain.Usage{
			Model:            u.Model,
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.PromptTokens + u.CompletionTokens,
			CostUSD:          u.CostUSD,
		}
	}
	return extraction, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
