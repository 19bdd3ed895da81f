package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ListingRadar/internal/config"
	"ListingRadar/internal/domain"
	"ListingRadar/internal/ports"
)

const opDeliver = "telegram deliver"

// Notifier sends rendered listing summaries to subscribers via the bot API.
// The owner identity is the subscriber's Telegram chat id.
type Notifier struct {
	botToken string
	baseURL  string
	client   *http.Client
}

var _ ports.Transport = (*Notifier)(nil)

// NewNotifier registers the bot token and API location.
func NewNotifier(cfg config.TelegramConfig) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(cfg.APIBaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &Notifier{
		botToken: cfg.BotToken,
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
	}
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Deliver posts a Markdown message to the owner's chat. Any non-ok answer is a failure.
func (n *Notifier) Deliver(ctx context.Context, ownerID, summary string) error {
	if n.botToken == "" || n.client == nil {
		return domain.NewExternalError(opDeliver, errors.New("telegram notifier misconfigured"))
	}
	if ownerID == "" {
		return domain.NewExternalError(opDeliver, errors.New("empty chat id"))
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	form := url.Values{}
	form.Set("chat_id", ownerID)
	form.Set("text", summary)
	form.Set("parse_mode", "Markdown")
	form.Set("disable_web_page_preview", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return domain.NewExternalError(opDeliver, redact(err, n.botToken))
	}
	defer resp.Body.Close()

	var body apiResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &body)

	if resp.StatusCode != http.StatusOK || !body.OK {
		reason := body.Description
		if reason == "" {
			reason = strings.TrimSpace(string(raw))
		}
		return domain.NewExternalError(opDeliver, fmt.Errorf("telegram error %s: %s", resp.Status, reason))
	}

	return nil
}

// redact strips the bot token from transport errors, which embed the request URL.
func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<token>"), err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }

func (e *redactedError) Unwrap() error { return e.err }
