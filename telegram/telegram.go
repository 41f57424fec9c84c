// Package telegram delivers notifications through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const maxErrorBody = 300

// Config holds Bot API settings.
type Config struct {
	Token          string
	ChatID         string
	BaseURL        string // defaults to https://api.telegram.org
	Timeout        time.Duration
	Attempts       uint // delivery attempts per message, defaults to 3
	DisablePreview bool
}

// Sender posts messages to a single chat.
type Sender struct {
	client *http.Client
	logger *slog.Logger
	cfg    Config
}

// sendMessageRequest is the body of the sendMessage method.
type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// statusError is a non-200 Bot API response.
type statusError struct {
	Body string
	Code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// New creates a sender. Missing credentials are allowed; Send then logs and
// reports failure so postings stay pending.
func New(cfg Config, logger *slog.Logger) *Sender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	return &Sender{
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		cfg:    cfg,
	}
}

// Configured reports whether a bot token and chat id are set.
func (s *Sender) Configured() bool {
	return s.cfg.Token != "" && s.cfg.ChatID != ""
}

// Send delivers text and reports whether Telegram accepted it. Transport
// errors and non-200 responses yield false, never an error.
func (s *Sender) Send(ctx context.Context, text string) bool {
	if !s.Configured() {
		s.logger.Warn("Telegram not configured (missing TELEGRAM_BOT_TOKEN or TELEGRAM_CHAT_ID)")
		return false
	}

	body, err := json.Marshal(sendMessageRequest{
		ChatID:                s.cfg.ChatID,
		Text:                  text,
		DisableWebPagePreview: s.cfg.DisablePreview,
	})
	if err != nil {
		s.logger.Error("Failed to marshal Telegram request", "error", err)
		return false
	}

	err = retry.Do(
		func() error { return s.post(ctx, body) },
		retry.Attempts(s.cfg.Attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(500*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying Telegram send after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(retryable),
	)
	if err != nil {
		s.logger.Warn("Telegram send failed", "error", err)
		return false
	}
	return true
}

func (s *Sender) post(ctx context.Context, body []byte) error {
	// The token is part of the URL; never log it.
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", s.cfg.BaseURL, s.cfg.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(errors.New("create request failed"))
	}
	req.Header.Set("Content-Type", "application/json")

	startTime := time.Now()
	resp, err := s.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("sendMessage request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		s.logger.Warn("Telegram API returned non-200 status",
			"status_code", resp.StatusCode,
			"duration_ms", duration.Milliseconds())
		return &statusError{Code: resp.StatusCode, Body: string(snippet)}
	}

	s.logger.Info("Telegram API request completed",
		"endpoint", "sendMessage",
		"duration_ms", duration.Milliseconds(),
		"status", "success")
	return nil
}

// retryable allows retries for transport errors, rate limiting and server errors.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}
