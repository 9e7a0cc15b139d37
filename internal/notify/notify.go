package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Sink delivers one alert or recovery message to a notification group.
// Delivery is fire-and-forget: callers log failures and move on, they never
// retry or roll back alert state.
type Sink interface {
	Send(ctx context.Context, group, text string) error
}

// Message is the webhook payload.
type Message struct {
	RunID  string    `json:"run_id,omitempty"`
	Group  string    `json:"group"`
	Text   string    `json:"message"`
	SentAt time.Time `json:"sent_at"`
}

// Webhook POSTs messages to a configured endpoint.
type Webhook struct {
	httpClient *http.Client
	url        string
	runID      string
	now        func() time.Time
}

// Config holds the static webhook settings.
type Config struct {
	URL   string
	RunID string
}

// Dependencies allow test overrides for the HTTP client and clock.
type Dependencies struct {
	HTTPClient *http.Client
	Now        func() time.Time
}

func NewWebhook(cfg Config, deps Dependencies) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Webhook{
		httpClient: httpClient,
		url:        cfg.URL,
		runID:      cfg.RunID,
		now:        now,
	}, nil
}

func (w *Webhook) Send(ctx context.Context, group, text string) error {
	payload, err := json.Marshal(Message{
		RunID:  w.runID,
		Group:  group,
		Text:   text,
		SentAt: w.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %s", resp.Status)
	}
	return nil
}

// LogSink writes notifications to the process log, for setups without a
// webhook endpoint.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Send(_ context.Context, group, text string) error {
	s.Logger.Info().Str("group", group).Msg(text)
	return nil
}
