// Package notify delivers operator-facing event messages. Delivery is best
// effort everywhere: a broken notifier must never affect task processing.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Notifier pushes a short human-readable message to an operator channel.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Nop discards all messages.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

// Webhook POSTs messages as JSON to a configured endpoint.
type Webhook struct {
	url    string
	client *http.Client
	logger *log.Logger
}

// NewWebhook builds a webhook notifier for url.
func NewWebhook(url string, logger *log.Logger) *Webhook {
	if logger == nil {
		logger = log.Default()
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (w *Webhook) Notify(ctx context.Context, message string) error {
	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %s", resp.Status)
	}
	return nil
}
