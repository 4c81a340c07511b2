package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

// WebhookSink posts each batch as one JSON document.
type WebhookSink struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

func NewWebhookSink(url string, timeout time.Duration, log *zap.Logger) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{url: url, client: &http.Client{Timeout: timeout}, log: log}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Durable() bool { return true }

func (w *WebhookSink) Send(ctx context.Context, events []interfaces.Event) error {
	body, err := json.Marshal(map[string]interface{}{
		"source": "cashspend",
		"events": events,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Source", "cashspend")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.log.Error("webhook returned error status", zap.String("url", w.url), zap.Int("status_code", resp.StatusCode))
		return fmt.Errorf("webhook returned status code: %d", resp.StatusCode)
	}
	return nil
}
