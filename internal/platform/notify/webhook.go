package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dontdude/gradex/internal/domain"
)

// Webhook posts events to the job's own callback URL. Jobs without one are skipped.
type Webhook struct {
	client *http.Client
}

func NewWebhook(timeout time.Duration) *Webhook {
	return &Webhook{client: &http.Client{Timeout: timeout}}
}

func (w *Webhook) Notify(ctx context.Context, job domain.Job, event string, data any) error {
	if job.WebhookURL == "" {
		return nil
	}
	body, err := json.Marshal(newEvent(job, event, data))
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s webhook: %w", event, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %s webhook: unexpected status %s", event, resp.Status)
	}
	return nil
}
