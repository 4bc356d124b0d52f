package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WebhookNotifier POSTs notifications as JSON. A receiver that can collect
// an operator decision may answer {"cancelled": true}.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

type webhookPayload struct {
	Notification
	Severity         string  `json:"severity"`
	CountdownSeconds float64 `json:"countdown_seconds,omitempty"`
}

type webhookReply struct {
	Cancelled bool `json:"cancelled"`
}

// NewWebhookNotifier returns a notifier posting to url. Request deadlines
// come from the caller's context.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) (bool, error) {
	body, err := json.Marshal(webhookPayload{
		Notification:     n,
		Severity:         n.Severity.String(),
		CountdownSeconds: n.Countdown.Seconds(),
	})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return false, fmt.Errorf("webhook: unexpected status %s", resp.Status)
	}

	var reply webhookReply
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return false, nil
	}
	return reply.Cancelled, nil
}
