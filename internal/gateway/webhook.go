package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// WebhookConfig configures the HTTP webhook gateway.
type WebhookConfig struct {
	URL       string
	Timeout   time.Duration
	AuthToken string // sent as a bearer token when set
}

// WebhookGateway posts each delivery to a provider endpoint as JSON.
// Used for SMS providers that expose a plain HTTP API.
type WebhookGateway struct {
	client *http.Client
	cfg    WebhookConfig
	logger *zap.Logger
}

// webhookRequest is the body posted to the provider.
type webhookRequest struct {
	To          string `json:"to"`
	Content     string `json:"content"`
	Subject     string `json:"subject,omitempty"`
	MediaURL    string `json:"media_url,omitempty"`
	TemplateRef string `json:"template_ref,omitempty"`
	MessageID   string `json:"message_id"`
	DeliveryID  string `json:"delivery_id"`
}

// NewWebhookGateway creates a webhook gateway
func NewWebhookGateway(cfg WebhookConfig, logger *zap.Logger) *WebhookGateway {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &WebhookGateway{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
	}
}

// Send posts the delivery. 2xx is success; 408, 429 and 5xx are transient;
// any other status is permanent. Network errors are transient.
func (g *WebhookGateway) Send(ctx context.Context, d *Delivery) error {
	if g.cfg.URL == "" {
		return Permanent("webhook not configured", fmt.Errorf("empty webhook url"))
	}

	body, err := json.Marshal(webhookRequest{
		To:          d.Address,
		Content:     d.Payload.Text,
		Subject:     d.Payload.Subject,
		MediaURL:    d.Payload.MediaURL,
		TemplateRef: d.Payload.TemplateRef,
		MessageID:   d.MessageID.String(),
		DeliveryID:  d.RecipientID.String(),
	})
	if err != nil {
		return Permanent("encode webhook body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Permanent("build webhook request", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Herald/1.0.0")
	// Receivers deduplicate on this header across our retries.
	req.Header.Set("Idempotency-Key", d.RecipientID.String())
	if g.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.AuthToken)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("webhook request failed: %w", err)}
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		g.logger.Debug("webhook delivered",
			zap.String("recipient_id", d.RecipientID.String()),
			zap.Int("status_code", resp.StatusCode),
		)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return &TransientError{
			Err:        fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(preview)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	default:
		return Permanent(fmt.Sprintf("webhook rejected with %d", resp.StatusCode), fmt.Errorf("%s", string(preview)))
	}
}

// SupportsChannel checks if this gateway handles the channel
func (g *WebhookGateway) SupportsChannel(channel string) bool {
	return channel == db.ChannelWebhook
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
