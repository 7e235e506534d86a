package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookProvider posts composed messages to a downstream HTTP relay.
type WebhookProvider struct {
	name      string
	endpoint  string
	healthURL string
	client    *http.Client
	logger    *zap.Logger
}

type WebhookConfig struct {
	Name      string
	Endpoint  string
	HealthURL string
	Timeout   time.Duration
}

// NewWebhookProvider creates an HTTP relay provider.
func NewWebhookProvider(cfg WebhookConfig, logger *zap.Logger) *WebhookProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	healthURL := cfg.HealthURL
	if healthURL == "" {
		healthURL = cfg.Endpoint
	}

	return &WebhookProvider{
		name:      cfg.Name,
		endpoint:  cfg.Endpoint,
		healthURL: healthURL,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

func (p *WebhookProvider) Name() string { return p.name }
func (p *WebhookProvider) Type() string { return "webhook" }

type webhookPayload struct {
	JobID     string            `json:"job_id"`
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject,omitempty"`
	Body      string            `json:"body"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Send posts the message to the relay endpoint. 2xx means accepted; 4xx
// is a hard rejection; 5xx and 429 are transient.
func (p *WebhookProvider) Send(ctx context.Context, msg *Message) (*Result, error) {
	body, err := json.Marshal(webhookPayload{
		JobID:     msg.JobID,
		Recipient: msg.Recipient,
		Subject:   msg.Subject,
		Body:      msg.Body,
		Headers:   msg.Headers,
	})
	if err != nil {
		return nil, NewPermanent(p.name, fmt.Sprintf("marshal payload: %v", err), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewPermanent(p.name, fmt.Sprintf("build request: %v", err), err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Relay/1.0")
	req.Header.Set("X-Relay-Job-ID", msg.JobID)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, NewTransient(p.name, fmt.Sprintf("request failed: %v", err), err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		p.logger.Info("webhook delivered",
			zap.String("job_id", msg.JobID),
			zap.Int("status_code", resp.StatusCode),
		)
		return &Result{ProviderMessageID: resp.Header.Get("X-Message-ID")}, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, NewTransient(p.name,
			fmt.Sprintf("relay returned %d: %s", resp.StatusCode, respBody), nil)

	default:
		return nil, NewPermanent(p.name,
			fmt.Sprintf("relay rejected with %d: %s", resp.StatusCode, respBody), nil)
	}
}

// HealthCheck issues a GET against the relay health endpoint.
func (p *WebhookProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.healthURL, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook health check failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook health check returned %d", resp.StatusCode)
	}

	return nil
}
