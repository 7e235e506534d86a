// Package provider defines the outbound transport contract and the
// concrete delivery channels behind it.
package provider

import (
	"context"
)

// Message is a fully-composed message handed to a provider for delivery.
type Message struct {
	JobID     string
	Recipient string
	Subject   string
	Body      string
	Headers   map[string]string
}

// Result carries provider call metadata back to the dispatcher.
type Result struct {
	ProviderMessageID string
}

// Provider is the unified interface for all delivery channels.
// Implementations: SES email, SNS SMS, HTTP webhook, log (development).
type Provider interface {
	// Name returns the configured instance name, matching the durable
	// provider config row.
	Name() string

	// Type returns the logical transport type (ses, sns, webhook, log).
	Type() string

	// Send hands the composed message to the downstream service.
	Send(ctx context.Context, msg *Message) (*Result, error)

	// HealthCheck probes the downstream service. A non-nil error marks
	// the provider unhealthy for the current probe cycle.
	HealthCheck(ctx context.Context) error
}
