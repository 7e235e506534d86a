package provider

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogProvider logs messages instead of delivering them (development/test).
type LogProvider struct {
	name   string
	logger *zap.Logger
}

func NewLogProvider(name string, logger *zap.Logger) *LogProvider {
	return &LogProvider{name: name, logger: logger}
}

func (p *LogProvider) Name() string { return p.name }
func (p *LogProvider) Type() string { return "log" }

func (p *LogProvider) Send(ctx context.Context, msg *Message) (*Result, error) {
	p.logger.Info("logging message (development mode)",
		zap.String("job_id", msg.JobID),
		zap.String("recipient", msg.Recipient),
		zap.String("subject", msg.Subject),
	)
	return &Result{ProviderMessageID: uuid.NewString()}, nil
}

func (p *LogProvider) HealthCheck(ctx context.Context) error {
	return nil
}
