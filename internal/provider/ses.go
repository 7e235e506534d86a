package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESProvider delivers email through AWS SES.
type SESProvider struct {
	name   string
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Name      string
	Region    string
	FromEmail string
}

// NewSESProvider creates an SES-backed email provider.
func NewSESProvider(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	return &SESProvider{
		name:   cfg.Name,
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (p *SESProvider) Name() string { return p.name }
func (p *SESProvider) Type() string { return "ses" }

// Send delivers the message via SES SendEmail.
func (p *SESProvider) Send(ctx context.Context, msg *Message) (*Result, error) {
	if msg.Recipient == "" {
		return nil, NewPermanent(p.name, "missing recipient", nil)
	}
	if msg.Subject == "" {
		return nil, NewPermanent(p.name, "missing subject", nil)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(p.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.Recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return nil, p.classify(err)
	}

	p.logger.Info("email sent via SES",
		zap.String("job_id", msg.JobID),
		zap.String("to", msg.Recipient),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return &Result{ProviderMessageID: aws.ToString(result.MessageId)}, nil
}

// HealthCheck verifies the SES account is reachable and enabled.
func (p *SESProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.GetSendQuota(ctx, &ses.GetSendQuotaInput{}); err != nil {
		return fmt.Errorf("ses health check failed: %w", err)
	}
	return nil
}

// classify maps SES rejections to the retry taxonomy. Address and domain
// verification failures are hard rejections; everything else is transient.
func (p *SESProvider) classify(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "InvalidParameterValue") ||
		strings.Contains(msg, "MessageRejected") ||
		strings.Contains(msg, "MailFromDomainNotVerified") {
		return NewPermanent(p.name, msg, err)
	}
	return NewTransient(p.name, msg, err)
}
