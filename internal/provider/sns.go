package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

// SNSProvider delivers SMS messages through AWS SNS.
type SNSProvider struct {
	name   string
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Name   string
	Region string
}

// NewSNSProvider creates an SNS-backed SMS provider.
func NewSNSProvider(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSProvider{
		name:   cfg.Name,
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

func (p *SNSProvider) Name() string { return p.name }
func (p *SNSProvider) Type() string { return "sns" }

// Send publishes the message body to the recipient phone number.
func (p *SNSProvider) Send(ctx context.Context, msg *Message) (*Result, error) {
	if msg.Recipient == "" {
		return nil, NewPermanent(p.name, "missing recipient phone number", nil)
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(msg.Recipient),
		Message:     aws.String(msg.Body),
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		if strings.Contains(err.Error(), "InvalidParameter") {
			return nil, NewPermanent(p.name, err.Error(), err)
		}
		return nil, NewTransient(p.name, err.Error(), err)
	}

	p.logger.Info("sms sent via SNS",
		zap.String("job_id", msg.JobID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return &Result{ProviderMessageID: aws.ToString(result.MessageId)}, nil
}

// HealthCheck verifies the SNS account is reachable.
func (p *SNSProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.GetSMSAttributes(ctx, &sns.GetSMSAttributesInput{}); err != nil {
		return fmt.Errorf("sns health check failed: %w", err)
	}
	return nil
}
