package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/db"
)

// SESAPI is the slice of the SES client the sender uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// EmailSender delivers email notifications via AWS SES.
type EmailSender struct {
	client SESAPI
	from   string
	logger *zap.Logger
}

// EmailConfig configures the SES-backed email sender.
type EmailConfig struct {
	Region    string
	FromEmail string
}

// NewEmailSender creates an SES email sender.
func NewEmailSender(ctx context.Context, cfg EmailConfig, logger *zap.Logger) (*EmailSender, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &EmailSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// NewEmailSenderWithClient injects an SES client; used by tests.
func NewEmailSenderWithClient(client SESAPI, from string, logger *zap.Logger) *EmailSender {
	return &EmailSender{client: client, from: from, logger: logger}
}

// Channel implements Sender.
func (s *EmailSender) Channel() string { return db.ChannelEmail }

// Send implements Sender. Organizations without a destination address
// or with email disabled are skipped, not failed.
func (s *EmailSender) Send(ctx context.Context, d *Delivery) Result {
	org := d.Organization

	if !org.EmailEnabled {
		return skipped("ses", "email notifications disabled for organization")
	}
	if org.Email == nil || *org.Email == "" {
		return skipped("ses", "organization has no email address")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{*org.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(d.Notification.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(d.Notification.Message),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return failed("ses", fmt.Errorf("ses send failed: %w", err))
	}

	s.logger.Info("email sent via SES",
		zap.String("task_id", d.Task.ID.String()),
		zap.String("to", *org.Email),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return sent("ses", aws.ToString(result.MessageId))
}

var _ Sender = (*EmailSender)(nil)
