package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/db"
)

// DefaultSMSMaxLength is the single-segment GSM limit applied unless
// configured otherwise.
const DefaultSMSMaxLength = 160

// SMSProvider abstracts the configured SMS gateway.
type SMSProvider interface {
	Name() string
	Send(ctx context.Context, phone, message string) (string, error)
}

// SMSConfig configures the SMS sender.
type SMSConfig struct {
	DefaultCountryCode string // prepended to numbers without one, e.g. "1"
	MaxLength          int
}

// SMSSender delivers SMS notifications through a configured provider.
type SMSSender struct {
	provider SMSProvider
	config   SMSConfig
	logger   *zap.Logger
}

// NewSMSSender creates an SMS sender over the given provider.
func NewSMSSender(provider SMSProvider, cfg SMSConfig, logger *zap.Logger) *SMSSender {
	if cfg.MaxLength == 0 {
		cfg.MaxLength = DefaultSMSMaxLength
	}
	return &SMSSender{provider: provider, config: cfg, logger: logger}
}

// Channel implements Sender.
func (s *SMSSender) Channel() string { return db.ChannelSMS }

// Send implements Sender.
func (s *SMSSender) Send(ctx context.Context, d *Delivery) Result {
	org := d.Organization
	if org.Phone == nil || *org.Phone == "" {
		return skipped(s.provider.Name(), "organization has no phone number")
	}

	phone := NormalizePhone(*org.Phone, s.config.DefaultCountryCode)
	if phone == "" {
		return failedPermanent(s.provider.Name(), fmt.Errorf("unusable phone number %q", *org.Phone))
	}

	body := TruncateSMS(d.Notification.Title+": "+d.Notification.Message, s.config.MaxLength)

	messageID, err := s.provider.Send(ctx, phone, body)
	if err != nil {
		return failed(s.provider.Name(), err)
	}

	s.logger.Info("sms sent",
		zap.String("task_id", d.Task.ID.String()),
		zap.String("provider", s.provider.Name()),
		zap.String("message_id", messageID),
	)

	return sent(s.provider.Name(), messageID)
}

var _ Sender = (*SMSSender)(nil)

// NormalizePhone strips formatting characters and ensures an
// international prefix, defaulting the country code when missing.
// Returns "" when nothing dialable remains.
func NormalizePhone(raw, defaultCountryCode string) string {
	hadPlus := strings.HasPrefix(strings.TrimSpace(raw), "+")

	var digits strings.Builder
	for _, c := range raw {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	if digits.Len() == 0 {
		return ""
	}

	number := digits.String()
	if !hadPlus && defaultCountryCode != "" && !strings.HasPrefix(number, defaultCountryCode) {
		number = defaultCountryCode + number
	}
	return "+" + number
}

// TruncateSMS cuts a message to the provider limit, rune-safe.
func TruncateSMS(message string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultSMSMaxLength
	}
	runes := []rune(message)
	if len(runes) <= maxLen {
		return message
	}
	return string(runes[:maxLen])
}

// SNSAPI is the slice of the SNS client the provider uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSProvider sends SMS through AWS SNS.
type SNSProvider struct {
	client SNSAPI
}

// NewSNSProvider creates the AWS SNS SMS provider.
func NewSNSProvider(ctx context.Context, region string) (*SNSProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &SNSProvider{client: sns.NewFromConfig(awsCfg)}, nil
}

// NewSNSProviderWithClient injects an SNS client; used by tests.
func NewSNSProviderWithClient(client SNSAPI) *SNSProvider {
	return &SNSProvider{client: client}
}

// Name implements SMSProvider.
func (p *SNSProvider) Name() string { return "aws_sns" }

// Send implements SMSProvider.
func (p *SNSProvider) Send(ctx context.Context, phone, message string) (string, error) {
	result, err := p.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(phone),
		Message:     aws.String(message),
	})
	if err != nil {
		return "", fmt.Errorf("sns publish failed: %w", err)
	}
	return aws.ToString(result.MessageId), nil
}

// TwilioProvider sends SMS through the Twilio REST API.
type TwilioProvider struct {
	client     *http.Client
	baseURL    string
	accountSID string
	authToken  string
	from       string
}

// TwilioConfig configures the Twilio SMS provider.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string // override for tests; defaults to the Twilio API
}

// NewTwilioProvider creates a Twilio SMS provider.
func NewTwilioProvider(cfg TwilioConfig) *TwilioProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	return &TwilioProvider{
		client:     &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.From,
	}
}

// Name implements SMSProvider.
func (p *TwilioProvider) Name() string { return "twilio" }

// Send implements SMSProvider.
func (p *TwilioProvider) Send(ctx context.Context, phone, message string) (string, error) {
	form := url.Values{}
	form.Set("To", phone)
	form.Set("From", p.from)
	form.Set("Body", message)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", p.baseURL, p.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build twilio request: %w", err)
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("twilio request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("twilio returned %d: %s", resp.StatusCode, string(body))
	}

	return extractJSONField(body, "sid"), nil
}

// LogSMSProvider logs instead of sending; development and tests.
type LogSMSProvider struct {
	Logger *zap.Logger
}

// Name implements SMSProvider.
func (p *LogSMSProvider) Name() string { return "log" }

// Send implements SMSProvider.
func (p *LogSMSProvider) Send(_ context.Context, phone, message string) (string, error) {
	p.Logger.Info("sms logged (development mode)",
		zap.String("phone", phone),
		zap.String("message", message),
	)
	return "log-" + phone, nil
}

// NewSMSProvider selects the provider named in configuration.
func NewSMSProvider(ctx context.Context, name, awsRegion string, twilio TwilioConfig, logger *zap.Logger) (SMSProvider, error) {
	switch name {
	case "aws_sns":
		return NewSNSProvider(ctx, awsRegion)
	case "twilio":
		return NewTwilioProvider(twilio), nil
	case "log", "":
		return &LogSMSProvider{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown sms provider: %s", name)
	}
}
