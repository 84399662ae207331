package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS)

	// SMS provider: aws_sns, twilio, or log
	SMSProvider      string
	SMSCountryCode   string // default country code for number normalization
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string // sender number

	// Push provider: fcm, onesignal, or log
	PushProvider    string
	FCMServerKey    string
	OneSignalAppID  string
	OneSignalAPIKey string

	// WhatsApp Cloud API (inbound webhooks + outbound auto-replies)
	WhatsAppPhoneNumberID string
	WhatsAppAccessToken   string
	WhatsAppVerifyToken   string // webhook subscription verification

	// Webhook signing
	WebhookDefaultSecret string // fallback for orgs without a per-org secret

	// Payment gateway webhook secrets; a missing secret disables that
	// gateway's endpoint.
	StripeWebhookSecret   string
	MidtransWebhookSecret string
	XenditWebhookSecret   string

	// Billing
	SweepSchedule string // cron expression for the overdue sweep

	// Workers
	WorkerConcurrency int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "relaydesk",
		DBPassword: "",
		DBName:     "relaydesk",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@relaydesk.local",

		SMSProvider:    "log",
		SMSCountryCode: "1",
		PushProvider:   "log",

		SweepSchedule:     "0 2 * * *", // 02:00 daily
		WorkerConcurrency: 4,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	// SMS config
	if provider := os.Getenv("SMS_PROVIDER"); provider != "" {
		cfg.SMSProvider = provider
	}

	if code := os.Getenv("SMS_COUNTRY_CODE"); code != "" {
		cfg.SMSCountryCode = code
	}

	if sid := os.Getenv("TWILIO_ACCOUNT_SID"); sid != "" {
		cfg.TwilioAccountSID = sid
	}

	if token := os.Getenv("TWILIO_AUTH_TOKEN"); token != "" {
		cfg.TwilioAuthToken = token
	}

	if from := os.Getenv("TWILIO_FROM"); from != "" {
		cfg.TwilioFrom = from
	}

	// Push config
	if provider := os.Getenv("PUSH_PROVIDER"); provider != "" {
		cfg.PushProvider = provider
	}

	if key := os.Getenv("FCM_SERVER_KEY"); key != "" {
		cfg.FCMServerKey = key
	}

	if appID := os.Getenv("ONESIGNAL_APP_ID"); appID != "" {
		cfg.OneSignalAppID = appID
	}

	if key := os.Getenv("ONESIGNAL_API_KEY"); key != "" {
		cfg.OneSignalAPIKey = key
	}

	// WhatsApp config
	if id := os.Getenv("WHATSAPP_PHONE_NUMBER_ID"); id != "" {
		cfg.WhatsAppPhoneNumberID = id
	}

	if token := os.Getenv("WHATSAPP_ACCESS_TOKEN"); token != "" {
		cfg.WhatsAppAccessToken = token
	}

	if token := os.Getenv("WHATSAPP_VERIFY_TOKEN"); token != "" {
		cfg.WhatsAppVerifyToken = token
	}

	if secret := os.Getenv("WEBHOOK_DEFAULT_SECRET"); secret != "" {
		cfg.WebhookDefaultSecret = secret
	}

	// Payment gateway secrets
	if secret := os.Getenv("STRIPE_WEBHOOK_SECRET"); secret != "" {
		cfg.StripeWebhookSecret = secret
	}

	if secret := os.Getenv("MIDTRANS_WEBHOOK_SECRET"); secret != "" {
		cfg.MidtransWebhookSecret = secret
	}

	if secret := os.Getenv("XENDIT_WEBHOOK_SECRET"); secret != "" {
		cfg.XenditWebhookSecret = secret
	}

	// Billing
	if schedule := os.Getenv("SWEEP_SCHEDULE"); schedule != "" {
		cfg.SweepSchedule = schedule
	}

	// Workers
	if n := os.Getenv("WORKER_CONCURRENCY"); n != "" {
		c, err := strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_CONCURRENCY: %w", err)
		}
		cfg.WorkerConcurrency = c
	}

	return cfg, nil
}

// GatewaySecret returns the webhook secret configured for a payment
// gateway, or "" when the gateway is not configured.
func (c *Config) GatewaySecret(gateway string) string {
	switch gateway {
	case "stripe":
		return c.StripeWebhookSecret
	case "midtrans":
		return c.MidtransWebhookSecret
	case "xendit":
		return c.XenditWebhookSecret
	default:
		return ""
	}
}
