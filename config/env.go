package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads a .env file into the process environment when present.
// Variables already set are not overwritten.
func LoadDotEnv(path string) {
	if path == "" {
		path = ".env"
	}
	_ = godotenv.Load(path)
}

// applyEnv overrides file values with environment variables. The RabbitMQ and
// queue names match the variables the deployment manifests already export.
func (c *Config) applyEnv(lookup LookupFunc) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	str("AUDIORELAY_DATA_DIR", &c.DataDir)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)

	str("BROKER_TRANSPORT", &c.Broker.Transport)
	str("RABBITMQ_URL", &c.Broker.URL)
	if c.Broker.URL == "" {
		if u := rabbitURL(lookup); u != "" {
			c.Broker.URL = u
		}
	}
	str("REDIS_ADDR", &c.Broker.RedisAddr)
	str("REDIS_PASSWORD", &c.Broker.RedisPassword)
	str("BROKER_CONSUMER_NAME", &c.Broker.ConsumerName)
	str("VIDEO_QUEUE", &c.Broker.VideoQueue)
	str("MP3_QUEUE", &c.Broker.AudioQueue)
	num("BROKER_CONNECT_ATTEMPTS", &c.Broker.ConnectAttempts)
	num("BROKER_CONNECT_DELAY_SECONDS", &c.Broker.ConnectDelaySeconds)

	str("BLOB_BACKEND", &c.Blob.Backend)
	str("BLOB_DIR", &c.Blob.Dir)
	str("S3_BUCKET", &c.Blob.S3.Bucket)
	str("S3_REGION", &c.Blob.S3.Region)
	str("AWS_ACCESS_KEY_ID", &c.Blob.S3.AccessKey)
	str("AWS_SECRET_ACCESS_KEY", &c.Blob.S3.SecretKey)
	str("GCS_BUCKET", &c.Blob.GCS.Bucket)
	str("GOOGLE_APPLICATION_CREDENTIALS", &c.Blob.GCS.CredentialsFile)

	str("GATEWAY_ADDR", &c.Gateway.Addr)
	str("JWT_SECRET", &c.Gateway.JWTSecret)
	str("JWT_ISSUER", &c.Gateway.JWTIssuer)

	str("SENTRY_DSN", &c.Sentry.DSN)
	str("SENTRY_ENVIRONMENT", &c.Sentry.Environment)

	str("CONVERTER_FORMAT", &c.Converter.Format)
	str("FFMPEG_PATH", &c.Converter.FFmpegPath)
	str("FFPROBE_PATH", &c.Converter.FFprobePath)

	str("NOTIFIER_TRANSPORT", &c.Notifier.Transport)
	str("SMTP_HOST", &c.Notifier.SMTP.Host)
	num("SMTP_PORT", &c.Notifier.SMTP.Port)
	str("GMAIL_ADDRESS", &c.Notifier.SMTP.Username)
	str("GMAIL_PASSWORD", &c.Notifier.SMTP.Password)
	str("SMTP_USERNAME", &c.Notifier.SMTP.Username)
	str("SMTP_PASSWORD", &c.Notifier.SMTP.Password)
	str("SMTP_FROM", &c.Notifier.SMTP.From)
	str("WEBHOOK_URL", &c.Notifier.Webhook.URL)
}

// rabbitURL assembles an AMQP URL from RABBITMQ_HOST/PORT/USER/PASSWORD.
// It returns "" when RABBITMQ_HOST is unset.
func rabbitURL(lookup LookupFunc) string {
	host, ok := lookup("RABBITMQ_HOST")
	if !ok || host == "" {
		return ""
	}
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return def
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(get("RABBITMQ_USER", "guest"), get("RABBITMQ_PASSWORD", "guest")),
		Host:   fmt.Sprintf("%s:%s", host, get("RABBITMQ_PORT", "5672")),
		Path:   "/",
	}
	return u.String()
}
