// Package notifier consumes completion jobs and tells the submitter their
// audio is ready.
package notifier

import (
	"context"
	"fmt"

	"audiorelay/config"
	"audiorelay/logger"
)

// Transport delivers one plain-text message.
type Transport interface {
	Send(ctx context.Context, to, subject, body string) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, to, subject, body string) error

func (f TransportFunc) Send(ctx context.Context, to, subject, body string) error {
	return f(ctx, to, subject, body)
}

// LogTransport writes messages to the log instead of delivering them.
type LogTransport struct{}

func (LogTransport) Send(_ context.Context, to, subject, body string) error {
	logger.Infof("notification (log transport): to=%s, subject=%q, body=%q", to, subject, body)
	return nil
}

// NewTransport builds the transport named by cfg.Transport.
func NewTransport(cfg config.NotifierConfig) (Transport, error) {
	switch cfg.Transport {
	case "smtp":
		return NewSMTP(cfg.SMTP)
	case "webhook":
		return NewWebhook(cfg.Webhook), nil
	case "log":
		return LogTransport{}, nil
	default:
		return nil, fmt.Errorf("unknown notifier transport %q", cfg.Transport)
	}
}
