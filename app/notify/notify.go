// Package notify delivers job settlement callbacks to webhook destinations
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
)

// Notifier defines the subset of go-pkgz/notify used by the service
type Notifier interface {
	Send(ctx context.Context, destination, text string) error
}

// Service posts JSON payloads to caller-provided callback URLs
type Service struct {
	webhook Notifier
	timeout time.Duration
}

// NewService makes a webhook callback sender
func NewService(timeout time.Duration) *Service {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	wh := notify.NewWebhook(notify.WebhookParams{
		Timeout: timeout,
		Headers: []string{"Content-Type:application/json"},
	})
	return &Service{webhook: wh, timeout: timeout}
}

// Send marshals the payload and posts it to url. Delivery failures are the
// caller's to log, nothing is retried here.
func (s *Service) Send(ctx context.Context, url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("can't marshal callback payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	log.Printf("[DEBUG] sending callback to %s", url)
	if err := s.webhook.Send(ctx, url, string(data)); err != nil {
		return fmt.Errorf("callback to %s failed: %w", url, err)
	}
	return nil
}
