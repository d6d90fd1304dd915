// Package transport delivers chat replies. The webhook transport posts each
// message to a bridge that relays it into the chat; the log transport only
// writes it to the log.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/masa-finance/ledger-relay/api/types"
	"github.com/masa-finance/ledger-relay/internal/metrics"
)

const (
	Name = "chat_transport"

	DefaultTimeout       = 10 * time.Second
	DefaultHealthTimeout = 5 * time.Second

	maxErrorBody = 512
)

var (
	// ErrNoWebhook is returned when no webhook URL is configured
	ErrNoWebhook = errors.New("chat webhook url not configured")

	// ErrEmptyTarget is returned for messages without a destination chat
	ErrEmptyTarget = errors.New("empty target")

	// ErrSendFailed is returned when the webhook answers with a non-2xx status
	ErrSendFailed = errors.New("send failed")
)

type Config struct {
	WebhookURL string
	// Token, when set, is sent as a bearer token with every request.
	Token         string
	Timeout       time.Duration
	HealthTimeout time.Duration
}

type outgoingMessage struct {
	Target  string `json:"target"`
	Message string `json:"message"`
}

type Webhook struct {
	cfg  Config
	http *http.Client
}

func NewWebhook(cfg Config) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	return &Webhook{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// Send posts message for target to the webhook. Any non-2xx answer is a
// failed send.
func (w *Webhook) Send(ctx context.Context, target, message string) error {
	err := w.send(ctx, target, message)
	metrics.MessagesSent.WithLabelValues(metrics.Outcome(err == nil)).Inc()
	log := logrus.WithField("target", target)
	if err != nil {
		log.WithError(err).Warn("Failed to deliver chat message")
		return err
	}
	log.Debug("Delivered chat message")
	return nil
}

func (w *Webhook) send(ctx context.Context, target, message string) error {
	if w.cfg.WebhookURL == "" {
		return ErrNoWebhook
	}
	if target == "" {
		return ErrEmptyTarget
	}

	data, err := json.Marshal(outgoingMessage{Target: target, Message: message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.WebhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	w.authorize(req)

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting to webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: status %d: %s", ErrSendFailed, resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

func (w *Webhook) authorize(req *http.Request) {
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
}

// CheckHealth probes the webhook with a HEAD request. Any answer below 500
// means the bridge is reachable.
func (w *Webhook) CheckHealth() types.HealthResult {
	start := time.Now()
	result := w.checkHealth()
	result.ResponseTime = time.Since(start)
	return result
}

func (w *Webhook) checkHealth() types.HealthResult {
	if w.cfg.WebhookURL == "" {
		return types.Unhealthy(ErrNoWebhook.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.cfg.WebhookURL, nil)
	if err != nil {
		return types.Unhealthy(fmt.Sprintf("invalid webhook url: %v", err))
	}
	w.authorize(req)

	resp, err := w.http.Do(req)
	if err != nil {
		return types.HealthResult{
			Status:  types.HealthUnhealthy,
			Message: fmt.Sprintf("webhook not reachable: %v", err),
			Details: map[string]any{"webhook_url": w.cfg.WebhookURL},
		}
	}
	resp.Body.Close()

	details := map[string]any{"webhook_url": w.cfg.WebhookURL, "status_code": resp.StatusCode}
	if resp.StatusCode >= 500 {
		return types.HealthResult{
			Status:  types.HealthDegraded,
			Message: fmt.Sprintf("webhook answered %d", resp.StatusCode),
			Details: details,
		}
	}
	return types.HealthResult{Status: types.HealthHealthy, Message: "webhook reachable", Details: details}
}
