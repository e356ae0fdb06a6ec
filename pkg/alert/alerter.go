// Package alert provides common alerting interfaces and implementations.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mattiacalastri/btc-predictions/pkg/logger"
)

// Severity represents alert severity levels.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert represents an alert message.
type Alert struct {
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	Severity    Severity          `json:"severity"`
	Source      string            `json:"source"`
	Environment string            `json:"environment"`
	Tags        map[string]string `json:"tags,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Alerter is the interface for sending alerts.
type Alerter interface {
	// Send sends an alert synchronously.
	Send(ctx context.Context, alert *Alert) error

	// SendAsync queues an alert for delivery without blocking the caller.
	SendAsync(ctx context.Context, alert *Alert)
}

// Config holds alerter configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Environment string `yaml:"environment"`
	ServiceName string `yaml:"service_name"`

	// Webhook configuration. Type "telegram" posts sendMessage payloads
	// (WebhookURL must include the bot token path and TelegramChatID must be
	// set); anything else posts the raw Alert JSON.
	WebhookURL     string `yaml:"webhook_url"`
	WebhookType    string `yaml:"webhook_type"` // telegram, generic
	TelegramChatID string `yaml:"telegram_chat_id"`
	WebhookTimeout int    `yaml:"webhook_timeout"`

	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// webhookAlerter implements Alerter using webhooks.
type webhookAlerter struct {
	cfg    *Config
	client *http.Client

	mu           sync.Mutex
	alertCount   int
	windowStart  time.Time
	asyncAlertCh chan *Alert
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// NewAlerter creates a new alerter based on configuration. A disabled or nil
// config yields a no-op alerter so call sites never need to nil-check.
func NewAlerter(cfg *Config) Alerter {
	if cfg == nil || !cfg.Enabled || cfg.WebhookURL == "" {
		return &noopAlerter{}
	}

	timeout := 10 * time.Second
	if cfg.WebhookTimeout > 0 {
		timeout = time.Duration(cfg.WebhookTimeout) * time.Second
	}

	a := &webhookAlerter{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
		},
		windowStart:  time.Now(),
		asyncAlertCh: make(chan *Alert, 100),
		stopCh:       make(chan struct{}),
	}

	a.wg.Add(1)
	go a.asyncWorker()

	return a
}

func (a *webhookAlerter) Send(ctx context.Context, alert *Alert) error {
	if !a.checkRateLimit() {
		logger.Warn("alert rate limited",
			zap.String("title", alert.Title),
			zap.String("severity", string(alert.Severity)))
		return nil
	}

	a.stamp(alert)
	return a.sendWebhook(ctx, alert)
}

func (a *webhookAlerter) SendAsync(ctx context.Context, alert *Alert) {
	a.stamp(alert)

	select {
	case a.asyncAlertCh <- alert:
	default:
		logger.Warn("alert channel full, dropping alert",
			zap.String("title", alert.Title))
	}
}

func (a *webhookAlerter) stamp(alert *Alert) {
	alert.Source = a.cfg.ServiceName
	alert.Environment = a.cfg.Environment
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
}

func (a *webhookAlerter) asyncWorker() {
	defer a.wg.Done()

	for {
		select {
		case <-a.stopCh:
			return
		case alert := <-a.asyncAlertCh:
			if a.checkRateLimit() {
				if err := a.sendWebhook(context.Background(), alert); err != nil {
					logger.Error("async alert send failed",
						zap.String("title", alert.Title),
						zap.Error(err))
				}
			}
		}
	}
}

func (a *webhookAlerter) checkRateLimit() bool {
	if a.cfg.RateLimitPerMinute <= 0 {
		return true
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if now.Sub(a.windowStart) > time.Minute {
		a.windowStart = now
		a.alertCount = 0
	}

	if a.alertCount >= a.cfg.RateLimitPerMinute {
		return false
	}

	a.alertCount++
	return true
}

func (a *webhookAlerter) sendWebhook(ctx context.Context, alert *Alert) error {
	var payload []byte
	var err error

	switch a.cfg.WebhookType {
	case "telegram":
		payload, err = a.formatTelegram(alert)
	default:
		payload, err = json.Marshal(alert)
	}

	if err != nil {
		return fmt.Errorf("format alert failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// formatTelegram formats the alert as a Telegram sendMessage payload.
func (a *webhookAlerter) formatTelegram(alert *Alert) ([]byte, error) {
	icon := "ℹ️"
	switch alert.Severity {
	case SeverityWarning:
		icon = "⚠️"
	case SeverityCritical:
		icon = "🚨"
	}

	text := fmt.Sprintf("%s <b>%s</b>\n\n%s", icon, alert.Title, alert.Message)
	if len(alert.Tags) > 0 {
		text += "\n"
		for k, v := range alert.Tags {
			text += fmt.Sprintf("\n%s: %s", k, v)
		}
	}

	payload := map[string]interface{}{
		"chat_id":    a.cfg.TelegramChatID,
		"text":       text,
		"parse_mode": "HTML",
	}

	return json.Marshal(payload)
}

// Close stops the async worker.
func (a *webhookAlerter) Close() {
	close(a.stopCh)
	a.wg.Wait()
}

// noopAlerter drops all alerts.
type noopAlerter struct{}

func (n *noopAlerter) Send(ctx context.Context, alert *Alert) error { return nil }
func (n *noopAlerter) SendAsync(ctx context.Context, alert *Alert)  {}
