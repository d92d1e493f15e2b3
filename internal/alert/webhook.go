// Package alert delivers critical-scan notifications to a Slack-compatible
// incoming webhook. Delivery is best-effort by contract: the scan saga
// records failures without failing the run.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/scan"
)

// Config configures the webhook sink.
type Config struct {
	// WebhookURL is the Slack-compatible incoming webhook endpoint. Webhook
	// URLs embed a credential, so the whole URL is treated as a secret.
	WebhookURL config.Secret `koanf:"webhook_url"`

	// Channel overrides the webhook's default channel, if not empty.
	Channel string `koanf:"channel"`

	// Username is the sender name shown with the message.
	// Default: "remedyd"
	Username string `koanf:"username"`

	// RequestsPerMinute throttles deliveries.
	// Default: 60
	RequestsPerMinute int `koanf:"requests_per_minute"`

	// RequestTimeout bounds one delivery attempt.
	// Default: 10 seconds
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Username == "" {
		c.Username = "remedyd"
	}
	if c.RequestsPerMinute == 0 {
		c.RequestsPerMinute = 60
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// Validate validates the sink configuration.
func (c *Config) Validate() error {
	if !c.WebhookURL.IsSet() {
		return fmt.Errorf("webhook url is required")
	}
	return nil
}

// message is the webhook payload shape.
type message struct {
	Text     string `json:"text"`
	Channel  string `json:"channel,omitempty"`
	Username string `json:"username,omitempty"`
}

// WebhookSink posts formatted critical-alert messages to the webhook.
type WebhookSink struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logging.Logger
}

var _ scan.AlertSink = (*WebhookSink)(nil)

// NewWebhookSink creates the sink.
func NewWebhookSink(cfg Config, logger *logging.Logger) (*WebhookSink, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &WebhookSink{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
		logger:     logger.Named("alert"),
	}, nil
}

// SendCriticalAlert posts the alert to the webhook. Non-2xx responses are
// errors so the saga's retry policy gets a say.
func (s *WebhookSink) SendCriticalAlert(ctx context.Context, alert scan.CriticalAlert) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(message{
		Text:     formatAlert(alert),
		Channel:  s.cfg.Channel,
		Username: s.cfg.Username,
	})
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL.Value(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post alert webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}

	s.logger.Info(ctx, "critical alert delivered",
		zap.String("scan_id", alert.ScanID),
		zap.Int("critical_issues", alert.Report.CriticalIssues),
	)
	return nil
}

// formatAlert renders the webhook message text.
func formatAlert(alert scan.CriticalAlert) string {
	var b strings.Builder
	b.WriteString(":rotating_light: *Critical vulnerabilities found*\n")
	fmt.Fprintf(&b, "Scan `%s`", alert.ScanID)
	if alert.RepoURL != "" {
		fmt.Fprintf(&b, " of %s", alert.RepoURL)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Critical issues: *%d* of %d total\n",
		alert.Report.CriticalIssues, alert.Report.TotalIssues)
	b.WriteString("Triage immediately.")
	return b.String()
}
