package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/algotips/leadsdb/internal/config"
	"github.com/algotips/leadsdb/internal/trigger"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertTriggerFailureRate AlertType = "trigger_failure_rate"
	AlertMailFailures       AlertType = "mail_failures"
)

// minEvaluated is the smallest run whose failure rate is meaningful.
const minEvaluated = 5

// Alert represents a single alert to be sent.
type Alert struct {
	ID        string         `json:"id"`
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	RunID     string         `json:"run_id"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates trigger run reports against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks a run report against thresholds and returns any alerts.
func (a *Alerter) Evaluate(r trigger.Report) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if r.Evaluated >= minEvaluated {
		rate := float64(r.Failed) / float64(r.Evaluated)
		if rate > a.cfg.FailureRateThreshold {
			alerts = append(alerts, Alert{
				ID:       uuid.NewString(),
				Type:     AlertTriggerFailureRate,
				Severity: "high",
				Message: fmt.Sprintf(
					"Trigger failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d evaluated)",
					rate*100, a.cfg.FailureRateThreshold*100, r.Failed, r.Evaluated,
				),
				RunID: r.RunID,
				Details: map[string]any{
					"failure_rate": rate,
					"threshold":    a.cfg.FailureRateThreshold,
					"failed":       r.Failed,
					"evaluated":    r.Evaluated,
				},
				Timestamp: now,
			})
		}
	}

	if a.cfg.MailFailureThreshold > 0 && r.MailFailed > a.cfg.MailFailureThreshold {
		alerts = append(alerts, Alert{
			ID:       uuid.NewString(),
			Type:     AlertMailFailures,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d alert mail(s) failed to send, threshold %d",
				r.MailFailed, a.cfg.MailFailureThreshold,
			),
			RunID: r.RunID,
			Details: map[string]any{
				"mail_failed": r.MailFailed,
				"sent":        r.Sent,
				"threshold":   a.cfg.MailFailureThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// Send delivers alerts to the configured webhook URL and returns how many
// were accepted. Without a webhook the alerts are only logged.
func (a *Alerter) Send(ctx context.Context, alerts []Alert) int {
	if len(alerts) == 0 {
		return 0
	}
	if a.cfg.WebhookURL == "" {
		for _, alert := range alerts {
			zap.L().Warn("monitoring: alert raised",
				zap.String("type", string(alert.Type)),
				zap.String("run_id", alert.RunID),
				zap.String("message", alert.Message),
			)
		}
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
