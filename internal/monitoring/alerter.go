package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/claimguardian/ingest-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertStaleSource     AlertType = "stale_source"
	AlertSourceDisabled  AlertType = "source_disabled"
	AlertDeadLetterDepth AlertType = "dead_letter_depth"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a HealthSnapshot against configured thresholds and sends
// alerts via webhook when thresholds are breached.
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

// Evaluate checks the snapshot and returns any alerts.
func (a *Alerter) Evaluate(snap *HealthSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	for _, src := range snap.Sources {
		if src.Stale {
			alerts = append(alerts, Alert{
				Type:     AlertStaleSource,
				Severity: "high",
				Message: fmt.Sprintf("Source %s has not succeeded in %s (%d consecutive failures)",
					src.ID, src.SinceSuccess, src.ConsecutiveFailures),
				Details: map[string]any{
					"source_id":            src.ID,
					"family":               string(src.Family),
					"consecutive_failures": src.ConsecutiveFailures,
				},
				Timestamp: now,
			})
		}
		if src.Disabled {
			alerts = append(alerts, Alert{
				Type:     AlertSourceDisabled,
				Severity: "high",
				Message: fmt.Sprintf("Source %s is disabled after %d schema failures; needs a connector fix and manual re-enable",
					src.ID, src.SchemaFailures),
				Details: map[string]any{
					"source_id":       src.ID,
					"schema_failures": src.SchemaFailures,
				},
				Timestamp: now,
			})
		}
	}

	if a.cfg.DeadLetterThreshold > 0 && snap.Queue.Dead >= a.cfg.DeadLetterThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDeadLetterDepth,
			Severity: "high",
			Message: fmt.Sprintf("Dead-letter depth %d exceeds threshold %d",
				snap.Queue.Dead, a.cfg.DeadLetterThreshold),
			Details: map[string]any{
				"dead":    snap.Queue.Dead,
				"pending": snap.Queue.Pending,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
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
