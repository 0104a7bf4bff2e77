package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spons-match/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertReviewRate          AlertType = "review_rate"
	AlertUnmatchedRate       AlertType = "unmatched_rate"
	AlertCatalogueUnembedded AlertType = "catalogue_unembedded"
	AlertBreakerOpen         AlertType = "breaker_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
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

// Evaluate checks the snapshot against thresholds and returns any alerts.
// Rate alerts need at least MinSample finished line items.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	minSample := a.cfg.MinSample
	if minSample <= 0 {
		minSample = 5
	}
	finished := snap.Finished()

	if finished >= minSample && a.cfg.ReviewRateThreshold > 0 && snap.ReviewRate > a.cfg.ReviewRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertReviewRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"QS review rate %.1f%% exceeds threshold %.1f%% (%d of %d finished line items)",
				snap.ReviewRate*100, a.cfg.ReviewRateThreshold*100, snap.QSReview, finished,
			),
			Details: map[string]any{
				"review_rate": snap.ReviewRate,
				"threshold":   a.cfg.ReviewRateThreshold,
				"qs_review":   snap.QSReview,
				"finished":    finished,
			},
			Timestamp: now,
		})
	}

	if finished >= minSample && a.cfg.UnmatchedThreshold > 0 && snap.UnmatchedRate > a.cfg.UnmatchedThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertUnmatchedRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Unmatched rate %.1f%% exceeds threshold %.1f%% (%d of %d finished line items)",
				snap.UnmatchedRate*100, a.cfg.UnmatchedThreshold*100, snap.Unmatched, finished,
			),
			Details: map[string]any{
				"unmatched_rate": snap.UnmatchedRate,
				"threshold":      a.cfg.UnmatchedThreshold,
				"unmatched":      snap.Unmatched,
				"finished":       finished,
			},
			Timestamp: now,
		})
	}

	if missing := snap.CatalogueTotal - snap.CatalogueEmbedded; missing > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertCatalogueUnembedded,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d of %d catalogue items have no embedding; run `spons-match catalogue embed`",
				missing, snap.CatalogueTotal,
			),
			Details: map[string]any{
				"catalogue_total":    snap.CatalogueTotal,
				"catalogue_embedded": snap.CatalogueEmbedded,
			},
			Timestamp: now,
		})
	}

	if len(snap.OpenBreakers) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertBreakerOpen,
			Severity: "high",
			Message:  fmt.Sprintf("Circuit open for %s", strings.Join(snap.OpenBreakers, ", ")),
			Details: map[string]any{
				"services": snap.OpenBreakers,
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
