package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/transcript-engine/internal/config"
	"github.com/sells-group/transcript-engine/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertStrategyDegraded AlertType = "strategy_degraded"
	AlertBreakerOpen      AlertType = "breaker_open"
	AlertSpendThreshold   AlertType = "spend_threshold"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns a snapshot into alerts and delivers them to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     time.Second,
			Multiplier:     2,
		},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// A strategy the platform has started rejecting shows up as a falling
	// raw success rate long before every call fails.
	minAttempts := int64(max(a.cfg.MinAttempts, 1))
	for _, s := range snap.Strategies {
		attempts := s.Successes + s.Failures
		if a.cfg.StrategySuccessFloor <= 0 || attempts < minAttempts {
			continue
		}
		rate := float64(s.Successes) / float64(attempts)
		if rate >= a.cfg.StrategySuccessFloor {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertStrategyDegraded,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Strategy %s success rate %.1f%% is below floor %.1f%% (%d/%d attempts)",
				s.Name, rate*100, a.cfg.StrategySuccessFloor*100, s.Successes, attempts,
			),
			Details: map[string]any{
				"strategy":     s.Name,
				"success_rate": rate,
				"floor":        a.cfg.StrategySuccessFloor,
				"attempts":     attempts,
			},
			Timestamp: now,
		})
	}

	for _, name := range snap.OpenBreakers {
		alerts = append(alerts, Alert{
			Type:      AlertBreakerOpen,
			Severity:  "high",
			Message:   fmt.Sprintf("Strategy %s is out of rotation (circuit open)", name),
			Details:   map[string]any{"strategy": name},
			Timestamp: now,
		})
	}

	if a.cfg.SpendAlertUSD > 0 {
		ids := make([]string, 0, len(snap.CollectionSpend))
		for id := range snap.CollectionSpend {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			spend := snap.CollectionSpend[id]
			if spend <= a.cfg.SpendAlertUSD {
				continue
			}
			alerts = append(alerts, Alert{
				Type:     AlertSpendThreshold,
				Severity: "high",
				Message: fmt.Sprintf(
					"Transcription spend $%.2f on collection %s exceeds threshold $%.2f",
					spend, id, a.cfg.SpendAlertUSD,
				),
				Details: map[string]any{
					"collection_id": id,
					"spend_usd":     spend,
					"threshold_usd": a.cfg.SpendAlertUSD,
				},
				Timestamp: now,
			})
		}
	}

	return alerts
}

// SendAlerts posts each alert to the webhook, retrying transient failures.
// It returns how many were delivered.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		retry := a.retry
		retry.OnRetry = resilience.RetryLogger("webhook", string(alert.Type))
		if err := resilience.Do(ctx, retry, func(ctx context.Context) error {
			return a.post(ctx, alert)
		}); err != nil {
			zap.L().Error("monitoring: alert not delivered",
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

func (a *Alerter) post(ctx context.Context, alert Alert) error {
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
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
