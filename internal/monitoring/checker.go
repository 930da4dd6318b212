package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/transcript-engine/internal/config"
)

// Checker runs periodic alert checks in the background. An alert is sent
// once per condition until the condition clears.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	mu     sync.Mutex
	active map[string]bool
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		active:    make(map[string]bool),
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx, log)
		}
	}
}

// Check collects once and sends alerts for newly breached conditions. It
// returns the alerts that were new this round.
func (c *Checker) Check(ctx context.Context, log *zap.Logger) []Alert {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil
	}

	fresh := c.dedupe(c.alerter.Evaluate(snap))
	if len(fresh) == 0 {
		log.Debug("monitoring: no new alerts")
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(fresh)),
		zap.Int("alerts_sent", sent),
	)
	return fresh
}

func (c *Checker) dedupe(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		key := alertKey(a)
		seen[key] = true
		if !c.active[key] {
			fresh = append(fresh, a)
		}
	}
	c.active = seen
	return fresh
}

func alertKey(a Alert) string {
	key := string(a.Type)
	if s, ok := a.Details["strategy"].(string); ok {
		key += ":" + s
	}
	if id, ok := a.Details["collection_id"].(string); ok {
		key += ":" + id
	}
	return key
}
