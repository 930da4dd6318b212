package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/transcript-engine/internal/engine"
	"github.com/sells-group/transcript-engine/internal/model"
)

// MetricsSnapshot holds a point-in-time view of acquisition health.
type MetricsSnapshot struct {
	// Strategy metrics since process start.
	Strategies   []engine.StrategyHealth `json:"strategies"`
	OpenBreakers []string                `json:"open_breakers,omitempty"`

	// Collection metrics.
	Collections     int                `json:"collections"`
	Items           int                `json:"items"`
	Tier2Items      int                `json:"tier2_items"`
	LowCaption      []string           `json:"low_caption,omitempty"`
	TotalSpendUSD   float64            `json:"total_spend_usd"`
	CollectionSpend map[string]float64 `json:"collection_spend"`

	CollectedAt time.Time `json:"collected_at"`
}

// Tier2Coverage returns the share of known items holding scraped captions.
func (s *MetricsSnapshot) Tier2Coverage() float64 {
	if s.Items == 0 {
		return 0
	}
	return float64(s.Tier2Items) / float64(s.Items)
}

// Source is what the collector reads from; *engine.Engine satisfies it.
type Source interface {
	StrategyStats() []engine.StrategyHealth
	Collections(ctx context.Context) ([]model.Collection, error)
}

// Collector gathers metrics from the engine.
type Collector struct {
	source Source
}

// NewCollector creates a new metrics collector.
func NewCollector(src Source) *Collector {
	return &Collector{source: src}
}

// Collect gathers a snapshot of strategy and spend metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		Strategies:      c.source.StrategyStats(),
		CollectionSpend: make(map[string]float64),
		CollectedAt:     time.Now().UTC(),
	}

	for _, s := range snap.Strategies {
		if s.Breaker == "open" {
			snap.OpenBreakers = append(snap.OpenBreakers, s.Name)
		}
	}

	colls, err := c.source.Collections(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list collections")
	}
	snap.Collections = len(colls)
	for _, col := range colls {
		snap.Items += col.ItemCount
		snap.Tier2Items += col.Tier2Count
		snap.TotalSpendUSD += col.TotalSpendUSD
		snap.CollectionSpend[col.ID] = col.TotalSpendUSD
		if col.LowCaptionAvailability {
			snap.LowCaption = append(snap.LowCaption, col.ID)
		}
	}

	return snap, nil
}
