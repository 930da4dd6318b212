package enrich

import (
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/transcript-engine/internal/model"
)

// Strategy selects how eligible items are ordered.
type Strategy string

const (
	StrategySmart    Strategy = "smart"
	StrategyNewest   Strategy = "newest"
	StrategyShortest Strategy = "shortest"
)

// ParseStrategy validates a strategy name. Empty means smart.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategySmart:
		return StrategySmart, nil
	case StrategyNewest, StrategyShortest:
		return Strategy(s), nil
	default:
		return "", eris.Errorf("enrich: unknown strategy %q (want smart, newest or shortest)", s)
	}
}

// rank orders items in place. Smart puts items without scraped captions
// first, then recent uploads, then shorter (cheaper) items.
func rank(items []model.Item, s Strategy, now time.Time, recency time.Duration) {
	newer := func(a, b model.Item) bool {
		if !a.Tier1.PublishedAt.Equal(b.Tier1.PublishedAt) {
			return a.Tier1.PublishedAt.After(b.Tier1.PublishedAt)
		}
		return a.ID < b.ID
	}
	shorter := func(a, b model.Item) bool {
		da, db := sortDuration(a), sortDuration(b)
		if da != db {
			return da < db
		}
		return a.ID < b.ID
	}

	switch s {
	case StrategyNewest:
		sort.SliceStable(items, func(i, j int) bool { return newer(items[i], items[j]) })
	case StrategyShortest:
		sort.SliceStable(items, func(i, j int) bool { return shorter(items[i], items[j]) })
	default:
		sort.SliceStable(items, func(i, j int) bool {
			a, b := items[i], items[j]
			if fa, fb := missedTier2(a), missedTier2(b); fa != fb {
				return fa
			}
			if ra, rb := recent(a, now, recency), recent(b, now, recency); ra != rb {
				return ra
			}
			return shorter(a, b)
		})
	}
}

// missedTier2 reports whether captions were sought and not found, which
// leaves the item with Tier-1 only.
func missedTier2(it model.Item) bool {
	return !it.HasTier2() && (it.Tier2Status == model.Tier2StatusUnavailable || it.Tier2Status == model.Tier2StatusSkipped)
}

func recent(it model.Item, now time.Time, window time.Duration) bool {
	if window <= 0 || it.Tier1.PublishedAt.IsZero() {
		return false
	}
	return now.Sub(it.Tier1.PublishedAt) <= window
}

// sortDuration puts unknown durations last.
func sortDuration(it model.Item) int {
	if it.Tier1.DurationSeconds <= 0 {
		return math.MaxInt
	}
	return it.Tier1.DurationSeconds
}
