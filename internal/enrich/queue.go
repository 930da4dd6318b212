// Package enrich runs background Tier-3 passes over a collection: eligible
// items are ranked, then promoted one at a time until the item cap or the
// budget is reached.
package enrich

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/transcript-engine/internal/config"
	"github.com/sells-group/transcript-engine/internal/cost"
	"github.com/sells-group/transcript-engine/internal/escalation"
	"github.com/sells-group/transcript-engine/internal/model"
	"github.com/sells-group/transcript-engine/internal/resilience"
	"github.com/sells-group/transcript-engine/internal/store"
)

// ErrPassInProgress is returned when another pass holds the collection lock.
var ErrPassInProgress = eris.New("enrich: background pass already running for collection")

// StopReason says why a pass ended.
type StopReason string

const (
	StopCompleted      StopReason = "completed"
	StopBudgetExceeded StopReason = "budget_exceeded"
	StopItemLimit      StopReason = "item_limit_reached"
	StopCancelled      StopReason = "cancelled"
)

// Promoter runs a single Tier-3 promotion.
type Promoter interface {
	Promote(ctx context.Context, itemID string, maxCostUSD float64) (*escalation.Result, error)
	Estimate(item model.Item) float64
	Reclaim(ctx context.Context) ([]string, error)
}

// Options bound one pass. Zero values fall back to configuration, except
// MaxBudgetUSD where only nil does: an explicit 0 spends nothing.
type Options struct {
	MaxItems     int      `json:"max_items"`
	MaxBudgetUSD *float64 `json:"max_budget_usd,omitempty"`
	Strategy     Strategy `json:"strategy"`
}

// Budget returns a MaxBudgetUSD value for Options.
func Budget(usd float64) *float64 { return &usd }

func (o Options) budget() float64 {
	if o.MaxBudgetUSD == nil {
		return 0
	}
	return max(*o.MaxBudgetUSD, 0)
}

// Report summarises one pass.
type Report struct {
	CollectionID  string             `json:"collection_id"`
	Strategy      Strategy           `json:"strategy"`
	Candidates    int                `json:"candidates"`
	Processed     int                `json:"processed"`
	Succeeded     int                `json:"succeeded"`
	Failed        int                `json:"failed"`
	Skipped       int                `json:"skipped"`
	TotalSpendUSD float64            `json:"total_spend_usd"`
	StopReason    StopReason         `json:"stop_reason"`
	Reclaimed     []string           `json:"reclaimed,omitempty"`
	Entries       []model.QueueEntry `json:"entries"`
	Duration      time.Duration      `json:"duration"`
}

// Queue runs background passes.
type Queue struct {
	store      store.Store
	promoter   Promoter
	defaults   Options
	itemDelay  time.Duration
	recency    time.Duration
	cooldown   time.Duration
	maxRetries int
	lockDir    string
	now        func() time.Time
}

// New creates a Queue.
func New(st store.Store, p Promoter, cfg config.EnrichConfig) *Queue {
	strategy, err := ParseStrategy(cfg.Strategy)
	if err != nil {
		zap.L().Warn("enrich: falling back to smart ranking", zap.Error(err))
		strategy = StrategySmart
	}
	lockDir := cfg.LockDir
	if lockDir == "" {
		lockDir = os.TempDir()
	}
	return &Queue{
		store:    st,
		promoter: p,
		defaults: Options{
			MaxItems:     cfg.MaxItems,
			MaxBudgetUSD: Budget(cfg.MaxBudgetUSD),
			Strategy:     strategy,
		},
		itemDelay:  time.Duration(cfg.ItemDelayMs) * time.Millisecond,
		recency:    time.Duration(cfg.RecencyWindowDays) * 24 * time.Hour,
		cooldown:   time.Duration(cfg.RetryCooldownMins) * time.Minute,
		maxRetries: cfg.MaxRetries,
		lockDir:    lockDir,
		now:        time.Now,
	}
}

func (q *Queue) withDefaults(opts Options) Options {
	if opts.MaxItems <= 0 {
		opts.MaxItems = q.defaults.MaxItems
	}
	if opts.MaxBudgetUSD == nil {
		opts.MaxBudgetUSD = q.defaults.MaxBudgetUSD
	}
	if opts.Strategy == "" {
		opts.Strategy = q.defaults.Strategy
	}
	return opts
}

// RunBackgroundPass promotes eligible items of collectionID sequentially.
// Budget and item cap are checked before every item; hitting either ends
// the pass normally with the matching StopReason. Only collection-level
// failures are returned as errors.
func (q *Queue) RunBackgroundPass(ctx context.Context, collectionID string, opts Options) (*Report, error) {
	start := q.now()
	opts = q.withDefaults(opts)
	if _, err := ParseStrategy(string(opts.Strategy)); err != nil {
		return nil, err
	}
	budget := opts.budget()
	log := zap.L().With(zap.String("collection", collectionID), zap.String("strategy", string(opts.Strategy)))

	unlock, err := q.lock(collectionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := q.store.GetCollection(ctx, collectionID); err != nil {
		return nil, eris.Wrapf(err, "enrich: load collection %s", collectionID)
	}

	rep := &Report{CollectionID: collectionID, Strategy: opts.Strategy, StopReason: StopCompleted}

	rep.Reclaimed, err = q.promoter.Reclaim(ctx)
	if err != nil {
		return nil, err
	}

	candidates, err := q.store.ListTier3Candidates(ctx, collectionID)
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: list candidates for %s", collectionID)
	}
	now := q.now()
	eligible := candidates[:0]
	for _, it := range candidates {
		if q.eligible(it, now) {
			eligible = append(eligible, it)
		}
	}
	rank(eligible, opts.Strategy, now, q.recency)
	rep.Candidates = len(eligible)

	log.Info("enrich: pass started",
		zap.Int("eligible", len(eligible)),
		zap.Int("max_items", opts.MaxItems),
		zap.Float64("max_budget_usd", budget),
	)

	var committed float64
	for i, it := range eligible {
		entry := model.QueueEntry{
			ItemID:           it.ID,
			Title:            it.Tier1.Title,
			Priority:         i + 1,
			EstimatedCostUSD: q.promoter.Estimate(it),
			RetryCount:       it.Tier3.Attempts,
		}

		if opts.MaxItems > 0 && rep.Processed >= opts.MaxItems {
			for _, rest := range eligible[i:] {
				rep.Entries = append(rep.Entries, model.QueueEntry{
					ItemID:           rest.ID,
					Title:            rest.Tier1.Title,
					EstimatedCostUSD: q.promoter.Estimate(rest),
					RetryCount:       rest.Tier3.Attempts,
					State:            model.QueueSkippedLimit,
				})
				rep.Skipped++
			}
			rep.StopReason = StopItemLimit
			break
		}
		if committed+entry.EstimatedCostUSD > budget {
			entry.State = model.QueueSkippedBudget
			rep.Entries = append(rep.Entries, entry)
			rep.Skipped++
			rep.StopReason = StopBudgetExceeded
			break
		}

		if rep.Processed > 0 {
			if err := resilience.Sleep(ctx, q.itemDelay); err != nil {
				rep.StopReason = StopCancelled
				break
			}
		}

		res, err := q.promoter.Promote(ctx, it.ID, budget-committed)
		var over *cost.OverBudgetError
		switch {
		case errors.As(err, &over):
			// Real audio turned out longer than estimated; nothing was spent.
			entry.State = model.QueueSkippedBudget
			entry.EstimatedCostUSD = over.CostUSD
			rep.Skipped++
			rep.StopReason = StopBudgetExceeded
			log.Warn("enrich: measured audio exceeds remaining budget",
				zap.String("item", it.ID),
				zap.Float64("cost_usd", over.CostUSD),
				zap.Float64("remaining_usd", over.LimitUSD),
			)
		case errors.Is(err, escalation.ErrInProgress):
			entry.State = model.QueueSkippedBusy
			rep.Skipped++
		case err != nil:
			entry.State = model.QueueFailed
			entry.Error = err.Error()
			rep.Processed++
			rep.Failed++
			log.Warn("enrich: promotion failed", zap.String("item", it.ID), zap.Error(err))
		case res.Cached:
			// Another worker finished it between listing and claiming.
			entry.State = model.QueueSkippedBusy
			rep.Skipped++
		default:
			entry.State = model.QueueSucceeded
			if res.Transcript != nil {
				entry.ActualCostUSD = res.Transcript.CostUSD
			}
			rep.Processed++
			rep.Succeeded++
			rep.TotalSpendUSD += entry.ActualCostUSD
			committed += max(entry.ActualCostUSD, entry.EstimatedCostUSD)
		}
		rep.Entries = append(rep.Entries, entry)
		if rep.StopReason == StopBudgetExceeded {
			break
		}

		if ctx.Err() != nil {
			rep.StopReason = StopCancelled
			break
		}
	}

	rep.Duration = q.now().Sub(start)
	log.Info("enrich: pass finished",
		zap.String("stop_reason", string(rep.StopReason)),
		zap.Int("processed", rep.Processed),
		zap.Int("succeeded", rep.Succeeded),
		zap.Int("failed", rep.Failed),
		zap.Int("skipped", rep.Skipped),
		zap.Float64("spend_usd", rep.TotalSpendUSD),
	)
	if rep.StopReason == StopCancelled {
		return rep, eris.Wrap(ctx.Err(), "enrich: pass cancelled")
	}
	return rep, nil
}

// eligible applies the retry policy on top of the store's candidate query.
func (q *Queue) eligible(it model.Item, now time.Time) bool {
	switch it.Tier3.State {
	case model.Tier3NotStarted, "":
		return true
	case model.Tier3Failed:
		if q.maxRetries > 0 && it.Tier3.Attempts >= q.maxRetries {
			return false
		}
		return it.Tier3.CooledDown(now, q.cooldown)
	default:
		return false
	}
}

var unsafeLockChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// lock takes the per-collection file lock so only one pass runs at a time,
// across processes sharing lockDir.
func (q *Queue) lock(collectionID string) (func(), error) {
	if err := os.MkdirAll(q.lockDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "enrich: create lock dir")
	}
	path := filepath.Join(q.lockDir, "enrich-"+unsafeLockChars.ReplaceAllString(collectionID, "_")+".lock")
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: lock %s", path)
	}
	if !ok {
		return nil, eris.Wrapf(ErrPassInProgress, "collection %s", collectionID)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			zap.L().Warn("enrich: failed to release lock", zap.String("path", path), zap.Error(err))
		}
	}, nil
}
