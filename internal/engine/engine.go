// Package engine wires the racer, the ingestion coordinator, the escalator
// and the background queue over one store. Each Engine owns its caches,
// counters and breakers, so independent instances never share state.
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/transcript-engine/internal/config"
	"github.com/sells-group/transcript-engine/internal/enrich"
	"github.com/sells-group/transcript-engine/internal/escalation"
	"github.com/sells-group/transcript-engine/internal/ingest"
	"github.com/sells-group/transcript-engine/internal/listing"
	"github.com/sells-group/transcript-engine/internal/model"
	"github.com/sells-group/transcript-engine/internal/racer"
	"github.com/sells-group/transcript-engine/internal/store"
	"github.com/sells-group/transcript-engine/internal/strategy"
)

// Components are the collaborators an Engine is assembled from.
type Components struct {
	Store    store.Store
	Lister   listing.Lister
	Registry *strategy.Registry
	Acquirer escalation.Acquirer
}

// StrategyHealth is a strategy's counters with its breaker state.
type StrategyHealth struct {
	Name        string  `json:"name"`
	Priority    int     `json:"priority"`
	Successes   int64   `json:"successes"`
	Failures    int64   `json:"failures"`
	SuccessRate float64 `json:"success_rate"`
	Breaker     string  `json:"breaker"`
}

// Engine is the entry point for the exposed operations.
type Engine struct {
	store     store.Store
	racer     *racer.Racer
	ingest    *ingest.Coordinator
	escalator *escalation.Escalator
	queue     *enrich.Queue

	mu      sync.Mutex
	touched map[string]struct{}
}

// New assembles an Engine from c.
func New(cfg *config.Config, c Components, opts ...racer.Option) *Engine {
	r := racer.New(c.Registry, cfg.Racer, opts...)
	esc := escalation.New(c.Store, c.Acquirer, cfg.Escalation)
	return &Engine{
		store:     c.Store,
		racer:     r,
		ingest:    ingest.New(c.Lister, r, c.Store, cfg.Ingest),
		escalator: esc,
		queue:     enrich.New(c.Store, esc, cfg.Enrich),
		touched:   make(map[string]struct{}),
	}
}

// Store returns the engine's store.
func (e *Engine) Store() store.Store { return e.store }

// GetItem returns every tier stored for itemID.
func (e *Engine) GetItem(ctx context.Context, itemID string) (*model.Item, error) {
	it, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: get item %s", itemID)
	}
	return it, nil
}

// GetCollection returns the stored collection summary.
func (e *Engine) GetCollection(ctx context.Context, collectionID string) (*model.Collection, error) {
	c, err := e.store.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: get collection %s", collectionID)
	}
	return c, nil
}

// Escalate promotes itemID to Tier-3, or returns the stored result.
func (e *Engine) Escalate(ctx context.Context, itemID string) (*escalation.Result, error) {
	res, err := e.escalator.Escalate(ctx, itemID)
	if res != nil || err == nil {
		if it, gerr := e.store.GetItem(ctx, itemID); gerr == nil {
			e.touch(it.CollectionID)
		}
	}
	return res, err
}

// Ingest imports collectionID.
func (e *Engine) Ingest(ctx context.Context, collectionID string) (*ingest.Report, error) {
	rep, err := e.ingest.Ingest(ctx, collectionID)
	if err == nil {
		e.touch(collectionID)
	}
	return rep, err
}

// RunBackgroundPass runs one budgeted Tier-3 pass over collectionID.
func (e *Engine) RunBackgroundPass(ctx context.Context, collectionID string, opts enrich.Options) (*enrich.Report, error) {
	rep, err := e.queue.RunBackgroundPass(ctx, collectionID, opts)
	if rep != nil {
		e.touch(collectionID)
	}
	return rep, err
}

// Reclaim moves items stuck in processing back to failed.
func (e *Engine) Reclaim(ctx context.Context) ([]string, error) {
	ids, err := e.escalator.Reclaim(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		zap.L().Info("engine: reclaimed stale tier3 items", zap.Int("count", len(ids)))
	}
	return ids, nil
}

// StrategyStats reports every registered strategy in current rank order.
func (e *Engine) StrategyStats() []StrategyHealth {
	reg := e.racer.Registry()
	stats := e.racer.Stats()
	breakers := e.racer.BreakerStates()

	ranked := stats.Rank(reg)
	out := make([]StrategyHealth, 0, len(ranked))
	for _, a := range ranked {
		s := stats.Get(a.Name())
		h := StrategyHealth{
			Name:        a.Name(),
			Priority:    reg.Priority(a.Name()),
			Successes:   s.Successes,
			Failures:    s.Failures,
			SuccessRate: s.SuccessRate(),
			Breaker:     "closed",
		}
		if st, ok := breakers[a.Name()]; ok {
			h.Breaker = st.String()
		}
		out = append(out, h)
	}
	return out
}

// Collections returns the stored summaries of collections this engine has
// worked on, sorted by ID.
func (e *Engine) Collections(ctx context.Context) ([]model.Collection, error) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.touched))
	for id := range e.touched {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)

	out := make([]model.Collection, 0, len(ids))
	for _, id := range ids {
		c, err := e.store.GetCollection(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, eris.Wrapf(err, "engine: load collection %s", id)
		}
		out = append(out, *c)
	}
	return out, nil
}

// Close releases the store.
func (e *Engine) Close() error {
	return e.store.Close()
}

func (e *Engine) touch(collectionID string) {
	if collectionID == "" {
		return
	}
	e.mu.Lock()
	e.touched[collectionID] = struct{}{}
	e.mu.Unlock()
}
