// Package enginetest builds engines over in-memory collaborators for tests.
package enginetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sells-group/transcript-engine/internal/config"
	"github.com/sells-group/transcript-engine/internal/cost"
	"github.com/sells-group/transcript-engine/internal/engine"
	"github.com/sells-group/transcript-engine/internal/listing"
	"github.com/sells-group/transcript-engine/internal/model"
	"github.com/sells-group/transcript-engine/internal/store"
	"github.com/sells-group/transcript-engine/internal/strategy"
)

// Lister serves fixed listings keyed by collection ID.
type Lister struct {
	mu       sync.Mutex
	Listings map[string]*listing.Listing
}

// ListCollection implements listing.Lister.
func (l *Lister) ListCollection(_ context.Context, id string) (*listing.Listing, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lst, ok := l.Listings[id]
	if !ok {
		return nil, listing.ErrCollectionNotFound
	}
	return lst, nil
}

// Add registers a collection whose items each last secs seconds.
func (l *Lister) Add(collectionID string, secs int, itemIDs ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Listings == nil {
		l.Listings = make(map[string]*listing.Listing)
	}
	lst := &listing.Listing{Collection: model.Collection{ID: collectionID, Title: "Collection " + collectionID}}
	for _, id := range itemIDs {
		lst.Entries = append(lst.Entries, listing.Entry{ID: id, Metadata: model.Metadata{Title: "Video " + id, DurationSeconds: secs}})
	}
	l.Listings[collectionID] = lst
}

// Acquirer charges CostUSD per promotion, failing when Err is set.
type Acquirer struct {
	Calls   atomic.Int32
	CostUSD float64
	Err     error
}

// Acquire implements escalation.Acquirer.
func (a *Acquirer) Acquire(_ context.Context, item model.Item, maxCostUSD float64) (*model.Tier3Transcript, error) {
	if a.CostUSD > maxCostUSD {
		return nil, &cost.OverBudgetError{AudioSeconds: float64(item.Tier1.DurationSeconds), CostUSD: a.CostUSD, LimitUSD: maxCostUSD}
	}
	a.Calls.Add(1)
	if a.Err != nil {
		return nil, a.Err
	}
	return &model.Tier3Transcript{
		Text:         "full transcript of " + item.ID,
		Confidence:   0.93,
		LanguageCode: "en",
		CostUSD:      a.CostUSD,
		Provider:     "test",
	}, nil
}

// Estimate implements escalation.Acquirer.
func (a *Acquirer) Estimate(model.Item) float64 { return a.CostUSD }

// Captions returns an adapter that finds captions only for the given items.
func Captions(name string, itemIDs ...string) strategy.Adapter {
	ok := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		ok[id] = true
	}
	return strategy.Func{ID: name, Fn: func(_ context.Context, id string) (*strategy.Result, error) {
		if !ok[id] {
			return nil, strategy.Fail(name, strategy.ReasonNoCaptions, nil)
		}
		return &strategy.Result{Transcript: model.Transcript{Text: "captions for " + id, LanguageCode: "en"}}, nil
	}}
}

// Config returns a configuration with pacing and delays disabled.
func Config(t testing.TB) *config.Config {
	t.Helper()
	return &config.Config{
		Store:  config.StoreConfig{Driver: "memory"},
		Racer:  config.RacerConfig{CacheSize: 100, AttemptTimeoutSecs: 5},
		Ingest: config.IngestConfig{BatchSize: 5, SampleSize: 10, MinSuccessRate: 0.2},
		Enrich: config.EnrichConfig{MaxItems: 10, MaxBudgetUSD: 10, Strategy: "smart", MaxRetries: 3, LockDir: t.TempDir()},
	}
}

// Fixture is an engine with handles on its fakes.
type Fixture struct {
	Engine   *engine.Engine
	Store    *store.MemoryStore
	Lister   *Lister
	Acquirer *Acquirer
}

// New builds an engine over a memory store with the given adapters.
func New(t testing.TB, adapters ...strategy.Adapter) *Fixture {
	t.Helper()
	st := store.NewMemory()
	f := &Fixture{
		Store:    st,
		Lister:   &Lister{},
		Acquirer: &Acquirer{CostUSD: 0.25},
	}
	f.Engine = engine.New(Config(t), engine.Components{
		Store:    st,
		Lister:   f.Lister,
		Registry: strategy.NewRegistry(adapters...),
		Acquirer: f.Acquirer,
	})
	return f
}
