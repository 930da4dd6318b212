package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/transcript-engine/internal/config"
	"github.com/sells-group/transcript-engine/internal/listing"
	"github.com/sells-group/transcript-engine/internal/model"
	"github.com/sells-group/transcript-engine/internal/racer"
	"github.com/sells-group/transcript-engine/internal/store"
	"github.com/sells-group/transcript-engine/internal/strategy"
)

type fakeLister struct {
	listing *listing.Listing
	err     error
}

func (f *fakeLister) ListCollection(context.Context, string) (*listing.Listing, error) {
	return f.listing, f.err
}

func entries(collection string, ids ...string) *listing.Listing {
	l := &listing.Listing{Collection: model.Collection{ID: collection, Title: "Test " + collection}}
	for _, id := range ids {
		l.Entries = append(l.Entries, listing.Entry{ID: id, Metadata: model.Metadata{Title: "title " + id, DurationSeconds: 120}})
	}
	return l
}

func numbered(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("vid%02d", i)
	}
	return ids
}

// fakeRacer succeeds for ids in ok and records every id it was asked for.
type fakeRacer struct {
	mu    sync.Mutex
	ok    map[string]bool
	asked []string
	err   error
}

func (f *fakeRacer) FetchTranscript(_ context.Context, id string) (*racer.Result, error) {
	f.mu.Lock()
	f.asked = append(f.asked, id)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.ok[id] {
		return &racer.Result{ItemID: id, Outcome: racer.OutcomeSuccess, Strategy: "fake",
			Transcript: &model.Transcript{Text: "captions " + id, LanguageCode: "en"}}, nil
	}
	return &racer.Result{ItemID: id, Outcome: racer.OutcomeNoTranscript}, nil
}

func (f *fakeRacer) askedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.asked)
}

func testConfig() config.IngestConfig {
	return config.IngestConfig{BatchSize: 10, SampleSize: 10, MinSuccessRate: 0.2}
}

type adapter struct {
	name  string
	calls atomic.Int32
	ok    map[string]bool
}

func (a *adapter) Name() string { return a.name }

func (a *adapter) Attempt(_ context.Context, id string) (*strategy.Result, error) {
	a.calls.Add(1)
	if a.ok[id] {
		return &strategy.Result{Transcript: model.Transcript{Text: a.name + " " + id}, Strategy: a.name}, nil
	}
	return nil, strategy.Fail(a.name, strategy.ReasonNoCaptions, nil)
}

func TestIngest_ThreeItemScenario(t *testing.T) {
	first := &adapter{name: "first", ok: map[string]bool{"item1": true}}
	second := &adapter{name: "second", ok: map[string]bool{}}
	third := &adapter{name: "third", ok: map[string]bool{"item2": true}}
	r := racer.New(strategy.NewRegistry(first, second, third), config.RacerConfig{CacheSize: 10, AttemptTimeoutSecs: 5})

	st := store.NewMemory()
	c := New(&fakeLister{listing: entries("UC1", "item1", "item2", "item3")}, r, st, testConfig())

	rep, err := c.Ingest(context.Background(), "UC1")
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Items)
	assert.Equal(t, 3, rep.Tier1Count)
	assert.Equal(t, 2, rep.Tier2Count)
	assert.Equal(t, 3, rep.Tier2Attempted)
	assert.False(t, rep.LowCaptionAvailability)
	assert.Equal(t, 1, rep.StrategyWins["first"])
	assert.Equal(t, 1, rep.StrategyWins["third"])

	item1, err := st.GetItem(context.Background(), "item1")
	require.NoError(t, err)
	require.True(t, item1.HasTier2())
	assert.Equal(t, "first", item1.Tier2.Strategy)

	item2, err := st.GetItem(context.Background(), "item2")
	require.NoError(t, err)
	require.True(t, item2.HasTier2())
	assert.Equal(t, "third", item2.Tier2.Strategy)

	item3, err := st.GetItem(context.Background(), "item3")
	require.NoError(t, err)
	assert.Nil(t, item3.Tier2)
	assert.Equal(t, "title item3", item3.Tier1.Title)
	assert.Equal(t, model.Tier2StatusUnavailable, item3.Tier2Status)

	coll, err := st.GetCollection(context.Background(), "UC1")
	require.NoError(t, err)
	assert.Equal(t, 3, coll.ItemCount)
	assert.Equal(t, 2, coll.Tier2Count)
	assert.NotNil(t, coll.LastIngestedAt)
}

func TestIngest_EarlyAbort(t *testing.T) {
	ids := numbered(35)
	fr := &fakeRacer{ok: map[string]bool{}}
	st := store.NewMemory()
	c := New(&fakeLister{listing: entries("UC1", ids...)}, fr, st, testConfig())

	rep, err := c.Ingest(context.Background(), "UC1")
	require.NoError(t, err)

	assert.True(t, rep.LowCaptionAvailability)
	assert.Equal(t, 10, fr.askedCount())
	assert.Equal(t, 10, rep.Tier2Attempted)
	assert.Equal(t, 25, rep.Tier2Skipped)
	assert.Equal(t, 35, rep.Tier1Count)
	assert.Zero(t, rep.SampleRate)

	for _, id := range ids[10:] {
		it, err := st.GetItem(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.Tier2StatusSkipped, it.Tier2Status, id)
	}

	coll, err := st.GetCollection(context.Background(), "UC1")
	require.NoError(t, err)
	assert.True(t, coll.LowCaptionAvailability)
}

func TestIngest_SampleAboveThresholdContinues(t *testing.T) {
	ids := numbered(25)
	ok := map[string]bool{"vid00": true, "vid05": true, "vid12": true}
	fr := &fakeRacer{ok: ok}
	c := New(&fakeLister{listing: entries("UC1", ids...)}, fr, store.NewMemory(), testConfig())

	rep, err := c.Ingest(context.Background(), "UC1")
	require.NoError(t, err)
	assert.False(t, rep.LowCaptionAvailability)
	assert.Equal(t, 25, fr.askedCount())
	assert.Equal(t, 3, rep.Tier2Count)
	assert.InDelta(t, 3.0/25.0, rep.SampleRate, 1e-9)
}

func TestIngest_SmallCollectionNeverAborts(t *testing.T) {
	fr := &fakeRacer{ok: map[string]bool{}}
	c := New(&fakeLister{listing: entries("UC1", numbered(4)...)}, fr, store.NewMemory(), testConfig())

	rep, err := c.Ingest(context.Background(), "UC1")
	require.NoError(t, err)
	assert.False(t, rep.LowCaptionAvailability)
	assert.Equal(t, 4, rep.Tier2Attempted)
}

func TestIngest_ReimportKeepsTier2(t *testing.T) {
	st := store.NewMemory()
	fr := &fakeRacer{ok: map[string]bool{"a": true}}
	lister := &fakeLister{listing: entries("UC1", "a", "b")}
	c := New(lister, fr, st, testConfig())

	_, err := c.Ingest(context.Background(), "UC1")
	require.NoError(t, err)
	require.Equal(t, 2, fr.askedCount())

	rep, err := c.Ingest(context.Background(), "UC1")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.AlreadyCaptioned)
	assert.Equal(t, 1, rep.Tier2Attempted)
	assert.Equal(t, 1, rep.Tier2Count)
	assert.Equal(t, 3, fr.askedCount())

	items, err := st.ListItems(context.Background(), "UC1")
	require.NoError(t, err)
	assert.Len(t, items, 2, "one Tier-1 record per item")
}

func TestIngest_RefreshFailureKeepsCaptions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	fr := &fakeRacer{ok: map[string]bool{"a": true}}
	lister := &fakeLister{listing: entries("UC1", "a", "b")}

	_, err := New(lister, fr, st, testConfig()).Ingest(ctx, "UC1")
	require.NoError(t, err)

	// The captions for a are gone upstream; the refresh must not lose ours.
	fr.ok["a"] = false
	cfg := testConfig()
	cfg.RefreshCaptions = true
	rep, err := New(lister, fr, st, cfg).Ingest(ctx, "UC1")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Tier2Attempted)
	assert.Zero(t, rep.Tier2Succeeded)
	assert.Equal(t, 1, rep.Tier2Count)

	a, err := st.GetItem(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.Tier2StatusAvailable, a.Tier2Status)
	require.True(t, a.HasTier2())
	assert.Equal(t, "captions a", a.Tier2.Text)

	b, err := st.GetItem(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, model.Tier2StatusUnavailable, b.Tier2Status)

	coll, err := st.GetCollection(ctx, "UC1")
	require.NoError(t, err)
	assert.Equal(t, 1, coll.Tier2Count)
}

func TestIngest_ListingFailureIsFatal(t *testing.T) {
	fr := &fakeRacer{}
	c := New(&fakeLister{err: listing.ErrCollectionNotFound}, fr, store.NewMemory(), testConfig())

	_, err := c.Ingest(context.Background(), "UCgone")
	assert.True(t, errors.Is(err, listing.ErrCollectionNotFound))
	assert.Zero(t, fr.askedCount())
}

func TestIngest_CancellationIsFatal(t *testing.T) {
	fr := &fakeRacer{err: context.Canceled}
	c := New(&fakeLister{listing: entries("UC1", "a")}, fr, store.NewMemory(), testConfig())

	_, err := c.Ingest(context.Background(), "UC1")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestIngest_BatchesBoundParallelism(t *testing.T) {
	var (
		inFlight atomic.Int32
		peak     atomic.Int32
	)
	r := racerFunc(func(ctx context.Context, id string) (*racer.Result, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		return &racer.Result{ItemID: id, Outcome: racer.OutcomeSuccess, Strategy: "x",
			Transcript: &model.Transcript{Text: id}}, nil
	})

	cfg := testConfig()
	cfg.BatchSize = 3
	c := New(&fakeLister{listing: entries("UC1", numbered(10)...)}, r, store.NewMemory(), cfg)

	rep, err := c.Ingest(context.Background(), "UC1")
	require.NoError(t, err)
	assert.Equal(t, 10, rep.Tier2Count)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

type racerFunc func(ctx context.Context, id string) (*racer.Result, error)

func (f racerFunc) FetchTranscript(ctx context.Context, id string) (*racer.Result, error) {
	return f(ctx, id)
}
