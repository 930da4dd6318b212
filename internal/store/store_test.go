package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/transcript-engine/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestMemory(t *testing.T) Store {
	t.Helper()
	return NewMemory()
}

func TestMemoryStore(t *testing.T) {
	storeTestSuite(t, newTestMemory)
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func testMeta(title string, seconds int) model.Metadata {
	return model.Metadata{
		Title:           title,
		DurationSeconds: seconds,
		ViewCount:       100,
		PublishedAt:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("UpsertAndGetCollection", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ingested := time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC)
		require.NoError(t, s.UpsertCollection(ctx, model.Collection{
			ID:                     "UCabc",
			Title:                  "Channel",
			ItemCount:              12,
			Tier2Count:             3,
			LowCaptionAvailability: true,
			LastIngestedAt:         &ingested,
		}))

		c, err := s.GetCollection(ctx, "UCabc")
		require.NoError(t, err)
		assert.Equal(t, "Channel", c.Title)
		assert.Equal(t, 12, c.ItemCount)
		assert.Equal(t, 3, c.Tier2Count)
		assert.True(t, c.LowCaptionAvailability)
		require.NotNil(t, c.LastIngestedAt)
		assert.True(t, ingested.Equal(*c.LastIngestedAt))
		assert.Zero(t, c.TotalSpendUSD)
	})

	t.Run("GetCollectionNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetCollection(context.Background(), "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("UpsertItemCreatesCollection", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertItemMetadata(ctx, "UCnew", "vid1", testMeta("First", 60)))

		_, err := s.GetCollection(ctx, "UCnew")
		require.NoError(t, err)

		it, err := s.GetItem(ctx, "vid1")
		require.NoError(t, err)
		assert.Equal(t, "UCnew", it.CollectionID)
		assert.Equal(t, "First", it.Tier1.Title)
		assert.Equal(t, 60, it.Tier1.DurationSeconds)
		assert.Equal(t, model.Tier2StatusNone, it.Tier2Status)
		assert.Equal(t, model.Tier3NotStarted, it.Tier3.State)
		assert.Nil(t, it.Tier2)
	})

	t.Run("UpsertItemKeepsHigherTiers", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertItemMetadata(ctx, "UC1", "vid1", testMeta("Old", 60)))
		require.NoError(t, s.SetTier2(ctx, "vid1", model.Tier2Caption{
			Transcript: model.Transcript{Text: "hello world", LanguageCode: "en",
				Segments: []model.Segment{{Text: "hello world", StartMs: 0, DurationMs: 1500}}},
			Strategy: "android_player",
		}))
		_, err := s.ClaimTier3(ctx, "vid1", time.Now())
		require.NoError(t, err)

		require.NoError(t, s.UpsertItemMetadata(ctx, "UC1", "vid1", testMeta("New", 61)))

		it, err := s.GetItem(ctx, "vid1")
		require.NoError(t, err)
		assert.Equal(t, "New", it.Tier1.Title)
		require.True(t, it.HasTier2())
		assert.Equal(t, "hello world", it.Tier2.Text)
		assert.Equal(t, "android_player", it.Tier2.Strategy)
		require.Len(t, it.Tier2.Segments, 1)
		assert.Equal(t, int64(1500), it.Tier2.Segments[0].DurationMs)
		assert.Equal(t, model.Tier2StatusAvailable, it.Tier2Status)
		assert.Equal(t, model.Tier3Processing, it.Tier3.State)
	})

	t.Run("GetItemNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetItem(context.Background(), "nope")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("Tier2StatusAndNotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertItemMetadata(ctx, "UC1", "vid1", testMeta("A", 10)))
		require.NoError(t, s.MarkTier2Status(ctx, "vid1", model.Tier2StatusUnavailable, "no_captions"))

		it, err := s.GetItem(ctx, "vid1")
		require.NoError(t, err)
		assert.Equal(t, model.Tier2StatusUnavailable, it.Tier2Status)
		assert.Equal(t, "no_captions", it.Tier2Reason)

		assert.True(t, errors.Is(s.MarkTier2Status(ctx, "ghost", model.Tier2StatusSkipped, ""), ErrNotFound))
		assert.True(t, errors.Is(s.SetTier2(ctx, "ghost", model.Tier2Caption{}), ErrNotFound))
	})

	t.Run("ListItemsScopedAndSorted", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertItemMetadata(ctx, "UC1", "b", testMeta("B", 10)))
		require.NoError(t, s.UpsertItemMetadata(ctx, "UC1", "a", testMeta("A", 10)))
		require.NoError(t, s.UpsertItemMetadata(ctx, "UC2", "c", testMeta("C", 10)))

		items, err := s.ListItems(ctx, "UC1")
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "a", items[0].ID)
		assert.Equal(t, "b", items[1].ID)

		items, err = s.ListItems(ctx, "UC-empty")
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("Tier3Lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertItemMetadata(ctx, "UC1", "vid1", testMeta("A", 120)))

		now := time.Now().UTC().Truncate(time.Millisecond)
		it, err := s.ClaimTier3(ctx, "vid1", now)
		require.NoError(t, err)
		assert.Equal(t, model.Tier3Processing, it.Tier3.State)
		assert.Equal(t, 1, it.Tier3.Attempts)
		require.NotNil(t, it.Tier3.StartedAt)
		assert.True(t, now.Equal(*it.Tier3.StartedAt))

		_, err = s.ClaimTier3(ctx, "vid1", now)
		assert.True(t, errors.Is(err, ErrInvalidTransition))

		require.NoError(t, s.CompleteTier3(ctx, "vid1", model.Tier3Transcript{
			Text:       "full transcript",
			Words:      []model.Word{{Text: "full", StartMs: 0, EndMs: 300}},
			Confidence: 0.93,
			CostUSD:    0.012,
			Provider:   "whisper",
		}))

		it, err = s.GetItem(ctx, "vid1")
		require.NoError(t, err)
		assert.Equal(t, model.Tier3Ready, it.Tier3.State)
		require.NotNil(t, it.Tier3.Result)
		assert.Equal(t, "full transcript", it.Tier3.Result.Text)
		assert.InDelta(t, 0.93, it.Tier3.Result.Confidence, 1e-9)
		require.Len(t, it.Tier3.Result.Words, 1)

		// Ready is terminal.
		_, err = s.ClaimTier3(ctx, "vid1", time.Now())
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		assert.True(t, errors.Is(s.FailTier3(ctx, "vid1", "late"), ErrInvalidTransition))
		assert.True(t, errors.Is(s.CompleteTier3(ctx, "vid1", model.Tier3Transcript{}), ErrInvalidTransition))

		c, err := s.GetCollection(ctx, "UC1")
		require.NoError(t, err)
		assert.InDelta(t, 0.012, c.TotalSpendUSD, 1e-9)
	})

	t.Run("Tier3FailThenRetry", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertItemMetadata(ctx, "UC1", "vid1", testMeta("A", 120)))
		_, err := s.ClaimTier3(ctx, "vid1", time.Now())
		require.NoError(t, err)
		require.NoError(t, s.FailTier3(ctx, "vid1", "provider down"))

		it, err := s.GetItem(ctx, "vid1")
		require.NoError(t, err)
		assert.Equal(t, model.Tier3Failed, it.Tier3.State)
		assert.Equal(t, "provider down", it.Tier3.LastError)

		it, err = s.ClaimTier3(ctx, "vid1", time.Now())
		require.NoError(t, err)
		assert.Equal(t, 2, it.Tier3.Attempts)
		assert.Empty(t, it.Tier3.LastError)
	})

	t.Run("Tier3TransitionsOnMissingItem", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.ClaimTier3(ctx, "ghost", time.Now())
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.True(t, errors.Is(s.FailTier3(ctx, "ghost", "x"), ErrNotFound))
		assert.True(t, errors.Is(s.CompleteTier3(ctx, "ghost", model.Tier3Transcript{}), ErrNotFound))
	})

	t.Run("CompleteRequiresProcessing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertItemMetadata(ctx, "UC1", "vid1", testMeta("A", 120)))
		err := s.CompleteTier3(ctx, "vid1", model.Tier3Transcript{Text: "x", CostUSD: 1})
		assert.True(t, errors.Is(err, ErrInvalidTransition))

		c, err := s.GetCollection(ctx, "UC1")
		require.NoError(t, err)
		assert.Zero(t, c.TotalSpendUSD)
	})

	t.Run("SpendAccumulatesAndSurvivesUpsert", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, id := range []string{"a", "b"} {
			require.NoError(t, s.UpsertItemMetadata(ctx, "UC1", id, testMeta(id, 60)))
			_, err := s.ClaimTier3(ctx, id, time.Now())
			require.NoError(t, err)
			require.NoError(t, s.CompleteTier3(ctx, id, model.Tier3Transcript{Text: id, CostUSD: 0.5}))
		}
		require.NoError(t, s.UpsertCollection(ctx, model.Collection{ID: "UC1", Title: "renamed"}))

		c, err := s.GetCollection(ctx, "UC1")
		require.NoError(t, err)
		assert.Equal(t, "renamed", c.Title)
		assert.InDelta(t, 1.0, c.TotalSpendUSD, 1e-9)
	})

	t.Run("ReclaimStale", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, id := range []string{"old", "fresh", "idle"} {
			require.NoError(t, s.UpsertItemMetadata(ctx, "UC1", id, testMeta(id, 60)))
		}
		_, err := s.ClaimTier3(ctx, "old", time.Now().Add(-2*time.Hour))
		require.NoError(t, err)
		_, err = s.ClaimTier3(ctx, "fresh", time.Now())
		require.NoError(t, err)

		ids, err := s.ReclaimStaleTier3(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []string{"old"}, ids)

		it, err := s.GetItem(ctx, "old")
		require.NoError(t, err)
		assert.Equal(t, model.Tier3Failed, it.Tier3.State)
		assert.Equal(t, staleReason, it.Tier3.LastError)

		it, err = s.GetItem(ctx, "fresh")
		require.NoError(t, err)
		assert.Equal(t, model.Tier3Processing, it.Tier3.State)

		ids, err = s.ReclaimStaleTier3(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("ListTier3Candidates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, id := range []string{"new", "busy", "done", "failed"} {
			require.NoError(t, s.UpsertItemMetadata(ctx, "UC1", id, testMeta(id, 60)))
		}
		for _, id := range []string{"busy", "done", "failed"} {
			_, err := s.ClaimTier3(ctx, id, time.Now())
			require.NoError(t, err)
		}
		require.NoError(t, s.CompleteTier3(ctx, "done", model.Tier3Transcript{Text: "x"}))
		require.NoError(t, s.FailTier3(ctx, "failed", "boom"))

		items, err := s.ListTier3Candidates(ctx, "UC1")
		require.NoError(t, err)
		var ids []string
		for _, it := range items {
			ids = append(ids, it.ID)
		}
		assert.Equal(t, []string{"failed", "new"}, ids)
	})

	t.Run("ConcurrentClaimsHaveOneWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.UpsertItemMetadata(ctx, "UC1", "vid1", testMeta("A", 60)))

		var (
			wg   sync.WaitGroup
			wins atomic.Int32
			lost atomic.Int32
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.ClaimTier3(ctx, "vid1", time.Now())
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrInvalidTransition):
					lost.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(7), lost.Load())
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.UpsertItemMetadata(ctx, "UC1", "vid1", testMeta("A", 60)))
	require.NoError(t, s.SetTier2(ctx, "vid1", model.Tier2Caption{
		Transcript: model.Transcript{Text: "x", Segments: []model.Segment{{Text: "x"}}},
	}))

	it, err := s.GetItem(ctx, "vid1")
	require.NoError(t, err)
	it.Tier1.Title = "mutated"
	it.Tier2.Segments[0].Text = "mutated"

	again, err := s.GetItem(ctx, "vid1")
	require.NoError(t, err)
	assert.Equal(t, "A", again.Tier1.Title)
	assert.Equal(t, "x", again.Tier2.Segments[0].Text)
}
