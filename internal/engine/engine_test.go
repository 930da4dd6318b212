package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/transcript-engine/internal/config"
	"github.com/sells-group/transcript-engine/internal/engine"
	"github.com/sells-group/transcript-engine/internal/engine/enginetest"
	"github.com/sells-group/transcript-engine/internal/enrich"
	"github.com/sells-group/transcript-engine/internal/listing"
	"github.com/sells-group/transcript-engine/internal/model"
	"github.com/sells-group/transcript-engine/internal/store"
)

func TestEngine_TierProgression(t *testing.T) {
	ctx := context.Background()
	f := enginetest.New(t, enginetest.Captions("scrape", "a", "b"))
	f.Lister.Add("UC1", 300, "a", "b", "c")

	rep, err := f.Engine.Ingest(ctx, "UC1")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Tier2Count)

	c, err := f.Engine.GetItem(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "Video c", c.Tier1.Title)
	assert.Nil(t, c.Tier2)
	assert.Equal(t, model.Tier3NotStarted, c.Tier3.State)

	res, err := f.Engine.Escalate(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, model.Tier3Ready, res.State)

	c, err = f.Engine.GetItem(ctx, "c")
	require.NoError(t, err)
	require.NotNil(t, c.Tier3.Result)
	assert.Equal(t, "full transcript of c", c.Tier3.Result.Text)

	pass, err := f.Engine.RunBackgroundPass(ctx, "UC1", enrich.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, pass.Succeeded)
	assert.Equal(t, enrich.StopCompleted, pass.StopReason)
	assert.Equal(t, int32(3), f.Acquirer.Calls.Load())

	colls, err := f.Engine.Collections(ctx)
	require.NoError(t, err)
	require.Len(t, colls, 1)
	assert.InDelta(t, 0.75, colls[0].TotalSpendUSD, 1e-9)
}

func TestEngine_StrategyStats(t *testing.T) {
	ctx := context.Background()
	f := enginetest.New(t, enginetest.Captions("first"), enginetest.Captions("second", "a", "b"))
	f.Lister.Add("UC1", 60, "a", "b", "c")

	_, err := f.Engine.Ingest(ctx, "UC1")
	require.NoError(t, err)

	stats := f.Engine.StrategyStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "second", stats[0].Name)
	assert.Equal(t, int64(2), stats[0].Successes)
	assert.Equal(t, int64(1), stats[0].Failures)
	assert.Equal(t, "first", stats[1].Name)
	assert.Equal(t, 0, stats[1].Priority)
	assert.Equal(t, "closed", stats[1].Breaker)
}

func TestEngine_InstancesAreIsolated(t *testing.T) {
	ctx := context.Background()
	a := enginetest.New(t, enginetest.Captions("scrape", "x"))
	b := enginetest.New(t, enginetest.Captions("scrape", "x"))
	a.Lister.Add("UC1", 60, "x")

	_, err := a.Engine.Ingest(ctx, "UC1")
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.Engine.StrategyStats()[0].Successes)
	assert.Zero(t, b.Engine.StrategyStats()[0].Successes)
	_, err = b.Engine.GetItem(ctx, "x")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestEngine_IngestUnknownCollection(t *testing.T) {
	f := enginetest.New(t, enginetest.Captions("scrape"))
	_, err := f.Engine.Ingest(context.Background(), "UCnone")
	assert.True(t, errors.Is(err, listing.ErrCollectionNotFound))

	colls, err := f.Engine.Collections(context.Background())
	require.NoError(t, err)
	assert.Empty(t, colls)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	st, err := engine.OpenStore(ctx, config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = engine.OpenStore(ctx, config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "t.db")})
	require.NoError(t, err)
	require.NoError(t, st.UpsertCollection(ctx, model.Collection{ID: "UC1"}))
	require.NoError(t, st.Close())

	_, err = engine.OpenStore(ctx, config.StoreConfig{Driver: "cassandra"})
	assert.Error(t, err)
}

func TestStrategyNames(t *testing.T) {
	names, err := engine.StrategyNames(config.RacerConfig{Strategies: []string{"watch_page"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"watch_page"}, names)

	path := filepath.Join(t.TempDir(), "priority.yaml")
	require.NoError(t, os.WriteFile(path, []byte("racer:\n  priority: [timedtext_api, android_player, watch_page]\n  disabled: [watch_page]\n"), 0o644))
	names, err = engine.StrategyNames(config.RacerConfig{Strategies: []string{"watch_page"}, PriorityFile: path})
	require.NoError(t, err)
	assert.Equal(t, []string{"timedtext_api", "android_player"}, names)

	_, err = engine.StrategyNames(config.RacerConfig{PriorityFile: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}
