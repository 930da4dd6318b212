package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/transcript-engine/internal/config"
	"github.com/sells-group/transcript-engine/internal/engine"
	"github.com/sells-group/transcript-engine/internal/engine/enginetest"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1}
	checker := NewChecker(NewCollector(&fakeSource{}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&fakeSource{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.NotNil(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_SendsOncePerCondition(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = ts.URL
	src := &fakeSource{stats: []engine.StrategyHealth{{Name: "watch_page", Breaker: "open"}}}
	checker := NewChecker(NewCollector(src), NewAlerter(cfg), cfg)
	ctx := context.Background()

	require.Len(t, checker.Check(ctx, zap.NewNop()), 1)
	assert.Empty(t, checker.Check(ctx, zap.NewNop()), "still open, already reported")
	assert.Equal(t, int32(1), received.Load())

	src.stats[0].Breaker = "closed"
	assert.Empty(t, checker.Check(ctx, zap.NewNop()))

	src.stats[0].Breaker = "open"
	assert.Len(t, checker.Check(ctx, zap.NewNop()), 1, "reopened after clearing")
	assert.Equal(t, int32(2), received.Load())
}

func TestChecker_AgainstEngine(t *testing.T) {
	f := enginetest.New(t, enginetest.Captions("scrape", "a"))
	f.Lister.Add("UC1", 60, "a", "b")
	ctx := context.Background()
	_, err := f.Engine.Ingest(ctx, "UC1")
	require.NoError(t, err)

	cfg := testMonitoringConfig()
	cfg.SpendAlertUSD = 0.1
	checker := NewChecker(NewCollector(f.Engine), NewAlerter(cfg), cfg)

	_, err = f.Engine.Escalate(ctx, "b")
	require.NoError(t, err)

	alerts := checker.Check(ctx, zap.NewNop())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSpendThreshold, alerts[0].Type)
	assert.Equal(t, "UC1", alerts[0].Details["collection_id"])
}
