package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/transcript-engine/internal/config"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), DefaultRetryConfig(), func(_ context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessAfterTransientFailures(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("temporary"), 503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("always fails"), 500)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 500, StatusCode(err))
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return errors.New("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: 50 * time.Millisecond, Multiplier: 2}

	var calls int
	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return NewTransientError(errors.New("fail"), 500)
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_CustomShouldRetryAndOnRetry(t *testing.T) {
	var retried []int
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(err error) bool { return err.Error() == "retry me" }
	cfg.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	var calls int
	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("retry me")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int{1}, retried)
}

func TestDoVal(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), fastRetry(3), func(_ context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", NewTransientError(errors.New("fail"), 429)
		}
		return "hello", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", val)

	n, err := DoVal(context.Background(), fastRetry(2), func(_ context.Context) (int, error) {
		return 42, NewTransientError(errors.New("fail"), 500)
	})
	require.Error(t, err)
	assert.Zero(t, n)
}

func TestBackoff_ExponentialAndCapped(t *testing.T) {
	cfg := applyDefaults(RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		Multiplier:     2.0,
	})

	assert.Equal(t, 100*time.Millisecond, Backoff(0, cfg))
	assert.Equal(t, 200*time.Millisecond, Backoff(1, cfg))
	assert.Equal(t, 400*time.Millisecond, Backoff(2, cfg))
	assert.Equal(t, 500*time.Millisecond, Backoff(3, cfg))
}

func TestPacingConfig_StaysInWindow(t *testing.T) {
	cfg := PacingConfig(2*time.Second, 0.5)

	seen := make(map[time.Duration]bool)
	for i := 0; i < 200; i++ {
		d := Backoff(0, cfg)
		seen[d] = true
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
	assert.Greater(t, len(seen), 1, "jitter should vary")
}

func TestPause(t *testing.T) {
	t.Run("zero base returns immediately", func(t *testing.T) {
		start := time.Now()
		require.NoError(t, Pause(context.Background(), PacingConfig(0, 0.5)))
		assert.Less(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Pause(ctx, PacingConfig(time.Hour, 0))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRacerPacingFromConfig(t *testing.T) {
	cfg := RacerPacing(config.RacerConfig{JitterBaseMs: 2000, JitterFraction: 0.5})
	assert.Equal(t, 2*time.Second, cfg.InitialBackoff)
	assert.InDelta(t, 1.0, cfg.Multiplier, 0.0001)
	assert.InDelta(t, 0.5, cfg.JitterFraction, 0.0001)
}

func TestWithAttempts(t *testing.T) {
	assert.Equal(t, 5, WithAttempts(5).MaxAttempts)
	assert.Equal(t, 3, WithAttempts(0).MaxAttempts)
}

func TestRetryLogger(t *testing.T) {
	logger := RetryLogger("listing", "playlist_items")
	logger(1, errors.New("test error"))
}
