package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Tier3State
		want     bool
	}{
		{Tier3NotStarted, Tier3Processing, true},
		{"", Tier3Processing, true},
		{Tier3Failed, Tier3Processing, true},
		{Tier3Failed, Tier3NotStarted, true},
		{Tier3Processing, Tier3Ready, true},
		{Tier3Processing, Tier3Failed, true},
		{Tier3NotStarted, Tier3Ready, false},
		{Tier3NotStarted, Tier3Failed, false},
		{Tier3Processing, Tier3Processing, false},
		{Tier3Ready, Tier3Processing, false},
		{Tier3Ready, Tier3Failed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTier3Record_Transition(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := Tier3Record{State: Tier3NotStarted}

	require.NoError(t, rec.Transition(Tier3Processing, now))
	assert.Equal(t, Tier3Processing, rec.State)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.StartedAt)
	assert.Equal(t, now, *rec.StartedAt)

	err := rec.Transition(Tier3Processing, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	rec.LastError = "provider down"
	require.NoError(t, rec.Transition(Tier3Failed, now.Add(time.Minute)))
	require.NoError(t, rec.Transition(Tier3Processing, now.Add(2*time.Minute)))
	assert.Equal(t, 2, rec.Attempts)
	assert.Empty(t, rec.LastError)

	require.NoError(t, rec.Transition(Tier3Ready, now.Add(3*time.Minute)))
	assert.ErrorIs(t, rec.Transition(Tier3Failed, now), ErrInvalidTransition)
}

func TestTier3Record_IsStale(t *testing.T) {
	now := time.Now()
	started := now.Add(-time.Hour)

	assert.True(t, Tier3Record{State: Tier3Processing, StartedAt: &started}.IsStale(now, 30*time.Minute))
	assert.False(t, Tier3Record{State: Tier3Processing, StartedAt: &started}.IsStale(now, 2*time.Hour))
	assert.False(t, Tier3Record{State: Tier3Failed, StartedAt: &started}.IsStale(now, time.Minute))
	assert.False(t, Tier3Record{State: Tier3Processing}.IsStale(now, time.Minute))
}

func TestTier3Record_CooledDown(t *testing.T) {
	now := time.Now()
	recent := now.Add(-5 * time.Minute)

	assert.False(t, Tier3Record{State: Tier3Failed, UpdatedAt: &recent}.CooledDown(now, time.Hour))
	assert.True(t, Tier3Record{State: Tier3Failed, UpdatedAt: &recent}.CooledDown(now, time.Minute))
	assert.True(t, Tier3Record{State: Tier3Failed}.CooledDown(now, time.Hour))
	assert.False(t, Tier3Record{State: Tier3NotStarted}.CooledDown(now, 0))
}

func TestClaimable(t *testing.T) {
	assert.True(t, Tier3NotStarted.Claimable())
	assert.True(t, Tier3Failed.Claimable())
	assert.False(t, Tier3Processing.Claimable())
	assert.False(t, Tier3Ready.Claimable())
}

func TestNewItemAndTier2(t *testing.T) {
	item := NewItem("abc123def45", "PL1", Metadata{Title: "Intro", DurationSeconds: 90})
	assert.Equal(t, Tier2StatusNone, item.Tier2Status)
	assert.Equal(t, Tier3NotStarted, item.Tier3.State)
	assert.False(t, item.HasTier2())
	assert.Equal(t, 90*time.Second, item.Tier1.Duration())

	item.Tier2 = &Tier2Caption{Transcript: Transcript{Text: "hello"}, Strategy: "android_player"}
	assert.True(t, item.HasTier2())
}

func TestStrategyStat_SuccessRate(t *testing.T) {
	assert.InDelta(t, 0.5, StrategyStat{}.SuccessRate(), 1e-9)
	assert.InDelta(t, 0.75, StrategyStat{Successes: 2}.SuccessRate(), 1e-9)
	assert.InDelta(t, 0.25, StrategyStat{Failures: 2}.SuccessRate(), 1e-9)
	assert.Equal(t, int64(5), StrategyStat{Successes: 3, Failures: 2}.Attempts())
}
