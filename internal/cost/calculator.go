package cost

import (
	"fmt"
	"math"

	"github.com/sells-group/transcript-engine/internal/config"
)

// NoLimit is a spend cap that never binds.
var NoLimit = math.Inf(1)

// OverBudgetError reports an acquisition abandoned before any paid call
// because the measured audio would cost more than the cap allows.
type OverBudgetError struct {
	AudioSeconds float64
	CostUSD      float64
	LimitUSD     float64
}

func (e *OverBudgetError) Error() string {
	return fmt.Sprintf("cost: $%.4f for %.0fs of audio exceeds the $%.4f left", e.CostUSD, e.AudioSeconds, e.LimitUSD)
}

// Rates holds transcription pricing.
type Rates struct {
	// PerMinute is the default price per audio minute.
	PerMinute float64 `yaml:"per_minute" mapstructure:"per_minute"`
	// Models overrides PerMinute for specific transcription models.
	Models map[string]float64 `yaml:"models" mapstructure:"models"`
	// UnknownDurationMinutes is assumed for items whose duration is unknown.
	UnknownDurationMinutes int `yaml:"unknown_duration_minutes" mapstructure:"unknown_duration_minutes"`
}

// Calculator computes transcription costs.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	if rates.UnknownDurationMinutes <= 0 {
		rates.UnknownDurationMinutes = DefaultRates().UnknownDurationMinutes
	}
	return &Calculator{rates: rates}
}

// FromConfig builds a Calculator from pricing configuration.
func FromConfig(cfg config.PricingConfig) *Calculator {
	return NewCalculator(Rates{
		PerMinute:              cfg.TranscriptionPerMinute,
		UnknownDurationMinutes: cfg.UnknownDurationMinutes,
	})
}

func (c *Calculator) perMinute(model string) float64 {
	if r, ok := c.rates.Models[model]; ok {
		return r
	}
	return c.rates.PerMinute
}

// Transcription returns the billed cost of seconds of audio.
func (c *Calculator) Transcription(model string, seconds float64) float64 {
	if seconds <= 0 {
		return 0
	}
	return roundMicros(seconds / 60 * c.perMinute(model))
}

// Estimate returns the expected cost of transcribing an item of the given
// duration. Durations are rounded up to the whole minute so the estimate is
// never below what Transcription later charges.
func (c *Calculator) Estimate(model string, durationSeconds int) float64 {
	minutes := c.rates.UnknownDurationMinutes
	if durationSeconds > 0 {
		minutes = int(math.Ceil(float64(durationSeconds) / 60))
	}
	return roundMicros(float64(minutes) * c.perMinute(model))
}

// roundMicros trims float noise so summed costs compare cleanly.
func roundMicros(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		PerMinute: 0.006,
		Models: map[string]float64{
			"whisper-1":              0.006,
			"gpt-4o-transcribe":      0.006,
			"gpt-4o-mini-transcribe": 0.003,
		},
		UnknownDurationMinutes: 30,
	}
}
