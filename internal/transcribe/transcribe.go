// Package transcribe is the Tier-3 acquisition primitive: it downloads an
// item's audio and sends it to a paid, high-fidelity transcription provider.
package transcribe

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/transcript-engine/internal/config"
	"github.com/sells-group/transcript-engine/internal/cost"
	"github.com/sells-group/transcript-engine/internal/model"
	"github.com/sells-group/transcript-engine/internal/resilience"
)

// ProviderError wraps every failure of a Tier-3 acquisition. The item is
// marked failed and stays eligible for a later retry.
type ProviderError struct {
	Op  string // fetch_audio or transcribe
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("transcribe: %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Audio is a downloaded audio file. Close removes it.
type Audio struct {
	Path    string
	Seconds float64
	cleanup func() error
}

// Close releases the audio file.
func (a *Audio) Close() error {
	if a == nil || a.cleanup == nil {
		return nil
	}
	return a.cleanup()
}

// AudioSource fetches the audio track of an item.
type AudioSource interface {
	Fetch(ctx context.Context, itemID string) (*Audio, error)
}

// Transcription is what a provider returns.
type Transcription struct {
	Text       string
	Language   string
	Seconds    float64
	Segments   []model.Segment
	Words      []model.Word
	Confidence float64
}

// Provider transcribes an audio file.
type Provider interface {
	Name() string
	Model() string
	Transcribe(ctx context.Context, audio *Audio) (*Transcription, error)
}

// Acquirer runs fetch, transcribe and costing for one item.
type Acquirer struct {
	source   AudioSource
	provider Provider
	calc     *cost.Calculator
	retry    resilience.RetryConfig
	now      func() time.Time
}

// NewAcquirer creates an Acquirer. Provider calls are retried on transient
// failures per retry.
func NewAcquirer(source AudioSource, provider Provider, calc *cost.Calculator, retry resilience.RetryConfig) *Acquirer {
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("transcribe", provider.Name())
	}
	return &Acquirer{
		source:   source,
		provider: provider,
		calc:     calc,
		retry:    retry,
		now:      time.Now,
	}
}

// FromConfig wires the yt-dlp audio source and the OpenAI-compatible
// provider from configuration.
func FromConfig(cfg config.TranscribeConfig, calc *cost.Calculator) *Acquirer {
	source := NewYtDlp(cfg.YtDlpPath, cfg.TempDir, "")
	provider := NewWhisper(cfg.APIKey,
		WithBaseURL(cfg.BaseURL),
		WithModel(cfg.Model),
		WithLanguage(cfg.Language),
		WithTimeout(time.Duration(cfg.TimeoutSecs)*time.Second),
	)
	return NewAcquirer(source, provider, calc, resilience.WithAttempts(cfg.Retries))
}

// Estimate returns the expected cost of acquiring item.
func (a *Acquirer) Estimate(item model.Item) float64 {
	return a.calc.Estimate(a.provider.Model(), item.Tier1.DurationSeconds)
}

// Acquire produces the Tier-3 transcript of item, spending at most
// maxCostUSD. Once the audio is downloaded its real length is priced; if that
// exceeds the cap the provider is never called and a *cost.OverBudgetError is
// returned. Every other error is a *ProviderError.
func (a *Acquirer) Acquire(ctx context.Context, item model.Item, maxCostUSD float64) (*model.Tier3Transcript, error) {
	start := a.now()

	audio, err := a.source.Fetch(ctx, item.ID)
	if err != nil {
		return nil, &ProviderError{Op: "fetch_audio", Err: err}
	}
	defer func() {
		if err := audio.Close(); err != nil {
			zap.L().Debug("transcribe: audio cleanup failed", zap.String("item", item.ID), zap.Error(err))
		}
	}()

	measured := audio.Seconds
	if measured <= 0 {
		measured = float64(item.Tier1.DurationSeconds)
	}
	if projected := a.calc.Estimate(a.provider.Model(), int(math.Ceil(measured))); projected > maxCostUSD {
		return nil, &cost.OverBudgetError{AudioSeconds: measured, CostUSD: projected, LimitUSD: maxCostUSD}
	}

	tr, err := resilience.DoVal(ctx, a.retry, func(ctx context.Context) (*Transcription, error) {
		return a.provider.Transcribe(ctx, audio)
	})
	if err != nil {
		return nil, &ProviderError{Op: "transcribe", Err: err}
	}

	seconds := tr.Seconds
	if seconds <= 0 {
		seconds = audio.Seconds
	}
	if seconds <= 0 {
		seconds = float64(item.Tier1.DurationSeconds)
	}

	out := &model.Tier3Transcript{
		Text:         tr.Text,
		Segments:     tr.Segments,
		Words:        tr.Words,
		Confidence:   tr.Confidence,
		LanguageCode: tr.Language,
		CostUSD:      a.calc.Transcription(a.provider.Model(), seconds),
		AudioSeconds: seconds,
		Provider:     a.provider.Name(),
		Model:        a.provider.Model(),
		ProcessedAt:  a.now().UTC(),
	}

	zap.L().Info("transcribe: item transcribed",
		zap.String("item", item.ID),
		zap.Float64("audio_seconds", seconds),
		zap.Float64("cost_usd", out.CostUSD),
		zap.Float64("confidence", out.Confidence),
		zap.Duration("elapsed", a.now().Sub(start)),
	)
	return out, nil
}

// confidenceFromLogprobs turns per-segment average log probabilities into a
// 0..1 confidence, weighting each segment by its duration.
func confidenceFromLogprobs(logprobs, weights []float64) float64 {
	var sum, total float64
	for i, lp := range logprobs {
		w := 1.0
		if i < len(weights) && weights[i] > 0 {
			w = weights[i]
		}
		sum += lp * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return math.Min(1, math.Exp(sum/total))
}
