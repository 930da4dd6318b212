// Package racer tries strategy adapters for one item, in ranked order and
// one at a time, until one returns a transcript.
package racer

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/transcript-engine/internal/config"
	"github.com/sells-group/transcript-engine/internal/model"
	"github.com/sells-group/transcript-engine/internal/resilience"
	"github.com/sells-group/transcript-engine/internal/strategy"
)

// Outcome summarises a FetchTranscript call.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeNoTranscript Outcome = "no_transcript" // every adapter reported absence
	OutcomeExhausted    Outcome = "exhausted"     // adapters failed for other reasons
)

// Attempt records one adapter invocation (or a skip by its breaker).
type Attempt struct {
	Strategy string          `json:"strategy"`
	Reason   strategy.Reason `json:"reason,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
	Skipped  bool            `json:"skipped,omitempty"`
}

// Result is the outcome of racing one item.
type Result struct {
	ItemID     string            `json:"item_id"`
	Outcome    Outcome           `json:"outcome"`
	Transcript *model.Transcript `json:"transcript,omitempty"`
	Strategy   string            `json:"strategy,omitempty"`
	TrackKind  string            `json:"track_kind,omitempty"`
	Attempts   []Attempt         `json:"attempts,omitempty"`
	Cached     bool              `json:"cached,omitempty"`
}

// OK reports whether a transcript was obtained.
func (r *Result) OK() bool {
	return r.Outcome == OutcomeSuccess
}

// Racer is safe for concurrent use. Its cache, stats and breakers live as
// long as the Racer.
type Racer struct {
	registry *strategy.Registry
	cache    *cache
	stats    *Stats
	breakers *resilience.ServiceBreakers
	pacing   resilience.RetryConfig
	timeout  time.Duration
}

// Option configures a Racer.
type Option func(*Racer)

// WithStats shares a Stats between racers.
func WithStats(s *Stats) Option {
	return func(r *Racer) { r.stats = s }
}

// WithPacing overrides the delay taken before every attempt.
func WithPacing(p resilience.RetryConfig) Option {
	return func(r *Racer) { r.pacing = p }
}

// WithAttemptTimeout overrides the per-attempt timeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(r *Racer) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New creates a Racer over reg.
func New(reg *strategy.Registry, cfg config.RacerConfig, opts ...Option) *Racer {
	timeout := time.Duration(cfg.AttemptTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	trips := func(err error) bool { return strategy.ReasonOf(err).Trips() }
	breakers := resilience.NewServiceBreakers(resilience.RacerBreakers(cfg, trips)).
		WithNamedConfig(func(name string, bc resilience.CircuitBreakerConfig) resilience.CircuitBreakerConfig {
			bc.OnStateChange = func(from, to resilience.CircuitState) {
				zap.L().Warn("racer: strategy breaker changed state",
					zap.String("strategy", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			}
			return bc
		})

	r := &Racer{
		registry: reg,
		cache:    newCache(cfg.CacheSize),
		stats:    NewStats(),
		breakers: breakers,
		pacing:   resilience.RacerPacing(cfg),
		timeout:  timeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Stats returns the racer's strategy counters.
func (r *Racer) Stats() *Stats { return r.stats }

// BreakerStates returns the state of every strategy breaker used so far.
func (r *Racer) BreakerStates() map[string]resilience.CircuitState {
	return r.breakers.States()
}

// Registry returns the adapters the racer draws from.
func (r *Racer) Registry() *strategy.Registry { return r.registry }

// FetchTranscript returns a cached transcript or races the adapters for it.
// Adapter failures never surface as errors; the only error is ctx ending.
func (r *Racer) FetchTranscript(ctx context.Context, itemID string) (*Result, error) {
	if cached, ok := r.cache.get(itemID); ok {
		tr := cached.Transcript
		return &Result{
			ItemID:     itemID,
			Outcome:    OutcomeSuccess,
			Transcript: &tr,
			Strategy:   cached.Strategy,
			TrackKind:  cached.TrackKind,
			Cached:     true,
		}, nil
	}

	res := &Result{ItemID: itemID}
	definitive := true
	tried := 0

	for _, a := range r.stats.Rank(r.registry) {
		name := a.Name()
		cb := r.breakers.Get(name)
		if err := cb.Allow(); err != nil {
			res.Attempts = append(res.Attempts, Attempt{Strategy: name, Reason: strategy.ReasonBlocked, Error: err.Error(), Skipped: true})
			definitive = false
			continue
		}

		if err := resilience.Pause(ctx, r.pacing); err != nil {
			return res, eris.Wrap(err, "racer: cancelled")
		}

		start := time.Now()
		out, err := r.attempt(ctx, a, itemID)
		elapsed := time.Since(start)

		if err != nil && ctx.Err() != nil {
			// The caller gave up; this says nothing about the strategy.
			return res, eris.Wrap(ctx.Err(), "racer: cancelled")
		}
		cb.Record(err)
		r.stats.Record(name, err == nil)
		tried++

		if err == nil {
			r.cache.put(itemID, *out)
			tr := out.Transcript
			res.Outcome = OutcomeSuccess
			res.Transcript = &tr
			res.Strategy = name
			res.TrackKind = out.TrackKind
			res.Attempts = append(res.Attempts, Attempt{Strategy: name, Duration: elapsed})
			return res, nil
		}

		reason := strategy.ReasonOf(err)
		if !reason.Definitive() {
			definitive = false
		}
		res.Attempts = append(res.Attempts, Attempt{Strategy: name, Reason: reason, Error: err.Error(), Duration: elapsed})
		zap.L().Debug("racer: strategy failed, trying next",
			zap.String("item", itemID),
			zap.String("strategy", name),
			zap.String("reason", string(reason)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	}

	if tried > 0 && definitive {
		res.Outcome = OutcomeNoTranscript
	} else {
		res.Outcome = OutcomeExhausted
	}
	return res, nil
}

// attempt runs one adapter under the per-attempt timeout. A panic or an
// empty success is converted into a failure.
func (r *Racer) attempt(ctx context.Context, a strategy.Adapter, itemID string) (out *strategy.Result, err error) {
	actx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			out, err = nil, strategy.Fail(a.Name(), strategy.ReasonParse, eris.Errorf("panic: %v", p))
		}
	}()

	out, err = a.Attempt(actx, itemID)
	if err != nil {
		var f *strategy.Failure
		if !errors.As(err, &f) {
			err = strategy.Fail(a.Name(), strategy.ReasonTransient, err)
		}
		return nil, err
	}
	if out == nil || out.Transcript.Empty() {
		return nil, strategy.Fail(a.Name(), strategy.ReasonParse, eris.New("adapter returned an empty transcript"))
	}
	if out.Strategy == "" {
		out.Strategy = a.Name()
	}
	return out, nil
}

// CacheLen returns the number of cached transcripts.
func (r *Racer) CacheLen() int { return r.cache.len() }
