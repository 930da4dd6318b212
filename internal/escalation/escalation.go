// Package escalation promotes a single item to Tier-3 on demand. The store's
// compare-and-set on the Tier-3 state is the guard against double spend
// across processes; inside one process concurrent callers share a flight.
package escalation

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/transcript-engine/internal/config"
	"github.com/sells-group/transcript-engine/internal/cost"
	"github.com/sells-group/transcript-engine/internal/model"
	"github.com/sells-group/transcript-engine/internal/store"
)

// ErrInProgress means another worker holds the item in processing. The
// caller should poll GetItem rather than surface an error.
var ErrInProgress = eris.New("escalation: in progress")

const defaultProcessingTimeout = 30 * time.Minute

// Acquirer performs the expensive Tier-3 acquisition. It must not spend more
// than maxCostUSD; when the real cost turns out higher it returns a
// *cost.OverBudgetError without calling the provider.
type Acquirer interface {
	Acquire(ctx context.Context, item model.Item, maxCostUSD float64) (*model.Tier3Transcript, error)
	Estimate(item model.Item) float64
}

// Result is the outcome of an escalation.
type Result struct {
	ItemID     string                 `json:"item_id"`
	State      model.Tier3State       `json:"state"`
	Transcript *model.Tier3Transcript `json:"transcript,omitempty"`
	Cached     bool                   `json:"cached"`
	Error      string                 `json:"error,omitempty"`
}

// flight is one in-process promotion shared by every caller escalating the
// same item. It is cancelled only when its last waiter gives up.
type flight struct {
	done    chan struct{}
	res     *Result
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Escalator runs Tier-3 promotions.
type Escalator struct {
	store    store.Store
	acquirer Acquirer
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	flights map[string]*flight
}

// New creates an Escalator.
func New(st store.Store, acq Acquirer, cfg config.EscalationConfig) *Escalator {
	timeout := time.Duration(cfg.ProcessingTimeoutMins) * time.Minute
	if timeout <= 0 {
		timeout = defaultProcessingTimeout
	}
	return &Escalator{
		store:    st,
		acquirer: acq,
		timeout:  timeout,
		now:      time.Now,
		flights:  make(map[string]*flight),
	}
}

// Estimate returns the expected cost of promoting item.
func (e *Escalator) Estimate(item model.Item) float64 {
	return e.acquirer.Estimate(item)
}

// ProcessingTimeout is the age after which a processing item counts as stuck.
func (e *Escalator) ProcessingTimeout() time.Duration {
	return e.timeout
}

// Escalate returns the item's Tier-3 transcript, acquiring it if needed.
// A ready item is returned from the store without any spend. Callers in this
// process share one promotion per item; while another process holds the
// item, Escalate returns ErrInProgress.
func (e *Escalator) Escalate(ctx context.Context, itemID string) (*Result, error) {
	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, eris.Wrapf(err, "escalation: load %s", itemID)
	}

	switch item.Tier3.State {
	case model.Tier3Ready:
		return readyResult(item), nil
	case model.Tier3Processing:
		if e.inFlight(itemID) {
			return e.join(ctx, itemID)
		}
		if !item.Tier3.IsStale(e.now(), e.timeout) {
			return &Result{ItemID: itemID, State: model.Tier3Processing}, ErrInProgress
		}
		if _, err := e.Reclaim(ctx); err != nil {
			return nil, err
		}
	}

	return e.join(ctx, itemID)
}

func (e *Escalator) inFlight(itemID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.flights[itemID]
	return ok
}

// join attaches the caller to the item's flight, starting one if needed.
// The flight runs detached from any single caller, under the processing
// timeout, so one caller going away does not fail the others.
func (e *Escalator) join(ctx context.Context, itemID string) (*Result, error) {
	e.mu.Lock()
	f, shared := e.flights[itemID]
	if shared {
		f.waiters++
	} else {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		f = &flight{done: make(chan struct{}), waiters: 1, cancel: cancel}
		e.flights[itemID] = f
		go e.fly(runCtx, itemID, f)
	}
	e.mu.Unlock()
	if shared {
		zap.L().Debug("escalation: joined in-flight promotion", zap.String("item", itemID))
	}

	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
	}

	e.mu.Lock()
	f.waiters--
	last := f.waiters == 0
	if last {
		if e.flights[itemID] == f {
			delete(e.flights, itemID)
		}
		f.cancel()
	}
	e.mu.Unlock()

	if !last {
		return nil, eris.Wrapf(ctx.Err(), "escalation: %s", itemID)
	}
	// The last waiter sees the cancelled promotion through so the item is
	// already failed when it returns.
	<-f.done
	return f.res, f.err
}

func (e *Escalator) fly(ctx context.Context, itemID string, f *flight) {
	f.res, f.err = e.Promote(ctx, itemID, cost.NoLimit)

	e.mu.Lock()
	if e.flights[itemID] == f {
		delete(e.flights, itemID)
	}
	e.mu.Unlock()
	f.cancel()
	close(f.done)
}

// Promote claims the item and runs the acquisition. It is the primitive the
// background queue shares with Escalate. Losing the claim yields
// ErrInProgress, or the stored transcript if the winner already finished.
// An acquisition that would cost more than maxCostUSD is abandoned before
// the paid call: the item is marked failed with its measured duration saved,
// and the *cost.OverBudgetError is returned.
func (e *Escalator) Promote(ctx context.Context, itemID string, maxCostUSD float64) (*Result, error) {
	claimed, err := e.store.ClaimTier3(ctx, itemID, e.now().UTC())
	if errors.Is(err, store.ErrInvalidTransition) {
		item, getErr := e.store.GetItem(ctx, itemID)
		if getErr == nil && item.Tier3.State == model.Tier3Ready {
			return readyResult(item), nil
		}
		return &Result{ItemID: itemID, State: model.Tier3Processing}, ErrInProgress
	}
	if err != nil {
		return nil, eris.Wrapf(err, "escalation: claim %s", itemID)
	}

	log := zap.L().With(zap.String("item", itemID), zap.Int("attempt", claimed.Tier3.Attempts))
	log.Info("escalation: processing")

	// State changes after the claim must land even if the caller has gone away,
	// so a cancelled run ends failed rather than stuck in processing.
	persistCtx := context.WithoutCancel(ctx)

	tr, err := e.acquirer.Acquire(ctx, *claimed, maxCostUSD)
	var over *cost.OverBudgetError
	if errors.As(err, &over) {
		meta := claimed.Tier1
		meta.DurationSeconds = int(math.Ceil(over.AudioSeconds))
		if err := e.store.UpsertItemMetadata(persistCtx, claimed.CollectionID, itemID, meta); err != nil {
			log.Warn("escalation: could not record measured duration", zap.Error(err))
		}
		reason := "over budget: " + over.Error()
		if failErr := e.store.FailTier3(persistCtx, itemID, reason); failErr != nil {
			log.Error("escalation: could not mark failed", zap.Error(failErr))
		}
		log.Info("escalation: skipped over budget",
			zap.Float64("cost_usd", over.CostUSD),
			zap.Float64("limit_usd", over.LimitUSD),
		)
		return &Result{ItemID: itemID, State: model.Tier3Failed, Error: reason}, eris.Wrapf(err, "escalation: acquire %s", itemID)
	}
	if err != nil {
		reason := err.Error()
		if ctx.Err() != nil {
			reason = "cancelled: " + ctx.Err().Error()
		}
		if failErr := e.store.FailTier3(persistCtx, itemID, reason); failErr != nil {
			log.Error("escalation: could not mark failed", zap.Error(failErr))
		}
		log.Warn("escalation: acquisition failed", zap.Error(err))
		return &Result{ItemID: itemID, State: model.Tier3Failed, Error: reason}, eris.Wrapf(err, "escalation: acquire %s", itemID)
	}

	if err := e.store.CompleteTier3(persistCtx, itemID, *tr); err != nil {
		if failErr := e.store.FailTier3(persistCtx, itemID, "store: "+err.Error()); failErr != nil {
			log.Error("escalation: could not mark failed", zap.Error(failErr))
		}
		return nil, eris.Wrapf(err, "escalation: complete %s", itemID)
	}

	log.Info("escalation: ready",
		zap.Float64("cost_usd", tr.CostUSD),
		zap.Float64("confidence", tr.Confidence),
	)
	return &Result{ItemID: itemID, State: model.Tier3Ready, Transcript: tr}, nil
}

// Reclaim marks every processing item older than the processing timeout as
// failed and returns their ids.
func (e *Escalator) Reclaim(ctx context.Context) ([]string, error) {
	ids, err := e.store.ReclaimStaleTier3(ctx, e.now().Add(-e.timeout))
	if err != nil {
		return nil, eris.Wrap(err, "escalation: reclaim stale")
	}
	if len(ids) > 0 {
		zap.L().Warn("escalation: reclaimed stale items", zap.Strings("items", ids))
	}
	return ids, nil
}

func readyResult(item *model.Item) *Result {
	return &Result{
		ItemID:     item.ID,
		State:      model.Tier3Ready,
		Transcript: item.Tier3.Result,
		Cached:     true,
	}
}
