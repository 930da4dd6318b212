// Package ingest imports a whole collection: Tier-1 metadata for every item,
// then scraped captions (Tier-2) in bounded-parallel batches.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/transcript-engine/internal/config"
	"github.com/sells-group/transcript-engine/internal/listing"
	"github.com/sells-group/transcript-engine/internal/model"
	"github.com/sells-group/transcript-engine/internal/racer"
	"github.com/sells-group/transcript-engine/internal/resilience"
	"github.com/sells-group/transcript-engine/internal/store"
)

// Racer fetches a scraped transcript for one item.
type Racer interface {
	FetchTranscript(ctx context.Context, itemID string) (*racer.Result, error)
}

// Report summarises one ingest run.
type Report struct {
	CollectionID           string         `json:"collection_id"`
	Title                  string         `json:"title,omitempty"`
	Items                  int            `json:"items"`
	Tier1Count             int            `json:"tier1_count"`
	Tier2Count             int            `json:"tier2_count"` // items holding Tier-2 after the run
	Tier2Attempted         int            `json:"tier2_attempted"`
	Tier2Succeeded         int            `json:"tier2_succeeded"`
	Tier2Skipped           int            `json:"tier2_skipped"`
	AlreadyCaptioned       int            `json:"already_captioned"`
	LowCaptionAvailability bool           `json:"low_caption_availability"`
	SampleRate             float64        `json:"sample_rate"`
	StrategyWins           map[string]int `json:"strategy_wins,omitempty"`
	Outcomes               map[string]int `json:"outcomes,omitempty"`
	Duration               time.Duration  `json:"duration"`
}

// Coordinator runs ingests.
type Coordinator struct {
	lister     listing.Lister
	racer      Racer
	store      store.Store
	batchSize  int
	batchDelay time.Duration
	sampleSize int
	minRate    float64
	refresh    bool
	now        func() time.Time
}

// New creates a Coordinator.
func New(l listing.Lister, r Racer, st store.Store, cfg config.IngestConfig) *Coordinator {
	c := &Coordinator{
		lister:     l,
		racer:      r,
		store:      st,
		batchSize:  cfg.BatchSize,
		batchDelay: time.Duration(cfg.BatchDelayMs) * time.Millisecond,
		sampleSize: cfg.SampleSize,
		minRate:    cfg.MinSuccessRate,
		refresh:    cfg.RefreshCaptions,
		now:        time.Now,
	}
	if c.batchSize <= 0 {
		c.batchSize = 10
	}
	return c
}

// Ingest enumerates collectionID and acquires captions for its items. Only
// collection-level failures (listing, store, cancellation) are returned;
// per-item failures are recorded on the item.
func (c *Coordinator) Ingest(ctx context.Context, collectionID string) (*Report, error) {
	start := c.now()
	log := zap.L().With(zap.String("collection", collectionID))

	lst, err := c.lister.ListCollection(ctx, collectionID)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: list %s", collectionID)
	}

	rep := &Report{
		CollectionID: collectionID,
		Title:        lst.Collection.Title,
		Items:        len(lst.Entries),
		StrategyWins: make(map[string]int),
		Outcomes:     make(map[string]int),
	}

	pending := make([]string, 0, len(lst.Entries))
	captioned := make(map[string]bool)
	for _, e := range lst.Entries {
		if err := c.store.UpsertItemMetadata(ctx, collectionID, e.ID, e.Metadata); err != nil {
			return nil, eris.Wrapf(err, "ingest: store tier1 for %s", e.ID)
		}
		rep.Tier1Count++

		it, err := c.store.GetItem(ctx, e.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: load %s", e.ID)
		}
		if it.HasTier2() {
			captioned[e.ID] = true
			if !c.refresh {
				rep.AlreadyCaptioned++
				continue
			}
		}
		pending = append(pending, e.ID)
	}
	log.Info("ingest: tier1 stored",
		zap.Int("items", rep.Tier1Count),
		zap.Int("pending_tier2", len(pending)),
		zap.Int("already_captioned", rep.AlreadyCaptioned),
	)

	if err := c.acquireCaptions(ctx, pending, captioned, rep); err != nil {
		return nil, err
	}

	if rep.Tier2Count, err = c.countTier2(ctx, lst.Entries); err != nil {
		return nil, err
	}
	if rep.Tier2Attempted > 0 && !rep.LowCaptionAvailability {
		rep.SampleRate = float64(rep.Tier2Succeeded) / float64(rep.Tier2Attempted)
	}

	now := c.now().UTC()
	if err := c.store.UpsertCollection(ctx, model.Collection{
		ID:                     collectionID,
		Title:                  lst.Collection.Title,
		ItemCount:              rep.Items,
		Tier2Count:             rep.Tier2Count,
		LowCaptionAvailability: rep.LowCaptionAvailability,
		LastIngestedAt:         &now,
	}); err != nil {
		return nil, eris.Wrapf(err, "ingest: store collection %s", collectionID)
	}

	rep.Duration = c.now().Sub(start)
	log.Info("ingest: complete",
		zap.Int("items", rep.Items),
		zap.Int("tier2", rep.Tier2Count),
		zap.Int("attempted", rep.Tier2Attempted),
		zap.Int("skipped", rep.Tier2Skipped),
		zap.Bool("low_caption", rep.LowCaptionAvailability),
		zap.Duration("duration", rep.Duration),
	)
	return rep, nil
}

// acquireCaptions races pending items batch by batch. Once the sample is
// complete, a success rate under the threshold stops Tier-2 for the rest
// of the collection. Items in captioned keep their stored captions and status
// when a refresh finds nothing.
func (c *Coordinator) acquireCaptions(ctx context.Context, pending []string, captioned map[string]bool, rep *Report) error {
	sampled := false
	for start := 0; start < len(pending); start += c.batchSize {
		if start > 0 {
			if err := resilience.Sleep(ctx, c.batchDelay); err != nil {
				return eris.Wrap(err, "ingest: cancelled between batches")
			}
		}

		end := min(start+c.batchSize, len(pending))
		if err := c.runBatch(ctx, pending[start:end], captioned, rep); err != nil {
			return err
		}

		if sampled || c.sampleSize <= 0 || rep.Tier2Attempted < c.sampleSize {
			continue
		}
		sampled = true
		rep.SampleRate = float64(rep.Tier2Succeeded) / float64(rep.Tier2Attempted)
		if rep.SampleRate >= c.minRate {
			continue
		}

		rest := pending[end:]
		zap.L().Warn("ingest: low caption availability, skipping tier2 for the rest",
			zap.String("collection", rep.CollectionID),
			zap.Float64("sample_rate", rep.SampleRate),
			zap.Int("skipped", len(rest)),
		)
		rep.LowCaptionAvailability = true
		for _, id := range rest {
			if captioned[id] {
				continue
			}
			if err := c.store.MarkTier2Status(ctx, id, model.Tier2StatusSkipped, "low caption availability"); err != nil {
				return eris.Wrapf(err, "ingest: mark skipped %s", id)
			}
			rep.Tier2Skipped++
		}
		return nil
	}
	return nil
}

func (c *Coordinator) runBatch(ctx context.Context, ids []string, captioned map[string]bool, rep *Report) error {
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.batchSize)

	for _, id := range ids {
		g.Go(func() error {
			res, err := c.racer.FetchTranscript(gctx, id)
			if err != nil {
				// Only cancellation reaches here; item failures come back as outcomes.
				return eris.Wrapf(err, "ingest: race %s", id)
			}

			switch {
			case res.OK():
				err = c.store.SetTier2(gctx, id, model.Tier2Caption{
					Transcript: *res.Transcript,
					Strategy:   res.Strategy,
					TrackKind:  res.TrackKind,
					FetchedAt:  c.now().UTC(),
				})
			case captioned[id]:
				zap.L().Debug("ingest: refresh found nothing, keeping stored tier2",
					zap.String("item", id),
					zap.String("outcome", string(res.Outcome)),
				)
			default:
				err = c.store.MarkTier2Status(gctx, id, model.Tier2StatusUnavailable, string(res.Outcome))
				zap.L().Debug("ingest: no tier2",
					zap.String("item", id),
					zap.String("outcome", string(res.Outcome)),
					zap.Int("attempts", len(res.Attempts)),
				)
			}
			if err != nil {
				return eris.Wrapf(err, "ingest: store tier2 for %s", id)
			}

			mu.Lock()
			defer mu.Unlock()
			rep.Tier2Attempted++
			rep.Outcomes[string(res.Outcome)]++
			if res.OK() {
				rep.Tier2Succeeded++
				rep.StrategyWins[res.Strategy]++
			}
			return nil
		})
	}
	return g.Wait()
}

// countTier2 counts the listed items that hold Tier-2 in the store.
func (c *Coordinator) countTier2(ctx context.Context, entries []listing.Entry) (int, error) {
	n := 0
	for _, e := range entries {
		it, err := c.store.GetItem(ctx, e.ID)
		if err != nil {
			return 0, eris.Wrapf(err, "ingest: load %s", e.ID)
		}
		if it.HasTier2() {
			n++
		}
	}
	return n, nil
}
