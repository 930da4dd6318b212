package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/transcript-engine/internal/model"
)

// MemoryStore implements Store in process memory. Every read returns a deep
// copy, so callers can never mutate stored state behind the lock.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]*model.Collection
	items       map[string]*model.Item
	now         func() time.Time
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]*model.Collection),
		items:       make(map[string]*model.Item),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) UpsertCollection(_ context.Context, c model.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.collections[c.ID]
	if ok {
		c.TotalSpendUSD = existing.TotalSpendUSD
	} else {
		c.TotalSpendUSD = 0
	}
	c.UpdatedAt = s.now()
	s.collections[c.ID] = &c
	return nil
}

func (s *MemoryStore) GetCollection(_ context.Context, id string) (*model.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[id]
	if !ok {
		return nil, notFound("collection", id)
	}
	out := *c
	if c.LastIngestedAt != nil {
		out.LastIngestedAt = timePtr(*c.LastIngestedAt)
	}
	return &out, nil
}

func (s *MemoryStore) UpsertItemMetadata(_ context.Context, collectionID, itemID string, meta model.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if _, ok := s.collections[collectionID]; !ok {
		s.collections[collectionID] = &model.Collection{ID: collectionID, UpdatedAt: now}
	}
	if it, ok := s.items[itemID]; ok {
		it.Tier1 = meta
		it.CollectionID = collectionID
		it.UpdatedAt = now
		return nil
	}
	it := model.NewItem(itemID, collectionID, meta)
	it.CreatedAt = now
	it.UpdatedAt = now
	s.items[itemID] = &it
	return nil
}

func (s *MemoryStore) GetItem(_ context.Context, id string) (*model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return nil, notFound("item", id)
	}
	return cloneItem(it)
}

func (s *MemoryStore) ListItems(_ context.Context, collectionID string) ([]model.Item, error) {
	return s.list(collectionID, func(*model.Item) bool { return true })
}

func (s *MemoryStore) ListTier3Candidates(_ context.Context, collectionID string) ([]model.Item, error) {
	return s.list(collectionID, func(it *model.Item) bool { return it.Tier3.State.Claimable() })
}

func (s *MemoryStore) list(collectionID string, keep func(*model.Item) bool) ([]model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Item
	for _, it := range s.items {
		if it.CollectionID != collectionID || !keep(it) {
			continue
		}
		c, err := cloneItem(it)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SetTier2(_ context.Context, itemID string, caption model.Tier2Caption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[itemID]
	if !ok {
		return notFound("item", itemID)
	}
	c := caption
	c.Segments = append([]model.Segment(nil), caption.Segments...)
	it.Tier2 = &c
	it.Tier2Status = model.Tier2StatusAvailable
	it.Tier2Reason = ""
	it.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) MarkTier2Status(_ context.Context, itemID string, status model.Tier2Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[itemID]
	if !ok {
		return notFound("item", itemID)
	}
	it.Tier2Status = status
	it.Tier2Reason = reason
	it.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ClaimTier3(_ context.Context, itemID string, now time.Time) (*model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[itemID]
	if !ok {
		return nil, notFound("item", itemID)
	}
	if err := it.Tier3.Transition(model.Tier3Processing, now); err != nil {
		return nil, lostClaim(itemID, it.Tier3.State, model.Tier3Processing)
	}
	it.UpdatedAt = now
	return cloneItem(it)
}

func (s *MemoryStore) CompleteTier3(_ context.Context, itemID string, result model.Tier3Transcript) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[itemID]
	if !ok {
		return notFound("item", itemID)
	}
	now := s.now()
	if err := it.Tier3.Transition(model.Tier3Ready, now); err != nil {
		return lostClaim(itemID, it.Tier3.State, model.Tier3Ready)
	}
	r := result
	it.Tier3.Result = &r
	it.UpdatedAt = now

	if c, ok := s.collections[it.CollectionID]; ok && result.CostUSD > 0 {
		c.TotalSpendUSD += result.CostUSD
		c.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) FailTier3(_ context.Context, itemID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[itemID]
	if !ok {
		return notFound("item", itemID)
	}
	now := s.now()
	if err := it.Tier3.Transition(model.Tier3Failed, now); err != nil {
		return lostClaim(itemID, it.Tier3.State, model.Tier3Failed)
	}
	it.Tier3.LastError = reason
	it.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ReclaimStaleTier3(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var ids []string
	for id, it := range s.items {
		if it.Tier3.State != model.Tier3Processing || it.Tier3.StartedAt == nil || !it.Tier3.StartedAt.Before(cutoff) {
			continue
		}
		if err := it.Tier3.Transition(model.Tier3Failed, now); err != nil {
			continue
		}
		it.Tier3.LastError = staleReason
		it.UpdatedAt = now
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// cloneItem deep-copies an item through JSON, which every field survives.
func cloneItem(it *model.Item) (*model.Item, error) {
	data, err := json.Marshal(it)
	if err != nil {
		return nil, eris.Wrap(err, "memory: marshal item")
	}
	var out model.Item
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "memory: unmarshal item")
	}
	return &out, nil
}
