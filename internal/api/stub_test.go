package api

import (
	"context"

	"github.com/sells-group/transcript-engine/internal/engine"
	"github.com/sells-group/transcript-engine/internal/enrich"
	"github.com/sells-group/transcript-engine/internal/escalation"
	"github.com/sells-group/transcript-engine/internal/ingest"
	"github.com/sells-group/transcript-engine/internal/model"
	"github.com/sells-group/transcript-engine/internal/store"
)

type stubService struct {
	escalate  func(id string) (*escalation.Result, error)
	ingestErr error
	enrichErr error
}

func (s *stubService) GetItem(context.Context, string) (*model.Item, error) {
	return nil, store.ErrNotFound
}

func (s *stubService) GetCollection(context.Context, string) (*model.Collection, error) {
	return nil, store.ErrNotFound
}

func (s *stubService) Escalate(_ context.Context, id string) (*escalation.Result, error) {
	if s.escalate == nil {
		return nil, store.ErrNotFound
	}
	return s.escalate(id)
}

func (s *stubService) Ingest(_ context.Context, id string) (*ingest.Report, error) {
	if s.ingestErr != nil {
		return nil, s.ingestErr
	}
	return &ingest.Report{CollectionID: id}, nil
}

func (s *stubService) RunBackgroundPass(_ context.Context, id string, _ enrich.Options) (*enrich.Report, error) {
	if s.enrichErr != nil {
		return nil, s.enrichErr
	}
	return &enrich.Report{CollectionID: id, StopReason: enrich.StopCompleted}, nil
}

func (s *stubService) StrategyStats() []engine.StrategyHealth { return nil }
