package main

import (
	"context"

	"github.com/sells-group/transcript-engine/internal/engine"
)

// initEngine validates configuration for mode and builds the engine.
// Callers should defer eng.Close().
func initEngine(ctx context.Context, mode string) (*engine.Engine, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	return engine.Build(ctx, cfg)
}
