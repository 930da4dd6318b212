package engine

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/transcript-engine/internal/config"
	"github.com/sells-group/transcript-engine/internal/cost"
	"github.com/sells-group/transcript-engine/internal/listing"
	"github.com/sells-group/transcript-engine/internal/platform"
	"github.com/sells-group/transcript-engine/internal/racer"
	"github.com/sells-group/transcript-engine/internal/store"
	"github.com/sells-group/transcript-engine/internal/strategy"
	"github.com/sells-group/transcript-engine/internal/transcribe"
)

// OpenStore opens the configured store backend and migrates it.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Driver {
	case "memory":
		st = store.NewMemory()
	case "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "transcripts.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.DatabaseURL, nil)
	case "mongo":
		st, err = store.NewMongo(ctx, cfg.DatabaseURL, cfg.Database)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// StrategyNames resolves the racer's adapter order: the priority file when
// configured, else racer.strategies.
func StrategyNames(cfg config.RacerConfig) ([]string, error) {
	if cfg.PriorityFile == "" {
		return cfg.Strategies, nil
	}
	pf, err := racer.LoadPriority(cfg.PriorityFile)
	if err != nil {
		return nil, err
	}
	return pf.Names(), nil
}

// Build assembles a production Engine from configuration. A listing
// provider that cannot be configured only fails ingest calls.
func Build(ctx context.Context, cfg *config.Config) (*Engine, error) {
	st, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	client := platform.NewFromConfig(cfg.Platform)

	names, err := StrategyNames(cfg.Racer)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	opts := strategy.Options{BaseURL: cfg.Platform.BaseURL}
	if cfg.Platform.PreferLanguage != "" {
		opts.Languages = []string{cfg.Platform.PreferLanguage}
	}
	reg, err := strategy.Build(names, client, opts)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "build strategy registry")
	}

	var lister listing.Lister
	lister, err = listing.New(client, cfg.Listing)
	if err != nil {
		zap.L().Warn("listing provider unavailable, ingest disabled", zap.Error(err))
		lister = unavailableLister{err: err}
	}

	acq := transcribe.FromConfig(cfg.Transcribe, cost.FromConfig(cfg.Pricing))

	zap.L().Info("engine ready",
		zap.String("store", cfg.Store.Driver),
		zap.Strings("strategies", names),
		zap.String("listing", cfg.Listing.Provider),
		zap.Bool("stealth", client.HasBrowser()),
	)

	return New(cfg, Components{
		Store:    st,
		Lister:   lister,
		Registry: reg,
		Acquirer: acq,
	}), nil
}

type unavailableLister struct{ err error }

func (u unavailableLister) ListCollection(context.Context, string) (*listing.Listing, error) {
	return nil, u.err
}
