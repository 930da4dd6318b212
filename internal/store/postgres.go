package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/transcript-engine/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS collections (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL DEFAULT '',
	item_count       INTEGER NOT NULL DEFAULT 0,
	tier2_count      INTEGER NOT NULL DEFAULT 0,
	low_caption      BOOLEAN NOT NULL DEFAULT false,
	total_spend_usd  DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (total_spend_usd >= 0),
	last_ingested_at TIMESTAMPTZ,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS items (
	id               TEXT PRIMARY KEY,
	collection_id    TEXT NOT NULL REFERENCES collections(id),
	metadata         JSONB NOT NULL,
	tier2            JSONB,
	tier2_status     TEXT NOT NULL DEFAULT 'none',
	tier2_reason     TEXT NOT NULL DEFAULT '',
	tier3_state      TEXT NOT NULL DEFAULT 'not_started'
		CHECK (tier3_state IN ('not_started', 'processing', 'ready', 'failed')),
	tier3_attempts   INTEGER NOT NULL DEFAULT 0,
	tier3_started_at TIMESTAMPTZ,
	tier3_updated_at TIMESTAMPTZ,
	tier3_error      TEXT NOT NULL DEFAULT '',
	tier3_result     JSONB,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_items_collection ON items(collection_id);
CREATE INDEX IF NOT EXISTS idx_items_tier3_state ON items(collection_id, tier3_state);
`

const pgItemColumns = `id, collection_id, metadata, tier2, tier2_status, tier2_reason,
	tier3_state, tier3_attempts, tier3_started_at, tier3_updated_at, tier3_error, tier3_result,
	created_at, updated_at`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) UpsertCollection(ctx context.Context, c model.Collection) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO collections (id, title, item_count, tier2_count, low_caption, last_ingested_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			item_count = EXCLUDED.item_count,
			tier2_count = EXCLUDED.tier2_count,
			low_caption = EXCLUDED.low_caption,
			last_ingested_at = EXCLUDED.last_ingested_at,
			updated_at = now()`,
		c.ID, c.Title, c.ItemCount, c.Tier2Count, c.LowCaptionAvailability, c.LastIngestedAt,
	)
	return eris.Wrapf(err, "postgres: upsert collection %s", c.ID)
}

func (s *PostgresStore) GetCollection(ctx context.Context, id string) (*model.Collection, error) {
	var c model.Collection
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, item_count, tier2_count, low_caption, total_spend_usd, last_ingested_at, updated_at
		 FROM collections WHERE id = $1`, id,
	).Scan(&c.ID, &c.Title, &c.ItemCount, &c.Tier2Count, &c.LowCaptionAvailability, &c.TotalSpendUSD, &c.LastIngestedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("collection", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get collection %s", id)
	}
	return &c, nil
}

func (s *PostgresStore) UpsertItemMetadata(ctx context.Context, collectionID, itemID string, meta model.Metadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal metadata")
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO collections (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, collectionID,
		); err != nil {
			return eris.Wrapf(err, "postgres: ensure collection %s", collectionID)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO items (id, collection_id, metadata) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET
				collection_id = EXCLUDED.collection_id,
				metadata = EXCLUDED.metadata,
				updated_at = now()`,
			itemID, collectionID, metaJSON,
		)
		return eris.Wrapf(err, "postgres: upsert item %s", itemID)
	})
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (*model.Item, error) {
	it, err := scanPgItem(s.pool.QueryRow(ctx, `SELECT `+pgItemColumns+` FROM items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("item", id)
	}
	return it, err
}

func (s *PostgresStore) ListItems(ctx context.Context, collectionID string) ([]model.Item, error) {
	return s.listItems(ctx,
		`SELECT `+pgItemColumns+` FROM items WHERE collection_id = $1 ORDER BY id`, collectionID)
}

func (s *PostgresStore) ListTier3Candidates(ctx context.Context, collectionID string) ([]model.Item, error) {
	return s.listItems(ctx,
		`SELECT `+pgItemColumns+` FROM items
		 WHERE collection_id = $1 AND tier3_state = ANY($2) ORDER BY id`,
		collectionID, claimableStates)
}

func (s *PostgresStore) listItems(ctx context.Context, query string, args ...any) ([]model.Item, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list items")
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		it, err := scanPgItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list items iterate")
}

func (s *PostgresStore) SetTier2(ctx context.Context, itemID string, caption model.Tier2Caption) error {
	data, err := json.Marshal(caption)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal tier2")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE items SET tier2 = $1, tier2_status = $2, tier2_reason = '', updated_at = now() WHERE id = $3`,
		data, string(model.Tier2StatusAvailable), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set tier2 %s", itemID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("item", itemID)
	}
	return nil
}

func (s *PostgresStore) MarkTier2Status(ctx context.Context, itemID string, status model.Tier2Status, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE items SET tier2_status = $1, tier2_reason = $2, updated_at = now() WHERE id = $3`,
		string(status), reason, itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark tier2 %s", itemID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("item", itemID)
	}
	return nil
}

func (s *PostgresStore) ClaimTier3(ctx context.Context, itemID string, now time.Time) (*model.Item, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE items SET tier3_state = $1, tier3_attempts = tier3_attempts + 1,
			tier3_started_at = $2, tier3_updated_at = $2, tier3_error = '', updated_at = $2
		 WHERE id = $3 AND tier3_state = ANY($4)`,
		string(model.Tier3Processing), now.UTC(), itemID, claimableStates,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: claim tier3 %s", itemID)
	}
	if tag.RowsAffected() == 0 {
		return nil, s.explainMiss(ctx, s.pool, itemID, model.Tier3Processing)
	}
	return s.GetItem(ctx, itemID)
}

func (s *PostgresStore) CompleteTier3(ctx context.Context, itemID string, result model.Tier3Transcript) error {
	data, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal tier3")
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE items SET tier3_state = $1, tier3_result = $2, tier3_updated_at = now(), updated_at = now()
			 WHERE id = $3 AND tier3_state = $4`,
			string(model.Tier3Ready), data, itemID, string(model.Tier3Processing),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: complete tier3 %s", itemID)
		}
		if tag.RowsAffected() == 0 {
			return s.explainMiss(ctx, tx, itemID, model.Tier3Ready)
		}
		_, err = tx.Exec(ctx,
			`UPDATE collections SET total_spend_usd = total_spend_usd + $1, updated_at = now()
			 WHERE id = (SELECT collection_id FROM items WHERE id = $2)`,
			result.CostUSD, itemID,
		)
		return eris.Wrapf(err, "postgres: add spend for %s", itemID)
	})
}

func (s *PostgresStore) FailTier3(ctx context.Context, itemID string, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE items SET tier3_state = $1, tier3_error = $2, tier3_updated_at = now(), updated_at = now()
		 WHERE id = $3 AND tier3_state = $4`,
		string(model.Tier3Failed), reason, itemID, string(model.Tier3Processing),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail tier3 %s", itemID)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, s.pool, itemID, model.Tier3Failed)
	}
	return nil
}

func (s *PostgresStore) ReclaimStaleTier3(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE items SET tier3_state = $1, tier3_error = $2, tier3_updated_at = now(), updated_at = now()
		 WHERE tier3_state = $3 AND tier3_started_at < $4
		 RETURNING id`,
		string(model.Tier3Failed), staleReason, string(model.Tier3Processing), cutoff.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: reclaim stale tier3")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, eris.Wrap(err, "postgres: collect reclaimed ids")
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// explainMiss turns a zero-row compare-and-set into ErrNotFound or
// ErrInvalidTransition.
func (s *PostgresStore) explainMiss(ctx context.Context, q querier, itemID string, to model.Tier3State) error {
	var state string
	err := q.QueryRow(ctx, `SELECT tier3_state FROM items WHERE id = $1`, itemID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound("item", itemID)
	}
	if err != nil {
		return eris.Wrap(err, "postgres: read tier3 state")
	}
	return lostClaim(itemID, model.Tier3State(state), to)
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

func scanPgItem(row pgx.Row) (*model.Item, error) {
	var (
		it                        model.Item
		tier2Status, tier3State   string
		meta, tier2, tier3        []byte
		startedAt, tier3UpdatedAt *time.Time
	)
	err := row.Scan(&it.ID, &it.CollectionID, &meta, &tier2, &tier2Status, &it.Tier2Reason,
		&tier3State, &it.Tier3.Attempts, &startedAt, &tier3UpdatedAt, &it.Tier3.LastError, &tier3,
		&it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan item")
	}
	it.Tier2Status = model.Tier2Status(tier2Status)
	it.Tier3.State = model.Tier3State(tier3State)
	it.Tier3.StartedAt = startedAt
	it.Tier3.UpdatedAt = tier3UpdatedAt
	if err := decodeItemJSON(&it, meta, tier2, tier3); err != nil {
		return nil, eris.Wrap(err, "postgres: decode item")
	}
	return &it, nil
}
