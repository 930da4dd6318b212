package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/transcript-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Tier-3 timestamps are unix milliseconds so the stale sweep can compare
// them numerically.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS collections (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL DEFAULT '',
	item_count       INTEGER NOT NULL DEFAULT 0,
	tier2_count      INTEGER NOT NULL DEFAULT 0,
	low_caption      INTEGER NOT NULL DEFAULT 0,
	total_spend_usd  REAL NOT NULL DEFAULT 0,
	last_ingested_at DATETIME,
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS items (
	id               TEXT PRIMARY KEY,
	collection_id    TEXT NOT NULL REFERENCES collections(id),
	metadata         TEXT NOT NULL,
	tier2            TEXT,
	tier2_status     TEXT NOT NULL DEFAULT 'none',
	tier2_reason     TEXT NOT NULL DEFAULT '',
	tier3_state      TEXT NOT NULL DEFAULT 'not_started',
	tier3_attempts   INTEGER NOT NULL DEFAULT 0,
	tier3_started_at INTEGER,
	tier3_updated_at INTEGER,
	tier3_error      TEXT NOT NULL DEFAULT '',
	tier3_result     TEXT,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_items_collection ON items(collection_id);
CREATE INDEX IF NOT EXISTS idx_items_tier3_state ON items(tier3_state);
`

const sqliteItemColumns = `id, collection_id, metadata, tier2, tier2_status, tier2_reason,
	tier3_state, tier3_attempts, tier3_started_at, tier3_updated_at, tier3_error, tier3_result,
	created_at, updated_at`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertCollection(ctx context.Context, c model.Collection) error {
	var last any
	if c.LastIngestedAt != nil {
		last = c.LastIngestedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (id, title, item_count, tier2_count, low_caption, last_ingested_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			item_count = excluded.item_count,
			tier2_count = excluded.tier2_count,
			low_caption = excluded.low_caption,
			last_ingested_at = excluded.last_ingested_at,
			updated_at = excluded.updated_at`,
		c.ID, c.Title, c.ItemCount, c.Tier2Count, c.LowCaptionAvailability, last, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert collection %s", c.ID)
}

func (s *SQLiteStore) GetCollection(ctx context.Context, id string) (*model.Collection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, item_count, tier2_count, low_caption, total_spend_usd, last_ingested_at, updated_at
		 FROM collections WHERE id = ?`, id)

	var c model.Collection
	var last sql.NullTime
	err := row.Scan(&c.ID, &c.Title, &c.ItemCount, &c.Tier2Count, &c.LowCaptionAvailability, &c.TotalSpendUSD, &last, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("collection", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan collection")
	}
	if last.Valid {
		c.LastIngestedAt = timePtr(last.Time)
	}
	return &c, nil
}

func (s *SQLiteStore) UpsertItemMetadata(ctx context.Context, collectionID, itemID string, meta model.Metadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal metadata")
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO collections (id, updated_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		collectionID, now,
	); err != nil {
		return eris.Wrapf(err, "sqlite: ensure collection %s", collectionID)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO items (id, collection_id, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			collection_id = excluded.collection_id,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		itemID, collectionID, string(metaJSON), now, now,
	); err != nil {
		return eris.Wrapf(err, "sqlite: upsert item %s", itemID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit item metadata")
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*model.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteItemColumns+` FROM items WHERE id = ?`, id)
	it, err := scanSQLiteItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("item", id)
	}
	return it, err
}

func (s *SQLiteStore) ListItems(ctx context.Context, collectionID string) ([]model.Item, error) {
	return s.listItems(ctx,
		`SELECT `+sqliteItemColumns+` FROM items WHERE collection_id = ? ORDER BY id`,
		collectionID)
}

func (s *SQLiteStore) ListTier3Candidates(ctx context.Context, collectionID string) ([]model.Item, error) {
	return s.listItems(ctx,
		`SELECT `+sqliteItemColumns+` FROM items
		 WHERE collection_id = ? AND tier3_state IN (?, ?) ORDER BY id`,
		collectionID, claimableStates[0], claimableStates[1])
}

func (s *SQLiteStore) listItems(ctx context.Context, query string, args ...any) ([]model.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list items")
	}
	defer rows.Close() //nolint:errcheck

	var items []model.Item
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list items iterate")
}

func (s *SQLiteStore) SetTier2(ctx context.Context, itemID string, caption model.Tier2Caption) error {
	data, err := json.Marshal(caption)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal tier2")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET tier2 = ?, tier2_status = ?, tier2_reason = '', updated_at = ? WHERE id = ?`,
		string(data), string(model.Tier2StatusAvailable), time.Now().UTC(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set tier2 %s", itemID)
	}
	return checkRowsAffected(res, "item", itemID)
}

func (s *SQLiteStore) MarkTier2Status(ctx context.Context, itemID string, status model.Tier2Status, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET tier2_status = ?, tier2_reason = ?, updated_at = ? WHERE id = ?`,
		string(status), reason, time.Now().UTC(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark tier2 %s", itemID)
	}
	return checkRowsAffected(res, "item", itemID)
}

func (s *SQLiteStore) ClaimTier3(ctx context.Context, itemID string, now time.Time) (*model.Item, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET tier3_state = ?, tier3_attempts = tier3_attempts + 1,
			tier3_started_at = ?, tier3_updated_at = ?, tier3_error = '', updated_at = ?
		 WHERE id = ? AND tier3_state IN (?, ?)`,
		string(model.Tier3Processing), now.UnixMilli(), now.UnixMilli(), now,
		itemID, claimableStates[0], claimableStates[1],
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim tier3 %s", itemID)
	}
	if err := s.checkTransition(ctx, res, itemID, model.Tier3Processing); err != nil {
		return nil, err
	}
	return s.GetItem(ctx, itemID)
}

func (s *SQLiteStore) CompleteTier3(ctx context.Context, itemID string, result model.Tier3Transcript) error {
	data, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal tier3")
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE items SET tier3_state = ?, tier3_result = ?, tier3_updated_at = ?, updated_at = ?
		 WHERE id = ? AND tier3_state = ?`,
		string(model.Tier3Ready), string(data), now.UnixMilli(), now, itemID, string(model.Tier3Processing),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete tier3 %s", itemID)
	}
	if err := s.checkTransition(ctx, res, itemID, model.Tier3Ready); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE collections SET total_spend_usd = total_spend_usd + ?, updated_at = ?
		 WHERE id = (SELECT collection_id FROM items WHERE id = ?)`,
		result.CostUSD, now, itemID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: add spend for %s", itemID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tier3")
}

func (s *SQLiteStore) FailTier3(ctx context.Context, itemID string, reason string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET tier3_state = ?, tier3_error = ?, tier3_updated_at = ?, updated_at = ?
		 WHERE id = ? AND tier3_state = ?`,
		string(model.Tier3Failed), reason, now.UnixMilli(), now, itemID, string(model.Tier3Processing),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail tier3 %s", itemID)
	}
	return s.checkTransition(ctx, res, itemID, model.Tier3Failed)
}

func (s *SQLiteStore) ReclaimStaleTier3(ctx context.Context, cutoff time.Time) ([]string, error) {
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE items SET tier3_state = ?, tier3_error = ?, tier3_updated_at = ?, updated_at = ?
		 WHERE tier3_state = ? AND tier3_started_at < ?
		 RETURNING id`,
		string(model.Tier3Failed), staleReason, now.UnixMilli(), now,
		string(model.Tier3Processing), cutoff.UTC().UnixMilli(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: reclaim stale tier3")
	}
	defer rows.Close() //nolint:errcheck

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan reclaimed id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: reclaim iterate")
}

// checkTransition turns a zero-row compare-and-set into ErrNotFound or
// ErrInvalidTransition.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, itemID string, to model.Tier3State) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	var state string
	err = s.db.QueryRowContext(ctx, `SELECT tier3_state FROM items WHERE id = ?`, itemID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("item", itemID)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: read tier3 state")
	}
	return lostClaim(itemID, model.Tier3State(state), to)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteItem(row scannable) (*model.Item, error) {
	var (
		it                  model.Item
		metaJSON            string
		tier2JSON, t3JSON   sql.NullString
		startedMs, updateMs sql.NullInt64
	)
	err := row.Scan(&it.ID, &it.CollectionID, &metaJSON, &tier2JSON, &it.Tier2Status, &it.Tier2Reason,
		&it.Tier3.State, &it.Tier3.Attempts, &startedMs, &updateMs, &it.Tier3.LastError, &t3JSON,
		&it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan item")
	}

	if startedMs.Valid {
		it.Tier3.StartedAt = timePtr(time.UnixMilli(startedMs.Int64).UTC())
	}
	if updateMs.Valid {
		it.Tier3.UpdatedAt = timePtr(time.UnixMilli(updateMs.Int64).UTC())
	}
	if err := decodeItemJSON(&it, []byte(metaJSON), nullBytes(tier2JSON), nullBytes(t3JSON)); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode item")
	}
	return &it, nil
}

func nullBytes(ns sql.NullString) []byte {
	if !ns.Valid {
		return nil
	}
	return []byte(ns.String)
}

// decodeItemJSON fills the JSON-encoded columns shared by the SQL stores.
func decodeItemJSON(it *model.Item, meta, tier2, tier3 []byte) error {
	if err := json.Unmarshal(meta, &it.Tier1); err != nil {
		return eris.Wrap(err, "unmarshal metadata")
	}
	if len(tier2) > 0 {
		it.Tier2 = &model.Tier2Caption{}
		if err := json.Unmarshal(tier2, it.Tier2); err != nil {
			return eris.Wrap(err, "unmarshal tier2")
		}
	}
	if len(tier3) > 0 {
		it.Tier3.Result = &model.Tier3Transcript{}
		if err := json.Unmarshal(tier3, it.Tier3.Result); err != nil {
			return eris.Wrap(err, "unmarshal tier3")
		}
	}
	return nil
}
