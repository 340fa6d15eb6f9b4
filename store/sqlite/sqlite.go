/*
Package sqlite provides a SQLite-backed implementation of the ledger storage
interfaces.

PURPOSE:
  Implements ledger.Store, ledger.TxStore and ledger.Queries using SQLite.
  Every method is written once against a querier, so the same code runs on
  the pool and inside a transaction.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on entries, unlocks or events
  - Triggers abort any UPDATE/DELETE that reaches those tables anyway
  - Corrections are adjustment entries only

KEY TABLES:
  referrers:      Referrer identities
  referrals:      Leads and their pipeline state (optimistic version column)
  entries:        Immutable ledger
  reward_configs: Versioned loot-box thresholds
  reward_unlocks: One row per (referrer, config version)
  events:         Transactional outbox, seq is the commit order

ISOLATION:
  The database is opened with _txlock=immediate, so every atomic unit takes
  the write lock at BEGIN. Units are serialized by SQLite itself, across
  processes sharing the file, which makes the unlock check-then-append
  race-free. The unique keys are the second line: a violation surfaces as
  ledger.ConflictError and the caller re-runs the unit.

ERROR MAPPING:
  UNIQUE / PRIMARY KEY violation -> ledger.ConflictError
  SQLITE_BUSY / SQLITE_LOCKED    -> ledger.TransientStorageError
  context deadline               -> ledger.TransientStorageError

USAGE:
  store, err := sqlite.New("./data/referrals.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  err = store.WithTx(ctx, func(tx ledger.Store) error {
      _, err := ledger.NewLedger(tx, nil).Append(ctx, entry)
      return err
  })
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/referral-engine/ledger"
)

// Options tune how the database is opened.
type Options struct {
	BusyTimeout time.Duration
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	*conn
	db *sql.DB
}

var (
	_ ledger.TxStore = (*Store)(nil)
	_ ledger.Queries = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	return Open(dbPath, Options{})
}

// Open creates a store with explicit options.
func Open(dbPath string, opts Options) (*Store, error) {
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=%d",
		dbPath, busy.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{conn: &conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS referrers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS referrals (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL REFERENCES referrers(id),
		consultant_id TEXT,
		lead_name TEXT NOT NULL DEFAULT '',
		lead_contact TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_referrals_referrer
		ON referrals(referrer_id, state);
	CREATE INDEX IF NOT EXISTS idx_referrals_consultant
		ON referrals(consultant_id) WHERE consultant_id IS NOT NULL;

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL REFERENCES referrers(id),
		referral_id TEXT,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		config_version INTEGER,
		idempotency_key TEXT UNIQUE,
		reason TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	-- History pages and balance (hot path)
	CREATE INDEX IF NOT EXISTS idx_entries_referrer_created
		ON entries(referrer_id, created_at DESC, id DESC);
	-- Reward counters
	CREATE INDEX IF NOT EXISTS idx_entries_referrer_kind
		ON entries(referrer_id, kind, created_at);

	CREATE TRIGGER IF NOT EXISTS entries_no_update BEFORE UPDATE ON entries
	BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS entries_no_delete BEFORE DELETE ON entries
	BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;

	CREATE TABLE IF NOT EXISTS reward_configs (
		version INTEGER PRIMARY KEY,
		referrals_required INTEGER NOT NULL,
		sales_required INTEGER NOT NULL,
		effective_from INTEGER NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reward_configs_effective
		ON reward_configs(effective_from, version);

	-- CRITICAL: at most one unlock per referrer and config version
	CREATE TABLE IF NOT EXISTS reward_unlocks (
		referrer_id TEXT NOT NULL REFERENCES referrers(id),
		config_version INTEGER NOT NULL REFERENCES reward_configs(version),
		entry_id TEXT NOT NULL,
		unlocked_at INTEGER NOT NULL,
		PRIMARY KEY (referrer_id, config_version)
	);

	CREATE TRIGGER IF NOT EXISTS reward_unlocks_no_delete BEFORE DELETE ON reward_unlocks
	BEGIN SELECT RAISE(ABORT, 'reward unlocks are permanent'); END;

	-- Outbox: seq is the commit order used by fanout
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		referrer_id TEXT,
		referral_id TEXT,
		consultant_id TEXT,
		payload_json TEXT NOT NULL DEFAULT '{}',
		committed_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS (ledger.TxStore)
// =============================================================================

// WithTx executes fn within one database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin", err, "")
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify("commit", err, "")
	}
	return nil
}

// =============================================================================
// CONN - every query, usable on the pool or inside a transaction
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q querier
}

// --- Referrers ---

func (c *conn) GetReferrer(ctx context.Context, id ledger.ReferrerID) (*ledger.Referrer, error) {
	var (
		r       ledger.Referrer
		created int64
	)
	err := c.q.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM referrers WHERE id = ?`, id,
	).Scan(&r.ID, &r.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Entity: "referrer", ID: string(id)}
	}
	if err != nil {
		return nil, classify("get referrer", err, "")
	}
	r.CreatedAt = fromNanos(created)
	return &r, nil
}

func (c *conn) InsertReferrer(ctx context.Context, r ledger.Referrer) error {
	_, err := c.q.ExecContext(ctx,
		`INSERT INTO referrers (id, name, created_at) VALUES (?, ?, ?)`,
		r.ID, r.Name, toNanos(r.CreatedAt),
	)
	return classify("insert referrer", err, "referrer:"+string(r.ID))
}

func (c *conn) ListReferrerIDs(ctx context.Context) ([]ledger.ReferrerID, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT id FROM referrers ORDER BY id`)
	if err != nil {
		return nil, classify("list referrers", err, "")
	}
	defer rows.Close()

	var ids []ledger.ReferrerID
	for rows.Next() {
		var id ledger.ReferrerID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Referrals ---

const referralColumns = `id, referrer_id, consultant_id, lead_name, lead_contact, state, created_at, updated_at, version`

func (c *conn) GetReferral(ctx context.Context, id ledger.ReferralID) (*ledger.Referral, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+referralColumns+` FROM referrals WHERE id = ?`, id)
	r, err := scanReferral(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Entity: "referral", ID: string(id)}
	}
	if err != nil {
		return nil, classify("get referral", err, "")
	}
	return &r, nil
}

func (c *conn) InsertReferral(ctx context.Context, r ledger.Referral) error {
	if r.Version == 0 {
		r.Version = 1
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO referrals (`+referralColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ReferrerID, nullString(string(r.ConsultantID)), r.LeadName, r.LeadContact,
		r.State, toNanos(r.CreatedAt), toNanos(r.UpdatedAt), r.Version,
	)
	return classify("insert referral", err, "referral:"+string(r.ID))
}

func (c *conn) UpdateReferral(ctx context.Context, r ledger.Referral) (ledger.Referral, error) {
	res, err := c.q.ExecContext(ctx, `
		UPDATE referrals
		SET state = ?, consultant_id = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		r.State, nullString(string(r.ConsultantID)), toNanos(r.UpdatedAt), r.ID, r.Version,
	)
	if err != nil {
		return r, classify("update referral", err, "")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return r, classify("update referral", err, "")
	}
	if n == 0 {
		return r, &ledger.ConflictError{
			Key:    "referral:" + string(r.ID),
			Reason: fmt.Sprintf("version %d is stale", r.Version),
		}
	}
	r.Version++
	return r, nil
}

func (c *conn) ListReferralsByConsultant(ctx context.Context, consultant ledger.ConsultantID) ([]ledger.Referral, error) {
	return c.queryReferrals(ctx,
		`SELECT `+referralColumns+` FROM referrals WHERE consultant_id = ? ORDER BY updated_at DESC, id DESC`,
		consultant)
}

func (c *conn) ListReferralsByReferrer(ctx context.Context, referrer ledger.ReferrerID) ([]ledger.Referral, error) {
	return c.queryReferrals(ctx,
		`SELECT `+referralColumns+` FROM referrals WHERE referrer_id = ? ORDER BY created_at DESC, id DESC`,
		referrer)
}

func (c *conn) CountReferralsByState(ctx context.Context, referrer ledger.ReferrerID) (map[ledger.State]int, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM referrals WHERE referrer_id = ? GROUP BY state`, referrer)
	if err != nil {
		return nil, classify("count referrals", err, "")
	}
	defer rows.Close()

	counts := make(map[ledger.State]int)
	for rows.Next() {
		var (
			state ledger.State
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func (c *conn) queryReferrals(ctx context.Context, query string, args ...any) ([]ledger.Referral, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list referrals", err, "")
	}
	defer rows.Close()

	var result []ledger.Referral
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// --- Entries ---

const entryColumns = `id, referrer_id, referral_id, kind, amount, config_version, idempotency_key, reason, created_by, created_at`

func (c *conn) AppendEntry(ctx context.Context, e ledger.Entry) error {
	var version sql.NullInt64
	if e.ConfigVersion > 0 {
		version = sql.NullInt64{Int64: int64(e.ConfigVersion), Valid: true}
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.ReferrerID,
		nullString(string(e.ReferralID)),
		e.Kind,
		e.Amount.String(),
		version,
		nullString(e.IdempotencyKey),
		e.Reason,
		e.CreatedBy,
		toNanos(e.CreatedAt),
	)
	return classify("append entry", err, e.IdempotencyKey)
}

func (c *conn) EntryExists(ctx context.Context, idempotencyKey string) (bool, error) {
	var exists bool
	err := c.q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM entries WHERE idempotency_key = ?)`, idempotencyKey,
	).Scan(&exists)
	if err != nil {
		return false, classify("entry exists", err, "")
	}
	return exists, nil
}

// SumAmounts adds amounts in decimal; SQLite SUM would go through float.
func (c *conn) SumAmounts(ctx context.Context, referrer ledger.ReferrerID) (decimal.Decimal, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT amount FROM entries WHERE referrer_id = ?`, referrer)
	if err != nil {
		return decimal.Zero, classify("sum amounts", err, "")
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt amount %q: %w", raw, err)
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}

func (c *conn) CountEntries(ctx context.Context, referrer ledger.ReferrerID, kind ledger.EntryKind, since time.Time) (int, error) {
	var n int
	err := c.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE referrer_id = ? AND kind = ? AND created_at >= ?`,
		referrer, kind, toNanos(since),
	).Scan(&n)
	if err != nil {
		return 0, classify("count entries", err, "")
	}
	return n, nil
}

func (c *conn) ListEntries(ctx context.Context, referrer ledger.ReferrerID, after *ledger.Cursor, limit int) ([]ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM entries WHERE referrer_id = ?`
	args := []any{referrer}
	if after != nil {
		at := toNanos(after.CreatedAt)
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, at, at, after.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list entries", err, "")
	}
	defer rows.Close()

	var result []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- Reward configs & unlocks ---

const configColumns = `version, referrals_required, sales_required, effective_from, created_by, created_at`

func (c *conn) ActiveRewardConfig(ctx context.Context, at time.Time) (*ledger.RewardConfig, error) {
	row := c.q.QueryRowContext(ctx, `
		SELECT `+configColumns+` FROM reward_configs
		WHERE effective_from <= ?
		ORDER BY version DESC LIMIT 1`, toNanos(at))
	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("active reward config", err, "")
	}
	return &cfg, nil
}

func (c *conn) InsertRewardConfig(ctx context.Context, cfg ledger.RewardConfig) (ledger.RewardConfig, error) {
	var next int
	if err := c.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM reward_configs`,
	).Scan(&next); err != nil {
		return cfg, classify("next config version", err, "")
	}
	cfg.Version = next

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO reward_configs (`+configColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cfg.Version, cfg.ReferralsRequired, cfg.SalesRequired,
		toNanos(cfg.EffectiveFrom), cfg.CreatedBy, toNanos(cfg.CreatedAt),
	)
	if err != nil {
		return cfg, classify("insert reward config", err, fmt.Sprintf("reward_config:%d", cfg.Version))
	}
	return cfg, nil
}

func (c *conn) ListRewardConfigs(ctx context.Context) ([]ledger.RewardConfig, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+configColumns+` FROM reward_configs ORDER BY version DESC`)
	if err != nil {
		return nil, classify("list reward configs", err, "")
	}
	defer rows.Close()

	var result []ledger.RewardConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cfg)
	}
	return result, rows.Err()
}

func (c *conn) GetRewardUnlock(ctx context.Context, referrer ledger.ReferrerID, version int) (*ledger.RewardUnlock, error) {
	var (
		u  ledger.RewardUnlock
		at int64
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT referrer_id, config_version, entry_id, unlocked_at
		FROM reward_unlocks WHERE referrer_id = ? AND config_version = ?`,
		referrer, version,
	).Scan(&u.ReferrerID, &u.ConfigVersion, &u.EntryID, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get reward unlock", err, "")
	}
	u.UnlockedAt = fromNanos(at)
	return &u, nil
}

func (c *conn) LatestRewardUnlockBefore(ctx context.Context, referrer ledger.ReferrerID, version int) (*ledger.RewardUnlock, error) {
	var (
		u  ledger.RewardUnlock
		at int64
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT referrer_id, config_version, entry_id, unlocked_at
		FROM reward_unlocks WHERE referrer_id = ? AND config_version < ?
		ORDER BY unlocked_at DESC, config_version DESC LIMIT 1`,
		referrer, version,
	).Scan(&u.ReferrerID, &u.ConfigVersion, &u.EntryID, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("latest reward unlock", err, "")
	}
	u.UnlockedAt = fromNanos(at)
	return &u, nil
}

func (c *conn) InsertRewardUnlock(ctx context.Context, u ledger.RewardUnlock) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO reward_unlocks (referrer_id, config_version, entry_id, unlocked_at)
		VALUES (?, ?, ?, ?)`,
		u.ReferrerID, u.ConfigVersion, u.EntryID, toNanos(u.UnlockedAt),
	)
	return classify("insert reward unlock", err, ledger.UnlockKey(u.ReferrerID, u.ConfigVersion))
}

func (c *conn) ListRewardUnlocks(ctx context.Context, referrer ledger.ReferrerID) ([]ledger.RewardUnlock, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT referrer_id, config_version, entry_id, unlocked_at
		FROM reward_unlocks WHERE referrer_id = ? ORDER BY config_version`, referrer)
	if err != nil {
		return nil, classify("list reward unlocks", err, "")
	}
	defer rows.Close()

	var result []ledger.RewardUnlock
	for rows.Next() {
		var (
			u  ledger.RewardUnlock
			at int64
		)
		if err := rows.Scan(&u.ReferrerID, &u.ConfigVersion, &u.EntryID, &at); err != nil {
			return nil, err
		}
		u.UnlockedAt = fromNanos(at)
		result = append(result, u)
	}
	return result, rows.Err()
}

// --- Outbox ---

func (c *conn) AppendEvent(ctx context.Context, e *ledger.Event) error {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	if e.ID == "" {
		e.ID = ledger.NewID()
	}

	res, err := c.q.ExecContext(ctx, `
		INSERT INTO events (id, type, referrer_id, referral_id, consultant_id, payload_json, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type,
		nullString(string(e.ReferrerID)),
		nullString(string(e.ReferralID)),
		nullString(string(e.ConsultantID)),
		string(payloadJSON),
		toNanos(e.CommittedAt),
	)
	if err != nil {
		return classify("append event", err, "event:"+e.ID)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return classify("append event", err, "")
	}
	e.Seq = seq
	return nil
}

func (c *conn) EventsAfter(ctx context.Context, seq int64, limit int) ([]ledger.Event, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT seq, id, type, referrer_id, referral_id, consultant_id, payload_json, committed_at
		FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?`, seq, limit)
	if err != nil {
		return nil, classify("events after", err, "")
	}
	defer rows.Close()

	var result []ledger.Event
	for rows.Next() {
		var (
			e                              ledger.Event
			referrer, referral, consultant sql.NullString
			payloadJSON                    string
			committed                      int64
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &referrer, &referral, &consultant, &payloadJSON, &committed); err != nil {
			return nil, err
		}
		e.ReferrerID = ledger.ReferrerID(referrer.String)
		e.ReferralID = ledger.ReferralID(referral.String)
		e.ConsultantID = ledger.ConsultantID(consultant.String)
		e.CommittedAt = fromNanos(committed)
		if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event %d payload: %w", e.Seq, err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (c *conn) MaxEventSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := c.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq)
	if err != nil {
		return 0, classify("max event seq", err, "")
	}
	return seq, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanReferral(row scanner) (ledger.Referral, error) {
	var (
		r                ledger.Referral
		consultant       sql.NullString
		created, updated int64
	)
	err := row.Scan(&r.ID, &r.ReferrerID, &consultant, &r.LeadName, &r.LeadContact,
		&r.State, &created, &updated, &r.Version)
	if err != nil {
		return r, err
	}
	r.ConsultantID = ledger.ConsultantID(consultant.String)
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	return r, nil
}

func scanEntry(row scanner) (ledger.Entry, error) {
	var (
		e        ledger.Entry
		referral sql.NullString
		amount   string
		version  sql.NullInt64
		key      sql.NullString
		created  int64
	)
	err := row.Scan(&e.ID, &e.ReferrerID, &referral, &e.Kind, &amount, &version,
		&key, &e.Reason, &e.CreatedBy, &created)
	if err != nil {
		return e, err
	}
	e.ReferralID = ledger.ReferralID(referral.String)
	e.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return e, fmt.Errorf("corrupt amount %q: %w", amount, err)
	}
	e.ConfigVersion = int(version.Int64)
	e.IdempotencyKey = key.String
	e.CreatedAt = fromNanos(created)
	return e, nil
}

func scanConfig(row scanner) (ledger.RewardConfig, error) {
	var (
		cfg                ledger.RewardConfig
		effective, created int64
	)
	err := row.Scan(&cfg.Version, &cfg.ReferralsRequired, &cfg.SalesRequired,
		&effective, &cfg.CreatedBy, &created)
	if err != nil {
		return cfg, err
	}
	cfg.EffectiveFrom = fromNanos(effective)
	cfg.CreatedAt = fromNanos(created)
	return cfg, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// classify maps driver errors onto the ledger error taxonomy.
func classify(op string, err error, key string) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint:
			if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
				return &ledger.ConflictError{Key: key, Reason: sqliteErr.Error()}
			}
			if sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
				return &ledger.InputError{Field: "reference", Message: op + ": " + sqliteErr.Error()}
			}
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &ledger.TransientStorageError{Op: op, Err: err}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "database is locked") {
		return &ledger.TransientStorageError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
