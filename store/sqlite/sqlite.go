/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

INTERFACES IMPLEMENTED:
  ledger.Store          click records (the ledger)
  account.Store         affiliate accounts
  trending.Store        trending scores
  alerts.Catalog        product catalog read side
  alerts.WatchStore     shoppers' watch targets
  rollup.Store          monthly earnings
  scheduler.RunRecorder job run history

KEY TABLES:
  clicks:           one row per referral click, converted rows kept forever
  accounts:         affiliate accounts, unique affiliate_id and email
  products:         catalog products; product_offers holds per-platform prices
  trending_scores:  keyed by product_id, written only by the trending job
                    and the backfill endpoint
  watch_targets:    price watches, unique per (user, product, platform)
  monthly_earnings: keyed by (affiliate_id, month)
  job_runs:         scheduler run log

INDEXES:
  - idx_clicks_affiliate_platform_clicked: stats and listing (hot path)
  - idx_clicks_expires_unconverted: reaping, partial on state != 'converted'
  - idx_clicks_purchased: rollup and trending conversion sums
  - idx_clicks_clicked_at: trending click counts

INVARIANTS ENFORCED IN SCHEMA:
  - clicked_at and expires_at cannot change after insert (trigger)
  - a converted row cannot change state, amount or commission (trigger)
  - commission is present if and only if state = 'converted' (CHECK)

MONEY AND TIME:
  Amounts are stored as decimal strings and summed in Go with decimal.
  Times are stored as fixed-width UTC text so lexical order is time order.

CONCURRENCY:
  A single connection serializes statements, which also keeps ":memory:"
  databases shared across calls. Convert relies on its conditional UPDATE,
  not on the mutex.

USAGE:
  store, err := sqlite.New("./data/affiliate.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  clicks := ledger.New(store, clock.System())
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
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

// Ping checks the connection, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Clicks (the ledger)
	CREATE TABLE IF NOT EXISTS clicks (
		id TEXT PRIMARY KEY,
		affiliate_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		source_url TEXT NOT NULL,
		redirect_url TEXT NOT NULL,
		clicked_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		state TEXT NOT NULL CHECK (state IN ('clicked', 'tracked', 'converted')),
		purchase_amount TEXT,
		commission TEXT,
		commission_rate TEXT,
		purchased_at TEXT,
		device TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		referer TEXT NOT NULL DEFAULT '',
		browser TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		CHECK ((state = 'converted') = (commission IS NOT NULL))
	);

	CREATE INDEX IF NOT EXISTS idx_clicks_affiliate_platform_clicked
		ON clicks(affiliate_id, platform, clicked_at);
	CREATE INDEX IF NOT EXISTS idx_clicks_expires_unconverted
		ON clicks(expires_at) WHERE state != 'converted';
	CREATE INDEX IF NOT EXISTS idx_clicks_purchased
		ON clicks(affiliate_id, purchased_at) WHERE state = 'converted';
	CREATE INDEX IF NOT EXISTS idx_clicks_clicked_at
		ON clicks(clicked_at);

	CREATE TRIGGER IF NOT EXISTS trg_clicks_window_immutable
	BEFORE UPDATE OF clicked_at, expires_at ON clicks
	WHEN NEW.clicked_at != OLD.clicked_at OR NEW.expires_at != OLD.expires_at
	BEGIN
		SELECT RAISE(ABORT, 'click attribution window is immutable');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_clicks_conversion_final
	BEFORE UPDATE OF state, purchase_amount, commission, commission_rate, purchased_at ON clicks
	WHEN OLD.state = 'converted' AND (
		NEW.state != 'converted'
		OR NEW.purchase_amount IS NOT OLD.purchase_amount
		OR NEW.commission IS NOT OLD.commission
		OR NEW.commission_rate IS NOT OLD.commission_rate
		OR NEW.purchased_at IS NOT OLD.purchased_at)
	BEGIN
		SELECT RAISE(ABORT, 'converted click is final');
	END;

	-- Affiliate accounts
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		affiliate_id TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		commission_rate TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Catalog
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS product_offers (
		product_id TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
		platform TEXT NOT NULL,
		position INTEGER NOT NULL,
		current_price TEXT NOT NULL,
		url TEXT NOT NULL,
		PRIMARY KEY (product_id, platform)
	);

	CREATE TABLE IF NOT EXISTS trending_scores (
		product_id TEXT PRIMARY KEY,
		score TEXT NOT NULL,
		click_count INTEGER NOT NULL,
		purchase_count INTEGER NOT NULL,
		conversion_rate TEXT NOT NULL,
		total_commission TEXT NOT NULL,
		computed_at TEXT NOT NULL
	);

	-- Price watches
	CREATE TABLE IF NOT EXISTS watch_targets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		recipient TEXT NOT NULL,
		product_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		target_price TEXT,
		current_price TEXT NOT NULL,
		notify_on_drop INTEGER NOT NULL DEFAULT 1,
		alerts_sent INTEGER NOT NULL DEFAULT 0,
		last_alert_at TEXT,
		added_at TEXT NOT NULL,
		UNIQUE (user_id, product_id, platform)
	);

	CREATE INDEX IF NOT EXISTS idx_watch_targets_notify
		ON watch_targets(notify_on_drop);

	-- Monthly earnings (rollup)
	CREATE TABLE IF NOT EXISTS monthly_earnings (
		affiliate_id TEXT NOT NULL,
		month TEXT NOT NULL,
		total_commission TEXT NOT NULL,
		conversions INTEGER NOT NULL,
		computed_at TEXT NOT NULL,
		PRIMARY KEY (affiliate_id, month)
	);

	-- Scheduler run log
	CREATE TABLE IF NOT EXISTS job_runs (
		id TEXT PRIMARY KEY,
		job TEXT NOT NULL,
		trigger TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		processed INTEGER NOT NULL DEFAULT 0,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_job_runs_job_started
		ON job_runs(job, started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset removes all data. Used by the demo scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{
		"clicks", "accounts", "product_offers", "products", "trending_scores",
		"watch_targets", "monthly_earnings", "job_runs",
	} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so stored times sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad stored time %q: %w", s, err)
	}
	return t, nil
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, fmt.Errorf("bad stored amount %q: %w", ns.String, err)
	}
	return &d, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
