// Package store persists the ledger in SQLite. All writes that make
// up one page of adapter output go through a single transaction with
// per-record savepoints, so one bad record never poisons its page.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// Store wraps the ledger database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the ledger database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// modernc/sqlite serializes writes in-process; a single connection
	// avoids SQLITE_BUSY between the page transaction and side reads.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for tests and one-off queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// BeginPage starts the transaction covering one page of records.
func (s *Store) BeginPage(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin page transaction: %w", err)
	}
	return tx, nil
}

var savepointSeq atomic.Int64

// RunInSavepoint executes fn inside a savepoint on tx. A unique
// violation rolls back just the savepoint and reports duplicate=true;
// any other error from fn rolls back the savepoint and propagates.
func RunInSavepoint(tx *sql.Tx, fn func() error) (duplicate bool, err error) {
	name := fmt.Sprintf("sp_%d", savepointSeq.Add(1))
	if _, err := tx.Exec("SAVEPOINT " + name); err != nil {
		return false, fmt.Errorf("failed to create savepoint: %w", err)
	}

	if err := fn(); err != nil {
		if _, rbErr := tx.Exec("ROLLBACK TO " + name); rbErr != nil {
			return false, fmt.Errorf("failed to roll back savepoint after %v: %w", err, rbErr)
		}
		// The savepoint still exists after ROLLBACK TO; release it so
		// names do not pile up inside long page transactions.
		if _, relErr := tx.Exec("RELEASE " + name); relErr != nil {
			return false, fmt.Errorf("failed to release savepoint: %w", relErr)
		}
		if isUniqueViolation(err) {
			return true, nil
		}
		return false, err
	}

	if _, err := tx.Exec("RELEASE " + name); err != nil {
		return false, fmt.Errorf("failed to release savepoint: %w", err)
	}
	return false, nil
}

// isUniqueViolation reports whether err is a SQLite unique or primary
// key constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlitelib.SQLITE_CONSTRAINT_UNIQUE, sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const timeLayout = time.RFC3339

func timeStr(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTimeStr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeStr(*t)
}

func parseTimeStr(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func scanNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTimeStr(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func scanNullFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func (s *Store) initSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w\n%s", err, stmt)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		provider TEXT NOT NULL DEFAULT '',
		broker TEXT NOT NULL DEFAULT '',
		connector TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		taxpayer TEXT NOT NULL DEFAULT '',
		data_dir TEXT NOT NULL DEFAULT '',
		fixture_dir TEXT NOT NULL DEFAULT '',
		overlap_days INTEGER NOT NULL DEFAULT 0,
		cursor TEXT NOT NULL DEFAULT '',
		last_successful_sync_at TEXT,
		last_successful_txn_end TEXT,
		last_full_sync_at TEXT,
		txn_earliest_available TEXT,
		holdings_last_as_of TEXT,
		last_error_json TEXT NOT NULL DEFAULT '',
		coverage_status TEXT NOT NULL DEFAULT 'UNKNOWN'
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		broker TEXT NOT NULL DEFAULT '',
		account_type TEXT NOT NULL DEFAULT '',
		taxpayer TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS account_map (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER NOT NULL REFERENCES connections(id),
		provider_account_id TEXT NOT NULL,
		account_id INTEGER NOT NULL REFERENCES accounts(id),
		UNIQUE(connection_id, provider_account_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT NOT NULL DEFAULT '',
		connection_id INTEGER NOT NULL REFERENCES connections(id),
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		requested_start TEXT,
		requested_end TEXT,
		effective_start TEXT NOT NULL DEFAULT '',
		effective_end TEXT NOT NULL DEFAULT '',
		store_payloads INTEGER NOT NULL DEFAULT 0,
		pages_fetched INTEGER NOT NULL DEFAULT 0,
		txn_count INTEGER NOT NULL DEFAULT 0,
		new_count INTEGER NOT NULL DEFAULT 0,
		dupes_count INTEGER NOT NULL DEFAULT 0,
		parse_fail_count INTEGER NOT NULL DEFAULT 0,
		missing_symbol_count INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		coverage_json TEXT NOT NULL DEFAULT '',
		error_json TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS securities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT 'UNKNOWN',
		asset_type TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL REFERENCES accounts(id),
		date TEXT NOT NULL,
		type TEXT NOT NULL,
		symbol TEXT NOT NULL DEFAULT '',
		qty REAL,
		amount REAL NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		value_sig TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_value_sig ON transactions(value_sig)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_account_date ON transactions(account_id, date)`,
	`CREATE TABLE IF NOT EXISTS txn_map (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER NOT NULL REFERENCES connections(id),
		provider_txn_id TEXT NOT NULL,
		transaction_id INTEGER NOT NULL REFERENCES transactions(id),
		UNIQUE(connection_id, provider_txn_id)
	)`,
	`CREATE TABLE IF NOT EXISTS closed_lots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER NOT NULL REFERENCES connections(id),
		provider_account_id TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL,
		trade_date TEXT NOT NULL,
		open_date TEXT,
		qty REAL NOT NULL,
		cost_basis REAL,
		realized_pl REAL,
		proceeds REAL,
		currency TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		source_file TEXT NOT NULL DEFAULT '',
		UNIQUE(connection_id, content_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS wash_sale_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER NOT NULL REFERENCES connections(id),
		provider_account_id TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL,
		trade_date TEXT NOT NULL,
		when_realized TEXT,
		qty REAL NOT NULL,
		cost_basis REAL,
		realized_pl REAL,
		proceeds REAL,
		disallowed_loss REAL,
		linked_closure_id INTEGER REFERENCES closed_lots(id),
		content_hash TEXT NOT NULL,
		source_file TEXT NOT NULL DEFAULT '',
		UNIQUE(connection_id, content_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS holding_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER NOT NULL REFERENCES connections(id),
		as_of TEXT NOT NULL,
		items_json TEXT NOT NULL,
		item_count INTEGER NOT NULL DEFAULT 0,
		source_file TEXT NOT NULL DEFAULT '',
		UNIQUE(connection_id, as_of)
	)`,
	`CREATE TABLE IF NOT EXISTS cash_balances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL REFERENCES accounts(id),
		as_of_date TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		amount REAL NOT NULL,
		UNIQUE(account_id, as_of_date)
	)`,
	`CREATE TABLE IF NOT EXISTS file_ingests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER NOT NULL REFERENCES connections(id),
		kind TEXT NOT NULL,
		file_name TEXT NOT NULL DEFAULT '',
		file_hash TEXT NOT NULL,
		bytes INTEGER NOT NULL DEFAULT 0,
		ingested_at TEXT NOT NULL,
		UNIQUE(connection_id, kind, file_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS payload_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES sync_runs(id),
		payload_hash TEXT NOT NULL,
		bytes INTEGER NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
}
