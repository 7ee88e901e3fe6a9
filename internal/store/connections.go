package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rumor-ml/commons.systems/ledgersync/internal/domain"
)

// UpsertConnection creates the connection row on first sight and
// refreshes the configured fields on subsequent loads. Sync pointers
// are never touched here; they belong to the engine.
func (s *Store) UpsertConnection(ctx context.Context, c *domain.Connection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (name, provider, broker, connector, status, taxpayer, data_dir, fixture_dir, overlap_days)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			provider = excluded.provider,
			broker = excluded.broker,
			connector = excluded.connector,
			status = excluded.status,
			taxpayer = excluded.taxpayer,
			data_dir = excluded.data_dir,
			fixture_dir = excluded.fixture_dir,
			overlap_days = excluded.overlap_days
	`, c.Name, c.Provider, c.Broker, c.Connector, c.Status, c.Taxpayer, c.DataDir, c.FixtureDir, c.OverlapDays)
	if err != nil {
		return fmt.Errorf("failed to upsert connection %s: %w", c.Name, err)
	}

	loaded, err := s.GetConnectionByName(ctx, c.Name)
	if err != nil {
		return err
	}
	*c = *loaded
	return nil
}

const connectionColumns = `id, name, provider, broker, connector, status, taxpayer, data_dir, fixture_dir,
	overlap_days, cursor, last_successful_sync_at, last_successful_txn_end, last_full_sync_at,
	txn_earliest_available, holdings_last_as_of, last_error_json, coverage_status`

// GetConnectionByName loads one connection.
func (s *Store) GetConnectionByName(ctx context.Context, name string) (*domain.Connection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE name = ?`, name)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no connection named %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection %s: %w", name, err)
	}
	return c, nil
}

// GetConnection loads one connection by ID.
func (s *Store) GetConnection(ctx context.Context, id int64) (*domain.Connection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no connection with id %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection %d: %w", id, err)
	}
	return c, nil
}

// UpdateConnectionSyncState writes the resumption cursor, pointer
// fields, coverage verdict, and last error for the connection.
func (s *Store) UpdateConnectionSyncState(ctx context.Context, c *domain.Connection) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE connections SET
			cursor = ?,
			last_successful_sync_at = ?,
			last_successful_txn_end = ?,
			last_full_sync_at = ?,
			txn_earliest_available = ?,
			holdings_last_as_of = ?,
			last_error_json = ?,
			coverage_status = ?
		WHERE id = ?
	`, c.Cursor,
		nullTimeStr(c.LastSuccessfulSyncAt),
		nullTimeStr(c.LastSuccessfulTxnEnd),
		nullTimeStr(c.LastFullSyncAt),
		nullTimeStr(c.TxnEarliestAvailable),
		nullTimeStr(c.HoldingsLastAsOf),
		c.LastErrorJSON,
		string(c.CoverageStatus),
		c.ID)
	if err != nil {
		return fmt.Errorf("failed to update sync state for connection %d: %w", c.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*domain.Connection, error) {
	var c domain.Connection
	var coverage string
	var lastSync, lastTxnEnd, lastFull, earliest, holdingsAsOf sql.NullString
	err := row.Scan(&c.ID, &c.Name, &c.Provider, &c.Broker, &c.Connector, &c.Status, &c.Taxpayer,
		&c.DataDir, &c.FixtureDir, &c.OverlapDays, &c.Cursor,
		&lastSync, &lastTxnEnd, &lastFull, &earliest, &holdingsAsOf,
		&c.LastErrorJSON, &coverage)
	if err != nil {
		return nil, err
	}
	c.CoverageStatus = domain.CoverageStatus(coverage)
	if c.LastSuccessfulSyncAt, err = scanNullTime(lastSync); err != nil {
		return nil, err
	}
	if c.LastSuccessfulTxnEnd, err = scanNullTime(lastTxnEnd); err != nil {
		return nil, err
	}
	if c.LastFullSyncAt, err = scanNullTime(lastFull); err != nil {
		return nil, err
	}
	if c.TxnEarliestAvailable, err = scanNullTime(earliest); err != nil {
		return nil, err
	}
	if c.HoldingsLastAsOf, err = scanNullTime(holdingsAsOf); err != nil {
		return nil, err
	}
	return &c, nil
}
