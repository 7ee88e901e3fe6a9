package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rumor-ml/commons.systems/ledgersync/internal/domain"
)

// CreateRun inserts the run row in RUNNING state. This happens before
// any adapter I/O so an in-flight or crashed run is visible in the
// ledger.
func (s *Store) CreateRun(ctx context.Context, run *domain.SyncRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Status = domain.RunStatusRunning
	if run.UID == "" {
		run.UID = uuid.New().String()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (uid, connection_id, mode, status, requested_start, requested_end,
			effective_start, effective_end, store_payloads, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.UID, run.ConnectionID, string(run.Mode), string(run.Status),
		nullTimeStr(run.RequestedStart), nullTimeStr(run.RequestedEnd),
		timeStr(run.EffectiveStart), timeStr(run.EffectiveEnd),
		boolInt(run.StorePayloads), timeStr(run.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to create sync run: %w", err)
	}
	run.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read sync run id: %w", err)
	}
	return nil
}

// UpdateRunRange rewrites the effective window after negotiation.
func (s *Store) UpdateRunRange(ctx context.Context, run *domain.SyncRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs SET effective_start = ?, effective_end = ? WHERE id = ?
	`, timeStr(run.EffectiveStart), timeStr(run.EffectiveEnd), run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run %d range: %w", run.ID, err)
	}
	return nil
}

// FinishRun writes the terminal status, counters, coverage and error
// detail for the run.
func (s *Store) FinishRun(ctx context.Context, run *domain.SyncRun) error {
	now := time.Now().UTC()
	run.FinishedAt = &now
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs SET
			status = ?,
			pages_fetched = ?,
			txn_count = ?,
			new_count = ?,
			dupes_count = ?,
			parse_fail_count = ?,
			missing_symbol_count = ?,
			finished_at = ?,
			coverage_json = ?,
			error_json = ?
		WHERE id = ?
	`, string(run.Status),
		run.PagesFetched, run.TxnCount, run.NewCount, run.DupesCount,
		run.ParseFailCount, run.MissingSymbolCount,
		nullTimeStr(run.FinishedAt), run.CoverageJSON, run.ErrorJSON, run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish sync run %d: %w", run.ID, err)
	}
	return nil
}

// GetRun loads one sync run.
func (s *Store) GetRun(ctx context.Context, id int64) (*domain.SyncRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, uid, connection_id, mode, status, requested_start, requested_end,
			effective_start, effective_end, store_payloads,
			pages_fetched, txn_count, new_count, dupes_count, parse_fail_count, missing_symbol_count,
			started_at, finished_at, coverage_json, error_json
		FROM sync_runs WHERE id = ?
	`, id)

	var run domain.SyncRun
	var mode, status, effStart, effEnd, startedAt string
	var reqStart, reqEnd, finishedAt sql.NullString
	var storePayloads int
	err := row.Scan(&run.ID, &run.UID, &run.ConnectionID, &mode, &status, &reqStart, &reqEnd,
		&effStart, &effEnd, &storePayloads,
		&run.PagesFetched, &run.TxnCount, &run.NewCount, &run.DupesCount,
		&run.ParseFailCount, &run.MissingSymbolCount,
		&startedAt, &finishedAt, &run.CoverageJSON, &run.ErrorJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no sync run with id %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync run %d: %w", id, err)
	}

	run.Mode = domain.Mode(mode)
	run.Status = domain.RunStatus(status)
	run.StorePayloads = storePayloads != 0
	if run.RequestedStart, err = scanNullTime(reqStart); err != nil {
		return nil, err
	}
	if run.RequestedEnd, err = scanNullTime(reqEnd); err != nil {
		return nil, err
	}
	if run.EffectiveStart, err = parseTimeStr(effStart); err != nil {
		return nil, err
	}
	if run.EffectiveEnd, err = parseTimeStr(effEnd); err != nil {
		return nil, err
	}
	if run.StartedAt, err = parseTimeStr(startedAt); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = scanNullTime(finishedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
