package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rumor-ml/commons.systems/ledgersync/internal/domain"
)

// InsertOutcome classifies one attempted transaction insert.
type InsertOutcome int

const (
	// OutcomeInserted means a new ledger transaction was created.
	OutcomeInserted InsertOutcome = iota
	// OutcomeDuplicate means the provider transaction ID was already
	// mapped; nothing changed.
	OutcomeDuplicate
	// OutcomeAliased means the ID was new but an identical transaction
	// already existed, so the new ID was linked to the existing row.
	OutcomeAliased
)

func (o InsertOutcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeAliased:
		return "aliased"
	default:
		return fmt.Sprintf("InsertOutcome(%d)", int(o))
	}
}

// File ingest kinds recorded in the file registry.
const (
	IngestKindTransactions  = "TRANSACTIONS"
	IngestKindHoldings      = "HOLDINGS"
	IngestKindReportPayload = "REPORT_PAYLOAD"
)

// EnsureAccount finds or creates the account by name. Existing rows
// are never mutated.
func (s *Store) EnsureAccount(ctx context.Context, a *domain.Account) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM accounts WHERE name = ?`, a.Name).Scan(&id)
	if err == nil {
		a.ID = id
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to look up account %s: %w", a.Name, err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (name, broker, account_type, taxpayer) VALUES (?, ?, ?, ?)
	`, a.Name, a.Broker, a.AccountType, a.Taxpayer)
	if err != nil {
		return 0, fmt.Errorf("failed to create account %s: %w", a.Name, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read account id: %w", err)
	}
	a.ID = id
	return id, nil
}

// MapProviderAccount binds a provider account ID to a ledger account
// for this connection. First write wins.
func (s *Store) MapProviderAccount(ctx context.Context, connectionID int64, providerAccountID string, accountID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO account_map (connection_id, provider_account_id, account_id)
		VALUES (?, ?, ?)
	`, connectionID, providerAccountID, accountID)
	if err != nil {
		return fmt.Errorf("failed to map provider account %s: %w", providerAccountID, err)
	}
	return nil
}

// ResolveAccount returns the ledger account bound to the provider
// account ID, or ok=false when unmapped.
func (s *Store) ResolveAccount(ctx context.Context, connectionID int64, providerAccountID string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id FROM account_map WHERE connection_id = ? AND provider_account_id = ?
	`, connectionID, providerAccountID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve provider account %s: %w", providerAccountID, err)
	}
	return id, true, nil
}

// EnsureSecurityTx creates a placeholder security row for the symbol
// if one does not exist yet. Runs inside the page transaction; the
// pool is capped at one connection, so db-level writes would block
// behind an open transaction.
func (s *Store) EnsureSecurityTx(tx *sql.Tx, symbol string) error {
	if symbol == "" {
		return nil
	}
	_, err := tx.Exec(`INSERT OR IGNORE INTO securities (symbol) VALUES (?)`, symbol)
	if err != nil {
		return fmt.Errorf("failed to ensure security %s: %w", symbol, err)
	}
	return nil
}

// InsertTransactionTx attempts one idempotent transaction insert
// inside the page transaction.
//
// The unique index on (connection_id, provider_txn_id) is the primary
// dedup gate. When allowAlias is set and the ID is new but valueSig
// matches an existing row for the same account, the ID is mapped onto
// that row instead of creating a second copy; providers that reissue
// identifiers for pending-to-settled transitions resolve to
// OutcomeAliased rather than double-counting.
func (s *Store) InsertTransactionTx(tx *sql.Tx, connectionID int64, providerTxnID, valueSig string, allowAlias bool, t *domain.Transaction) (InsertOutcome, error) {
	var existingTxnID int64
	err := tx.QueryRow(`
		SELECT transaction_id FROM txn_map WHERE connection_id = ? AND provider_txn_id = ?
	`, connectionID, providerTxnID).Scan(&existingTxnID)
	if err == nil {
		t.ID = existingTxnID
		return OutcomeDuplicate, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to check txn map: %w", err)
	}

	if allowAlias {
		var aliasTxnID int64
		err = tx.QueryRow(`
			SELECT id FROM transactions WHERE value_sig = ? AND account_id = ? LIMIT 1
		`, valueSig, t.AccountID).Scan(&aliasTxnID)
		if err == nil {
			if _, err := tx.Exec(`
				INSERT INTO txn_map (connection_id, provider_txn_id, transaction_id) VALUES (?, ?, ?)
			`, connectionID, providerTxnID, aliasTxnID); err != nil {
				return 0, fmt.Errorf("failed to alias provider txn %s: %w", providerTxnID, err)
			}
			t.ID = aliasTxnID
			return OutcomeAliased, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("failed to check value signature: %w", err)
		}
	}

	res, err := tx.Exec(`
		INSERT INTO transactions (account_id, date, type, symbol, qty, amount, currency, description, value_sig)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.AccountID, t.Date.Format(domain.DateLayout), string(t.Type), t.Symbol,
		nullFloat(t.Qty), t.Amount, t.Currency, t.Description, valueSig)
	if err != nil {
		return 0, fmt.Errorf("failed to insert transaction: %w", err)
	}
	txnID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read transaction id: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO txn_map (connection_id, provider_txn_id, transaction_id) VALUES (?, ?, ?)
	`, connectionID, providerTxnID, txnID); err != nil {
		return 0, fmt.Errorf("failed to map provider txn %s: %w", providerTxnID, err)
	}
	t.ID = txnID
	return OutcomeInserted, nil
}

// UpsertCashBalanceTx records a point-in-time cash balance. Re-imports
// of the same (account, as-of) overwrite rather than duplicate.
func (s *Store) UpsertCashBalanceTx(tx *sql.Tx, accountID int64, asOfDate, currency string, amount float64) error {
	_, err := tx.Exec(`
		INSERT INTO cash_balances (account_id, as_of_date, currency, amount)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, as_of_date) DO UPDATE SET
			currency = excluded.currency,
			amount = excluded.amount
	`, accountID, asOfDate, currency, amount)
	if err != nil {
		return fmt.Errorf("failed to upsert cash balance: %w", err)
	}
	return nil
}

// InsertClosedLotTx inserts a broker closed-lot row, deduplicated by
// content hash.
func (s *Store) InsertClosedLotTx(tx *sql.Tx, lot *domain.ClosedLot) (bool, error) {
	res, err := tx.Exec(`
		INSERT OR IGNORE INTO closed_lots (connection_id, provider_account_id, symbol, trade_date,
			open_date, qty, cost_basis, realized_pl, proceeds, currency, content_hash, source_file)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, lot.ConnectionID, lot.ProviderAccountID, lot.Symbol, lot.TradeDate.Format(domain.DateLayout),
		nullDateStr(lot.OpenDate), lot.Qty, nullFloat(lot.CostBasis), nullFloat(lot.RealizedPL),
		nullFloat(lot.Proceeds), lot.Currency, lot.ContentHash, lot.SourceFile)
	if err != nil {
		return false, fmt.Errorf("failed to insert closed lot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read closed lot insert result: %w", err)
	}
	if n > 0 {
		if lot.ID, err = res.LastInsertId(); err != nil {
			return false, fmt.Errorf("failed to read closed lot id: %w", err)
		}
	}
	return n > 0, nil
}

// InsertWashSaleTx inserts a broker wash-sale row, deduplicated by
// content hash. LinkedClosureID is always NULL at insert time; only
// the linker sets it.
func (s *Store) InsertWashSaleTx(tx *sql.Tx, w *domain.WashSaleEvent) (bool, error) {
	res, err := tx.Exec(`
		INSERT OR IGNORE INTO wash_sale_events (connection_id, provider_account_id, symbol, trade_date,
			when_realized, qty, cost_basis, realized_pl, proceeds, disallowed_loss, content_hash, source_file)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ConnectionID, w.ProviderAccountID, w.Symbol, w.TradeDate.Format(domain.DateLayout),
		nullDateStr(w.WhenRealized), w.Qty, nullFloat(w.CostBasis), nullFloat(w.RealizedPL),
		nullFloat(w.Proceeds), nullFloat(w.DisallowedLoss), w.ContentHash, w.SourceFile)
	if err != nil {
		return false, fmt.Errorf("failed to insert wash sale event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read wash sale insert result: %w", err)
	}
	if n > 0 {
		if w.ID, err = res.LastInsertId(); err != nil {
			return false, fmt.Errorf("failed to read wash sale id: %w", err)
		}
	}
	return n > 0, nil
}

// ListClosedLots returns all closed lots for the connection ordered by
// trade date then id, for deterministic linking.
func (s *Store) ListClosedLots(ctx context.Context, connectionID int64) ([]domain.ClosedLot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, provider_account_id, symbol, trade_date, open_date,
			qty, cost_basis, realized_pl, proceeds, currency, content_hash, source_file
		FROM closed_lots WHERE connection_id = ?
		ORDER BY trade_date, id
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list closed lots: %w", err)
	}
	defer rows.Close()

	var lots []domain.ClosedLot
	for rows.Next() {
		var lot domain.ClosedLot
		var tradeDate string
		var openDate sql.NullString
		var costBasis, realizedPL, proceeds sql.NullFloat64
		if err := rows.Scan(&lot.ID, &lot.ConnectionID, &lot.ProviderAccountID, &lot.Symbol,
			&tradeDate, &openDate, &lot.Qty, &costBasis, &realizedPL, &proceeds,
			&lot.Currency, &lot.ContentHash, &lot.SourceFile); err != nil {
			return nil, fmt.Errorf("failed to scan closed lot: %w", err)
		}
		if lot.TradeDate, err = domain.ParseDate(tradeDate); err != nil {
			return nil, err
		}
		if lot.OpenDate, err = scanNullDate(openDate); err != nil {
			return nil, err
		}
		lot.CostBasis = scanNullFloat(costBasis)
		lot.RealizedPL = scanNullFloat(realizedPL)
		lot.Proceeds = scanNullFloat(proceeds)
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// ListWashSales returns all wash-sale events for the connection
// ordered by trade date then id.
func (s *Store) ListWashSales(ctx context.Context, connectionID int64) ([]domain.WashSaleEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, provider_account_id, symbol, trade_date, when_realized,
			qty, cost_basis, realized_pl, proceeds, disallowed_loss, linked_closure_id,
			content_hash, source_file
		FROM wash_sale_events WHERE connection_id = ?
		ORDER BY trade_date, id
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list wash sale events: %w", err)
	}
	defer rows.Close()

	var events []domain.WashSaleEvent
	for rows.Next() {
		var w domain.WashSaleEvent
		var tradeDate string
		var whenRealized sql.NullString
		var costBasis, realizedPL, proceeds, disallowed sql.NullFloat64
		var linked sql.NullInt64
		if err := rows.Scan(&w.ID, &w.ConnectionID, &w.ProviderAccountID, &w.Symbol,
			&tradeDate, &whenRealized, &w.Qty, &costBasis, &realizedPL, &proceeds,
			&disallowed, &linked, &w.ContentHash, &w.SourceFile); err != nil {
			return nil, fmt.Errorf("failed to scan wash sale event: %w", err)
		}
		if w.TradeDate, err = domain.ParseDate(tradeDate); err != nil {
			return nil, err
		}
		if w.WhenRealized, err = scanNullDate(whenRealized); err != nil {
			return nil, err
		}
		w.CostBasis = scanNullFloat(costBasis)
		w.RealizedPL = scanNullFloat(realizedPL)
		w.Proceeds = scanNullFloat(proceeds)
		w.DisallowedLoss = scanNullFloat(disallowed)
		if linked.Valid {
			v := linked.Int64
			w.LinkedClosureID = &v
		}
		events = append(events, w)
	}
	return events, rows.Err()
}

// UpdateWashSaleLink writes the closure link and disallowed loss for
// one wash-sale event, copying the closure's cost basis and proceeds
// onto the event when the event lacks them. The NULL guard makes the
// link write-once; an already linked event is never relinked.
func (s *Store) UpdateWashSaleLink(ctx context.Context, washSaleID, closureID int64, disallowedLoss, costBasis, proceeds *float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wash_sale_events SET
			linked_closure_id = ?,
			disallowed_loss = ?,
			cost_basis = COALESCE(cost_basis, ?),
			proceeds = COALESCE(proceeds, ?)
		WHERE id = ? AND linked_closure_id IS NULL
	`, closureID, nullFloat(disallowedLoss), nullFloat(costBasis), nullFloat(proceeds), washSaleID)
	if err != nil {
		return fmt.Errorf("failed to link wash sale %d: %w", washSaleID, err)
	}
	return nil
}

// UpsertHoldingSnapshot stores one point-in-time holdings snapshot.
// Re-importing the same as-of date replaces the snapshot.
func (s *Store) UpsertHoldingSnapshot(ctx context.Context, connectionID int64, p *domain.HoldingsPayload) error {
	itemsJSON, err := json.Marshal(p.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal holdings items: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO holding_snapshots (connection_id, as_of, items_json, item_count, source_file)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, as_of) DO UPDATE SET
			items_json = excluded.items_json,
			item_count = excluded.item_count,
			source_file = excluded.source_file
	`, connectionID, p.AsOf.UTC().Format(domain.DateLayout), string(itemsJSON), len(p.Items), p.SourceFile)
	if err != nil {
		return fmt.Errorf("failed to upsert holding snapshot: %w", err)
	}
	return nil
}

// RecordFileIngest marks a file hash as processed for the connection.
// Returns true when the hash was new.
func (s *Store) RecordFileIngest(ctx context.Context, connectionID int64, kind, fileName, fileHash string, bytes int64) (bool, error) {
	return recordFileIngest(s.db.ExecContext, ctx, connectionID, kind, fileName, fileHash, bytes)
}

// RecordFileIngestTx is RecordFileIngest inside the page transaction.
func (s *Store) RecordFileIngestTx(tx *sql.Tx, connectionID int64, kind, fileName, fileHash string, bytes int64) (bool, error) {
	return recordFileIngest(tx.ExecContext, context.Background(), connectionID, kind, fileName, fileHash, bytes)
}

func recordFileIngest(exec func(context.Context, string, ...any) (sql.Result, error), ctx context.Context, connectionID int64, kind, fileName, fileHash string, bytes int64) (bool, error) {
	res, err := exec(ctx, `
		INSERT OR IGNORE INTO file_ingests (connection_id, kind, file_name, file_hash, bytes, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, connectionID, kind, fileName, fileHash, bytes, timeStr(time.Now()))
	if err != nil {
		return false, fmt.Errorf("failed to record file ingest: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read file ingest result: %w", err)
	}
	return n > 0, nil
}

// SeenFileHashes returns the set of file hashes already ingested for
// the connection and kind.
func (s *Store) SeenFileHashes(ctx context.Context, connectionID int64, kind string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_hash FROM file_ingests WHERE connection_id = ? AND kind = ?
	`, connectionID, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingested files: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan file hash: %w", err)
		}
		seen[h] = true
	}
	return seen, rows.Err()
}

// InsertPayloadSnapshotTx records raw payload metadata for audit when
// the run stores payloads. Runs inside the page transaction.
func (s *Store) InsertPayloadSnapshotTx(tx *sql.Tx, runID int64, payloadHash string, bytes int, description string) error {
	_, err := tx.Exec(`
		INSERT INTO payload_snapshots (run_id, payload_hash, bytes, description, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, runID, payloadHash, bytes, description, timeStr(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to insert payload snapshot: %w", err)
	}
	return nil
}

// TxnDateBounds returns the earliest and latest transaction dates for
// the connection, via its provider txn map. ok=false when it has no
// transactions.
func (s *Store) TxnDateBounds(ctx context.Context, connectionID int64) (earliest, latest time.Time, ok bool, err error) {
	var minD, maxD sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(t.date), MAX(t.date)
		FROM transactions t
		JOIN txn_map m ON m.transaction_id = t.id
		WHERE m.connection_id = ?
	`, connectionID).Scan(&minD, &maxD)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("failed to read txn date bounds: %w", err)
	}
	if !minD.Valid || !maxD.Valid {
		return time.Time{}, time.Time{}, false, nil
	}
	if earliest, err = domain.ParseDate(minD.String); err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	if latest, err = domain.ParseDate(maxD.String); err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	return earliest, latest, true, nil
}

func nullDateStr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(domain.DateLayout)
}

func scanNullDate(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := domain.ParseDate(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
