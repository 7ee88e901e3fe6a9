package sync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/rumor-ml/commons.systems/ledgersync/internal/domain"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/normalize"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/store"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/transform"
)

// accountResolver maps a provider account ID to a ledger account.
type accountResolver func(providerAccountID string) (int64, bool)

// dispatcher routes one page of adapter records to the persistence
// handlers. One dispatcher serves one run.
type dispatcher struct {
	store   *store.Store
	logger  *slog.Logger
	conn    *domain.Connection
	runID   int64
	resolve accountResolver

	// reissuesIDs enables identifier aliasing for connector classes
	// that re-emit the same economic event under a new ID.
	reissuesIDs   bool
	storePayloads bool

	// seenPayloads holds REPORT_PAYLOAD hashes already ingested for
	// this connection, loaded once before pagination.
	seenPayloads map[string]bool

	counters *Counters

	// pendingCursor is the last SYNC_CURSOR seen; applied to the
	// connection only if the run succeeds.
	pendingCursor string
}

// DispatchPage persists one page of records inside a single
// transaction with per-record savepoints. A record-level failure
// increments a counter and never rolls back its siblings; only a
// transaction begin/commit failure is returned.
func (d *dispatcher) DispatchPage(ctx context.Context, records []domain.Record) error {
	// Whole-page idempotency guard: a page whose report payload was
	// already ingested is a re-fetch, not new data.
	for _, r := range records {
		if r.Kind == domain.KindReportPayload && r.PayloadHash != "" && d.seenPayloads[r.PayloadHash] {
			d.counters.ReportPayloadsSkipped++
			d.logger.Debug("page already imported, skipping",
				"connection", d.conn.Name, "payload_hash", r.PayloadHash)
			return nil
		}
	}

	tx, err := d.store.BeginPage(ctx)
	if err != nil {
		return err
	}

	for i := range records {
		d.dispatchRecord(tx, &records[i])
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit page: %w", err)
	}
	return nil
}

func (d *dispatcher) dispatchRecord(tx *sql.Tx, r *domain.Record) {
	var err error
	switch r.Kind {
	case domain.KindTransaction, "":
		err = d.handleTransaction(tx, r)
	case domain.KindCashBalance:
		err = d.handleCashBalance(tx, r)
	case domain.KindClosedLot:
		err = d.handleClosedLot(tx, r)
	case domain.KindWashSale:
		err = d.handleWashSale(tx, r)
	case domain.KindReportPayload:
		err = d.handleReportPayload(tx, r)
	case domain.KindSyncCursor:
		d.pendingCursor = r.Cursor
		d.counters.CursorUpdates++
	case domain.KindWarning:
		d.counters.Warn("%s", r.Message)
	default:
		d.parseFail(r, fmt.Errorf("unknown record kind %q", r.Kind))
	}
	if err != nil {
		// Record-level errors, including invariant violations deeper in
		// the handlers, degrade to a counted parse failure.
		d.parseFail(r, err)
	}
}

func (d *dispatcher) parseFail(r *domain.Record, err error) {
	d.counters.ParseFailCount++
	d.counters.Warn("record skipped (%s %s): %v", r.Kind, r.SourceFile, err)
	d.logger.Debug("record skipped", "connection", d.conn.Name, "kind", string(r.Kind), "error", err)
}

// handleTransaction normalizes and inserts one transaction record.
// Records without a symbol land under the UNKNOWN placeholder security
// and bump the missing-symbol counter regardless of transaction type.
func (d *dispatcher) handleTransaction(tx *sql.Tx, r *domain.Record) error {
	d.counters.TxnCount++

	date, err := domain.ParseDate(r.Date)
	if err != nil {
		return err
	}
	if r.Amount == nil {
		return fmt.Errorf("transaction missing amount")
	}

	txnType := normalize.MapTxnType(r.Type)
	qty, amount := normalize.Apply(txnType, r.Qty, *r.Amount, r.Description)

	// A record without a symbol is stored against the UNKNOWN
	// placeholder security and counted, whatever its type.
	symbol := r.Symbol
	if symbol == "" {
		symbol = domain.UnknownSymbol
		d.counters.MissingSymbolCount++
	}

	accountID, ok := d.resolve(r.ProviderAccountID)
	if !ok {
		return fmt.Errorf("no account for provider account %q", r.ProviderAccountID)
	}

	t := domain.Transaction{
		AccountID:   accountID,
		Date:        date,
		Type:        txnType,
		Symbol:      symbol,
		Qty:         qty,
		Amount:      amount,
		Currency:    r.Currency,
		Description: r.Description,
	}
	providerTxnID := transform.StableTransactionID(r)
	valueSig := transform.ValueSignature(accountID, r.Date, txnType, symbol, qty, amount)

	var outcome store.InsertOutcome
	duplicate, err := store.RunInSavepoint(tx, func() error {
		if err := d.store.EnsureSecurityTx(tx, symbol); err != nil {
			return err
		}
		var insErr error
		outcome, insErr = d.store.InsertTransactionTx(tx, d.conn.ID, providerTxnID, valueSig, d.reissuesIDs, &t)
		return insErr
	})
	if err != nil {
		return err
	}

	switch {
	case duplicate:
		// Lost a race with an identical concurrent insert; the row
		// exists, which is all idempotency promises.
		d.counters.DuplicatesSkipped++
	case outcome == store.OutcomeInserted:
		d.counters.NewInserted++
		d.counters.CountTxnType(txnType)
		d.counters.ObserveTxnDate(r.Date)
	case outcome == store.OutcomeDuplicate:
		d.counters.DuplicatesSkipped++
	case outcome == store.OutcomeAliased:
		d.counters.AliasedIDs++
		d.counters.DuplicatesSkipped++
	}
	return nil
}

func (d *dispatcher) handleCashBalance(tx *sql.Tx, r *domain.Record) error {
	asOf := r.AsOfDate
	if asOf == "" {
		asOf = r.Date
	}
	if _, err := domain.ParseDate(asOf); err != nil {
		return err
	}
	if r.Amount == nil {
		return fmt.Errorf("cash balance missing amount")
	}
	accountID, ok := d.resolve(r.ProviderAccountID)
	if !ok {
		return fmt.Errorf("no account for provider account %q", r.ProviderAccountID)
	}

	_, err := store.RunInSavepoint(tx, func() error {
		return d.store.UpsertCashBalanceTx(tx, accountID, asOf, r.Currency, *r.Amount)
	})
	if err != nil {
		return err
	}
	d.counters.CashBalancesUpserted++
	return nil
}

func (d *dispatcher) handleClosedLot(tx *sql.Tx, r *domain.Record) error {
	lot, err := closedLotFromRecord(d.conn.ID, r)
	if err != nil {
		return err
	}
	var inserted bool
	duplicate, err := store.RunInSavepoint(tx, func() error {
		var insErr error
		inserted, insErr = d.store.InsertClosedLotTx(tx, lot)
		return insErr
	})
	if err != nil {
		return err
	}
	if inserted && !duplicate {
		d.counters.ClosedLotsInserted++
	} else {
		d.counters.ClosedLotsSkipped++
	}
	return nil
}

func (d *dispatcher) handleWashSale(tx *sql.Tx, r *domain.Record) error {
	w, err := washSaleFromRecord(d.conn.ID, r)
	if err != nil {
		return err
	}
	var inserted bool
	duplicate, err := store.RunInSavepoint(tx, func() error {
		var insErr error
		inserted, insErr = d.store.InsertWashSaleTx(tx, w)
		return insErr
	})
	if err != nil {
		return err
	}
	if inserted && !duplicate {
		d.counters.WashSalesInserted++
	} else {
		d.counters.WashSalesSkipped++
	}
	return nil
}

func (d *dispatcher) handleReportPayload(tx *sql.Tx, r *domain.Record) error {
	hash := r.PayloadHash
	if hash == "" {
		return fmt.Errorf("report payload missing hash")
	}
	_, err := store.RunInSavepoint(tx, func() error {
		if _, err := d.store.RecordFileIngestTx(tx, d.conn.ID, store.IngestKindReportPayload, r.SourceFile, hash, int64(r.PayloadBytes)); err != nil {
			return err
		}
		if d.storePayloads {
			return d.store.InsertPayloadSnapshotTx(tx, d.runID, hash, r.PayloadBytes, r.Description)
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.seenPayloads[hash] = true
	d.counters.ReportPayloadsRecorded++
	return nil
}

func closedLotFromRecord(connectionID int64, r *domain.Record) (*domain.ClosedLot, error) {
	date, err := domain.ParseDate(r.Date)
	if err != nil {
		return nil, err
	}
	if r.Symbol == "" {
		return nil, fmt.Errorf("closed lot missing symbol")
	}
	lot := &domain.ClosedLot{
		ConnectionID:      connectionID,
		ProviderAccountID: r.ProviderAccountID,
		Symbol:            r.Symbol,
		TradeDate:         date,
		CostBasis:         r.CostBasis,
		RealizedPL:        r.RealizedPL,
		Proceeds:          r.Proceeds,
		Currency:          r.Currency,
		ContentHash:       transform.ContentHash(r),
		SourceFile:        r.SourceFile,
	}
	if r.Qty != nil {
		lot.Qty = *r.Qty
	}
	if r.OpenDate != "" {
		open, err := domain.ParseDate(r.OpenDate)
		if err != nil {
			return nil, err
		}
		lot.OpenDate = &open
	}
	return lot, nil
}

func washSaleFromRecord(connectionID int64, r *domain.Record) (*domain.WashSaleEvent, error) {
	date, err := domain.ParseDate(r.Date)
	if err != nil {
		return nil, err
	}
	if r.Symbol == "" {
		return nil, fmt.Errorf("wash sale missing symbol")
	}
	w := &domain.WashSaleEvent{
		ConnectionID:      connectionID,
		ProviderAccountID: r.ProviderAccountID,
		Symbol:            r.Symbol,
		TradeDate:         date,
		CostBasis:         r.CostBasis,
		RealizedPL:        r.RealizedPL,
		Proceeds:          r.Proceeds,
		ContentHash:       transform.ContentHash(r),
		SourceFile:        r.SourceFile,
	}
	if r.Qty != nil {
		w.Qty = *r.Qty
	}
	if r.WhenRealized != "" {
		when, err := domain.ParseDate(r.WhenRealized)
		if err != nil {
			return nil, err
		}
		w.WhenRealized = &when
	}
	return w, nil
}
