package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/rumor-ml/commons.systems/ledgersync/internal/adapter"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/domain"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/store"
)

// importHoldings persists point-in-time holdings snapshots and the
// cash balances they carry. File-class sources are fed one holdings
// file at a time through the run context; other sources get a single
// as-of-now snapshot. Re-importing an as-of date replaces the
// snapshot, so holdings are never accumulated across runs.
func (e *Engine) importHoldings(ctx context.Context, ad adapter.Adapter, rc *adapter.RunContext, d *dispatcher, now time.Time) (lastAsOf *time.Time, err error) {
	if ad.Traits().Class == adapter.ClassFile && len(rc.HoldingsFiles) > 0 {
		for _, f := range rc.HoldingsFiles {
			rc.HoldingsFilePath = f.Path
			asOf, err := e.importOneHoldings(ctx, ad, rc, d, now)
			if err != nil {
				return lastAsOf, fmt.Errorf("holdings file %s: %w", f.Name, err)
			}
			if _, err := e.Store.RecordFileIngest(ctx, d.conn.ID, store.IngestKindHoldings, f.Name, f.Hash, f.Bytes); err != nil {
				return lastAsOf, err
			}
			lastAsOf = maxTime(lastAsOf, asOf)
		}
		rc.HoldingsFilePath = ""
		return lastAsOf, nil
	}

	asOf, err := e.importOneHoldings(ctx, ad, rc, d, now)
	if err != nil {
		return nil, err
	}
	return asOf, nil
}

func (e *Engine) importOneHoldings(ctx context.Context, ad adapter.Adapter, rc *adapter.RunContext, d *dispatcher, now time.Time) (*time.Time, error) {
	payload, err := ad.FetchHoldings(ctx, rc, now)
	if err != nil {
		return nil, err
	}
	if payload == nil || len(payload.Items) == 0 && len(payload.CashBalances) == 0 {
		d.counters.HoldingsSkipped++
		return nil, nil
	}

	if err := e.Store.UpsertHoldingSnapshot(ctx, d.conn.ID, payload); err != nil {
		return nil, err
	}
	d.counters.HoldingsImported++

	if len(payload.CashBalances) > 0 {
		tx, err := e.Store.BeginPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, cb := range payload.CashBalances {
			accountID, ok := d.resolve(cb.ProviderAccountID)
			if !ok {
				d.counters.Warn("cash balance for unmapped provider account %q", cb.ProviderAccountID)
				continue
			}
			asOfDate := cb.AsOfDate
			if asOfDate == "" {
				asOfDate = payload.AsOf.Format(domain.DateLayout)
			}
			_, err := store.RunInSavepoint(tx, func() error {
				return e.Store.UpsertCashBalanceTx(tx, accountID, asOfDate, cb.Currency, cb.Amount)
			})
			if err != nil {
				tx.Rollback()
				return nil, err
			}
			d.counters.CashBalancesUpserted++
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit cash balances: %w", err)
		}
	}

	asOf := payload.AsOf
	return &asOf, nil
}

func maxTime(a *time.Time, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil || b.Before(*a) {
		return a
	}
	return b
}
