package sync

import (
	"context"
	"fmt"

	"github.com/rumor-ml/commons.systems/ledgersync/internal/domain"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/store"
)

// LinkStats summarizes one wash-sale linking pass.
type LinkStats struct {
	RowsSeen int `json:"rows_seen"`
	Linked   int `json:"linked"`
	Updated  int `json:"updated"`
}

type lotKey struct {
	providerAccountID string
	symbol            string
	date              string
}

// LinkWashSales matches unlinked wash-sale events against closed lots
// on the same connection, account and symbol whose trade date equals
// the event's when-realized date exactly. An ambiguous match (more
// than one candidate lot) is left unlinked rather than guessed. Links
// are monotonic: an already linked event is never touched. The pass is
// scoped to events realized inside the window.
func LinkWashSales(ctx context.Context, st *store.Store, connectionID int64, window Window) (LinkStats, error) {
	var stats LinkStats

	lots, err := st.ListClosedLots(ctx, connectionID)
	if err != nil {
		return stats, err
	}
	events, err := st.ListWashSales(ctx, connectionID)
	if err != nil {
		return stats, err
	}

	byKey := make(map[lotKey][]domain.ClosedLot)
	for _, lot := range lots {
		k := lotKey{lot.ProviderAccountID, lot.Symbol, lot.TradeDate.Format(domain.DateLayout)}
		byKey[k] = append(byKey[k], lot)
	}

	for _, ev := range events {
		if ev.LinkedClosureID != nil {
			continue
		}
		realized := ev.TradeDate
		if ev.WhenRealized != nil {
			realized = *ev.WhenRealized
		}
		if !window.Contains(realized) {
			continue
		}
		stats.RowsSeen++

		candidates := byKey[lotKey{ev.ProviderAccountID, ev.Symbol, realized.Format(domain.DateLayout)}]
		if len(candidates) != 1 {
			continue
		}
		lot := candidates[0]

		disallowed := disallowedLoss(lot.RealizedPL)
		if err := st.UpdateWashSaleLink(ctx, ev.ID, lot.ID, disallowed, lot.CostBasis, lot.Proceeds); err != nil {
			return stats, fmt.Errorf("wash sale %s/%s on %s: %w", ev.ProviderAccountID, ev.Symbol,
				realized.Format(domain.DateLayout), err)
		}
		stats.Linked++
		if disallowed != nil {
			stats.Updated++
		}
	}
	return stats, nil
}

// disallowedLoss returns the positive disallowed amount for a losing
// lot. A non-negative realized P&L on a wash-sale row is left
// unpopulated rather than asserted as zero.
func disallowedLoss(realizedPL *float64) *float64 {
	if realizedPL == nil || *realizedPL >= 0 {
		return nil
	}
	v := -*realizedPL
	return &v
}
