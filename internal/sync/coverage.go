package sync

import (
	"encoding/json"
	"fmt"

	"github.com/rumor-ml/commons.systems/ledgersync/internal/adapter"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/domain"
)

// maxWarnings bounds the warnings list in the diagnostics blob.
const maxWarnings = 50

// Counters is the per-run diagnostics blob persisted as JSON on the
// sync run. The reporting UI reads it verbatim, so field names are
// part of the external surface.
type Counters struct {
	PagesFetched       int `json:"pages_fetched"`
	AccountsFetched    int `json:"accounts_fetched"`
	TxnCount           int `json:"txn_count"`
	NewInserted        int `json:"new_inserted"`
	DuplicatesSkipped  int `json:"duplicates_skipped"`
	AliasedIDs         int `json:"aliased_ids"`
	ParseFailCount     int `json:"parse_fail_count"`
	MissingSymbolCount int `json:"missing_symbol_count"`

	CashBalancesUpserted   int `json:"cash_balances_upserted"`
	ClosedLotsInserted     int `json:"closed_lots_inserted"`
	ClosedLotsSkipped      int `json:"closed_lots_skipped"`
	WashSalesInserted      int `json:"wash_sales_inserted"`
	WashSalesSkipped       int `json:"wash_sales_skipped"`
	ReportPayloadsRecorded int `json:"report_payloads_recorded"`
	ReportPayloadsSkipped  int `json:"report_payloads_skipped"`
	CursorUpdates          int `json:"cursor_updates"`

	FileTotal        int `json:"file_total"`
	FileSelected     int `json:"file_selected"`
	FileSkippedSeen  int `json:"file_skipped_seen"`
	FileUnsupported  int `json:"file_unsupported"`
	HoldingsImported int `json:"holdings_imported"`
	HoldingsSkipped  int `json:"holdings_skipped"`

	EarliestTxnDate string         `json:"earliest_txn_date,omitempty"`
	LatestTxnDate   string         `json:"latest_txn_date,omitempty"`
	TxnTypeCounts   map[string]int `json:"txn_type_counts,omitempty"`

	WashSaleLink LinkStats `json:"wash_sale_link"`

	Warnings []string `json:"warnings,omitempty"`
}

// Warn appends a bounded human-readable warning.
func (c *Counters) Warn(format string, args ...any) {
	if len(c.Warnings) >= maxWarnings {
		return
	}
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
	if len(c.Warnings) == maxWarnings {
		c.Warnings = append(c.Warnings[:maxWarnings-1], "warning list truncated")
	}
}

// CountTxnType tallies one normalized transaction type.
func (c *Counters) CountTxnType(t domain.TxnType) {
	if c.TxnTypeCounts == nil {
		c.TxnTypeCounts = make(map[string]int)
	}
	c.TxnTypeCounts[string(t)]++
}

// ObserveTxnDate widens the earliest/latest imported-date bounds.
func (c *Counters) ObserveTxnDate(date string) {
	if c.EarliestTxnDate == "" || date < c.EarliestTxnDate {
		c.EarliestTxnDate = date
	}
	if c.LatestTxnDate == "" || date > c.LatestTxnDate {
		c.LatestTxnDate = date
	}
}

// Imported is the total of durable writes the run produced.
func (c *Counters) Imported() int {
	return c.NewInserted + c.CashBalancesUpserted + c.ClosedLotsInserted +
		c.WashSalesInserted + c.HoldingsImported
}

// JSON renders the blob for persistence.
func (c *Counters) JSON() string {
	b, err := json.Marshal(c)
	if err != nil {
		// Counters contain only marshalable fields; this path means a
		// programming error, surfaced as a diagnostic rather than lost.
		return fmt.Sprintf(`{"marshal_error":%q}`, err.Error())
	}
	return string(b)
}

// EvaluateRun assigns the terminal status for a run that did not hit a
// fatal error. It starts at SUCCESS and only downgrades.
//
// paginationExhausted is false when pagination stopped early (provider
// error mid-stream or a skipped page after retry exhaustion).
func EvaluateRun(traits adapter.Traits, c *Counters, paginationExhausted bool) domain.RunStatus {
	status := domain.RunStatusSuccess

	if !paginationExhausted {
		status = domain.RunStatusPartial
	}
	if c.ParseFailCount > 0 {
		status = domain.RunStatusPartial
	}
	if traits.Class == adapter.ClassFile {
		// A misconfigured directory must not read as a clean sync.
		if c.FileSelected == 0 && c.FileSkippedSeen == 0 && c.Imported() == 0 && c.DuplicatesSkipped == 0 {
			status = domain.RunStatusPartial
		}
	} else {
		// Pages came back but nothing landed and nothing was recognized
		// as already imported: the provider returned data the dispatcher
		// could not use.
		if c.PagesFetched > 0 && c.Imported() == 0 && c.DuplicatesSkipped == 0 && c.ReportPayloadsSkipped == 0 {
			status = domain.RunStatusPartial
		}
	}
	return status
}

// ConnectionCoverage derives the connection-level verdict after the
// run's pointers have been applied.
func ConnectionCoverage(conn *domain.Connection) domain.CoverageStatus {
	if conn.LastSuccessfulSyncAt == nil {
		return domain.CoverageUnknown
	}
	if conn.LastFullSyncAt != nil && conn.TxnEarliestAvailable != nil {
		return domain.CoverageComplete
	}
	return domain.CoveragePartial
}
