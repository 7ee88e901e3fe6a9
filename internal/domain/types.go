// Package domain defines the core ledger types shared by the store,
// the adapters and the sync engine.
package domain

import (
	"fmt"
	"time"
)

// Mode selects how much history a sync run requests.
type Mode string

const (
	// ModeFull requests a full-history backfill.
	ModeFull Mode = "FULL"
	// ModeIncremental requests a bounded recent-delta window.
	ModeIncremental Mode = "INCREMENTAL"
)

// RunStatus is the terminal verdict of one sync run.
// A run is created with RunStatusRunning and finishes in exactly one of
// the other states.
type RunStatus string

const (
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusPartial RunStatus = "PARTIAL"
	RunStatusError   RunStatus = "ERROR"
)

// CoverageStatus summarizes how completely a connection's history has
// been captured across all of its runs.
type CoverageStatus string

const (
	CoverageUnknown  CoverageStatus = "UNKNOWN"
	CoveragePartial  CoverageStatus = "PARTIAL"
	CoverageComplete CoverageStatus = "COMPLETE"
)

// TxnType is the fixed transaction vocabulary. Adapters classify into
// it; sign policy is applied centrally (see the normalize package),
// never by adapters.
type TxnType string

const (
	TxnBuy         TxnType = "BUY"
	TxnSell        TxnType = "SELL"
	TxnDividend    TxnType = "DIVIDEND"
	TxnInterest    TxnType = "INTEREST"
	TxnFee         TxnType = "FEE"
	TxnWithholding TxnType = "WITHHOLDING"
	TxnTransfer    TxnType = "TRANSFER"
	TxnOther       TxnType = "OTHER"
)

// RecordKind tags each adapter-emitted record for dispatch.
type RecordKind string

const (
	KindTransaction   RecordKind = "TRANSACTION"
	KindCashBalance   RecordKind = "CASH_BALANCE"
	KindClosedLot     RecordKind = "BROKER_CLOSED_LOT"
	KindWashSale      RecordKind = "BROKER_WASH_SALE"
	KindReportPayload RecordKind = "REPORT_PAYLOAD"
	KindSyncCursor    RecordKind = "SYNC_CURSOR"
	KindWarning       RecordKind = "WARNING"
)

var (
	validModes = map[Mode]struct{}{
		ModeFull: {}, ModeIncremental: {},
	}

	validTxnTypes = map[TxnType]struct{}{
		TxnBuy: {}, TxnSell: {}, TxnDividend: {}, TxnInterest: {},
		TxnFee: {}, TxnWithholding: {}, TxnTransfer: {}, TxnOther: {},
	}

	validRecordKinds = map[RecordKind]struct{}{
		KindTransaction: {}, KindCashBalance: {}, KindClosedLot: {},
		KindWashSale: {}, KindReportPayload: {}, KindSyncCursor: {},
		KindWarning: {},
	}
)

// ValidateMode checks if m is a known sync mode.
func ValidateMode(m Mode) bool {
	_, ok := validModes[m]
	return ok
}

// ValidateTxnType checks if t is in the fixed vocabulary.
func ValidateTxnType(t TxnType) bool {
	_, ok := validTxnTypes[t]
	return ok
}

// ValidateRecordKind checks if k is a known record kind.
func ValidateRecordKind(k RecordKind) bool {
	_, ok := validRecordKinds[k]
	return ok
}

// DateLayout is the wire format for dates in adapter records.
const DateLayout = "2006-01-02"

// UnknownSymbol is the placeholder security for transactions whose
// source record carries no symbol.
const UnknownSymbol = "UNKNOWN"

// ParseDate parses a wire-format date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// Record is the adapter → dispatcher wire schema. Dates travel as
// YYYY-MM-DD strings; the dispatcher parses them and counts malformed
// records as parse failures rather than aborting the page.
type Record struct {
	Kind              RecordKind `json:"record_kind"`
	Date              string     `json:"date,omitempty"`
	Type              string     `json:"type,omitempty"`
	Symbol            string     `json:"symbol,omitempty"`
	Qty               *float64   `json:"qty,omitempty"`
	Amount            *float64   `json:"amount,omitempty"`
	Description       string     `json:"description,omitempty"`
	ProviderTxnID     string     `json:"provider_transaction_id,omitempty"`
	ProviderAccountID string     `json:"provider_account_id,omitempty"`
	Currency          string     `json:"currency,omitempty"`
	SourceFile        string     `json:"source_file,omitempty"`
	SourceRow         int        `json:"source_row,omitempty"`

	// CASH_BALANCE
	AsOfDate string `json:"as_of_date,omitempty"`

	// BROKER_CLOSED_LOT / BROKER_WASH_SALE
	CostBasis    *float64 `json:"cost_basis,omitempty"`
	RealizedPL   *float64 `json:"realized_pl_fifo,omitempty"`
	Proceeds     *float64 `json:"proceeds_derived,omitempty"`
	OpenDate     string   `json:"open_date,omitempty"`
	WhenRealized string   `json:"when_realized,omitempty"`

	// REPORT_PAYLOAD
	PayloadHash  string `json:"payload_hash,omitempty"`
	PayloadBytes int    `json:"payload_bytes,omitempty"`

	// SYNC_CURSOR
	Cursor string `json:"cursor,omitempty"`

	// WARNING
	Message string `json:"message,omitempty"`
}

// ProviderAccount is one account as enumerated by a source.
type ProviderAccount struct {
	ProviderAccountID string `json:"provider_account_id"`
	Name              string `json:"name"`
	AccountType       string `json:"account_type"`
}

// Account is an internal ledger account. Accounts are created on first
// sight of a provider account and never deleted by the engine.
type Account struct {
	ID          int64
	Name        string
	Broker      string
	AccountType string
	Taxpayer    string
}

// Connection identifies one configured source. Created from
// configuration, mutated only by the sync engine after each run.
type Connection struct {
	ID          int64
	Name        string
	Provider    string
	Broker      string
	Connector   string
	Status      string
	Taxpayer    string
	DataDir     string
	FixtureDir  string
	OverlapDays int

	// Resumption cursor, applied only when a run succeeds.
	Cursor string

	LastSuccessfulSyncAt *time.Time
	LastSuccessfulTxnEnd *time.Time
	LastFullSyncAt       *time.Time
	TxnEarliestAvailable *time.Time
	HoldingsLastAsOf     *time.Time
	LastErrorJSON        string
	CoverageStatus       CoverageStatus
}

// Active reports whether the connection may be synced.
func (c *Connection) Active() bool {
	return c.Status == "ACTIVE"
}

// SyncRun is one append-only orchestration attempt. The row is created
// and flushed before any adapter I/O so in-flight runs are observable.
type SyncRun struct {
	ID int64
	// UID correlates log lines and diagnostics across systems.
	UID          string
	ConnectionID int64
	Mode         Mode
	Status       RunStatus

	RequestedStart *time.Time
	RequestedEnd   *time.Time
	EffectiveStart time.Time
	EffectiveEnd   time.Time
	StorePayloads  bool

	PagesFetched       int
	TxnCount           int
	NewCount           int
	DupesCount         int
	ParseFailCount     int
	MissingSymbolCount int

	StartedAt    time.Time
	FinishedAt   *time.Time
	CoverageJSON string
	ErrorJSON    string
}

// Transaction is one normalized economic event owned by exactly one
// account. Rows are created only through the idempotency layer.
type Transaction struct {
	ID          int64
	AccountID   int64
	Date        time.Time
	Type        TxnType
	Symbol      string
	Qty         *float64
	Amount      float64
	Currency    string
	Description string
}

// ClosedLot is a broker-computed realized-gain record stored verbatim,
// keyed by (connection, content hash) for idempotency.
type ClosedLot struct {
	ID                int64
	ConnectionID      int64
	ProviderAccountID string
	Symbol            string
	TradeDate         time.Time
	OpenDate          *time.Time
	Qty               float64
	CostBasis         *float64
	RealizedPL        *float64
	Proceeds          *float64
	Currency          string
	ContentHash       string
	SourceFile        string
}

// WashSaleEvent is a broker-computed wash-sale record. LinkedClosureID
// is set only by the wash-sale linker and only once per event.
type WashSaleEvent struct {
	ID                int64
	ConnectionID      int64
	ProviderAccountID string
	Symbol            string
	TradeDate         time.Time
	WhenRealized      *time.Time
	Qty               float64
	CostBasis         *float64
	RealizedPL        *float64
	Proceeds          *float64
	DisallowedLoss    *float64
	LinkedClosureID   *int64
	ContentHash       string
	SourceFile        string
}

// HoldingItem is one position inside a holdings snapshot.
type HoldingItem struct {
	ProviderAccountID string   `json:"provider_account_id"`
	Symbol            string   `json:"symbol"`
	Qty               float64  `json:"qty"`
	MarketValue       *float64 `json:"market_value,omitempty"`
	AssetType         string   `json:"asset_type,omitempty"`
}

// CashBalanceItem is a point-in-time cash amount reported alongside a
// holdings snapshot.
type CashBalanceItem struct {
	ProviderAccountID string  `json:"provider_account_id"`
	Currency          string  `json:"currency"`
	Amount            float64 `json:"amount"`
	AsOfDate          string  `json:"as_of_date,omitempty"`
}

// HoldingsPayload is the adapter's holdings snapshot response.
type HoldingsPayload struct {
	AsOf          time.Time         `json:"as_of"`
	Items         []HoldingItem     `json:"items"`
	CashBalances  []CashBalanceItem `json:"cash_balances,omitempty"`
	SourceFile    string            `json:"source_file,omitempty"`
	PayloadHashes []string          `json:"payload_hashes,omitempty"`
}
