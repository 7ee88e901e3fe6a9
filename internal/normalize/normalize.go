// Package normalize maps raw provider transaction types into the fixed
// vocabulary and applies the sign policy. This table is the single
// source of truth for sign conventions; adapters classify but never
// sign-correct.
package normalize

import (
	"math"
	"strings"

	"github.com/rumor-ml/commons.systems/ledgersync/internal/domain"
)

var typeMap = map[string]domain.TxnType{
	"BUY":         domain.TxnBuy,
	"SELL":        domain.TxnSell,
	"DIV":         domain.TxnDividend,
	"DIVIDEND":    domain.TxnDividend,
	"INT":         domain.TxnInterest,
	"INTEREST":    domain.TxnInterest,
	"FEE":         domain.TxnFee,
	"WITHHOLDING": domain.TxnWithholding,
	"TRANSFER":    domain.TxnTransfer,
	"DEPOSIT":     domain.TxnTransfer,
	"WITHDRAWAL":  domain.TxnTransfer,
}

// MapTxnType maps a raw provider type string into the fixed vocabulary.
// Unrecognized types map to OTHER.
func MapTxnType(raw string) domain.TxnType {
	if t, ok := typeMap[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return t
	}
	return domain.TxnOther
}

// Keywords that disambiguate the direction of a zero-amount TRANSFER.
// Inference never overrides a non-zero source-reported amount.
var (
	contributionWords = []string{"CONTRIBUTION", "DEPOSIT", "INCOMING", "RECEIVED", "ROLLOVER IN", "TRANSFER IN"}
	distributionWords = []string{"DISTRIBUTION", "WITHDRAWAL", "OUTGOING", "SENT", "ROLLOVER OUT", "TRANSFER OUT"}
)

// Apply normalizes quantity and amount for one transaction:
//
//	BUY/SELL   quantities stored as positive magnitudes
//	BUY        amount forced negative (cash outflow)
//	SELL       amount forced positive
//	FEE        amount forced negative
//	WITHHOLDING amount forced positive (credit against tax liability)
//	TRANSFER   amount sign preserved; when exactly zero, description
//	           keywords may disambiguate direction
//
// Apply is idempotent: normalizing an already-normalized record is a
// no-op.
func Apply(t domain.TxnType, qty *float64, amount float64, description string) (*float64, float64) {
	if qty != nil && (t == domain.TxnBuy || t == domain.TxnSell) {
		q := math.Abs(*qty)
		qty = &q
	}

	switch t {
	case domain.TxnBuy:
		amount = -math.Abs(amount)
	case domain.TxnSell:
		amount = math.Abs(amount)
	case domain.TxnFee:
		amount = -math.Abs(amount)
	case domain.TxnWithholding:
		amount = math.Abs(amount)
	case domain.TxnTransfer:
		if amount == 0 {
			desc := strings.ToUpper(description)
			if containsAny(desc, contributionWords) {
				amount = 0 // direction only matters for a non-zero magnitude
			} else if containsAny(desc, distributionWords) {
				amount = math.Copysign(0, -1)
			}
		}
	}
	return qty, amount
}

// TransferDirection reports the inferred direction of a zero-amount
// transfer: +1 contribution-like, -1 distribution-like, 0 unknown.
// Non-zero amounts always return 0 (source sign wins).
func TransferDirection(amount float64, description string) int {
	if amount != 0 {
		return 0
	}
	desc := strings.ToUpper(description)
	if containsAny(desc, contributionWords) {
		return 1
	}
	if containsAny(desc, distributionWords) {
		return -1
	}
	return 0
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
