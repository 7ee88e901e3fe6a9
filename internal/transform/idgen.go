// Package transform generates the deterministic identifiers the
// idempotency layer is built on: stable provider transaction IDs,
// content hashes for broker-computed tax rows, and slugged internal
// account IDs.
package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/rumor-ml/commons.systems/ledgersync/internal/domain"
)

// HashIDPrefix marks identifiers derived from record content rather
// than issued by the provider.
const HashIDPrefix = "HASH:"

// StableTransactionID returns the idempotency key for a transaction
// record: the provider-supplied identifier when present, else a
// deterministic SHA-256 over the value fields. The hash input uses the
// raw (pre-normalization) fields so re-presenting the same provider row
// always yields the same key.
func StableTransactionID(r *domain.Record) string {
	if r.ProviderTxnID != "" {
		return r.ProviderTxnID
	}
	parts := []string{
		r.Date,
		floatField(r.Amount),
		r.Type,
		r.Symbol,
		r.Description,
		r.ProviderAccountID,
		floatField(r.Qty),
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return HashIDPrefix + hex.EncodeToString(h[:])
}

// ContentHash returns the idempotency key for broker-computed rows
// (closed lots, wash-sale events). These are external computations
// stored verbatim, so the key is a hash of the broker-provided fields,
// not a business identifier.
func ContentHash(r *domain.Record) string {
	parts := []string{
		string(r.Kind),
		r.ProviderAccountID,
		r.Symbol,
		r.Date,
		r.OpenDate,
		r.WhenRealized,
		floatField(r.Qty),
		floatField(r.CostBasis),
		floatField(r.RealizedPL),
		floatField(r.Proceeds),
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}

// ValueSignature fingerprints a transaction by its economic value
// fields only. Connector classes that reissue identifiers across
// pending→settled transitions use it to alias a new identifier to an
// already-persisted row.
func ValueSignature(accountID int64, date string, txnType domain.TxnType, symbol string, qty *float64, amount float64) string {
	s := fmt.Sprintf("%d|%s|%s|%s|%s|%.2f", accountID, date, txnType, strings.ToUpper(symbol), floatField(qty), amount)
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func floatField(f *float64) string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%.6f", *f)
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify converts a provider or institution name to a stable
// URL-safe slug, normalizing accented characters first.
func Slugify(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("name cannot be empty")
	}

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	normalized, _, err := transform.String(t, name)
	if err != nil {
		return "", fmt.Errorf("failed to normalize name %q: %w", name, err)
	}

	slug := strings.ToLower(normalized)
	slug = nonAlnum.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "", fmt.Errorf("name %q contains no alphanumeric characters", name)
	}
	return slug, nil
}

// MaskSecret redacts a credential to a fixed-length masked form safe
// for diagnostics. The output never depends on the secret's length.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
