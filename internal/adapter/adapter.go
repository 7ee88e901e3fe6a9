// Package adapter defines the contract between the sync engine and
// pluggable source adapters, plus the shared plumbing every adapter
// class needs: the typed run context, the connector registry, offline
// file selection and bounded retry.
package adapter

import (
	"context"
	"time"

	"github.com/rumor-ml/commons.systems/ledgersync/internal/domain"
)

// Class partitions adapters by how they fetch.
type Class string

const (
	// ClassFile reads exported files from a local directory.
	ClassFile Class = "FILE"
	// ClassLive talks to a provider API with tokens and cursors.
	ClassLive Class = "LIVE"
)

// Traits declare per-connector behavior the engine must not infer.
type Traits struct {
	Class Class

	// EmptyPageContinues: a file-backed adapter may legitimately emit
	// zero records for one file in a multi-file cursor sequence, so an
	// empty page with a non-empty cursor does not terminate pagination.
	EmptyPageContinues bool

	// ReissuesIdentifiers: the provider re-emits the same economic
	// event under a new identifier on pending→settled transitions.
	// Enables value-signature aliasing in the idempotency layer.
	ReissuesIdentifiers bool

	// TokenScoped: the remote rate limiter is scoped to the credential
	// token, so submit-then-poll sequences sharing a token must be
	// serialized across runs.
	TokenScoped bool
}

// CredentialSource supplies decrypted secrets to adapters. A missing
// credential returns ("", nil).
type CredentialSource interface {
	Credential(connectionID int64, key string) (string, error)
}

// ProbeResult is the connectivity check outcome.
type ProbeResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// FileKind classifies an offline file by content role.
type FileKind string

const (
	FileTransactions FileKind = "TRANSACTIONS"
	FileHoldings     FileKind = "HOLDINGS"
)

// FileInfo describes one selected offline file.
type FileInfo struct {
	Path  string
	Name  string
	Hash  string
	Bytes int64
	MTime time.Time
	Kind  FileKind
}

// RunContext is the explicit, typed per-run settings object threaded
// through adapter calls. It replaces an open-ended map with a fixed set
// of recognized fields.
type RunContext struct {
	Connection  *domain.Connection
	Credentials CredentialSource

	EffectiveStart time.Time
	EffectiveEnd   time.Time
	StorePayloads  bool
	ReprocessFiles bool

	// Offline file selection, populated by the engine before
	// pagination for file-class adapters.
	SelectedFiles []FileInfo
	HoldingsFiles []FileInfo

	// The holdings file currently being imported, if any.
	HoldingsFilePath string

	// Report-payload bookkeeping for live connectors.
	SkippedPayloadHashes []string
	NewPayloadHashes     []string

	warnings []string
}

// Warn records an adapter warning for the run diagnostics.
func (rc *RunContext) Warn(msg string) {
	rc.warnings = append(rc.warnings, msg)
}

// Warnings returns the accumulated adapter warnings.
func (rc *RunContext) Warnings() []string {
	return append([]string(nil), rc.warnings...)
}

// Credential is a nil-safe credential lookup for the run's connection.
func (rc *RunContext) Credential(key string) string {
	if rc.Credentials == nil || rc.Connection == nil {
		return ""
	}
	v, err := rc.Credentials.Credential(rc.Connection.ID, key)
	if err != nil {
		return ""
	}
	return v
}

// Adapter translates one external source's native format into the core
// record schema. Implementations hold no per-run state; everything a
// call needs travels in the RunContext.
type Adapter interface {
	// Traits reports the adapter's class and behavior flags.
	Traits() Traits

	// ListAccounts enumerates the provider's accounts.
	ListAccounts(ctx context.Context, rc *RunContext) ([]domain.ProviderAccount, error)

	// FetchPage returns one page of records for the window plus the
	// next cursor; an empty next cursor means exhaustion. cursor ""
	// requests the first page.
	FetchPage(ctx context.Context, rc *RunContext, start, end time.Time, cursor string) ([]domain.Record, string, error)

	// FetchHoldings returns a point-in-time holdings snapshot.
	FetchHoldings(ctx context.Context, rc *RunContext, asOf time.Time) (*domain.HoldingsPayload, error)

	// Probe is a cheap connectivity check.
	Probe(ctx context.Context, rc *RunContext) ProbeResult
}
