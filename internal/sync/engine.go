// Package sync implements the sync orchestration engine: range
// negotiation, pagination, record dispatch, idempotent persistence,
// holdings import, wash-sale linking and coverage evaluation.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rumor-ml/commons.systems/ledgersync/internal/adapter"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/domain"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/ratelimit"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/store"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/transform"
)

// Engine orchestrates sync runs. One engine serves many connections;
// each Run call is synchronous and single-threaded, and concurrent
// runs against different connections share only the store and the
// rate gate.
type Engine struct {
	Store       *store.Store
	Registry    *adapter.Registry
	Gate        *ratelimit.Gate
	Credentials adapter.CredentialSource
	Backoff     adapter.Backoff
	Logger      *slog.Logger

	// CallTimeout bounds each adapter call. Exceeding it surfaces as a
	// transient error subject to the bounded retry policy.
	CallTimeout time.Duration

	// Now is replaceable in tests.
	Now func() time.Time
}

// New returns an engine with default backoff, timeout and logging.
func New(st *store.Store, reg *adapter.Registry, gate *ratelimit.Gate, creds adapter.CredentialSource) *Engine {
	return &Engine{
		Store:       st,
		Registry:    reg,
		Gate:        gate,
		Credentials: creds,
		Backoff:     adapter.DefaultBackoff(),
		Logger:      slog.Default(),
		CallTimeout: 60 * time.Second,
		Now:         time.Now,
	}
}

// Options configures one run.
type Options struct {
	Mode           domain.Mode
	RequestedStart *time.Time
	RequestedEnd   *time.Time

	// StorePayloads defaults to on for FULL runs and off for
	// INCREMENTAL runs when nil.
	StorePayloads *bool

	// ReprocessFiles ignores the file ingest registry so already-seen
	// files are selected again.
	ReprocessFiles bool
}

// errorKind values recorded in the run's error blob.
const (
	errKindRangeExhausted = "RANGE_NEGOTIATION_EXHAUSTED"
	errKindNoAccounts     = "NO_ACCOUNTS"
	errKindAuth           = "AUTH_FAILED"
	errKindProvider       = "PROVIDER_ERROR"
	errKindInternal       = "INTERNAL"
)

// Run executes one sync for the connection. The returned run always
// carries a terminal status and a diagnostics blob; the error is
// non-nil only when the run ended in ERROR.
func (e *Engine) Run(ctx context.Context, conn *domain.Connection, opts Options) (*domain.SyncRun, error) {
	if !conn.Active() {
		return nil, fmt.Errorf("connection %s is not active (status %s)", conn.Name, conn.Status)
	}
	if !domain.ValidateMode(opts.Mode) {
		return nil, fmt.Errorf("invalid sync mode %q", opts.Mode)
	}

	ad, err := e.Registry.Resolve(adapter.Connector(conn.Connector))
	if err != nil {
		return nil, err
	}
	traits := ad.Traits()
	now := e.Now().UTC()

	storePayloads := opts.Mode == domain.ModeFull
	if opts.StorePayloads != nil {
		storePayloads = *opts.StorePayloads
	}

	// Preliminary window; FULL negotiation may shrink it after the run
	// row exists.
	window := IncrementalWindow(conn, opts.RequestedStart, opts.RequestedEnd, now)
	if opts.Mode == domain.ModeFull {
		end := truncateDay(now)
		if opts.RequestedEnd != nil {
			end = truncateDay(*opts.RequestedEnd)
		}
		start := end.AddDate(0, 0, -fullHistoryDays)
		if opts.RequestedStart != nil {
			start = truncateDay(*opts.RequestedStart)
		}
		window = Window{Start: start, End: end}
	}

	run := &domain.SyncRun{
		ConnectionID:   conn.ID,
		Mode:           opts.Mode,
		RequestedStart: opts.RequestedStart,
		RequestedEnd:   opts.RequestedEnd,
		EffectiveStart: window.Start,
		EffectiveEnd:   window.End,
		StorePayloads:  storePayloads,
		StartedAt:      now,
	}
	// The run row lands before any adapter I/O so in-flight runs are
	// observable.
	if err := e.Store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	counters := &Counters{}
	rc := &adapter.RunContext{
		Connection:     conn,
		Credentials:    e.Credentials,
		EffectiveStart: window.Start,
		EffectiveEnd:   window.End,
		StorePayloads:  storePayloads,
		ReprocessFiles: opts.ReprocessFiles,
	}
	tokenKey := e.tokenKey(rc, conn)

	e.Logger.Info("sync started",
		"connection", conn.Name, "connector", conn.Connector,
		"mode", string(opts.Mode), "run_id", run.ID, "run_uid", run.UID, "window", window.String())

	if traits.Class == adapter.ClassFile {
		if err := e.selectFiles(ctx, conn, rc, counters); err != nil {
			return e.fail(ctx, run, conn, counters, rc, errKindInternal, err)
		}
	}

	seenPayloads, err := e.Store.SeenFileHashes(ctx, conn.ID, store.IngestKindReportPayload)
	if err != nil {
		return e.fail(ctx, run, conn, counters, rc, errKindInternal, err)
	}

	fetchPage := func(start, end time.Time, cursor string) (records []domain.Record, next string, err error) {
		err = e.Backoff.Do(ctx, func() error {
			release, aerr := e.Gate.Acquire(ctx, tokenKey)
			if aerr != nil {
				return aerr
			}
			defer release()
			callCtx, cancel := context.WithTimeout(ctx, e.CallTimeout)
			defer cancel()
			var ferr error
			records, next, ferr = ad.FetchPage(callCtx, rc, start, end, cursor)
			return e.classifyCallErr(ctx, ferr)
		})
		return records, next, err
	}

	// Range negotiation, once per run, before the effective range is
	// final.
	var first *FirstPage
	if opts.Mode == domain.ModeFull {
		negotiated, firstPage, err := NegotiateFull(opts.RequestedStart, opts.RequestedEnd, now, func(s, t time.Time) ([]domain.Record, string, error) {
			return fetchPage(s, t, "")
		})
		if err != nil {
			kind := errKindProvider
			if IsNegotiationExhausted(err) {
				kind = errKindRangeExhausted
			} else if adapter.IsAuth(err) {
				kind = errKindAuth
			}
			return e.fail(ctx, run, conn, counters, rc, kind, err)
		}
		window = negotiated
		first = firstPage
		run.EffectiveStart = window.Start
		run.EffectiveEnd = window.End
		rc.EffectiveStart = window.Start
		rc.EffectiveEnd = window.End
		if err := e.Store.UpdateRunRange(ctx, run); err != nil {
			return e.fail(ctx, run, conn, counters, rc, errKindInternal, err)
		}
		e.Logger.Info("range negotiated", "connection", conn.Name, "window", window.String())
	}

	// Account discovery and mapping. Zero accounts is unrecoverable.
	accounts, err := e.listAccounts(ctx, ad, rc, tokenKey)
	if err != nil {
		kind := errKindProvider
		if adapter.IsAuth(err) {
			kind = errKindAuth
		}
		return e.fail(ctx, run, conn, counters, rc, kind, err)
	}
	if len(accounts) == 0 {
		return e.fail(ctx, run, conn, counters, rc, errKindNoAccounts,
			fmt.Errorf("provider returned zero accounts"))
	}
	counters.AccountsFetched = len(accounts)

	resolve, err := e.mapAccounts(ctx, conn, accounts, counters)
	if err != nil {
		return e.fail(ctx, run, conn, counters, rc, errKindInternal, err)
	}

	d := &dispatcher{
		store:         e.Store,
		logger:        e.Logger,
		conn:          conn,
		runID:         run.ID,
		resolve:       resolve,
		reissuesIDs:   traits.ReissuesIdentifiers,
		storePayloads: storePayloads,
		seenPayloads:  seenPayloads,
		counters:      counters,
	}

	// Pagination loop. Page N is fully persisted before page N+1 is
	// fetched; a crash leaves a consistent prefix.
	paginationExhausted := true
	cursor := ""
	for {
		var records []domain.Record
		var next string
		var ferr error
		if first != nil {
			records, next = first.Records, first.NextCursor
			first = nil
		} else {
			records, next, ferr = fetchPage(window.Start, window.End, cursor)
		}
		if ferr != nil {
			if adapter.IsAuth(ferr) {
				return e.fail(ctx, run, conn, counters, rc, errKindAuth, ferr)
			}
			if adapter.IsTransient(ferr) && counters.PagesFetched > 0 {
				// Retries exhausted after progress: skip the page and
				// degrade rather than lose what already landed.
				counters.Warn("page skipped after retry exhaustion: %v", e.redact(ferr.Error(), rc))
				paginationExhausted = false
				break
			}
			if traits.Class == adapter.ClassFile && counters.PagesFetched > 0 {
				counters.Warn("pagination stopped early: %v", e.redact(ferr.Error(), rc))
				paginationExhausted = false
				break
			}
			// A broken live cursor cannot be safely resumed.
			return e.fail(ctx, run, conn, counters, rc, errKindProvider, ferr)
		}

		// Counted before dispatch so a page that fails wholesale still
		// shows up in diagnostics.
		counters.PagesFetched++

		if err := d.DispatchPage(ctx, records); err != nil {
			return e.fail(ctx, run, conn, counters, rc, errKindInternal, err)
		}

		if next == "" {
			break
		}
		if len(records) == 0 && !traits.EmptyPageContinues {
			break
		}
		cursor = next
	}

	// Register newly consumed transaction files so the next run's scan
	// skips them.
	fileByHash := make(map[string]adapter.FileInfo, len(rc.SelectedFiles))
	for _, f := range rc.SelectedFiles {
		fileByHash[f.Hash] = f
	}
	for _, h := range rc.NewPayloadHashes {
		f := fileByHash[h]
		if _, err := e.Store.RecordFileIngest(ctx, conn.ID, store.IngestKindTransactions, f.Name, h, f.Bytes); err != nil {
			return e.fail(ctx, run, conn, counters, rc, errKindInternal, err)
		}
	}

	holdingsAsOf, err := e.importHoldings(ctx, ad, rc, d, now)
	if err != nil {
		counters.Warn("holdings import failed: %v", e.redact(err.Error(), rc))
		paginationExhausted = false
	}

	linkStats, err := LinkWashSales(ctx, e.Store, conn.ID, window)
	if err != nil {
		counters.Warn("wash sale linking failed: %v", e.redact(err.Error(), rc))
		paginationExhausted = false
	}
	counters.WashSaleLink = linkStats

	for _, w := range rc.Warnings() {
		counters.Warn("%s", w)
	}

	run.Status = EvaluateRun(traits, counters, paginationExhausted)
	e.applyCounters(run, counters)
	run.CoverageJSON = counters.JSON()
	if err := e.Store.FinishRun(ctx, run); err != nil {
		return run, err
	}

	if run.Status == domain.RunStatusSuccess {
		if err := e.advancePointers(ctx, conn, run, d, window, holdingsAsOf, now); err != nil {
			return run, err
		}
	} else {
		conn.LastErrorJSON = errorJSON(string(run.Status), "run did not complete cleanly", counters.Warnings)
		conn.CoverageStatus = ConnectionCoverage(conn)
		if err := e.Store.UpdateConnectionSyncState(ctx, conn); err != nil {
			return run, err
		}
	}

	e.Logger.Info("sync finished",
		"connection", conn.Name, "run_id", run.ID, "status", string(run.Status),
		"pages", counters.PagesFetched, "new", counters.NewInserted,
		"duplicates", counters.DuplicatesSkipped, "parse_failures", counters.ParseFailCount)
	return run, nil
}

// Probe checks connectivity for the connection without starting a run.
func (e *Engine) Probe(ctx context.Context, conn *domain.Connection) adapter.ProbeResult {
	ad, err := e.Registry.Resolve(adapter.Connector(conn.Connector))
	if err != nil {
		return adapter.ProbeResult{OK: false, Message: err.Error()}
	}
	rc := &adapter.RunContext{Connection: conn, Credentials: e.Credentials}
	callCtx, cancel := context.WithTimeout(ctx, e.CallTimeout)
	defer cancel()
	return ad.Probe(callCtx, rc)
}

// advancePointers moves the connection's success pointers. Only a
// SUCCESS run reaches here; a failed run must not advance past data
// that was not durably imported.
func (e *Engine) advancePointers(ctx context.Context, conn *domain.Connection, run *domain.SyncRun, d *dispatcher, window Window, holdingsAsOf *time.Time, now time.Time) error {
	conn.LastSuccessfulSyncAt = &now
	end := window.End
	conn.LastSuccessfulTxnEnd = &end
	if d.pendingCursor != "" {
		conn.Cursor = d.pendingCursor
	}
	if holdingsAsOf != nil {
		conn.HoldingsLastAsOf = maxTime(conn.HoldingsLastAsOf, holdingsAsOf)
	}
	if run.Mode == domain.ModeFull {
		conn.LastFullSyncAt = &now
		earliest, _, ok, err := e.Store.TxnDateBounds(ctx, conn.ID)
		if err != nil {
			return err
		}
		if ok {
			conn.TxnEarliestAvailable = &earliest
		}
	}
	conn.LastErrorJSON = ""
	conn.CoverageStatus = ConnectionCoverage(conn)
	return e.Store.UpdateConnectionSyncState(ctx, conn)
}

// selectFiles scans the connection's data directory and fills the run
// context's file sets, honoring the ingest registry unless the run
// reprocesses.
func (e *Engine) selectFiles(ctx context.Context, conn *domain.Connection, rc *adapter.RunContext, counters *Counters) error {
	if conn.DataDir == "" {
		return nil
	}

	var seenTxn, seenHoldings map[string]bool
	if !rc.ReprocessFiles {
		var err error
		if seenTxn, err = e.Store.SeenFileHashes(ctx, conn.ID, store.IngestKindTransactions); err != nil {
			return err
		}
		if seenHoldings, err = e.Store.SeenFileHashes(ctx, conn.ID, store.IngestKindHoldings); err != nil {
			return err
		}
	}

	files, metrics, err := adapter.ScanDataDir(conn.DataDir, adapter.FileTransactions, seenTxn)
	if err != nil {
		return err
	}
	rc.SelectedFiles = files
	counters.FileTotal = metrics.FileTotal
	counters.FileSelected = metrics.Selected
	counters.FileSkippedSeen = metrics.SkippedSeen
	counters.FileUnsupported = metrics.UnsupportedTotal

	holdingsFiles, _, err := adapter.ScanDataDir(conn.DataDir, adapter.FileHoldings, seenHoldings)
	if err != nil {
		return err
	}
	rc.HoldingsFiles = holdingsFiles
	return nil
}

func (e *Engine) listAccounts(ctx context.Context, ad adapter.Adapter, rc *adapter.RunContext, tokenKey string) ([]domain.ProviderAccount, error) {
	var accounts []domain.ProviderAccount
	err := e.Backoff.Do(ctx, func() error {
		release, aerr := e.Gate.Acquire(ctx, tokenKey)
		if aerr != nil {
			return aerr
		}
		defer release()
		callCtx, cancel := context.WithTimeout(ctx, e.CallTimeout)
		defer cancel()
		var lerr error
		accounts, lerr = ad.ListAccounts(callCtx, rc)
		return e.classifyCallErr(ctx, lerr)
	})
	return accounts, err
}

// mapAccounts upserts ledger accounts for every provider account and
// returns an in-memory resolver. Unknown provider account IDs seen
// later fall back to the first account with a warning; dropping their
// records entirely would hide money movement.
func (e *Engine) mapAccounts(ctx context.Context, conn *domain.Connection, accounts []domain.ProviderAccount, counters *Counters) (accountResolver, error) {
	byProvider := make(map[string]int64, len(accounts))
	var fallback int64

	for _, pa := range accounts {
		name := pa.Name
		if name == "" {
			name = pa.ProviderAccountID
		}
		slug, err := transform.Slugify(name)
		if err != nil {
			slug = fmt.Sprintf("account-%d", len(byProvider)+1)
		}
		acct := domain.Account{
			Name:        fmt.Sprintf("%s-%s", conn.Name, slug),
			Broker:      conn.Broker,
			AccountType: pa.AccountType,
			Taxpayer:    conn.Taxpayer,
		}
		id, err := e.Store.EnsureAccount(ctx, &acct)
		if err != nil {
			return nil, err
		}
		if err := e.Store.MapProviderAccount(ctx, conn.ID, pa.ProviderAccountID, id); err != nil {
			return nil, err
		}
		byProvider[pa.ProviderAccountID] = id
		if fallback == 0 {
			fallback = id
		}
	}

	warned := make(map[string]bool)
	return func(providerAccountID string) (int64, bool) {
		if id, ok := byProvider[providerAccountID]; ok {
			return id, true
		}
		if providerAccountID == "" {
			return fallback, true
		}
		if !warned[providerAccountID] {
			warned[providerAccountID] = true
			counters.Warn("provider account %q not in account list, using fallback account", providerAccountID)
		}
		return fallback, true
	}, nil
}

// classifyCallErr folds call timeouts into the transient taxonomy so
// the bounded retry policy applies to them.
func (e *Engine) classifyCallErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &adapter.TransientError{Err: err}
	}
	return err
}

func (e *Engine) tokenKey(rc *adapter.RunContext, conn *domain.Connection) string {
	if tok := rc.Credential("access_token"); tok != "" {
		return tok
	}
	return conn.Name
}

func (e *Engine) fail(ctx context.Context, run *domain.SyncRun, conn *domain.Connection, counters *Counters, rc *adapter.RunContext, kind string, cause error) (*domain.SyncRun, error) {
	msg := e.redact(cause.Error(), rc)
	e.Logger.Error("sync failed", "connection", conn.Name, "run_id", run.ID, "kind", kind, "error", msg)

	run.Status = domain.RunStatusError
	e.applyCounters(run, counters)
	run.CoverageJSON = counters.JSON()
	run.ErrorJSON = errorJSON(kind, msg, nil)
	if err := e.Store.FinishRun(ctx, run); err != nil {
		return run, err
	}

	conn.LastErrorJSON = run.ErrorJSON
	conn.CoverageStatus = ConnectionCoverage(conn)
	if err := e.Store.UpdateConnectionSyncState(ctx, conn); err != nil {
		return run, err
	}
	return run, cause
}

func (e *Engine) applyCounters(run *domain.SyncRun, c *Counters) {
	run.PagesFetched = c.PagesFetched
	run.TxnCount = c.TxnCount
	run.NewCount = c.NewInserted
	run.DupesCount = c.DuplicatesSkipped
	run.ParseFailCount = c.ParseFailCount
	run.MissingSymbolCount = c.MissingSymbolCount
}

// redact strips credential material from text destined for logs or
// the error blob.
func (e *Engine) redact(text string, rc *adapter.RunContext) string {
	for _, key := range []string{"access_token", "refresh_token", "api_key", "client_secret"} {
		if v := rc.Credential(key); v != "" {
			text = strings.ReplaceAll(text, v, transform.MaskSecret(v))
		}
	}
	return text
}

func errorJSON(kind, message string, warnings []string) string {
	blob := map[string]any{"kind": kind, "message": message}
	if len(warnings) > 0 {
		blob["warnings"] = warnings
	}
	b, err := json.Marshal(blob)
	if err != nil {
		return fmt.Sprintf(`{"kind":%q}`, kind)
	}
	return string(b)
}
