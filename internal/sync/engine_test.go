package sync

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rumor-ml/commons.systems/ledgersync/internal/adapter"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/domain"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/ratelimit"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/store"
)

// stubAdapter serves canned pages through the real registry so runs
// exercise the engine end to end without any I/O.
type stubAdapter struct {
	traits   adapter.Traits
	accounts []domain.ProviderAccount
	pages    [][]domain.Record

	// maxRangeDays, when set, rejects wider windows like a source that
	// caps history depth.
	maxRangeDays int
	// failPage, when >= 0, makes that page index return a transient
	// error every time.
	failPage int

	fetchCalls int
}

func (a *stubAdapter) Traits() adapter.Traits { return a.traits }

func (a *stubAdapter) ListAccounts(_ context.Context, _ *adapter.RunContext) ([]domain.ProviderAccount, error) {
	return a.accounts, nil
}

func (a *stubAdapter) FetchPage(_ context.Context, _ *adapter.RunContext, start, end time.Time, cursor string) ([]domain.Record, string, error) {
	a.fetchCalls++
	if a.maxRangeDays > 0 {
		if days := int(end.Sub(start).Hours() / 24); days > a.maxRangeDays {
			return nil, "", &adapter.RangeTooLargeError{Days: days}
		}
	}
	idx := 0
	if cursor != "" {
		idx, _ = strconv.Atoi(cursor)
	}
	if a.failPage >= 0 && idx == a.failPage {
		return nil, "", &adapter.TransientError{Err: context.DeadlineExceeded}
	}
	if idx >= len(a.pages) {
		return nil, "", nil
	}
	next := ""
	if idx+1 < len(a.pages) {
		next = strconv.Itoa(idx + 1)
	}
	return a.pages[idx], next, nil
}

func (a *stubAdapter) FetchHoldings(_ context.Context, _ *adapter.RunContext, asOf time.Time) (*domain.HoldingsPayload, error) {
	return &domain.HoldingsPayload{AsOf: asOf}, nil
}

func (a *stubAdapter) Probe(_ context.Context, _ *adapter.RunContext) adapter.ProbeResult {
	return adapter.ProbeResult{OK: true, Message: "OK (stub)"}
}

func amt(v float64) *float64 { return &v }

func tradePages() [][]domain.Record {
	return [][]domain.Record{
		{
			{Date: "2024-01-10", Type: "BUY", Symbol: "VTI", Qty: amt(10), Amount: amt(-1000), ProviderTxnID: "T1", ProviderAccountID: "U1"},
		},
		{
			{Date: "2024-02-20", Type: "SELL", Symbol: "VTI", Qty: amt(10), Amount: amt(1100), ProviderTxnID: "T2", ProviderAccountID: "U1"},
		},
	}
}

func newTestEngine(t *testing.T, stub *stubAdapter) (*Engine, *domain.Connection) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := adapter.NewRegistry()
	reg.Register("STUB", func() adapter.Adapter { return stub })

	e := New(st, reg, ratelimit.NewGate(1000, 1), nil)
	e.Backoff = adapter.Backoff{MaxAttempts: 1}
	e.Now = func() time.Time { return day(2024, 6, 15) }

	conn := &domain.Connection{Name: "stub-conn", Connector: "STUB", Status: "ACTIVE"}
	if err := st.UpsertConnection(context.Background(), conn); err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}
	return e, conn
}

func stubTraits() adapter.Traits {
	return adapter.Traits{Class: adapter.ClassFile, EmptyPageContinues: true}
}

func TestEngineFullSyncThenRerun(t *testing.T) {
	ctx := context.Background()
	stub := &stubAdapter{
		traits:   stubTraits(),
		accounts: []domain.ProviderAccount{{ProviderAccountID: "U1", Name: "Brokerage"}},
		pages:    tradePages(),
		failPage: -1,
	}
	e, conn := newTestEngine(t, stub)

	run, err := e.Run(ctx, conn, Options{Mode: domain.ModeFull})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != domain.RunStatusSuccess {
		t.Fatalf("status = %s (%s); want SUCCESS", run.Status, run.CoverageJSON)
	}
	if run.PagesFetched != 2 || run.NewCount != 2 || run.TxnCount != 2 {
		t.Errorf("run = pages %d, new %d, txn %d; want 2/2/2", run.PagesFetched, run.NewCount, run.TxnCount)
	}

	var txnCount int
	if err := e.Store.DB().QueryRow(`SELECT COUNT(*) FROM transactions`).Scan(&txnCount); err != nil {
		t.Fatal(err)
	}
	if txnCount != 2 {
		t.Errorf("persisted %d transactions; want 2", txnCount)
	}

	// Success pointers advanced.
	if conn.LastSuccessfulSyncAt == nil || conn.LastFullSyncAt == nil {
		t.Error("success pointers not set after FULL success")
	}
	if conn.TxnEarliestAvailable == nil || conn.TxnEarliestAvailable.Format(domain.DateLayout) != "2024-01-10" {
		t.Errorf("TxnEarliestAvailable = %v; want 2024-01-10", conn.TxnEarliestAvailable)
	}
	if conn.CoverageStatus != domain.CoverageComplete {
		t.Errorf("coverage = %s; want COMPLETE after a full sync", conn.CoverageStatus)
	}

	// The identical rerun inserts nothing and stays SUCCESS.
	rerun, err := e.Run(ctx, conn, Options{Mode: domain.ModeFull})
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if rerun.Status != domain.RunStatusSuccess {
		t.Errorf("rerun status = %s (%s); want SUCCESS", rerun.Status, rerun.CoverageJSON)
	}
	if rerun.NewCount != 0 || rerun.DupesCount != 2 {
		t.Errorf("rerun = new %d, dupes %d; want 0/2", rerun.NewCount, rerun.DupesCount)
	}
	if err := e.Store.DB().QueryRow(`SELECT COUNT(*) FROM transactions`).Scan(&txnCount); err != nil {
		t.Fatal(err)
	}
	if txnCount != 2 {
		t.Errorf("rerun changed the ledger: %d transactions", txnCount)
	}
}

func TestEngineRangeNegotiation(t *testing.T) {
	ctx := context.Background()
	stub := &stubAdapter{
		traits:       stubTraits(),
		accounts:     []domain.ProviderAccount{{ProviderAccountID: "U1"}},
		pages:        tradePages(),
		maxRangeDays: 365,
		failPage:     -1,
	}
	e, conn := newTestEngine(t, stub)

	run, err := e.Run(ctx, conn, Options{Mode: domain.ModeFull})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != domain.RunStatusSuccess {
		t.Fatalf("status = %s (%s); want SUCCESS", run.Status, run.CoverageJSON)
	}
	if !run.EffectiveEnd.Equal(day(2024, 6, 15)) {
		t.Errorf("effective end = %v; negotiation must keep the requested end", run.EffectiveEnd)
	}
	if days := int(run.EffectiveEnd.Sub(run.EffectiveStart).Hours() / 24); days != 365 {
		t.Errorf("effective span = %dd; want the widest accepted window of 365d", days)
	}
}

func TestEngineZeroAccountsIsError(t *testing.T) {
	ctx := context.Background()
	stub := &stubAdapter{traits: stubTraits(), pages: tradePages(), failPage: -1}
	e, conn := newTestEngine(t, stub)

	run, err := e.Run(ctx, conn, Options{Mode: domain.ModeIncremental})
	if err == nil {
		t.Fatal("Run succeeded with zero accounts; want error")
	}
	if run.Status != domain.RunStatusError {
		t.Errorf("status = %s; want ERROR", run.Status)
	}
	if !strings.Contains(run.ErrorJSON, "NO_ACCOUNTS") {
		t.Errorf("error blob = %s; want NO_ACCOUNTS kind", run.ErrorJSON)
	}

	// The failure is visible on the connection, and no pointer moved.
	loaded, err := e.Store.GetConnectionByName(ctx, conn.Name)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(loaded.LastErrorJSON, "NO_ACCOUNTS") {
		t.Errorf("connection error = %s; want NO_ACCOUNTS", loaded.LastErrorJSON)
	}
	if loaded.LastSuccessfulSyncAt != nil || loaded.CoverageStatus != domain.CoverageUnknown {
		t.Errorf("pointers moved on a failed run: %+v", loaded)
	}
}

func TestEngineMissingSymbolsUsePlaceholder(t *testing.T) {
	ctx := context.Background()
	stub := &stubAdapter{
		traits:   stubTraits(),
		accounts: []domain.ProviderAccount{{ProviderAccountID: "U1"}},
		pages: [][]domain.Record{{
			{Date: "2024-01-10", Type: "BUY", Qty: amt(10), Amount: amt(-1000), ProviderTxnID: "B1", ProviderAccountID: "U1"},
			{Date: "2024-01-11", Type: "FEE", Amount: amt(-2.50), ProviderTxnID: "F1", ProviderAccountID: "U1"},
		}},
		failPage: -1,
	}
	e, conn := newTestEngine(t, stub)

	run, err := e.Run(ctx, conn, Options{Mode: domain.ModeFull})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != domain.RunStatusSuccess {
		t.Fatalf("status = %s (%s); want SUCCESS", run.Status, run.CoverageJSON)
	}
	if run.MissingSymbolCount != 2 {
		t.Errorf("missing symbol count = %d; want 2", run.MissingSymbolCount)
	}

	var stored int
	if err := e.Store.DB().QueryRow(
		`SELECT COUNT(*) FROM transactions WHERE symbol = ?`, domain.UnknownSymbol).Scan(&stored); err != nil {
		t.Fatal(err)
	}
	if stored != 2 {
		t.Errorf("transactions under %s = %d; want 2", domain.UnknownSymbol, stored)
	}

	var placeholder int
	if err := e.Store.DB().QueryRow(
		`SELECT COUNT(*) FROM securities WHERE symbol = ?`, domain.UnknownSymbol).Scan(&placeholder); err != nil {
		t.Fatal(err)
	}
	if placeholder != 1 {
		t.Errorf("placeholder securities rows = %d; want 1", placeholder)
	}
}

func TestEngineMalformedRecordDegradesToPartial(t *testing.T) {
	ctx := context.Background()
	stub := &stubAdapter{
		traits:   stubTraits(),
		accounts: []domain.ProviderAccount{{ProviderAccountID: "U1"}},
		pages: [][]domain.Record{{
			{Date: "not-a-date", Type: "BUY", Symbol: "VTI", Amount: amt(-100), ProviderAccountID: "U1"},
			{Date: "2024-03-01", Type: "DIVIDEND", Symbol: "VTI", Amount: amt(12.50), ProviderTxnID: "D1", ProviderAccountID: "U1"},
		}},
		failPage: -1,
	}
	e, conn := newTestEngine(t, stub)

	run, err := e.Run(ctx, conn, Options{Mode: domain.ModeIncremental})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != domain.RunStatusPartial {
		t.Errorf("status = %s; want PARTIAL with a parse failure", run.Status)
	}
	if run.ParseFailCount != 1 || run.NewCount != 1 {
		t.Errorf("run = parse fails %d, new %d; want 1/1", run.ParseFailCount, run.NewCount)
	}

	// The valid sibling on the same page still landed.
	var count int
	if err := e.Store.DB().QueryRow(`SELECT COUNT(*) FROM transactions`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("persisted %d transactions; want 1", count)
	}

	// Pointers stay put on PARTIAL.
	loaded, err := e.Store.GetConnectionByName(ctx, conn.Name)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.LastSuccessfulSyncAt != nil {
		t.Error("PARTIAL run advanced the success pointer")
	}
	if loaded.LastErrorJSON == "" {
		t.Error("PARTIAL run left no error detail on the connection")
	}
}

func TestEngineTransientMidStreamKeepsProgress(t *testing.T) {
	ctx := context.Background()
	stub := &stubAdapter{
		traits:   stubTraits(),
		accounts: []domain.ProviderAccount{{ProviderAccountID: "U1"}},
		pages:    tradePages(),
		failPage: 1,
	}
	e, conn := newTestEngine(t, stub)

	run, err := e.Run(ctx, conn, Options{Mode: domain.ModeIncremental})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != domain.RunStatusPartial {
		t.Errorf("status = %s; want PARTIAL after a skipped page", run.Status)
	}
	if run.PagesFetched != 1 || run.NewCount != 1 {
		t.Errorf("run = pages %d, new %d; want the first page's progress kept", run.PagesFetched, run.NewCount)
	}

	var count int
	if err := e.Store.DB().QueryRow(`SELECT COUNT(*) FROM transactions`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("persisted %d transactions; want 1", count)
	}
}

func TestEngineCursorAppliedOnSuccess(t *testing.T) {
	ctx := context.Background()
	pages := tradePages()
	pages[1] = append(pages[1], domain.Record{Kind: domain.KindSyncCursor, Cursor: "resume-at-42"})
	stub := &stubAdapter{
		traits:   stubTraits(),
		accounts: []domain.ProviderAccount{{ProviderAccountID: "U1"}},
		pages:    pages,
		failPage: -1,
	}
	e, conn := newTestEngine(t, stub)

	if _, err := e.Run(ctx, conn, Options{Mode: domain.ModeIncremental}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	loaded, err := e.Store.GetConnectionByName(ctx, conn.Name)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Cursor != "resume-at-42" {
		t.Errorf("cursor = %q; want resume-at-42 applied on success", loaded.Cursor)
	}
}

func TestEngineInactiveConnectionRefused(t *testing.T) {
	stub := &stubAdapter{traits: stubTraits(), failPage: -1}
	e, conn := newTestEngine(t, stub)
	conn.Status = "DISABLED"

	if _, err := e.Run(context.Background(), conn, Options{Mode: domain.ModeIncremental}); err == nil {
		t.Fatal("Run accepted a disabled connection")
	}
	if stub.fetchCalls != 0 {
		t.Errorf("fetch calls = %d; a refused run must not touch the source", stub.fetchCalls)
	}
}

func TestEngineProbe(t *testing.T) {
	stub := &stubAdapter{traits: stubTraits(), failPage: -1}
	e, conn := newTestEngine(t, stub)

	if res := e.Probe(context.Background(), conn); !res.OK {
		t.Errorf("Probe = %+v; want OK", res)
	}

	conn.Connector = "UNKNOWN"
	if res := e.Probe(context.Background(), conn); res.OK {
		t.Errorf("Probe with unknown connector = %+v; want failure", res)
	}
}
