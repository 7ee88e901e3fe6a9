package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/rumor-ml/commons.systems/ledgersync/internal/domain"
)

const fixtureAccounts = `[
  {"provider_account_id": "acc-1", "name": "Brokerage", "account_type": "brokerage"}
]`

const fixturePages = `[
  [
    {"date": "2024-01-10", "type": "BUY", "symbol": "VTI", "qty": 10, "amount": -2200.50, "provider_transaction_id": "T1", "provider_account_id": "acc-1"},
    {"date": "2023-06-01", "type": "BUY", "symbol": "VTI", "qty": 5, "amount": -1000, "provider_transaction_id": "T0", "provider_account_id": "acc-1"}
  ],
  [],
  [
    {"date": "2024-02-15", "type": "DIVIDEND", "symbol": "VTI", "amount": 31.20, "provider_transaction_id": "T2", "provider_account_id": "acc-1"}
  ]
]`

const fixtureHoldings = `{
  "as_of": "2024-03-01T00:00:00Z",
  "items": [{"provider_account_id": "acc-1", "symbol": "VTI", "qty": 15}]
}`

func fixtureRunContext(t *testing.T, files map[string]string) *RunContext {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		writeFile(t, dir, name, content)
	}
	return &RunContext{Connection: &domain.Connection{ID: 1, Name: "fixture", FixtureDir: dir}}
}

func TestFixtureAdapterListAccounts(t *testing.T) {
	a := NewFixtureAdapter()
	rc := fixtureRunContext(t, map[string]string{"accounts.json": fixtureAccounts})

	accounts, err := a.ListAccounts(context.Background(), rc)
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(accounts) != 1 || accounts[0].ProviderAccountID != "acc-1" {
		t.Errorf("accounts = %+v; want one acc-1", accounts)
	}
}

func TestFixtureAdapterPaginationAndDateFilter(t *testing.T) {
	a := NewFixtureAdapter()
	rc := fixtureRunContext(t, map[string]string{"transactions_pages.json": fixturePages})

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)

	// Page one: T0 falls before the window and is filtered out.
	recs, next, err := a.FetchPage(context.Background(), rc, start, end, "")
	if err != nil {
		t.Fatalf("FetchPage(first): %v", err)
	}
	if len(recs) != 1 || recs[0].ProviderTxnID != "T1" {
		t.Fatalf("page 1 = %+v; want only T1", recs)
	}
	if next != "1" {
		t.Fatalf("next cursor = %q; want 1", next)
	}

	// Page two is empty but has a successor; the empty-page-continues
	// trait lets the driver keep going.
	recs, next, err = a.FetchPage(context.Background(), rc, start, end, next)
	if err != nil {
		t.Fatalf("FetchPage(second): %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("page 2 = %+v; want empty", recs)
	}
	if next != "2" {
		t.Fatalf("next cursor = %q; want 2", next)
	}

	recs, next, err = a.FetchPage(context.Background(), rc, start, end, next)
	if err != nil {
		t.Fatalf("FetchPage(third): %v", err)
	}
	if len(recs) != 1 || recs[0].ProviderTxnID != "T2" {
		t.Fatalf("page 3 = %+v; want only T2", recs)
	}
	if next != "" {
		t.Errorf("next cursor after last page = %q; want empty", next)
	}
}

func TestFixtureAdapterBadCursor(t *testing.T) {
	a := NewFixtureAdapter()
	rc := fixtureRunContext(t, map[string]string{"transactions_pages.json": fixturePages})

	_, _, err := a.FetchPage(context.Background(), rc, time.Time{}, time.Now(), "not-a-number")
	if !IsProvider(err) {
		t.Errorf("bad cursor returned %v; want provider error", err)
	}
}

func TestFixtureAdapterMalformedFixture(t *testing.T) {
	a := NewFixtureAdapter()
	rc := fixtureRunContext(t, map[string]string{"accounts.json": "{not json"})

	_, err := a.ListAccounts(context.Background(), rc)
	if !IsProvider(err) {
		t.Errorf("malformed fixture returned %v; want provider error", err)
	}
}

func TestFixtureAdapterHoldings(t *testing.T) {
	a := NewFixtureAdapter()
	asOf := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

	rc := fixtureRunContext(t, map[string]string{"holdings.json": fixtureHoldings})
	h, err := a.FetchHoldings(context.Background(), rc, asOf)
	if err != nil {
		t.Fatalf("FetchHoldings: %v", err)
	}
	if len(h.Items) != 1 || h.Items[0].Symbol != "VTI" {
		t.Errorf("holdings = %+v; want one VTI item", h.Items)
	}

	// A connection with no holdings fixture yields an empty snapshot,
	// not an error.
	rc = fixtureRunContext(t, nil)
	h, err = a.FetchHoldings(context.Background(), rc, asOf)
	if err != nil {
		t.Fatalf("FetchHoldings(missing): %v", err)
	}
	if len(h.Items) != 0 || !h.AsOf.Equal(asOf) {
		t.Errorf("missing-fixture snapshot = %+v; want empty at asOf", h)
	}
}

func TestFixtureAdapterProbe(t *testing.T) {
	a := NewFixtureAdapter()

	rc := fixtureRunContext(t, map[string]string{"accounts.json": fixtureAccounts})
	if res := a.Probe(context.Background(), rc); !res.OK {
		t.Errorf("Probe = %+v; want OK", res)
	}

	rc = fixtureRunContext(t, map[string]string{"accounts.json": "[]"})
	if res := a.Probe(context.Background(), rc); res.OK {
		t.Errorf("Probe with zero accounts = %+v; want failure", res)
	}
}
