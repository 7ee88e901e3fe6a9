package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/rumor-ml/commons.systems/ledgersync/internal/domain"
)

func TestStatementFilesFilters(t *testing.T) {
	in := []FileInfo{
		{Name: "jan.ofx"},
		{Name: "feb.QFX"},
		{Name: "trades.csv"},
		{Name: "notes.txt"},
	}
	out := statementFiles(in)
	if len(out) != 2 || out[0].Name != "jan.ofx" || out[1].Name != "feb.QFX" {
		t.Errorf("statementFiles = %v; want jan.ofx and feb.QFX", out)
	}
}

func TestOFXDirFetchPageEmptySelection(t *testing.T) {
	a := NewOFXDirAdapter()
	rc := &RunContext{}

	records, next, err := a.FetchPage(context.Background(), rc, time.Time{}, time.Now(), "")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(records) != 0 || next != "" {
		t.Errorf("empty selection yielded records=%v next=%q; want nothing", records, next)
	}
}

func TestOFXDirFetchPageBadCursor(t *testing.T) {
	a := NewOFXDirAdapter()
	rc := &RunContext{SelectedFiles: []FileInfo{{Name: "jan.ofx", Path: "/nope/jan.ofx"}}}

	_, _, err := a.FetchPage(context.Background(), rc, time.Time{}, time.Now(), "garbage")
	if !IsProvider(err) {
		t.Errorf("bad cursor returned %v; want provider error", err)
	}
}

func TestOFXDirMalformedStatement(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "broken.ofx", "this is not an OFX document")
	a := NewOFXDirAdapter()
	rc := &RunContext{SelectedFiles: []FileInfo{{Name: "broken.ofx", Path: path, Hash: "h1"}}}

	_, _, err := a.FetchPage(context.Background(), rc, time.Time{}, time.Now(), "")
	if !IsProvider(err) {
		t.Errorf("malformed statement returned %v; want provider error", err)
	}
	if _, err := a.ListAccounts(context.Background(), rc); !IsProvider(err) {
		t.Errorf("ListAccounts over a malformed file returned %v; want provider error", err)
	}
}

func TestOFXDirHoldingsSidecar(t *testing.T) {
	a := NewOFXDirAdapter()
	asOf := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

	// No sidecar selected: an empty snapshot, not an error.
	rc := &RunContext{}
	h, err := a.FetchHoldings(context.Background(), rc, asOf)
	if err != nil {
		t.Fatalf("FetchHoldings(none): %v", err)
	}
	if len(h.Items) != 0 || !h.AsOf.Equal(asOf) {
		t.Errorf("snapshot = %+v; want empty at asOf", h)
	}

	dir := t.TempDir()
	path := writeFile(t, dir, "positions.json", `{"items":[{"provider_account_id":"U1","symbol":"VTI","qty":12}]}`)
	rc = &RunContext{HoldingsFilePath: path}
	h, err = a.FetchHoldings(context.Background(), rc, asOf)
	if err != nil {
		t.Fatalf("FetchHoldings: %v", err)
	}
	if len(h.Items) != 1 || h.Items[0].Qty != 12 {
		t.Errorf("snapshot = %+v; want one VTI position", h)
	}
	if h.SourceFile != "positions.json" {
		t.Errorf("SourceFile = %q; want positions.json", h.SourceFile)
	}
	if !h.AsOf.Equal(asOf) {
		t.Errorf("AsOf = %v; payload without an as-of must inherit the run's", h.AsOf)
	}
}

func TestOFXDirProbe(t *testing.T) {
	a := NewOFXDirAdapter()

	rc := &RunContext{Connection: &domain.Connection{}}
	if res := a.Probe(context.Background(), rc); res.OK {
		t.Errorf("Probe without data_dir = %+v; want failure", res)
	}

	dir := t.TempDir()
	writeFile(t, dir, "trades.csv", "date,amount\n")
	rc = &RunContext{Connection: &domain.Connection{DataDir: dir}}
	if res := a.Probe(context.Background(), rc); res.OK {
		t.Errorf("Probe with no statement files = %+v; want failure", res)
	}
}

func TestMapStatementTxnType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"XFER", "TRANSFER"},
		{"DEP", "DEPOSIT"},
		{"DIRECTDEP", "DEPOSIT"},
		{"FEE", "FEE"},
		{"SRVCHG", "FEE"},
		{"INT", "INTEREST"},
		{"DIV", "DIVIDEND"},
		{"CHECK", "CHECK"},
		{"POS", "POS"},
	}
	for _, tt := range tests {
		if got := mapStatementTxnType(tt.in); got != tt.want {
			t.Errorf("mapStatementTxnType(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}
