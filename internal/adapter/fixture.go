package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rumor-ml/commons.systems/ledgersync/internal/domain"
)

// FixtureAdapter replays canned responses from a fixture directory:
//
//	accounts.json            []domain.ProviderAccount
//	transactions_pages.json  [][]domain.Record (one element per page)
//	holdings.json            domain.HoldingsPayload
//
// It exercises the full pagination and dispatch machinery without any
// network, which is how the engine is developed and tested.
type FixtureAdapter struct{}

// NewFixtureAdapter returns the fixture adapter. Stateless; safe for
// concurrent use.
func NewFixtureAdapter() *FixtureAdapter {
	return &FixtureAdapter{}
}

func (a *FixtureAdapter) Traits() Traits {
	return Traits{Class: ClassFile, EmptyPageContinues: true}
}

func (a *FixtureAdapter) fixtureDir(rc *RunContext) (string, error) {
	if rc.Connection == nil || rc.Connection.FixtureDir == "" {
		return "", &ProviderError{Op: "fixture lookup", Err: fmt.Errorf("connection has no fixture_dir configured")}
	}
	return rc.Connection.FixtureDir, nil
}

func (a *FixtureAdapter) ListAccounts(_ context.Context, rc *RunContext) ([]domain.ProviderAccount, error) {
	dir, err := a.fixtureDir(rc)
	if err != nil {
		return nil, err
	}
	var accounts []domain.ProviderAccount
	if err := readJSONFixture(filepath.Join(dir, "accounts.json"), &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (a *FixtureAdapter) FetchPage(_ context.Context, rc *RunContext, start, end time.Time, cursor string) ([]domain.Record, string, error) {
	dir, err := a.fixtureDir(rc)
	if err != nil {
		return nil, "", err
	}
	var pages [][]domain.Record
	if err := readJSONFixture(filepath.Join(dir, "transactions_pages.json"), &pages); err != nil {
		return nil, "", err
	}

	idx := 0
	if cursor != "" {
		idx, err = strconv.Atoi(cursor)
		if err != nil {
			return nil, "", &ProviderError{Op: "fetch page", Err: fmt.Errorf("bad cursor %q: %w", cursor, err)}
		}
	}
	if idx >= len(pages) {
		return nil, "", nil
	}

	// Date-filter records with parseable dates; everything else passes
	// through so the dispatcher can account for it.
	var out []domain.Record
	for _, r := range pages[idx] {
		if r.Kind == "" || r.Kind == domain.KindTransaction {
			if d, err := domain.ParseDate(r.Date); err == nil {
				if d.Before(start) || d.After(end) {
					continue
				}
			}
		}
		out = append(out, r)
	}

	next := ""
	if idx+1 < len(pages) {
		next = strconv.Itoa(idx + 1)
	}
	return out, next, nil
}

func (a *FixtureAdapter) FetchHoldings(_ context.Context, rc *RunContext, asOf time.Time) (*domain.HoldingsPayload, error) {
	dir, err := a.fixtureDir(rc)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "holdings.json")
	if _, statErr := os.Stat(path); statErr != nil {
		return &domain.HoldingsPayload{AsOf: asOf}, nil
	}
	var holdings domain.HoldingsPayload
	if err := readJSONFixture(path, &holdings); err != nil {
		return nil, err
	}
	if holdings.AsOf.IsZero() {
		holdings.AsOf = asOf
	}
	return &holdings, nil
}

func (a *FixtureAdapter) Probe(ctx context.Context, rc *RunContext) ProbeResult {
	accounts, err := a.ListAccounts(ctx, rc)
	if err != nil {
		return ProbeResult{OK: false, Message: fmt.Sprintf("FAIL (fixtures): %v", err)}
	}
	if len(accounts) == 0 {
		return ProbeResult{OK: false, Message: "no accounts found in fixtures"}
	}
	return ProbeResult{OK: true, Message: "OK (fixtures)"}
}

func readJSONFixture(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ProviderError{Op: "read fixture", Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &ProviderError{Op: "parse fixture", Err: fmt.Errorf("%s: %w", filepath.Base(path), err)}
	}
	return nil
}
