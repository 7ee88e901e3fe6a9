package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rumor-ml/commons.systems/ledgersync/internal/adapter"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/config"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/domain"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/ratelimit"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/store"
	engine "github.com/rumor-ml/commons.systems/ledgersync/internal/sync"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/ui"
)

const (
	version = "0.1.0"
)

var (
	// Global flags
	versionFlag = flag.Bool("version", false, "Show version")

	// Core CLI flags
	configFile = flag.String("config", "connectors.yaml", "Connections config file")
	dbFile     = flag.String("db", "ledger.db", "Ledger database file")
	connName   = flag.String("connection", "", "Connection name to sync (required)")
	modeFlag   = flag.String("mode", "INCREMENTAL", "Sync mode: FULL or INCREMENTAL")
	startFlag  = flag.String("start", "", "Requested window start (YYYY-MM-DD)")
	endFlag    = flag.String("end", "", "Requested window end (YYYY-MM-DD)")
	reprocess  = flag.Bool("reprocess", false, "Reprocess files already recorded in the ingest registry")
	probeFlag  = flag.Bool("probe", false, "Run the connectivity probe instead of a sync")
	verbose    = flag.Bool("verbose", false, "Show debug logs")
)

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, `ledgersync - Sync financial activity into the ledger database

Usage:
  ledgersync [flags]

Flags:
`)
		flag.PrintDefaults()
		fmt.Fprint(os.Stderr, `
Examples:
  # Incremental sync of one connection
  ledgersync -connection ibkr-taxable

  # Full-history backfill with an explicit window
  ledgersync -connection ibkr-taxable -mode FULL -start 2015-01-01

  # Check connectivity without syncing
  ledgersync -connection ibkr-taxable -probe

`)
	}

	flag.Parse()

	if *versionFlag {
		fmt.Printf("ledgersync version %s\n", version)
		os.Exit(0)
	}

	if *connName == "" {
		fmt.Fprintf(os.Stderr, "Error: -connection flag is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	if err := run(); err != nil {
		ui.Error("%v", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	registry := adapter.NewRegistry()
	cfg, err := config.LoadFile(*configFile, registry)
	if err != nil {
		return err
	}
	cc, err := cfg.Find(*connName)
	if err != nil {
		return err
	}

	st, err := store.Open(*dbFile)
	if err != nil {
		return err
	}
	defer st.Close()

	conn := cc.Connection()
	if err := st.UpsertConnection(ctx, &conn); err != nil {
		return err
	}

	eng := engine.New(st, registry, ratelimit.NewGate(2, 1), envCredentials{})
	eng.Logger = logger

	if *probeFlag {
		ui.Header("Connectivity Probe")
		result := eng.Probe(ctx, &conn)
		if !result.OK {
			return fmt.Errorf("probe failed for %s: %s", conn.Name, result.Message)
		}
		ui.Success("%s: %s", conn.Name, result.Message)
		return nil
	}

	mode := domain.Mode(*modeFlag)
	if !domain.ValidateMode(mode) {
		return fmt.Errorf("invalid -mode %q (must be FULL or INCREMENTAL)", *modeFlag)
	}

	opts := engine.Options{Mode: mode, ReprocessFiles: *reprocess}
	if opts.RequestedStart, err = parseDateFlag(*startFlag); err != nil {
		return err
	}
	if opts.RequestedEnd, err = parseDateFlag(*endFlag); err != nil {
		return err
	}

	ui.Header("Ledger Sync")
	ui.Step(1, 2, fmt.Sprintf("Syncing %s (%s, %s)", ui.BlueText("%s", conn.Name), conn.Connector, mode))

	result, runErr := eng.Run(ctx, &conn, opts)
	if result == nil {
		return runErr
	}

	ui.Step(2, 2, "Result")
	summary := fmt.Sprintf("run %d: %s, %d pages, %d new, %d duplicates, %d parse failures",
		result.ID, result.Status, result.PagesFetched, result.NewCount, result.DupesCount, result.ParseFailCount)
	switch result.Status {
	case domain.RunStatusSuccess:
		ui.Success("%s", summary)
	case domain.RunStatusPartial:
		ui.Warning("%s", summary)
	default:
		ui.Error("%s", summary)
	}
	if *verbose && result.CoverageJSON != "" {
		ui.Info("coverage: %s", result.CoverageJSON)
	}
	return runErr
}

func parseDateFlag(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := domain.ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// envCredentials resolves secrets from the environment as
// LEDGERSYNC_CRED_<CONNECTION_ID>_<KEY>. Offline connectors need no
// credentials; live ones get theirs injected by the deployment.
type envCredentials struct{}

func (envCredentials) Credential(connectionID int64, key string) (string, error) {
	return os.Getenv(fmt.Sprintf("LEDGERSYNC_CRED_%d_%s", connectionID, key)), nil
}
