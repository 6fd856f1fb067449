// replayctl drives the deterministic execution/replay core from the command
// line. Output is JSON with stable key ordering. Exit codes: 0 success or
// parity, 2 mismatch or parity failure, 1 any other error.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"ChronoLedger/api"
	"ChronoLedger/canon"
	"ChronoLedger/config"
	"ChronoLedger/domain"
	"ChronoLedger/logger"
	"ChronoLedger/replay"
	"ChronoLedger/store"
	"ChronoLedger/trader"
)

const usage = `usage: replayctl <command> [flags]

commands:
  execute-hour    execute one deterministic hour
  replay-hour     re-derive and compare one executed hour
  replay-manifest recompute the hash DAG and compare against the manifest
  replay-window   run manifest parity over an hour window
  serve           run the HTTP surface
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cfg := config.Load()
	logger.Init(cfg.LogLevel, true)

	var exitCode int
	switch os.Args[1] {
	case "execute-hour":
		exitCode = runExecuteHour(cfg, os.Args[2:])
	case "replay-hour":
		exitCode = runReplayHour(cfg, os.Args[2:])
	case "replay-manifest":
		exitCode = runReplayManifest(cfg, os.Args[2:])
	case "replay-window":
		exitCode = runReplayWindow(cfg, os.Args[2:])
	case "serve":
		exitCode = runServe(cfg)
	default:
		fmt.Fprint(os.Stderr, usage)
		exitCode = 1
	}
	os.Exit(exitCode)
}

type keyFlags struct {
	flags     *flag.FlagSet
	runID     *string
	accountID *int64
	runMode   *string
	hourTs    *string
	dbPath    *string
}

func newKeyFlags(name, defaultDB string) *keyFlags {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	return &keyFlags{
		flags:     flags,
		runID:     flags.String("run-id", "", "run identifier (UUID)"),
		accountID: flags.Int64("account-id", 0, "account identifier"),
		runMode:   flags.String("run-mode", "", "BACKTEST | PAPER | LIVE"),
		hourTs:    flags.String("hour-ts-utc", "", "hour timestamp (RFC-3339 with offset)"),
		dbPath:    flags.String("db", defaultDB, "substrate path"),
	}
}

func openSubstrate(path string) (*store.SQLiteDB, error) {
	return store.OpenSQLite(path)
}

func emit(v any) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(v)
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

func runExecuteHour(cfg config.Config, args []string) int {
	key := newKeyFlags("execute-hour", cfg.DatabasePath)
	if err := key.flags.Parse(args); err != nil {
		return 1
	}
	runID, err := uuid.Parse(*key.runID)
	if err != nil {
		return fail(fmt.Errorf("invalid --run-id: %w", err))
	}
	runMode, err := domain.ParseRunMode(*key.runMode)
	if err != nil {
		return fail(err)
	}
	hour, err := canon.ParseTimestamp(*key.hourTs)
	if err != nil {
		return fail(err)
	}

	db, err := openSubstrate(*key.dbPath)
	if err != nil {
		return fail(err)
	}
	defer db.Close()

	result, err := trader.NewEngine(db).ExecuteHour(runID, *key.accountID, runMode, hour)
	if err != nil {
		return fail(err)
	}
	emit(map[string]any{
		"trade_signals":           len(result.TradeSignals),
		"order_requests":          len(result.OrderRequests),
		"order_fills":             len(result.OrderFills),
		"position_lots":           len(result.PositionLots),
		"executed_trades":         len(result.ExecutedTrades),
		"cash_ledger":             len(result.CashLedger),
		"risk_events":             len(result.RiskEvents),
		"replay_root_hash":        result.ReplayRootHash,
		"authoritative_row_count": result.RowCount,
	})
	return 0
}

func runReplayHour(cfg config.Config, args []string) int {
	key := newKeyFlags("replay-hour", cfg.DatabasePath)
	if err := key.flags.Parse(args); err != nil {
		return 1
	}
	runID, err := uuid.Parse(*key.runID)
	if err != nil {
		return fail(fmt.Errorf("invalid --run-id: %w", err))
	}
	hour, err := canon.ParseTimestamp(*key.hourTs)
	if err != nil {
		return fail(err)
	}

	db, err := openSubstrate(*key.dbPath)
	if err != nil {
		return fail(err)
	}
	defer db.Close()

	report, err := trader.NewEngine(db).ReplayHour(runID, *key.accountID, hour)
	if err != nil {
		return fail(err)
	}
	emit(report)
	if report.MismatchCount > 0 {
		return 2
	}
	return 0
}

func runReplayManifest(cfg config.Config, args []string) int {
	key := newKeyFlags("replay-manifest", cfg.DatabasePath)
	if err := key.flags.Parse(args); err != nil {
		return 1
	}
	runID, err := uuid.Parse(*key.runID)
	if err != nil {
		return fail(fmt.Errorf("invalid --run-id: %w", err))
	}
	hour, err := canon.ParseTimestamp(*key.hourTs)
	if err != nil {
		return fail(err)
	}

	db, err := openSubstrate(*key.dbPath)
	if err != nil {
		return fail(err)
	}
	defer db.Close()

	report, err := replay.ManifestParity(db, runID, *key.accountID, hour)
	if err != nil {
		return fail(err)
	}
	emit(report)
	if !report.ReplayParity {
		return 2
	}
	return 0
}

func runReplayWindow(cfg config.Config, args []string) int {
	flags := flag.NewFlagSet("replay-window", flag.ContinueOnError)
	accountID := flags.Int64("account-id", 0, "account identifier")
	runModeRaw := flags.String("run-mode", "", "BACKTEST | PAPER | LIVE")
	startRaw := flags.String("start", "", "window start (RFC-3339 with offset)")
	endRaw := flags.String("end", "", "window end (RFC-3339 with offset)")
	maxTargets := flags.Int("max-targets", 0, "cap on replay targets (0 = all)")
	dbPath := flags.String("db", cfg.DatabasePath, "substrate path")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	runMode, err := domain.ParseRunMode(*runModeRaw)
	if err != nil {
		return fail(err)
	}
	start, err := canon.ParseTimestamp(*startRaw)
	if err != nil {
		return fail(err)
	}
	end, err := canon.ParseTimestamp(*endRaw)
	if err != nil {
		return fail(err)
	}

	db, err := openSubstrate(*dbPath)
	if err != nil {
		return fail(err)
	}
	defer db.Close()

	report, err := replay.ManifestWindowParity(db, *accountID, runMode, start, end, *maxTargets)
	if err != nil {
		return fail(err)
	}
	emit(report)
	if !report.ReplayParity {
		return 2
	}
	return 0
}

func runServe(cfg config.Config) int {
	db, err := openSubstrate(cfg.DatabasePath)
	if err != nil {
		return fail(err)
	}
	defer db.Close()

	if err := api.NewServer(db).Run(cfg.ListenAddr); err != nil {
		return fail(err)
	}
	return 0
}
