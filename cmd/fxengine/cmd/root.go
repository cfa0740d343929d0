package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/fxengine/advisory"
	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/config"
	"github.com/rustyeddy/fxengine/engine"
	"github.com/rustyeddy/fxengine/journal"
)

// Process exit codes reported by main.
const (
	ExitConfig   = 1 // configuration rejected
	ExitBroker   = 2 // broker or journal sink failure
	ExitDegraded = 3 // run finished in degraded mode
)

// ExitError carries a process exit code through cobra's error return.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func exitErr(code int, err error) error { return &ExitError{Code: code, Err: err} }

var rootCmd = &cobra.Command{
	Use:   "fxengine",
	Short: "Automated USDJPY trading engine with layered risk monitoring",
	Long: `fxengine is a deterministic automated trading engine for USDJPY.

It trades hourly structured rules through a staged exit pipeline and
watches every open position with three monitoring layers:
  - Layer 1: hard per-tick checks (account loss, hard stop, spread,
    flash moves) that close positions directly
  - Layer 2: periodic anomaly detection (key-level breaches, momentum
    reversals, avoid conditions) that raises triggers
  - Layer 3: an advisory oracle that reviews positions and Layer-2
    triggers and decides continue / tighten / close

Runs replay historical ticks or consume a live tick stream; every
decision lands in an ordered event journal.`,
	SilenceUsage: true,
}

// Execute runs the CLI; main maps ExitError codes to os.Exit.
func Execute() error {
	return rootCmd.Execute()
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, exitErr(ExitConfig, err)
	}
	return cfg, nil
}

func buildSink(jc config.JournalConfig) (journal.Sink, error) {
	var (
		inner journal.Sink
		err   error
	)
	switch jc.Type {
	case "csv":
		inner, err = journal.NewCSV(jc.Path)
	case "sqlite":
		inner, err = journal.NewSQLite(jc.Path)
	default:
		inner = journal.NewMemory()
	}
	if err != nil {
		return nil, exitErr(ExitBroker, fmt.Errorf("open journal: %w", err))
	}
	if jc.BufferSize > 0 {
		return journal.NewBuffered(inner, jc.BufferSize), nil
	}
	return inner, nil
}

func buildOracle(ac config.AdvisoryConfig) advisory.Oracle {
	if ac.Provider == "openai" {
		return advisory.NewOpenAI(ac.Model)
	}
	return advisory.NewStatic()
}

func symbolInfo(sc config.SymbolConfig) broker.SymbolInfo {
	return broker.SymbolInfo{
		Name:         sc.Name,
		PipScale:     sc.PipScale,
		ContractSize: sc.ContractSize,
		VolumeMin:    sc.VolumeMin,
		VolumeMax:    sc.VolumeMax,
		VolumeStep:   sc.VolumeStep,
	}
}

func engineOptions(cfg *config.Config, deterministic bool, src engine.RuleSource) engine.Options {
	return engine.Options{
		Symbol:                   symbolInfo(cfg.Symbol),
		BaseLot:                  cfg.Engine.BaseLot,
		Layer2aPeriod:            cfg.Engine.Layer2APeriod(),
		Layer2bPeriod:            cfg.Engine.Layer2BPeriod(),
		Layer3aPeriod:            cfg.Engine.Layer3APeriod(),
		DailyClose:               cfg.Engine.DailyCloseHHMM,
		TickStaleness:            cfg.Engine.TickStaleness(),
		AdvisoryTimeoutPeriodic:  cfg.Advisory.TimeoutPeriodic(),
		AdvisoryTimeoutEmergency: cfg.Advisory.TimeoutEmergency(),
		WeekendStart:             cfg.Engine.WeekendStart,
		WeekendEnd:               cfg.Engine.WeekendEnd,
		Deterministic:            deterministic,
		RuleSource:               src,
		RuleRefresh:              cfg.Engine.RuleRefresh(),
	}
}

func printStatus(st engine.Status) {
	fmt.Printf("\nEngine status at %s\n", st.Time.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Open positions:  %d\n", st.OpenPositions)
	fmt.Printf("  Realized P/L:    %.2f\n", st.RealizedProfit)
	fmt.Printf("  Rules installed: %d (active: %v)\n", st.RulesInstalled, st.RuleActive)
	fmt.Printf("  Events emitted:  %d\n", st.EventSeq)
	if st.Layer1Skipped > 0 || st.DroppedTicks > 0 {
		fmt.Printf("  Skipped checks:  %d, dropped ticks: %d\n", st.Layer1Skipped, st.DroppedTicks)
	}
	if st.Degraded {
		fmt.Printf("  DEGRADED: %s\n", st.DegradedReason)
	}
}
