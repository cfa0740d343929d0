package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/broker/sim"
	"github.com/rustyeddy/fxengine/engine"
	"github.com/rustyeddy/fxengine/replay"
	"github.com/rustyeddy/fxengine/rules"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay historical tick data through the engine",
	Long: `Replay tick data against the simulated broker.

The tick file is CSV (time,bid,ask[,volume] with RFC3339 timestamps),
optionally xz- or zip-compressed. Rules are canonical JSON documents
installed in the order given; the engine runs deterministically on the
tick clock.

Examples:
  fxengine replay -t data/usdjpy.csv.xz -r rules/0900.json
  fxengine replay -f config.yaml -t ticks.csv -r r1.json -r r2.json`,
	RunE: runReplayCmd,
}

var (
	replayConfigPath string
	replayTicksPath  string
	replayRulePaths  []string
	replayVerbose    bool
)

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringVarP(&replayConfigPath, "config", "f", "", "path to config file")
	replayCmd.Flags().StringVarP(&replayTicksPath, "ticks", "t", "", "tick CSV file (.csv, .csv.xz or .zip)")
	replayCmd.Flags().StringArrayVarP(&replayRulePaths, "rule", "r", nil, "rule JSON file, repeatable")
	replayCmd.Flags().BoolVarP(&replayVerbose, "verbose", "v", false, "debug logging")
	replayCmd.MarkFlagRequired("ticks")
}

func runReplayCmd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	log := newLogger(replayVerbose)

	cfg, err := loadConfig(replayConfigPath)
	if err != nil {
		return err
	}

	ticks, err := replay.LoadTicks(replayTicksPath)
	if err != nil {
		return err
	}
	if len(ticks) == 0 {
		return fmt.Errorf("no ticks in %s", replayTicksPath)
	}

	sink, err := buildSink(cfg.Journal)
	if err != nil {
		return err
	}
	defer sink.Close()

	gw := sim.NewEngine(broker.Account{
		Currency: cfg.Account.Currency,
		Balance:  cfg.Account.Balance,
	}, symbolInfo(cfg.Symbol))

	start := ticks[0].Time
	eng, err := engine.New(
		engine.NewSimClock(start, time.UTC),
		broker.NewResilient(gw),
		buildOracle(cfg.Advisory),
		sink,
		log,
		engineOptions(cfg, true, nil),
	)
	if err != nil {
		return exitErr(ExitConfig, err)
	}

	for _, path := range replayRulePaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read rule %s: %w", path, err)
		}
		r, err := rules.Decode(data)
		if err != nil {
			return fmt.Errorf("rule %s: %w", path, err)
		}
		if err := eng.InstallRule(start, r); err != nil {
			return exitErr(ExitConfig, fmt.Errorf("rule %s rejected: %w", path, err))
		}
	}

	fmt.Printf("Replaying %d ticks from %s\n", len(ticks), replayTicksPath)
	if err := replay.NewRunner(eng, gw).Run(ctx, ticks); err != nil {
		return err
	}
	if err := eng.Close(ctx); err != nil {
		log.Warn("shutdown", "err", err)
	}

	st := eng.Status()
	printStatus(st)
	if st.Degraded {
		return exitErr(ExitDegraded, fmt.Errorf("replay finished degraded: %s", st.DegradedReason))
	}
	return nil
}
