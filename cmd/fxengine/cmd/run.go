package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/broker/sim"
	"github.com/rustyeddy/fxengine/engine"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/replay"
	"github.com/rustyeddy/fxengine/rules"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine against a live tick stream",
	Long: `Run the engine on a streaming tick feed.

Ticks are read as CSV rows (time,bid,ask[,volume]) from stdin or the
file named by --ticks, which may be a named pipe. Rules are picked up
from the --rules directory: on every refresh the lexically newest
*.json document is installed if it changed.

The engine runs until the feed ends or SIGINT/SIGTERM arrives; open
positions are left to the daily force-close and the journal records
the shutdown.

Example:
  price-feed | fxengine run -f config.yaml --rules ./rules/`,
	RunE: runRunCmd,
}

var (
	runConfigPath string
	runTicksPath  string
	runRulesDir   string
	runVerbose    bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "config", "f", "", "path to config file")
	runCmd.Flags().StringVarP(&runTicksPath, "ticks", "t", "", "tick stream file or pipe (default stdin)")
	runCmd.Flags().StringVar(&runRulesDir, "rules", "", "directory of rule JSON documents")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "debug logging")
}

func runRunCmd(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log := newLogger(runVerbose)

	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if runTicksPath != "" {
		f, err := os.Open(runTicksPath)
		if err != nil {
			return fmt.Errorf("open tick stream: %w", err)
		}
		defer f.Close()
		in = f
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

	var src engine.RuleSource
	if runRulesDir != "" {
		src = dirRuleSource(runRulesDir)
	}
	eng, err := engine.New(
		engine.RealClock{Loc: time.UTC},
		broker.NewResilient(gw),
		buildOracle(cfg.Advisory),
		sink,
		log,
		engineOptions(cfg, false, src),
	)
	if err != nil {
		return exitErr(ExitConfig, err)
	}

	runner := replay.NewRunner(eng, gw)
	ticks := make(chan market.Tick, 1024)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ticks)
		return replay.Stream(in, func(t market.Tick) error {
			select {
			case ticks <- t:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})
	g.Go(func() error {
		one := make([]market.Tick, 1)
		for t := range ticks {
			one[0] = t
			if err := runner.Run(gctx, one); err != nil {
				return err
			}
		}
		return nil
	})

	err = g.Wait()
	if cerr := eng.Close(context.Background()); cerr != nil {
		log.Warn("shutdown", "err", cerr)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}

	st := eng.Status()
	printStatus(st)
	if st.Degraded {
		return exitErr(ExitDegraded, fmt.Errorf("run finished degraded: %s", st.DegradedReason))
	}
	return nil
}

// dirRuleSource serves the lexically newest rule document in dir,
// returning nil while the newest file is unchanged.
func dirRuleSource(dir string) engine.RuleSource {
	var lastFile string
	return func(ctx context.Context, now time.Time) (*rules.Rule, error) {
		matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			return nil, nil
		}
		sort.Strings(matches)
		latest := matches[len(matches)-1]
		if latest == lastFile {
			return nil, nil
		}
		data, err := os.ReadFile(latest)
		if err != nil {
			return nil, err
		}
		r, err := rules.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", latest, err)
		}
		lastFile = latest
		return r, nil
	}
}
