package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/fxengine/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage engine configuration files",
	Long: `Create and inspect configuration files.

Subcommands:
  init  - write the default configuration to a file
  show  - load, validate and print a configuration

Examples:
  fxengine config init config.yaml
  fxengine config show config.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Write the default configuration",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show <path>",
	Short: "Validate and print a configuration",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := args[0]
	if err := config.Default().SaveToFile(path); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(args[0])
	if err != nil {
		return exitErr(ExitConfig, err)
	}
	fmt.Printf("Account:  %s %.2f\n", cfg.Account.Currency, cfg.Account.Balance)
	fmt.Printf("Symbol:   %s (pip scale %.0f, contract %.0f)\n",
		cfg.Symbol.Name, cfg.Symbol.PipScale, cfg.Symbol.ContractSize)
	fmt.Printf("Base lot: %.2f\n", cfg.Engine.BaseLot)
	fmt.Printf("Cadence:  layer2a %s, layer2b %s, layer3a %s\n",
		cfg.Engine.Layer2APeriod(), cfg.Engine.Layer2BPeriod(), cfg.Engine.Layer3APeriod())
	fmt.Printf("Sessions: daily close %s, weekend %s to %s\n",
		cfg.Engine.DailyCloseHHMM, cfg.Engine.WeekendStart, cfg.Engine.WeekendEnd)
	fmt.Printf("Advisory: %s (timeouts %s / %s)\n",
		cfg.Advisory.Provider, cfg.Advisory.TimeoutPeriodic(), cfg.Advisory.TimeoutEmergency())
	fmt.Printf("Journal:  %s %s\n", cfg.Journal.Type, cfg.Journal.Path)
	return nil
}
