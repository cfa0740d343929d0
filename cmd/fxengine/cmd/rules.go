package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/fxengine/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and validate rule documents",
	Long: `Work with hourly structured rule documents.

Subcommands:
  validate  - decode and validate one or more rule JSON files
  show      - print a rule in canonical form

Examples:
  fxengine rules validate rules/0900.json rules/1000.json
  fxengine rules show rules/0900.json`,
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Validate rule JSON files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRulesValidate,
}

var rulesShowCmd = &cobra.Command{
	Use:   "show <file>",
	Short: "Print a rule in canonical JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesShow,
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesValidateCmd)
	rulesCmd.AddCommand(rulesShowCmd)
}

func runRulesValidate(cmd *cobra.Command, args []string) error {
	var failed bool
	for _, path := range args {
		r, err := decodeRuleFile(path)
		if err == nil {
			err = r.Validate()
		}
		if err != nil {
			failed = true
			fmt.Printf("%s: INVALID: %v\n", path, err)
			continue
		}
		fmt.Printf("%s: ok (version %s, %s %s, valid until %s)\n",
			path, r.Version, r.Symbol, r.DailyBias,
			r.ValidUntil.Format("2006-01-02 15:04"))
	}
	if failed {
		return exitErr(ExitConfig, fmt.Errorf("one or more rules invalid"))
	}
	return nil
}

func runRulesShow(cmd *cobra.Command, args []string) error {
	r, err := decodeRuleFile(args[0])
	if err != nil {
		return err
	}
	out, err := rules.Encode(r)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func decodeRuleFile(path string) (*rules.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	r, err := rules.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}
