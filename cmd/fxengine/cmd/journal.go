package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/fxengine/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the event journal",
	Long: `List events from a SQLite journal in sequence order.

Examples:
  fxengine journal --db fxengine.db
  fxengine journal --db fxengine.db --position 01JC4R8Z3M
  fxengine journal --db fxengine.db --type FullClose`,
	RunE: runJournalCmd,
}

var (
	journalDBPath   string
	journalPosition string
	journalType     string
)

func init() {
	rootCmd.AddCommand(journalCmd)

	journalCmd.Flags().StringVarP(&journalDBPath, "db", "d", "./fxengine.db", "path to SQLite journal")
	journalCmd.Flags().StringVarP(&journalPosition, "position", "p", "", "filter by position ID")
	journalCmd.Flags().StringVar(&journalType, "type", "", "filter by event type")
}

func runJournalCmd(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return exitErr(ExitBroker, fmt.Errorf("open journal: %w", err))
	}
	defer j.Close()

	events, err := j.Events(journalPosition)
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}

	shown := 0
	for _, ev := range events {
		if journalType != "" && string(ev.Type) != journalType {
			continue
		}
		shown++
		fmt.Printf("%6d  %s  %-14s", ev.Seq, ev.Time.Format("2006-01-02 15:04:05"), ev.Type)
		if ev.PositionID != "" {
			fmt.Printf("  %s", ev.PositionID)
		}
		if ev.Price != 0 {
			fmt.Printf("  @%.3f", ev.Price)
		}
		if ev.Volume != 0 {
			fmt.Printf("  vol %.2f", ev.Volume)
		}
		if ev.Reason != "" {
			fmt.Printf("  %s", ev.Reason)
		}
		fmt.Println()
	}
	fmt.Printf("\n%d events\n", shown)
	return nil
}
