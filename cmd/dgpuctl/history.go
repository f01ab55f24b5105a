package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dgpuctl/dgpuctl/internal/store"
)

var historyOpts struct {
	journalFile string
	limit       int
	olderThan   time.Duration
}

// historyCmd lists past mode switches from the journal. Reads the journal
// file directly rather than going through the daemon.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past GPU mode switches",
	Long: `List past GPU mode switches recorded in the switch journal.

Each entry shows the transition, its outcome, and when it finished.
The journal lives under /var/lib/dgpud and may require root to read.`,
	RunE: runHistory,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old entries from the switch journal",
	Long: `Remove journal entries older than the given age.

Examples:
  # Remove entries older than 30 days
  dgpuctl history prune --older-than 720h`,
	RunE: runHistoryPrune,
}

func init() {
	historyCmd.AddCommand(historyPruneCmd)
	rootCmd.AddCommand(historyCmd)

	historyCmd.PersistentFlags().StringVar(&historyOpts.journalFile, "journal-file",
		store.DefaultJournalPath, "Path to the switch journal")
	historyCmd.Flags().IntVarP(&historyOpts.limit, "limit", "n", 20,
		"Show at most N entries (0=all)")
	historyPruneCmd.Flags().DurationVar(&historyOpts.olderThan, "older-than", 0,
		"Remove entries older than this duration (e.g., 720h)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	journal, err := store.OpenJournal(historyOpts.journalFile)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	entries, err := journal.Load()
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No switches recorded")
		return nil
	}

	// Newest first.
	if historyOpts.limit > 0 && len(entries) > historyOpts.limit {
		entries = entries[len(entries)-historyOpts.limit:]
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		line := fmt.Sprintf("%s  %s -> %s  %s",
			humanize.Time(time.Unix(e.FinishedAt, 0)), e.From, e.To, e.Outcome)
		if e.Error != "" {
			line += "  (" + e.Error + ")"
		}
		fmt.Println(line)
	}
	return nil
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	if historyOpts.olderThan <= 0 {
		return fmt.Errorf("specify --older-than")
	}

	journal, err := store.OpenJournal(historyOpts.journalFile)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	dropped, err := journal.Prune(time.Now().Add(-historyOpts.olderThan))
	if err != nil {
		return fmt.Errorf("prune journal: %w", err)
	}
	if dropped == 0 {
		fmt.Println("No entries to remove")
		return nil
	}
	fmt.Printf("Removed %d entr%s\n", dropped, plural(dropped, "y", "ies"))
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
