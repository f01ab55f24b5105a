package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dgpuctl/dgpuctl/internal/store"
)

var statusOpts struct {
	journalFile string
}

// statusCmd shows the daemon's view of the GPU.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current GPU mode and power status",
	Long: `Show the current GPU mode, the dGPU power status, any pending
switch, and when the last switch happened.`,
	RunE: statusRun,
}

func init() {
	statusCmd.Flags().StringVar(&statusOpts.journalFile, "journal-file", store.DefaultJournalPath,
		"Path to the switch journal")
	rootCmd.AddCommand(statusCmd)
}

func statusRun(cmd *cobra.Command, args []string) error {
	c, err := dialDaemon()
	if err != nil {
		return err
	}
	defer c.close()

	current, err := c.callString("GetMode")
	if err != nil {
		return err
	}
	power, err := c.callString("GetPower")
	if err != nil {
		return err
	}
	vendor, err := c.callString("GetVendor")
	if err != nil {
		return err
	}
	pending, err := c.callString("GetPendingMode")
	if err != nil {
		return err
	}
	action, err := c.callString("GetPendingAction")
	if err != nil {
		return err
	}

	fmt.Printf("Mode:    %s\n", current)
	fmt.Printf("Vendor:  %s\n", vendor)
	fmt.Printf("Power:   %s\n", power)
	if pending != "unknown" {
		fmt.Printf("Pending: %s\n", pending)
	}
	if action != "none" {
		fmt.Printf("Action:  %s required\n", action)
	}

	if last, ok := lastSwitch(statusOpts.journalFile); ok {
		fmt.Printf("Last switch: %s -> %s (%s, %s)\n",
			last.From, last.To, last.Outcome,
			humanize.Time(time.Unix(last.FinishedAt, 0)))
	}
	return nil
}

// lastSwitch reads the newest journal entry, if the journal is readable.
// The journal lives under /var/lib and may need root.
func lastSwitch(path string) (store.Entry, bool) {
	journal, err := store.OpenJournal(path)
	if err != nil {
		logger.Debug("journal unavailable", "error", err)
		return store.Entry{}, false
	}
	defer journal.Close()

	entries, err := journal.Load()
	if err != nil || len(entries) == 0 {
		return store.Entry{}, false
	}
	return entries[len(entries)-1], true
}
