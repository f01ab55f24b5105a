package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/dgpuctl/dgpuctl/internal/dbusiface"
)

// watchCmd streams the daemon's signals until interrupted.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream mode, power and action events from the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialDaemon()
		if err != nil {
			return err
		}
		defer c.close()

		if err := c.conn.AddMatchSignal(
			dbus.WithMatchObjectPath(dbusiface.ObjectPath),
			dbus.WithMatchInterface(dbusiface.Interface),
		); err != nil {
			return fmt.Errorf("failed to subscribe to daemon signals: %w", err)
		}

		signals := make(chan *dbus.Signal, 16)
		c.conn.Signal(signals)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		fmt.Println("Watching for events (Ctrl-C to stop)...")
		for {
			select {
			case <-sigCh:
				return nil
			case sig, ok := <-signals:
				if !ok {
					return nil
				}
				printSignal(sig)
			}
		}
	},
}

func printSignal(sig *dbus.Signal) {
	name := strings.TrimPrefix(sig.Name, dbusiface.Interface+".")
	if len(sig.Body) == 0 {
		return
	}
	value, ok := sig.Body[0].(string)
	if !ok {
		return
	}
	switch name {
	case "ModeChanged":
		fmt.Printf("mode changed: %s\n", value)
	case "PowerChanged":
		fmt.Printf("dGPU power: %s\n", value)
	case "ActionRequired":
		fmt.Printf("action required: %s\n", value)
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
