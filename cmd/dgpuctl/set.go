package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// setCmd requests a mode switch.
var setCmd = &cobra.Command{
	Use:   "set <mode>",
	Short: "Switch to the given GPU mode",
	Long: `Switch to the given GPU mode.

Depending on the transition the switch either applies immediately, waits
for you to log out of all graphical sessions, or takes effect on the
next boot. The outcome is printed.

Use 'dgpuctl supported' to see the modes available on this machine.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialDaemon()
		if err != nil {
			return err
		}
		defer c.close()

		outcome, err := c.callString("SetMode", args[0])
		if err != nil {
			return err
		}

		switch outcome {
		case "applied":
			fmt.Printf("Switched to %s.\n", args[0])
		case "pending-logout":
			fmt.Printf("Switch to %s is waiting for all graphical sessions to end.\n", args[0])
			fmt.Println("Log out to proceed, or run 'dgpuctl loggedout' after logging out.")
		case "reboot-required":
			fmt.Printf("Switch to %s is staged. Reboot to apply it.\n", args[0])
		default:
			fmt.Println(outcome)
		}
		return nil
	},
}

// loggedoutCmd resumes a switch that was deferred until logout. Useful when
// the logout happened on a seat the daemon could not observe.
var loggedoutCmd = &cobra.Command{
	Use:   "loggedout",
	Short: "Resume a mode switch that was waiting for logout",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialDaemon()
		if err != nil {
			return err
		}
		defer c.close()

		outcome, err := c.callString("ConfirmLogout")
		if err != nil {
			return err
		}

		switch outcome {
		case "applied":
			fmt.Println("Deferred switch applied.")
		case "pending-logout":
			fmt.Println("Graphical sessions are still active; the switch stays deferred.")
		default:
			fmt.Println(outcome)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(loggedoutCmd)
}
