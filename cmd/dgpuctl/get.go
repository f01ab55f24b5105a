package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// getCmd prints the current mode, nothing else. Script friendly.
var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current GPU mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialDaemon()
		if err != nil {
			return err
		}
		defer c.close()

		current, err := c.callString("GetMode")
		if err != nil {
			return err
		}
		fmt.Println(current)
		return nil
	},
}

// supportedCmd lists the modes this machine can enter.
var supportedCmd = &cobra.Command{
	Use:   "supported",
	Short: "List the GPU modes supported on this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialDaemon()
		if err != nil {
			return err
		}
		defer c.close()

		modes, err := c.callStrings("GetSupported")
		if err != nil {
			return err
		}
		for _, m := range modes {
			fmt.Println(m)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(supportedCmd)
}
