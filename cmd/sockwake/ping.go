package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var pingTimeoutSeconds int

func init() {
	rootCmd.AddCommand(cmdPing)

	cmdPing.Flags().IntVarP(&pingTimeoutSeconds, "timeout", "t", 2, "Timeout in seconds for the supervisor ping")
}

var cmdPing = &cobra.Command{
	Use:   "ping",
	Short: "Check supervisor availability (expects 'PONG')",
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := controller().Ping(cmd.Context(), time.Duration(pingTimeoutSeconds)*time.Second)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), msg)
		return nil
	},
}
