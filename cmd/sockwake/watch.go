package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sockwake/internal/tui"
)

func init() {
	rootCmd.AddCommand(cmdWatch)
}

var cmdWatch = &cobra.Command{
	Use:   "watch",
	Short: "Follow the supervisor live in a terminal UI",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := tui.Run(controller()); err != nil {
			return fmt.Errorf("watch exited with error: %w", err)
		}
		return nil
	},
}
