package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"sockwake/internal/supervise"
)

var (
	statusTimeoutSeconds int
	statusJSON           bool
)

func init() {
	rootCmd.AddCommand(cmdStatus)

	cmdStatus.Flags().IntVarP(&statusTimeoutSeconds, "timeout", "t", 2, "Timeout in seconds for contacting the supervisor")
	cmdStatus.Flags().BoolVar(&statusJSON, "json", false, "Print the raw status snapshot as JSON")
}

var cmdStatus = &cobra.Command{
	Use:   "status",
	Short: "Show what the supervisor is doing right now",
	Long:  `Fetches the current cycle snapshot over the supervisor's status socket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := controller().Status(cmd.Context(), time.Duration(statusTimeoutSeconds)*time.Second)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if statusJSON {
			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		}

		printSnapshot(out, snap)
		return nil
	},
}

func printSnapshot(out io.Writer, snap supervise.Snapshot) {
	fmt.Fprintf(out, "endpoint  %s\n", snap.Endpoint)
	fmt.Fprintf(out, "state     %s\n", snap.State)
	if snap.CycleID != "" {
		fmt.Fprintf(out, "cycle     %s (#%d)\n", snap.CycleID, snap.Cycles)
	} else {
		fmt.Fprintf(out, "cycles    %d\n", snap.Cycles)
	}
	if snap.PID > 0 {
		fmt.Fprintf(out, "pid       %d\n", snap.PID)
	}
	if !snap.LaunchedAt.IsZero() {
		fmt.Fprintf(out, "launched  %s (up %s)\n",
			snap.LaunchedAt.Format(time.RFC3339), ageText(snap.LaunchedAt))
	}

	if len(snap.Clients) == 0 {
		fmt.Fprintln(out, "no clients observed yet")
		return
	}
	fmt.Fprintln(out, "clients:")
	for _, c := range snap.Clients {
		fmt.Fprintf(out, "  %-15s hits=%-4d last seen %s ago\n",
			c.IP, c.Hits, ageText(c.LastSeen))
	}
}

func ageText(t time.Time) string {
	d := time.Since(t).Truncate(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String()
}
