package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"sockwake/internal/config"
	"sockwake/internal/logging"
)

var (
	runListenAddr    string
	runProto         string
	runCommand       string
	runStopCommand   string
	runAs            string
	runQuiet         bool
	runForking       bool
	runIPFilter      []string
	runMaxRunMins    int
	runRefreshSecs   int
	runClientWait    int
	runTermWait      int
	runClientRefresh bool
	runNoClientExit  bool
	runLogLevel      string
	runLogFormat     string
	runLogFile       string
)

func init() {
	rootCmd.AddCommand(cmdRun)

	cmdRun.Flags().StringVar(&runListenAddr, "listen", config.DefaultListenAddr, "IPv4 address to bind")
	cmdRun.Flags().StringVar(&runProto, "proto", config.ProtoTCP, "Endpoint protocol (tcp or udp)")
	cmdRun.Flags().StringVar(&runCommand, "command", "", "Command that starts the service")
	cmdRun.Flags().StringVar(&runStopCommand, "stop-command", "", "Command that stops the service (default SIGTERM)")
	cmdRun.Flags().StringVar(&runAs, "run-as", "", "User to run the service as (needs privileges)")
	cmdRun.Flags().BoolVar(&runQuiet, "quiet", false, "Discard the service's stdout and stderr")
	cmdRun.Flags().BoolVar(&runForking, "forking", false, "Service daemonizes; resolve its pid from the bound port")
	cmdRun.Flags().StringSliceVar(&runIPFilter, "ip-filter", nil, "Client IP substring to admit (repeatable)")
	cmdRun.Flags().IntVar(&runMaxRunMins, "max-run-mins", 0, "Run-time budget in minutes (0 disables)")
	cmdRun.Flags().IntVar(&runRefreshSecs, "refresh-secs", config.DefaultRefreshSecs, "Seconds between client activity checks")
	cmdRun.Flags().IntVar(&runClientWait, "client-wait-mins", config.DefaultClientWaitMins, "Minutes a client may stay idle before it no longer counts")
	cmdRun.Flags().IntVar(&runTermWait, "term-wait-secs", config.DefaultTermWaitSecs, "Seconds after SIGTERM before SIGKILL escalation")
	cmdRun.Flags().BoolVar(&runClientRefresh, "client-refresh", false, "Reset the run-time budget while clients stay active")
	cmdRun.Flags().BoolVar(&runNoClientExit, "no-client-exit", false, "Do not stop the service just because clients left")
	cmdRun.Flags().StringVar(&runLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmdRun.Flags().StringVar(&runLogFormat, "log-format", "text", "Log format (text, json)")
	cmdRun.Flags().StringVar(&runLogFile, "log-file", "", "Append logs to this file instead of stderr")
}

var cmdRun = &cobra.Command{
	Use:   "run",
	Short: "Hold the port and supervise the service in the foreground",
	Long: `Binds the configured endpoint and waits for a matching client. The first
admitted connection releases the port, starts the service and switches to
monitoring. When the service is provably idle it is stopped and the port
is bound again. Interrupt tears the service down before exiting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := config.Load(configPath)
		if err != nil {
			return err
		}
		applyRunFlags(cmd, &rec)
		rec.Normalize()
		if err := rec.Validate(); err != nil {
			return err
		}

		logCfg := logging.Config{
			Level:  rec.LogLevel,
			Format: logging.Format(rec.LogFormat),
		}
		if rec.LogFile != "" {
			f, err := logging.OpenFile(rec.LogFile)
			if err != nil {
				return err
			}
			defer f.Close()
			logCfg.Output = f
		}
		logger := logging.New(&logCfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// With logs diverted to a file the terminal stays free for a
		// liveness hint.
		if rec.LogFile != "" {
			runSpin := spinner.New(spinner.CharSets[21], 120*time.Millisecond, spinner.WithWriter(os.Stdout))
			runSpin.Suffix = fmt.Sprintf(" Supervising %s://%s:%d ...", rec.Proto, rec.ListenAddr, rec.Port)
			runSpin.Start()
			defer runSpin.Stop()
		}

		return controller().Run(ctx, rec, logger)
	},
}

// applyRunFlags layers explicitly-set flags over the file and env
// values already merged into rec.
func applyRunFlags(cmd *cobra.Command, rec *config.Record) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		rec.ListenAddr = runListenAddr
	}
	if flags.Changed("port") {
		rec.Port = targetPort
	}
	if flags.Changed("proto") {
		rec.Proto = runProto
	}
	if flags.Changed("command") {
		rec.Command = runCommand
	}
	if flags.Changed("stop-command") {
		rec.StopCommand = runStopCommand
	}
	if flags.Changed("run-as") {
		rec.RunAs = runAs
	}
	if flags.Changed("quiet") {
		rec.Quiet = runQuiet
	}
	if flags.Changed("forking") {
		rec.Forking = runForking
	}
	if flags.Changed("ip-filter") {
		rec.IPFilter = append([]string(nil), runIPFilter...)
	}
	if flags.Changed("max-run-mins") {
		rec.MaxRunMins = runMaxRunMins
	}
	if flags.Changed("refresh-secs") {
		rec.RefreshSecs = runRefreshSecs
	}
	if flags.Changed("client-wait-mins") {
		rec.ClientWaitMins = runClientWait
	}
	if flags.Changed("term-wait-secs") {
		rec.TermWaitSecs = runTermWait
	}
	if flags.Changed("client-refresh") {
		rec.ClientRefresh = runClientRefresh
	}
	if flags.Changed("no-client-exit") {
		rec.NoClientExit = runNoClientExit
	}
	if flags.Changed("log-level") {
		rec.LogLevel = runLogLevel
	}
	if flags.Changed("log-format") {
		rec.LogFormat = runLogFormat
	}
	if flags.Changed("log-file") {
		rec.LogFile = runLogFile
	}
	if flags.Changed("socket") {
		rec.StatusSocket = statusSocket
	}
}
