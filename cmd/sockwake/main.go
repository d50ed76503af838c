package main

import (
	"context"
	"log"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"sockwake/internal/app"
	"sockwake/internal/config"
	"sockwake/internal/supervise"
)

var (
	configPath   string
	statusSocket string
	targetPort   int
)

var rootCmd = &cobra.Command{
	Use:   "sockwake [command]",
	Short: "sockwake: socket activation for services that should sleep",
	Long: `sockwake holds a service's port while the service is stopped, starts the
service when the first matching client connects, watches client activity,
and shuts the service down again once it is provably idle.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to JSON config file")
	rootCmd.PersistentFlags().StringVar(&statusSocket, "socket", "", "Status socket path of the supervisor to contact")
	rootCmd.PersistentFlags().IntVarP(&targetPort, "port", "p", 0, "Port of the supervised endpoint")
}

// controllerAPI is the slice of app.App the commands use. Tests swap
// controllerFactory for a stub.
type controllerAPI interface {
	Ping(ctx context.Context, timeout time.Duration) (string, error)
	Status(ctx context.Context, timeout time.Duration) (supervise.Snapshot, error)
	Socket() (string, error)
	Run(ctx context.Context, rec config.Record, log *slog.Logger) error
}

var controllerFactory = func() controllerAPI {
	return app.New(app.Options{
		ConfigPath:   configPath,
		StatusSocket: statusSocket,
		Port:         targetPort,
	})
}

func controller() controllerAPI {
	return controllerFactory()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
