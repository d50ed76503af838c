package app

import (
	"context"
	"errors"
	"time"

	"sockwake/internal/config"
	"sockwake/internal/control"
)

var (
	supervisorRunning = control.IsRunning
	pingSupervisor    = control.Ping
	fetchStatus       = control.FetchStatus
	loadRecord        = config.Load
)

func resetControlDeps() {
	supervisorRunning = control.IsRunning
	pingSupervisor = control.Ping
	fetchStatus = control.FetchStatus
	loadRecord = config.Load
}

// Socket resolves the status socket path of the targeted supervisor.
// An explicit socket wins; otherwise the config file (when given)
// supplies the port and any configured socket path.
func (a *App) Socket() (string, error) {
	if a.socket != "" {
		return a.socket, nil
	}

	rec, err := loadRecord(a.cfgPath)
	if err != nil {
		return "", err
	}

	port := a.port
	if port == 0 {
		port = rec.Port
	}
	return control.SocketPath(rec.StatusSocket, port), nil
}

func (a *App) withSocket(ctx context.Context, timeout time.Duration, fn func(context.Context, string) error) error {
	if timeout <= 0 {
		return errors.New("timeout must be greater than 0")
	}

	socket, err := a.Socket()
	if err != nil {
		return err
	}
	if !supervisorRunning(socket) {
		return errors.New("supervisor is not running")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return fn(ctx, socket)
}
