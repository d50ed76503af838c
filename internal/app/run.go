package app

import (
	"context"
	"log/slog"

	"sockwake/internal/config"
	"sockwake/internal/control"
	"sockwake/internal/logging"
	"sockwake/internal/supervise"
)

// Run supervises the endpoint described by rec until ctx is canceled.
// The status socket is best effort: supervision proceeds without it
// when the socket cannot be bound, since a conflicting supervisor on
// the same port would fail at the endpoint bind anyway.
func (a *App) Run(ctx context.Context, rec config.Record, log *slog.Logger) error {
	sup := supervise.New(rec, log)

	socket := control.SocketPath(rec.StatusSocket, rec.Port)
	srv, err := control.Start(socket, control.PIDPath(socket, rec.Port), sup, log)
	if err != nil {
		log.Warn("status socket unavailable", "path", socket, logging.Error(err))
	} else {
		defer srv.Close()
	}

	return sup.Run(ctx)
}
