package app

import (
	"context"
	"fmt"
	"time"

	"sockwake/internal/control"
)

// Ping contacts the supervisor and returns its health response.
func (a *App) Ping(ctx context.Context, timeout time.Duration) (string, error) {
	var reply string
	err := a.withSocket(ctx, timeout, func(ctx context.Context, socket string) error {
		if err := pingSupervisor(ctx, socket); err != nil {
			return fmt.Errorf("supervisor ping failed: %w", err)
		}
		reply = control.ReplyPong
		return nil
	})
	return reply, err
}
