package app

import (
	"context"
	"fmt"
	"time"

	"sockwake/internal/supervise"
)

// Status fetches the current supervision snapshot.
func (a *App) Status(ctx context.Context, timeout time.Duration) (supervise.Snapshot, error) {
	var snap supervise.Snapshot
	err := a.withSocket(ctx, timeout, func(ctx context.Context, socket string) error {
		var err error
		snap, err = fetchStatus(ctx, socket)
		if err != nil {
			return fmt.Errorf("supervisor status failed: %w", err)
		}
		return nil
	})
	return snap, err
}
