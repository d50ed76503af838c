package terminate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"sockwake/internal/launch"
	"sockwake/internal/logging"
)

// pollInterval is how often liveness is rechecked while waiting for
// the service to die. A var so tests can shrink it.
var pollInterval = 2 * time.Second

// runStop is a seam for tests.
var runStop = func(command string) error {
	return launch.NewCmd(command).Run()
}

// Process is the view of a service handle that Stop needs.
type Process interface {
	PID() int
	Alive() bool
	Signal(sig syscall.Signal) error
}

// Terminator brings a service down: politely first, then with SIGKILL
// once the grace period is spent.
type Terminator struct {
	// StopCommand, when set, replaces SIGTERM as the polite step.
	StopCommand string
	// Wait is the grace period between the polite step and SIGKILL.
	Wait time.Duration
	Log  *slog.Logger
}

// Stop blocks until the tracked process is gone or ctx is done. The
// polite step happens exactly once; after Wait has elapsed SIGKILL is
// repeated on every poll until the process disappears. A stop command
// that itself fails to run is an error: the service must be presumed
// alive and untouched.
func (t *Terminator) Stop(ctx context.Context, h Process) error {
	if !h.Alive() {
		return nil
	}

	if t.StopCommand != "" {
		t.Log.Info("running stop command", slog.String(logging.CommandKey, t.StopCommand))
		if err := runStop(t.StopCommand); err != nil {
			return fmt.Errorf("stop command: %w", err)
		}
	} else {
		t.Log.Info("sending SIGTERM", slog.Int(logging.PIDKey, h.PID()))
		if err := h.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("send SIGTERM: %w", err)
		}
	}

	signaled := time.Now()
	for {
		if !h.Alive() {
			t.Log.Info("service stopped",
				slog.Int(logging.PIDKey, h.PID()),
				slog.Duration("after", time.Since(signaled)))
			return nil
		}
		if err := sleepCtx(ctx, pollInterval); err != nil {
			return err
		}
		if !h.Alive() {
			t.Log.Info("service stopped",
				slog.Int(logging.PIDKey, h.PID()),
				slog.Duration("after", time.Since(signaled)))
			return nil
		}
		if time.Since(signaled) > t.Wait {
			t.Log.Warn("grace period spent, sending SIGKILL", slog.Int(logging.PIDKey, h.PID()))
			if err := h.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				return fmt.Errorf("send SIGKILL: %w", err)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
