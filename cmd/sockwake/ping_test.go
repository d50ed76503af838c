package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"sockwake/internal/config"
	"sockwake/internal/supervise"
)

type stubController struct {
	pingFunc   func(ctx context.Context, timeout time.Duration) (string, error)
	statusFunc func(ctx context.Context, timeout time.Duration) (supervise.Snapshot, error)
}

func (s *stubController) Ping(ctx context.Context, timeout time.Duration) (string, error) {
	if s.pingFunc != nil {
		return s.pingFunc(ctx, timeout)
	}
	return "", errors.New("ping not implemented")
}

func (s *stubController) Status(ctx context.Context, timeout time.Duration) (supervise.Snapshot, error) {
	if s.statusFunc != nil {
		return s.statusFunc(ctx, timeout)
	}
	return supervise.Snapshot{}, errors.New("status not implemented")
}

func (s *stubController) Socket() (string, error) {
	panic("Socket not implemented")
}

func (s *stubController) Run(ctx context.Context, rec config.Record, log *slog.Logger) error {
	panic("Run not implemented")
}

func withController(t *testing.T, stub controllerAPI) {
	t.Helper()
	origFactory := controllerFactory
	controllerFactory = func() controllerAPI {
		return stub
	}
	t.Cleanup(func() {
		controllerFactory = origFactory
	})
}

func withPingOutput(t *testing.T) (*bytes.Buffer, func()) {
	t.Helper()
	buf := &bytes.Buffer{}
	origOut := cmdPing.OutOrStdout()
	cmdPing.SetOut(buf)
	return buf, func() {
		cmdPing.SetOut(origOut)
	}
}

func TestPingSuccess(t *testing.T) {
	withController(t, &stubController{
		pingFunc: func(ctx context.Context, timeout time.Duration) (string, error) {
			if timeout != 2*time.Second {
				t.Fatalf("expected timeout 2s, got %v", timeout)
			}
			return "PONG", nil
		},
	})
	buf, restore := withPingOutput(t)
	defer restore()

	oldTimeout := pingTimeoutSeconds
	pingTimeoutSeconds = 2
	t.Cleanup(func() { pingTimeoutSeconds = oldTimeout })

	if err := cmdPing.RunE(cmdPing, nil); err != nil {
		t.Fatalf("RunE error: %v", err)
	}
	if got := buf.String(); got != "PONG\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestPingError(t *testing.T) {
	expected := errors.New("supervisor down")
	withController(t, &stubController{
		pingFunc: func(ctx context.Context, timeout time.Duration) (string, error) {
			return "", expected
		},
	})
	oldTimeout := pingTimeoutSeconds
	pingTimeoutSeconds = 1
	t.Cleanup(func() { pingTimeoutSeconds = oldTimeout })

	err := cmdPing.RunE(cmdPing, nil)
	if !errors.Is(err, expected) {
		t.Fatalf("expected error %v, got %v", expected, err)
	}
}
