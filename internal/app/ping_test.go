package app

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAppPingNotRunning(t *testing.T) {
	stubControl(t, controlStubs{running: false})

	controller := New(Options{})
	if _, err := controller.Ping(context.Background(), time.Second); err == nil || err.Error() != "supervisor is not running" {
		t.Fatalf("expected supervisor not running error, got %v", err)
	}
}

func TestAppPingSuccess(t *testing.T) {
	stubControl(t, controlStubs{
		running: true,
		ping:    func(context.Context, string) error { return nil },
	})

	controller := New(Options{Port: 8080})
	msg, err := controller.Ping(context.Background(), 500*time.Millisecond)
	if err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
	if msg != "PONG" {
		t.Fatalf("expected PONG, got %q", msg)
	}
}

func TestAppPingFailure(t *testing.T) {
	stubControl(t, controlStubs{
		running: true,
		ping: func(context.Context, string) error {
			return errors.New("connection reset")
		},
	})

	controller := New(Options{})
	if _, err := controller.Ping(context.Background(), time.Second); err == nil || err.Error() != "supervisor ping failed: connection reset" {
		t.Fatalf("expected wrapped ping error, got %v", err)
	}
}

func TestAppPingInvalidTimeout(t *testing.T) {
	stubControl(t, controlStubs{
		running: true,
		ping: func(context.Context, string) error {
			return errors.New("should not ping")
		},
	})

	controller := New(Options{})
	if _, err := controller.Ping(context.Background(), 0); err == nil || err.Error() != "timeout must be greater than 0" {
		t.Fatalf("expected timeout error, got %v", err)
	}
}
