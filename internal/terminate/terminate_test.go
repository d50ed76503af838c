package terminate

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"sockwake/internal/config"
	"sockwake/internal/launch"
	"sockwake/internal/logging"
)

func shrinkPoll(t *testing.T) {
	t.Helper()
	orig := pollInterval
	pollInterval = 10 * time.Millisecond
	t.Cleanup(func() { pollInterval = orig })
}

func stubRunStop(t *testing.T, fn func(string) error) {
	t.Helper()
	orig := runStop
	runStop = fn
	t.Cleanup(func() { runStop = orig })
}

// startStubborn launches a process that ignores SIGTERM and returns an
// adopted handle for it, with a reaper running so the pid disappears
// once killed.
func startStubborn(t *testing.T) *launch.Handle {
	t.Helper()
	cmd := exec.Command("sh", "-c", "trap '' TERM; exec sleep 60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start stubborn process: %v", err)
	}
	go cmd.Wait()
	t.Cleanup(func() { syscall.Kill(cmd.Process.Pid, syscall.SIGKILL) })
	return launch.Adopt(cmd.Process.Pid)
}

func TestStopSIGTERMObeyed(t *testing.T) {
	shrinkPoll(t)

	h, err := launch.Start(config.Record{Command: "sleep 60", Quiet: true}, logging.Discard())
	if err != nil {
		t.Fatalf("start victim: %v", err)
	}
	t.Cleanup(func() { h.Signal(syscall.SIGKILL) })

	term := &Terminator{Wait: 10 * time.Second, Log: logging.Discard()}
	start := time.Now()
	if err := term.Stop(context.Background(), h); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if h.Alive() {
		t.Fatal("expected process to be gone")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("polite stop took too long: %v", elapsed)
	}
}

func TestStopEscalatesToSIGKILL(t *testing.T) {
	shrinkPoll(t)

	h := startStubborn(t)
	term := &Terminator{Wait: 100 * time.Millisecond, Log: logging.Discard()}

	start := time.Now()
	if err := term.Stop(context.Background(), h); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	elapsed := time.Since(start)

	if h.Alive() {
		t.Fatal("expected process to be gone after escalation")
	}
	if elapsed < 100*time.Millisecond {
		t.Fatalf("SIGKILL before the grace period: %v", elapsed)
	}
}

func TestStopAlreadyDead(t *testing.T) {
	shrinkPoll(t)
	stubRunStop(t, func(string) error {
		t.Fatal("stop command must not run for a dead process")
		return nil
	})

	h, err := launch.Start(config.Record{Command: "true", Quiet: true}, logging.Discard())
	if err != nil {
		t.Fatalf("start victim: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for h.Alive() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	term := &Terminator{StopCommand: "should-not-run", Wait: time.Second, Log: logging.Discard()}
	if err := term.Stop(context.Background(), h); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
}

func TestStopCommandRunsOnce(t *testing.T) {
	shrinkPoll(t)

	h, err := launch.Start(config.Record{Command: "sleep 60", Quiet: true}, logging.Discard())
	if err != nil {
		t.Fatalf("start victim: %v", err)
	}
	t.Cleanup(func() { h.Signal(syscall.SIGKILL) })

	calls := 0
	stubRunStop(t, func(command string) error {
		calls++
		if command != "myservice-stop --now" {
			t.Fatalf("unexpected stop command %q", command)
		}
		// The real stop command would shut the service down.
		return h.Signal(syscall.SIGKILL)
	})

	term := &Terminator{StopCommand: "myservice-stop --now", Wait: 10 * time.Second, Log: logging.Discard()}
	if err := term.Stop(context.Background(), h); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected stop command to run once, ran %d times", calls)
	}
}

func TestStopCommandFailureLeavesProcess(t *testing.T) {
	shrinkPoll(t)

	h, err := launch.Start(config.Record{Command: "sleep 60", Quiet: true}, logging.Discard())
	if err != nil {
		t.Fatalf("start victim: %v", err)
	}
	t.Cleanup(func() { h.Signal(syscall.SIGKILL) })

	stubRunStop(t, func(string) error { return errors.New("exec format error") })

	term := &Terminator{StopCommand: "broken-stop", Wait: time.Second, Log: logging.Discard()}
	err = term.Stop(context.Background(), h)
	if err == nil || !strings.Contains(err.Error(), "stop command") {
		t.Fatalf("expected stop command error, got %v", err)
	}
	if !h.Alive() {
		t.Fatal("expected process to be left running")
	}
}

func TestStopCanceled(t *testing.T) {
	shrinkPoll(t)

	h := startStubborn(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	term := &Terminator{Wait: time.Hour, Log: logging.Discard()}
	if err := term.Stop(ctx, h); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
