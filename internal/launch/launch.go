package launch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"sockwake/internal/config"
	"sockwake/internal/logging"
)

// ErrLaunchFailed marks a service that could not be started at all.
// The command was validated earlier, so this points at a changed
// environment rather than a typo.
var ErrLaunchFailed = errors.New("service launch failed")

// lookupUser is a seam for tests.
var lookupUser = user.Lookup

// Handle tracks a service process the supervisor can signal and test
// for liveness. Processes started by us are reaped by a waiter
// goroutine so a zombie never reads as alive; adopted processes are
// probed with signal 0.
type Handle struct {
	pid   int
	owned bool

	mu       sync.Mutex
	exited   bool
	exitDesc string
}

// Start launches the service described by rec and returns a Handle for
// it. The command line is split on whitespace and executed directly,
// without a shell.
func Start(rec config.Record, log *slog.Logger) (*Handle, error) {
	cmd := NewCmd(rec.Command)

	if rec.Quiet {
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	attr := &syscall.SysProcAttr{Setpgid: true}
	if rec.RunAs != "" {
		cred, err := credentials(rec.RunAs)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
		}
		attr.Credential = cred
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	h := &Handle{pid: cmd.Process.Pid, owned: true}
	go h.wait(cmd, log)
	return h, nil
}

// Adopt returns a Handle for a process the supervisor did not start,
// typically the daemonized child of a forking service.
func Adopt(pid int) *Handle {
	return &Handle{pid: pid}
}

// NewCmd builds an exec.Cmd from a whitespace-separated command line.
func NewCmd(command string) *exec.Cmd {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return exec.Command(command)
	}
	return exec.Command(fields[0], fields[1:]...)
}

func (h *Handle) wait(cmd *exec.Cmd, log *slog.Logger) {
	err := cmd.Wait()

	desc := "exit status 0"
	if err != nil {
		desc = err.Error()
	}

	h.mu.Lock()
	h.exited = true
	h.exitDesc = desc
	h.mu.Unlock()

	log.Info("service exited", slog.Int(logging.PIDKey, h.pid), slog.String("status", desc))
}

// PID returns the tracked process id.
func (h *Handle) PID() int {
	return h.pid
}

// Owned reports whether the process is our direct child.
func (h *Handle) Owned() bool {
	return h.owned
}

// Alive reports whether the tracked process still exists.
func (h *Handle) Alive() bool {
	if h.owned {
		h.mu.Lock()
		defer h.mu.Unlock()
		return !h.exited
	}
	err := syscall.Kill(h.pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the pid exists but belongs to someone else.
	return errors.Is(err, syscall.EPERM)
}

// ExitStatus returns the recorded exit description of an owned process
// and whether it has exited yet.
func (h *Handle) ExitStatus() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitDesc, h.exited
}

// Signal delivers sig to the tracked process.
func (h *Handle) Signal(sig syscall.Signal) error {
	return syscall.Kill(h.pid, sig)
}

func credentials(username string) (*syscall.Credential, error) {
	u, err := lookupUser(username)
	if err != nil {
		return nil, fmt.Errorf("lookup user %q: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}
