package control

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// SocketPath returns the status socket path for a supervisor watching
// the given port. An explicit path wins; otherwise the socket lands in
// the per-user runtime dir so several supervisors can coexist, one per
// port.
//
// Order of precedence (first wins):
//  1. explicit (flag, config file or SOCKWAKE_STATUS_SOCKET)
//  2. SOCKWAKE_RUNTIME_DIR
//  3. on linux: $XDG_RUNTIME_DIR, else /run/user/<UID>
//  4. elsewhere: /tmp, kept short for the sun_path limit
func SocketPath(explicit string, port int) string {
	if explicit != "" {
		return explicit
	}

	name := fmt.Sprintf("sockwake-%d.sock", port)

	if rd := os.Getenv("SOCKWAKE_RUNTIME_DIR"); rd != "" {
		return filepath.Join(rd, name)
	}

	if runtime.GOOS == "linux" {
		if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
			return filepath.Join(v, name)
		}
		return filepath.Join("/run/user", currentUID(), name)
	}

	return filepath.Join("/tmp", fmt.Sprintf("sockwake-%s-%d.sock", currentUID(), port))
}

// PIDPath returns the pid file path next to the status socket.
func PIDPath(socketPath string, port int) string {
	return filepath.Join(filepath.Dir(socketPath), fmt.Sprintf("sockwake-%d.pid", port))
}

// EnsureRuntimeDir creates the socket's parent directory if needed.
func EnsureRuntimeDir(socketPath string) error {
	return os.MkdirAll(filepath.Dir(socketPath), 0o700)
}

// WritePID stores pid in the pid file.
func WritePID(pidPath string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(pidPath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", pid)), 0o600)
}

// RemovePID removes the pid file if it exists.
func RemovePID(pidPath string) error {
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RunningPID returns the pid stored in the pid file.
func RunningPID(pidPath string) (int, error) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, err
	}
	return pid, nil
}

func currentUID() string {
	u, err := user.Current()
	if err == nil && u != nil && u.Uid != "" {
		return u.Uid
	}
	return "0"
}
