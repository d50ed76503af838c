package resolve

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"sockwake/internal/config"
	"sockwake/internal/procnet"
)

// ErrNotFound means no live process currently owns the endpoint. For a
// forking service that just launched this is usually transient: the
// daemonized child has not bound the port yet.
var ErrNotFound = errors.New("no process owns the endpoint")

// Seams for tests.
var (
	lookPath = exec.LookPath
	runLsof  = func(args ...string) ([]byte, error) {
		return exec.Command("lsof", args...).Output()
	}
	scanTables = procnet.Scan
	procRoot   = "/proc"
)

// Resolver finds the pid that owns a bound endpoint, used to track
// services that daemonize away from the process we launched.
type Resolver struct {
	Proto string
	Port  int
	Log   *slog.Logger
}

// PID resolves the endpoint's owner. lsof is preferred when installed,
// matching what admins would run by hand; otherwise the kernel socket
// tables are walked directly.
func (r *Resolver) PID() (int, error) {
	if _, err := lookPath("lsof"); err == nil {
		return r.viaLsof()
	}
	r.Log.Debug("lsof not installed, walking kernel socket tables")
	return r.viaProc()
}

func (r *Resolver) viaLsof() (int, error) {
	args := []string{"-t", "-i", fmt.Sprintf("%s:%d", r.Proto, r.Port)}
	if r.Proto == config.ProtoTCP {
		args = append(args, "-s", "TCP:LISTEN")
	}

	out, _ := runLsof(args...)
	lines := strings.Fields(strings.TrimSpace(string(out)))
	if len(lines) == 0 {
		// lsof exits non-zero with empty output when nothing matches.
		return 0, ErrNotFound
	}

	pid, perr := strconv.Atoi(lines[0])
	if perr != nil {
		return 0, fmt.Errorf("unexpected lsof output %q", strings.TrimSpace(string(out)))
	}
	return pid, nil
}

func (r *Resolver) viaProc() (int, error) {
	socks, err := scanTables(r.Proto)
	if err != nil {
		return 0, fmt.Errorf("scan socket tables: %w", err)
	}

	inodes := make(map[uint64]struct{})
	for _, s := range socks {
		if s.LocalPort != r.Port {
			continue
		}
		if r.Proto == config.ProtoTCP && s.State != procnet.StateListen {
			continue
		}
		if s.Inode != 0 {
			inodes[s.Inode] = struct{}{}
		}
	}
	if len(inodes) == 0 {
		return 0, ErrNotFound
	}
	return ownerOf(inodes)
}

// ownerOf walks /proc/<pid>/fd looking for a socket link carrying one
// of the wanted inodes. Unreadable fd directories (other users'
// processes) are skipped. When several pids hold the socket, as parent
// and child briefly do around a fork, the lowest pid wins.
func ownerOf(inodes map[uint64]struct{}) (int, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", procRoot, err)
	}

	best := 0
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join(procRoot, entry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			inode, ok := socketInode(link)
			if !ok {
				continue
			}
			if _, want := inodes[inode]; want {
				if best == 0 || pid < best {
					best = pid
				}
				break
			}
		}
	}
	if best == 0 {
		return 0, ErrNotFound
	}
	return best, nil
}

func socketInode(link string) (uint64, bool) {
	rest, ok := strings.CutPrefix(link, "socket:[")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, "]")
	if !ok {
		return 0, false
	}
	inode, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return inode, true
}
