package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"sockwake/internal/supervise"
)

// Requests understood by the status socket, one per connection.
const (
	ReqPing   = "PING"
	ReqStatus = "STATUS"

	ReplyPong = "PONG"
)

// StatusSource provides the snapshot served over the socket.
type StatusSource interface {
	Status() supervise.Snapshot
}

// Server answers PING and STATUS requests on a unix socket so the
// status, ping and watch commands can reach a running supervisor.
type Server struct {
	ln      net.Listener
	path    string
	pidPath string
	src     StatusSource
	log     *slog.Logger
}

// Start binds the status socket, writes the pid file and serves in the
// background. A stale socket left by a dead supervisor is cleaned up
// first.
func Start(socketPath, pidPath string, src StatusSource, log *slog.Logger) (*Server, error) {
	if err := EnsureRuntimeDir(socketPath); err != nil {
		return nil, err
	}

	if _, err := os.Stat(socketPath); err == nil && !IsRunning(socketPath) {
		if err := os.Remove(socketPath); err != nil {
			return nil, err
		}
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return nil, err
	}

	s := &Server{ln: ln, path: socketPath, pidPath: pidPath, src: src, log: log}
	if err := WritePID(pidPath, os.Getpid()); err != nil {
		s.Close()
		return nil, err
	}

	go s.serve()
	return s, nil
}

// Close stops the server and removes its socket and pid file.
func (s *Server) Close() error {
	var errs []error
	if s.ln != nil {
		if err := s.ln.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.path != "" {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := RemovePID(s.pidPath); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(c)
	}
}

func (s *Server) handle(c net.Conn) {
	defer c.Close()

	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil {
		s.log.Debug("status socket read failed", "error", err)
		return
	}

	switch req := strings.TrimSpace(line); req {
	case ReqPing:
		fmt.Fprintf(c, "%s\n", ReplyPong)
	case ReqStatus:
		data, err := json.Marshal(s.src.Status())
		if err != nil {
			fmt.Fprintf(c, "ERROR: %v\n", err)
			return
		}
		c.Write(append(data, '\n'))
	default:
		fmt.Fprintf(c, "ERROR: unknown request %q\n", req)
	}
}
