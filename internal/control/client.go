package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"sockwake/internal/supervise"
)

// Dial connects to a status socket, honoring the context deadline.
func Dial(ctx context.Context, socketPath string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return conn, nil
}

// Ping checks that a supervisor answers on its status socket.
func Ping(ctx context.Context, socketPath string) error {
	reply, err := roundTrip(ctx, socketPath, ReqPing)
	if err != nil {
		return err
	}
	if reply != ReplyPong {
		return fmt.Errorf("unexpected reply %q", reply)
	}
	return nil
}

// FetchStatus asks a supervisor for its current snapshot.
func FetchStatus(ctx context.Context, socketPath string) (supervise.Snapshot, error) {
	var snap supervise.Snapshot
	reply, err := roundTrip(ctx, socketPath, ReqStatus)
	if err != nil {
		return snap, err
	}
	if strings.HasPrefix(reply, "ERROR:") {
		return snap, fmt.Errorf("supervisor replied: %s", reply)
	}
	if err := json.Unmarshal([]byte(reply), &snap); err != nil {
		return snap, fmt.Errorf("malformed status reply: %w", err)
	}
	return snap, nil
}

// IsRunning reports whether a live supervisor answers on socketPath.
func IsRunning(socketPath string) bool {
	if _, err := os.Stat(socketPath); err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	return Ping(ctx, socketPath) == nil
}

func roundTrip(ctx context.Context, socketPath, req string) (string, error) {
	conn, err := Dial(ctx, socketPath)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s\n", req); err != nil {
		return "", err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
