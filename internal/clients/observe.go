package clients

import (
	"errors"
	"io/fs"
	"log/slog"
	"sort"

	"sockwake/internal/config"
	"sockwake/internal/procnet"
)

// scanTables is a seam for tests.
var scanTables = procnet.Scan

// Observer reads the kernel socket tables and reports which admitted
// clients are currently connected to the service port.
type Observer struct {
	Proto  string
	Port   int
	Filter []string
	Log    *slog.Logger

	warned bool
}

// Observe returns the admitted client addresses connected right now,
// deduplicated and sorted. When the socket tables cannot be read for
// lack of permission it reports the configured filter patterns as the
// observed set instead: with no visibility the service is treated as
// busy, not idle.
func (o *Observer) Observe() ([]string, error) {
	socks, err := scanTables(o.Proto)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			if !o.warned && o.Log != nil {
				o.Log.Warn("socket tables unreadable, assuming filtered clients are connected")
				o.warned = true
			}
			return append([]string(nil), o.Filter...), nil
		}
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []string
	for _, s := range socks {
		if s.LocalPort != o.Port {
			continue
		}
		if o.Proto == config.ProtoTCP && s.State != procnet.StateEstablished {
			continue
		}
		if o.Proto == config.ProtoUDP && unconnected(s) {
			continue
		}
		if !Admitted(s.RemoteIP, o.Filter) {
			continue
		}
		if _, dup := seen[s.RemoteIP]; dup {
			continue
		}
		seen[s.RemoteIP] = struct{}{}
		out = append(out, s.RemoteIP)
	}
	sort.Strings(out)
	return out, nil
}

// UDP sockets show up in the table whether or not a peer ever sent a
// datagram; only rows with a real remote endpoint count as clients.
func unconnected(s procnet.Sock) bool {
	if s.RemotePort == 0 {
		return true
	}
	return s.RemoteIP == "0.0.0.0" || s.RemoteIP == "::"
}
