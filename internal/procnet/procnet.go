package procnet

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Sock is one row of a kernel socket table under /proc/net. Addresses
// in those tables are hex-encoded with each 32-bit word in
// little-endian byte order; ports are plain big-endian hex.
type Sock struct {
	LocalIP    string
	LocalPort  int
	RemoteIP   string
	RemotePort int
	State      int
	Inode      uint64
}

// TCP socket states we care about.
const (
	StateEstablished = 0x01
	StateListen      = 0x0A
)

// procRoot is swapped in tests for a fixture tree.
var procRoot = "/proc"

func tables(proto string) []string {
	return []string{
		filepath.Join(procRoot, "net", proto),
		filepath.Join(procRoot, "net", proto+"6"),
	}
}

// Scan reads the socket tables for proto ("tcp" or "udp"), v6 table
// included since v4-mapped peers of a dual-stack listener land there.
// If no table can be opened the first open error is returned.
func Scan(proto string) ([]Sock, error) {
	var (
		out      []Sock
		opened   bool
		firstErr error
	)
	for _, path := range tables(proto) {
		f, err := os.Open(path)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		rows, err := parse(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		opened = true
		out = append(out, rows...)
	}
	if !opened {
		return nil, firstErr
	}
	return out, nil
}

func parse(r io.Reader) ([]Sock, error) {
	sc := bufio.NewScanner(r)
	var out []Sock
	header := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if header {
			header = false
			continue
		}
		if line == "" {
			continue
		}
		sock, err := parseRow(line)
		if err != nil {
			return nil, err
		}
		out = append(out, sock)
	}
	return out, sc.Err()
}

// Row layout after the header line:
//
//	sl local_address rem_address st tx:rx tr:tm->when retrnsmt uid timeout inode ...
func parseRow(line string) (Sock, error) {
	f := strings.Fields(line)
	if len(f) < 10 {
		return Sock{}, fmt.Errorf("short socket row %q", line)
	}

	localIP, localPort, err := parseHexAddr(f[1])
	if err != nil {
		return Sock{}, err
	}
	remoteIP, remotePort, err := parseHexAddr(f[2])
	if err != nil {
		return Sock{}, err
	}
	state, err := strconv.ParseInt(f[3], 16, 32)
	if err != nil {
		return Sock{}, fmt.Errorf("malformed state in row %q", line)
	}
	inode, err := strconv.ParseUint(f[9], 10, 64)
	if err != nil {
		return Sock{}, fmt.Errorf("malformed inode in row %q", line)
	}

	return Sock{
		LocalIP:    localIP,
		LocalPort:  localPort,
		RemoteIP:   remoteIP,
		RemotePort: remotePort,
		State:      int(state),
		Inode:      inode,
	}, nil
}

func parseHexAddr(s string) (string, int, error) {
	host, portHex, ok := strings.Cut(s, ":")
	if !ok {
		return "", 0, fmt.Errorf("malformed address %q", s)
	}
	port, err := strconv.ParseUint(portHex, 16, 16)
	if err != nil {
		return "", 0, fmt.Errorf("malformed port in %q", s)
	}
	raw, err := hex.DecodeString(host)
	if err != nil {
		return "", 0, fmt.Errorf("malformed host in %q", s)
	}

	var ip net.IP
	switch len(raw) {
	case net.IPv4len:
		ip = net.IPv4(raw[3], raw[2], raw[1], raw[0])
	case net.IPv6len:
		ip = make(net.IP, net.IPv6len)
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				ip[i*4+j] = raw[i*4+3-j]
			}
		}
	default:
		return "", 0, fmt.Errorf("unexpected address width in %q", s)
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return ip.String(), int(port), nil
}
