package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Supported endpoint protocols.
const (
	ProtoTCP = "tcp"
	ProtoUDP = "udp"
)

const (
	DefaultListenAddr     = "0.0.0.0"
	DefaultRefreshSecs    = 60
	DefaultClientWaitMins = 30
	DefaultTermWaitSecs   = 240

	// Applied to MaxRunMins when ClientRefresh is set and no explicit
	// budget was given: the refreshed budget is what actually expires
	// the service, so it must exist.
	forcedMaxRunMins = 30

	envStatusSocket = "SOCKWAKE_STATUS_SOCKET"
	envLogLevel     = "SOCKWAKE_LOG_LEVEL"
	envLogFormat    = "SOCKWAKE_LOG_FORMAT"
)

// Record aggregates every tunable for one supervised endpoint/command
// pair. It is assembled once at startup (file, then env, then flags)
// and treated as immutable after Validate.
type Record struct {
	ListenAddr string
	Port       int
	Proto      string

	Command     string
	StopCommand string
	RunAs       string
	Quiet       bool
	Forking     bool

	IPFilter []string

	MaxRunMins     int // 0 means no run-time budget
	RefreshSecs    int
	ClientWaitMins int
	TermWaitSecs   int

	ClientRefresh bool
	NoClientExit  bool

	LogLevel     string
	LogFormat    string
	LogFile      string
	StatusSocket string
}

// Default returns a Record with the documented defaults filled in.
func Default() Record {
	return Record{
		ListenAddr:     DefaultListenAddr,
		Proto:          ProtoTCP,
		RefreshSecs:    DefaultRefreshSecs,
		ClientWaitMins: DefaultClientWaitMins,
		TermWaitSecs:   DefaultTermWaitSecs,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load builds a Record from an optional JSON file path plus environment
// overrides. Flag values are layered on top by the caller.
func Load(path string) (Record, error) {
	rec := Default()

	if path != "" {
		if err := mergeFile(&rec, path); err != nil {
			return rec, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&rec)
	return rec, nil
}

func applyEnvOverrides(rec *Record) {
	if v := os.Getenv(envStatusSocket); v != "" {
		rec.StatusSocket = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		rec.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv(envLogFormat); v != "" {
		rec.LogFormat = strings.ToLower(v)
	}
}

type fileRecord struct {
	Listen         string   `json:"listen"`
	Port           int      `json:"port"`
	Proto          string   `json:"proto"`
	Command        string   `json:"command"`
	StopCommand    string   `json:"stop_command"`
	RunAs          string   `json:"run_as"`
	Quiet          *bool    `json:"quiet"`
	Forking        *bool    `json:"forking"`
	IPFilter       []string `json:"ip_filter"`
	MaxRunMins     int      `json:"max_run_mins"`
	RefreshSecs    int      `json:"refresh_secs"`
	ClientWaitMins int      `json:"client_wait_mins"`
	TermWaitSecs   int      `json:"term_wait_secs"`
	ClientRefresh  *bool    `json:"client_refresh"`
	NoClientExit   *bool    `json:"no_client_exit"`
	LogLevel       string   `json:"log_level"`
	LogFormat      string   `json:"log_format"`
	LogFile        string   `json:"log_file"`
	StatusSocket   string   `json:"status_socket"`
}

func mergeFile(rec *Record, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var raw fileRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.Listen != "" {
		rec.ListenAddr = raw.Listen
	}
	if raw.Port != 0 {
		rec.Port = raw.Port
	}
	if raw.Proto != "" {
		rec.Proto = strings.ToLower(raw.Proto)
	}
	if raw.Command != "" {
		rec.Command = raw.Command
	}
	if raw.StopCommand != "" {
		rec.StopCommand = raw.StopCommand
	}
	if raw.RunAs != "" {
		rec.RunAs = raw.RunAs
	}
	if raw.Quiet != nil {
		rec.Quiet = *raw.Quiet
	}
	if raw.Forking != nil {
		rec.Forking = *raw.Forking
	}
	if len(raw.IPFilter) > 0 {
		rec.IPFilter = append([]string(nil), raw.IPFilter...)
	}
	if raw.MaxRunMins != 0 {
		rec.MaxRunMins = raw.MaxRunMins
	}
	if raw.RefreshSecs != 0 {
		rec.RefreshSecs = raw.RefreshSecs
	}
	if raw.ClientWaitMins != 0 {
		rec.ClientWaitMins = raw.ClientWaitMins
	}
	if raw.TermWaitSecs != 0 {
		rec.TermWaitSecs = raw.TermWaitSecs
	}
	if raw.ClientRefresh != nil {
		rec.ClientRefresh = *raw.ClientRefresh
	}
	if raw.NoClientExit != nil {
		rec.NoClientExit = *raw.NoClientExit
	}
	if raw.LogLevel != "" {
		rec.LogLevel = strings.ToLower(raw.LogLevel)
	}
	if raw.LogFormat != "" {
		rec.LogFormat = strings.ToLower(raw.LogFormat)
	}
	if raw.LogFile != "" {
		rec.LogFile = raw.LogFile
	}
	if raw.StatusSocket != "" {
		rec.StatusSocket = raw.StatusSocket
	}
	return nil
}

// Normalize applies the documented coupling between options: client
// refresh only makes sense with a client-gated lifetime, so it forces
// NoClientExit on and gives MaxRunMins a budget to refresh.
func (r *Record) Normalize() {
	if r.ClientRefresh {
		if !r.NoClientExit {
			log.Printf("client-refresh forces no-client-exit on")
			r.NoClientExit = true
		}
		if r.MaxRunMins == 0 {
			r.MaxRunMins = forcedMaxRunMins
		}
	}
}

// Seams for Validate, replaceable in tests.
var (
	lookPath    = exec.LookPath
	procNetStat = func() error { _, err := os.Stat("/proc/net/tcp"); return err }
)

// Validate checks the Record before any socket is bound. Errors are
// configuration errors: the caller terminates with a message.
func (r *Record) Validate() error {
	if !ValidIPv4(r.ListenAddr) {
		return fmt.Errorf("listen address %q is not a valid IPv4 address", r.ListenAddr)
	}
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", r.Port)
	}
	if r.Proto != ProtoTCP && r.Proto != ProtoUDP {
		return fmt.Errorf("protocol %q must be %q or %q", r.Proto, ProtoTCP, ProtoUDP)
	}

	if strings.TrimSpace(r.Command) == "" {
		return errors.New("command must not be empty")
	}
	if err := executableOnPath(r.Command); err != nil {
		return fmt.Errorf("command: %w", err)
	}
	if r.StopCommand != "" {
		if err := executableOnPath(r.StopCommand); err != nil {
			return fmt.Errorf("stop command: %w", err)
		}
	}

	if r.MaxRunMins < 0 {
		return fmt.Errorf("max run minutes %d must be positive", r.MaxRunMins)
	}
	if r.RefreshSecs <= 0 {
		return fmt.Errorf("refresh seconds %d must be positive", r.RefreshSecs)
	}
	if r.ClientWaitMins <= 0 {
		return fmt.Errorf("client wait minutes %d must be positive", r.ClientWaitMins)
	}
	if r.TermWaitSecs <= 0 {
		return fmt.Errorf("termination wait seconds %d must be positive", r.TermWaitSecs)
	}

	if r.Forking {
		if _, err := lookPath("lsof"); err != nil {
			if err := procNetStat(); err != nil {
				return errors.New("forking mode needs a port lookup capability: neither lsof on PATH nor a readable /proc/net")
			}
		}
	}
	return nil
}

func executableOnPath(command string) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return errors.New("empty command line")
	}
	if _, err := lookPath(fields[0]); err != nil {
		return fmt.Errorf("executable %q not found on PATH", fields[0])
	}
	return nil
}

// ValidIPv4 reports whether s is a dotted-decimal IPv4 address:
// exactly four dot-separated tokens, each an integer in [0,255].
// Deliberately token-based rather than net.ParseIP, which rejects
// historically tolerated spellings like leading zeros.
func ValidIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}
