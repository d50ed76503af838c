package supervise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"sockwake/internal/clients"
	"sockwake/internal/config"
	"sockwake/internal/gate"
	"sockwake/internal/launch"
	"sockwake/internal/logging"
	"sockwake/internal/resolve"
	"sockwake/internal/terminate"
)

// State names one phase of the activation cycle.
type State string

const (
	// StateBinding covers acquiring the endpoint and holding it while
	// waiting for the first admitted client.
	StateBinding State = "binding"
	// StateLaunching covers starting the service and, for forking
	// services, finding the pid that ends up owning the endpoint.
	StateLaunching State = "launching"
	// StateMonitoring is the long phase: the service runs while client
	// activity and liveness are polled.
	StateMonitoring State = "monitoring"
	// StateStopping covers the escalating shutdown of the service.
	StateStopping State = "stopping"
)

type stopReason string

const (
	reasonIdle          stopReason = "client idle timeout"
	reasonBudget        stopReason = "run budget exhausted"
	reasonServiceExited stopReason = "service exited"
	reasonInterrupted   stopReason = "interrupted"
)

// Seams for tests.
var (
	awaitActivation = func(ctx context.Context, g *gate.Gate) (string, error) {
		return g.Await(ctx)
	}
	startService = func(rec config.Record, log *slog.Logger) (terminate.Process, error) {
		return launch.Start(rec, log)
	}
	adoptService = func(pid int) terminate.Process {
		return launch.Adopt(pid)
	}
	resolvePID = func(r *resolve.Resolver) (int, error) {
		return r.PID()
	}
	stopService = func(ctx context.Context, t *terminate.Terminator, p terminate.Process) error {
		return t.Stop(ctx, p)
	}
	observeClients = func(o *clients.Observer) ([]string, error) {
		return o.Observe()
	}
	newCycleID = func() string {
		return uuid.New().String()[:8]
	}
)

func resetSeams() {
	awaitActivation = func(ctx context.Context, g *gate.Gate) (string, error) {
		return g.Await(ctx)
	}
	startService = func(rec config.Record, log *slog.Logger) (terminate.Process, error) {
		return launch.Start(rec, log)
	}
	adoptService = func(pid int) terminate.Process {
		return launch.Adopt(pid)
	}
	resolvePID = func(r *resolve.Resolver) (int, error) {
		return r.PID()
	}
	stopService = func(ctx context.Context, t *terminate.Terminator, p terminate.Process) error {
		return t.Stop(ctx, p)
	}
	observeClients = func(o *clients.Observer) ([]string, error) {
		return o.Observe()
	}
	newCycleID = func() string {
		return uuid.New().String()[:8]
	}
}

// ClientInfo is one registry entry in a status snapshot.
type ClientInfo struct {
	IP        string    `json:"ip"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Hits      int       `json:"hits"`
}

// Snapshot is the externally visible state of the supervisor, served
// over the status socket and rendered by the watch TUI.
type Snapshot struct {
	State      State        `json:"state"`
	Endpoint   string       `json:"endpoint"`
	CycleID    string       `json:"cycle_id,omitempty"`
	Cycles     int          `json:"cycles"`
	PID        int          `json:"pid,omitempty"`
	LaunchedAt time.Time    `json:"launched_at,omitempty"`
	Since      time.Time    `json:"since"`
	Clients    []ClientInfo `json:"clients,omitempty"`
}

// Supervisor owns one endpoint/command pair and drives its activation
// cycles: bind, admit a client, hand over the port, watch the service,
// stop it when its run budget allows and bind again.
type Supervisor struct {
	rec      config.Record
	log      *slog.Logger
	endpoint string

	refresh      time.Duration
	clientWait   time.Duration
	maxRun       time.Duration
	termWait     time.Duration
	settle       time.Duration
	resolveWait  time.Duration
	resolveRetry time.Duration

	// reg survives across cycles: a client recorded once keeps
	// counting toward idle decisions until the program exits.
	reg *clients.Registry

	mu   sync.Mutex
	snap Snapshot
}

// New builds a Supervisor for a validated, normalized record.
func New(rec config.Record, log *slog.Logger) *Supervisor {
	endpoint := fmt.Sprintf("%s://%s:%d", rec.Proto, rec.ListenAddr, rec.Port)
	return &Supervisor{
		rec:          rec,
		log:          log,
		endpoint:     endpoint,
		refresh:      time.Duration(rec.RefreshSecs) * time.Second,
		clientWait:   time.Duration(rec.ClientWaitMins) * time.Minute,
		maxRun:       time.Duration(rec.MaxRunMins) * time.Minute,
		termWait:     time.Duration(rec.TermWaitSecs) * time.Second,
		settle:       5 * time.Second,
		resolveWait:  5 * time.Second,
		resolveRetry: 500 * time.Millisecond,
		reg:          clients.NewRegistry(),
		snap: Snapshot{
			State:    StateBinding,
			Endpoint: endpoint,
			Since:    time.Now(),
		},
	}
}

// Run drives activation cycles until ctx is canceled or an error makes
// further cycles pointless. Cancellation is the clean way out: a
// running service is stopped first and Run returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("supervising endpoint",
		slog.String("endpoint", s.endpoint),
		slog.Int(logging.PortKey, s.rec.Port),
		slog.String(logging.CommandKey, s.rec.Command))

	for {
		if err := s.cycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.log.Info("interrupted, exiting")
				return nil
			}
			return err
		}
	}
}

// cycle runs one full activation cycle. It returns ctx.Err() when an
// interrupt ended it, nil when the cycle completed and the endpoint
// should be bound again.
func (s *Supervisor) cycle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cycleID := newCycleID()
	clog := logging.WithCycle(s.log, cycleID)
	s.beginCycle(cycleID)

	ip, err := s.admitClient(ctx, clog)
	if err != nil {
		return err
	}
	clog.Info("client admitted", slog.String("client", ip))
	s.reg.Observe(ip)

	s.setState(StateLaunching)
	clog.Info("launching service", slog.String(logging.CommandKey, s.rec.Command))
	proc, err := startService(s.rec, clog)
	if err != nil {
		return err
	}

	if s.rec.Forking {
		adopted, rerr := s.resolveService(ctx, clog, proc)
		if rerr != nil {
			if errors.Is(rerr, context.Canceled) || errors.Is(rerr, context.DeadlineExceeded) {
				return rerr
			}
			clog.Warn("service pid not resolved, rebinding", logging.Error(rerr))
			s.setState(StateBinding)
			if serr := sleepCtx(ctx, s.refresh); serr != nil {
				return serr
			}
			return nil
		}
		proc = adopted
	}
	s.attach(proc)

	reason := s.monitor(ctx, clog, proc)
	clog.Info("monitoring ended", slog.String("reason", string(reason)))

	if reason == reasonServiceExited {
		s.finishCycle()
		return nil
	}

	s.setState(StateStopping)
	term := &terminate.Terminator{StopCommand: s.rec.StopCommand, Wait: s.termWait, Log: clog}
	// Teardown runs to completion even when an interrupt started it.
	if err := stopService(context.Background(), term, proc); err != nil {
		return fmt.Errorf("stop service: %w", err)
	}
	s.finishCycle()

	if reason == reasonInterrupted {
		return ctx.Err()
	}
	if err := sleepCtx(ctx, s.settle); err != nil {
		return err
	}
	return nil
}

// admitClient waits for the gate to produce an admitted client,
// retrying transient bind errors every refresh interval. Fatal bind
// errors end the supervisor.
func (s *Supervisor) admitClient(ctx context.Context, clog *slog.Logger) (string, error) {
	g := &gate.Gate{
		Addr:   s.rec.ListenAddr,
		Port:   s.rec.Port,
		Proto:  s.rec.Proto,
		Filter: s.rec.IPFilter,
		Log:    clog,
	}
	clog.Info("waiting for a client", slog.String("endpoint", s.endpoint))

	for {
		ip, err := awaitActivation(ctx, g)
		if err == nil {
			return ip, nil
		}
		if gate.FatalBind(err) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		clog.Warn("endpoint unavailable, retrying", logging.Error(err))
		if serr := sleepCtx(ctx, s.refresh); serr != nil {
			return "", serr
		}
	}
}

// resolveService watches the endpoint until the forking service's real
// pid shows up there and adopts it. The direct child is only a
// wrapper; whenever resolution is abandoned the wrapper is killed so
// nothing lingers on.
func (s *Supervisor) resolveService(ctx context.Context, clog *slog.Logger, wrapper terminate.Process) (terminate.Process, error) {
	r := &resolve.Resolver{Proto: s.rec.Proto, Port: s.rec.Port, Log: clog}
	deadline := time.Now().Add(s.resolveWait)

	for {
		pid, err := resolvePID(r)
		if err == nil {
			clog.Info("resolved forked service", slog.Int(logging.PIDKey, pid))
			return adoptService(pid), nil
		}
		if !errors.Is(err, resolve.ErrNotFound) {
			discardWrapper(wrapper)
			return nil, fmt.Errorf("resolve forked service: %w", err)
		}
		if time.Now().After(deadline) {
			discardWrapper(wrapper)
			return nil, fmt.Errorf("forked service never bound %s: %w", s.endpoint, err)
		}
		if serr := sleepCtx(ctx, s.resolveRetry); serr != nil {
			discardWrapper(wrapper)
			return nil, serr
		}
	}
}

func discardWrapper(wrapper terminate.Process) {
	if wrapper.Alive() {
		wrapper.Signal(syscall.SIGKILL)
	}
}

// monitor polls the running service until something decides its fate:
// the service exits on its own, the run budget runs out or an
// interrupt arrives. The budget is the only trigger; with NoClientExit
// set a spent budget alone is not enough, the stop also waits until
// every known client has been idle for the whole client window.
func (s *Supervisor) monitor(ctx context.Context, clog *slog.Logger, proc terminate.Process) stopReason {
	s.setState(StateMonitoring)

	obs := &clients.Observer{Proto: s.rec.Proto, Port: s.rec.Port, Filter: s.rec.IPFilter, Log: clog}
	budgetStart := time.Now()

	for {
		if err := sleepCtx(ctx, s.refresh); err != nil {
			return reasonInterrupted
		}
		if !proc.Alive() {
			return reasonServiceExited
		}

		if s.rec.NoClientExit {
			ips, err := observeClients(obs)
			if err != nil {
				clog.Warn("client observation failed", logging.Error(err))
			} else {
				if added := s.reg.Observe(ips...); added > 0 {
					clog.Info("new clients seen", slog.Int("count", added), slog.Int("total", s.reg.Len()))
				}
				if s.rec.ClientRefresh && len(ips) > 0 {
					budgetStart = time.Now()
				}
			}
		}

		if s.maxRun == 0 || time.Since(budgetStart) <= s.maxRun {
			continue
		}
		if !s.rec.NoClientExit {
			return reasonBudget
		}
		if !s.reg.ActiveWithin(s.clientWait) {
			return reasonIdle
		}
		clog.Debug("run budget spent, clients still active")
	}
}

// Status returns a copy of the current supervisor state.
func (s *Supervisor) Status() Snapshot {
	s.mu.Lock()
	snap := s.snap
	s.mu.Unlock()

	entries := s.reg.Snapshot()
	snap.Clients = make([]ClientInfo, 0, len(entries))
	for _, e := range entries {
		snap.Clients = append(snap.Clients, ClientInfo{
			IP:        e.IP,
			FirstSeen: e.FirstSeen,
			LastSeen:  e.LastSeen,
			Hits:      e.Hits,
		})
	}
	return snap
}

func (s *Supervisor) beginCycle(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.CycleID = id
	s.snap.State = StateBinding
	s.snap.Since = time.Now()
	s.snap.PID = 0
	s.snap.LaunchedAt = time.Time{}
}

func (s *Supervisor) attach(proc terminate.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.PID = proc.PID()
	s.snap.LaunchedAt = time.Now()
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.snap.State = st
	s.snap.Since = time.Now()
	s.mu.Unlock()
	s.log.Debug("state change", slog.String(logging.StateKey, string(st)))
}

func (s *Supervisor) finishCycle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Cycles++
	s.snap.State = StateBinding
	s.snap.Since = time.Now()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
