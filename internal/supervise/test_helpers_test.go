package supervise

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"sockwake/internal/config"
	"sockwake/internal/logging"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) indexOf(e string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, got := range r.events {
		if got == e {
			return i
		}
	}
	return -1
}

func (r *recorder) has(e string) bool {
	return r.indexOf(e) >= 0
}

func (r *recorder) count(e string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.events {
		if got == e {
			n++
		}
	}
	return n
}

// fakeGate hands out the queued admissions one per await and blocks
// until cancellation once they run out.
type fakeGate struct {
	rec    *recorder
	mu     sync.Mutex
	admits []string
}

func (f *fakeGate) await(ctx context.Context) (string, error) {
	f.rec.add("await")
	f.mu.Lock()
	var ip string
	if len(f.admits) > 0 {
		ip = f.admits[0]
		f.admits = f.admits[1:]
	}
	f.mu.Unlock()
	if ip != "" {
		return ip, nil
	}
	<-ctx.Done()
	return "", ctx.Err()
}

type fakeProc struct {
	pid int

	mu       sync.Mutex
	dead     bool
	aliveFor int // Alive calls before a self-exit; 0 keeps it running
	calls    int
	sigs     []syscall.Signal
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return false
	}
	p.calls++
	if p.aliveFor > 0 && p.calls > p.aliveFor {
		p.dead = true
		return false
	}
	return true
}

func (p *fakeProc) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sigs = append(p.sigs, sig)
	if sig == syscall.SIGKILL {
		p.dead = true
	}
	return nil
}

func (p *fakeProc) die() {
	p.mu.Lock()
	p.dead = true
	p.mu.Unlock()
}

func (p *fakeProc) aliveCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProc) gotSignal(sig syscall.Signal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, got := range p.sigs {
		if got == sig {
			return true
		}
	}
	return false
}

func testRecord() config.Record {
	rec := config.Default()
	rec.Port = 8080
	rec.Command = "myserver --listen :8080"
	return rec
}

// newTestSupervisor shrinks every delay so scenarios finish in
// milliseconds.
func newTestSupervisor(rec config.Record) *Supervisor {
	s := New(rec, logging.Discard())
	s.refresh = 5 * time.Millisecond
	s.clientWait = 40 * time.Millisecond
	s.settle = 5 * time.Millisecond
	s.resolveWait = 100 * time.Millisecond
	s.resolveRetry = 2 * time.Millisecond
	return s
}

func runSupervisor(ctx context.Context, s *Supervisor) chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitExit(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not exit in time")
		return nil
	}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}
