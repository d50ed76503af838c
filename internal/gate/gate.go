package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"sockwake/internal/clients"
	"sockwake/internal/config"
)

// Bind failures that no amount of retrying will fix.
var (
	ErrBindInUse        = errors.New("endpoint already in use")
	ErrBindUnassignable = errors.New("listen address not assignable on this host")
)

// rejectDelay is how long the endpoint stays closed after a rejected
// client before it is bound again.
var rejectDelay = 2 * time.Second

// FatalBind reports whether a Bind error is a misconfiguration rather
// than a transient condition worth retrying.
func FatalBind(err error) bool {
	return errors.Is(err, ErrBindInUse) || errors.Is(err, ErrBindUnassignable)
}

// Gate owns the dormant service's endpoint between activations: it
// binds the address, waits for the first admitted client and hands the
// port back before the service is launched.
type Gate struct {
	Addr   string
	Port   int
	Proto  string
	Filter []string
	Log    *slog.Logger
}

// Await blocks until a client passing the admission filter touches the
// endpoint and returns its address. Each bind admits exactly one
// touch: a rejected client costs the whole endpoint, which stays
// closed for a short penalty pause and is then bound afresh. The
// endpoint is fully released before Await returns so the launched
// service can bind the port itself. Bind errors come back to the
// caller, which owns the fatal-versus-transient decision.
func (g *Gate) Await(ctx context.Context) (string, error) {
	for {
		b, err := g.Bind(ctx)
		if err != nil {
			return "", err
		}
		ip, err := b.accept(ctx)
		rerr := b.Release()
		if err != nil {
			return "", err
		}
		if rerr != nil {
			return "", fmt.Errorf("release endpoint: %w", rerr)
		}

		if clients.Admitted(ip, g.Filter) {
			return ip, nil
		}
		g.Log.Info("rejected client", slog.String("client", ip))
		if err := sleepCtx(ctx, rejectDelay); err != nil {
			return "", err
		}
	}
}

// Bind acquires the endpoint with SO_REUSEADDR set so a rebind right
// after the service exits is not blocked by lingering TIME_WAIT
// sockets. Fatal misconfigurations come back wrapped in ErrBindInUse
// or ErrBindUnassignable; everything else is transient.
func (g *Gate) Bind(ctx context.Context) (*Bound, error) {
	addr := net.JoinHostPort(g.Addr, strconv.Itoa(g.Port))
	b := &Bound{}

	switch g.Proto {
	case config.ProtoUDP:
		lc := net.ListenConfig{Control: reuseAddr}
		pc, err := lc.ListenPacket(ctx, "udp", addr)
		if err != nil {
			return nil, classifyBind(addr, err)
		}
		b.pc = pc
	default:
		lc := net.ListenConfig{Control: reuseAddr}
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return nil, classifyBind(addr, err)
		}
		b.ln = ln
	}
	return b, nil
}

func classifyBind(addr string, err error) error {
	switch {
	case errors.Is(err, unix.EADDRINUSE):
		return fmt.Errorf("bind %s: %w", addr, ErrBindInUse)
	case errors.Is(err, unix.EADDRNOTAVAIL):
		return fmt.Errorf("bind %s: %w", addr, ErrBindUnassignable)
	default:
		return fmt.Errorf("bind %s: %w", addr, err)
	}
}

func reuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Bound is an acquired endpoint. Release frees it; the zero value is
// not usable.
type Bound struct {
	ln net.Listener
	pc net.PacketConn

	closeOnce sync.Once
	closeErr  error
}

// Addr returns the bound local address.
func (b *Bound) Addr() net.Addr {
	if b.pc != nil {
		return b.pc.LocalAddr()
	}
	return b.ln.Addr()
}

// accept waits for a single touch on the endpoint: one TCP connection,
// accepted and immediately closed again, or one UDP datagram. The
// watcher goroutine releases the endpoint on cancellation to unblock
// the read.
func (b *Bound) accept(ctx context.Context) (string, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			b.Release()
		case <-done:
		}
	}()

	if b.pc != nil {
		buf := make([]byte, 64*1024)
		_, from, err := b.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("read datagram: %w", err)
		}
		return addrIP(from), nil
	}

	conn, err := b.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("accept: %w", err)
	}
	ip := addrIP(conn.RemoteAddr())
	conn.Close()
	return ip, nil
}

// Release frees the endpoint so the launched service can bind it.
// Safe to call more than once.
func (b *Bound) Release() error {
	b.closeOnce.Do(func() {
		if b.pc != nil {
			b.closeErr = b.pc.Close()
			return
		}
		if b.ln != nil {
			b.closeErr = b.ln.Close()
		}
	})
	return b.closeErr
}

func addrIP(a net.Addr) string {
	switch v := a.(type) {
	case *net.TCPAddr:
		return normIP(v.IP)
	case *net.UDPAddr:
		return normIP(v.IP)
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}

func normIP(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
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
