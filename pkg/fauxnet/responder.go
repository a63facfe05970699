package fauxnet

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Responder is the uniform capability interface implemented by every
// protocol responder. The orchestrator drives the lifecycle:
//
//  1. Bind() opens the listening socket(s) but does not accept.
//  2. Serve() starts accepting; it returns immediately.
//  3. Stop(ctx) stops accepting, drains in-flight sessions until the
//     context deadline, then force-closes whatever remains.
//
// A responder is single-use: after Stop it must be rebuilt, not rebound.
type Responder interface {
	Name() string
	Bind() error
	Serve()
	Stop(ctx context.Context) error

	// RedirectPorts describes the NAT redirections this responder needs,
	// valid only after a successful Bind.
	RedirectPorts() []RedirectPort
}

// RedirectPort is one OS packet-redirection directive: traffic for Proto
// destined to Port is rewritten to the local Target port. CatchAll marks
// the final "all remaining" rule, installed after every named-service
// rule and after the exclusion rules.
type RedirectPort struct {
	Proto    string // "tcp" or "udp"
	Port     uint16 // external destination port; ignored when CatchAll
	Target   uint16 // bound local port
	CatchAll bool
}

// HealthState reports a responder's condition to the control surface.
type HealthState int

const (
	HealthNotStarted HealthState = iota
	HealthRunning
	HealthFailed
)

func (h HealthState) String() string {
	switch h {
	case HealthRunning:
		return "running"
	case HealthFailed:
		return "failed"
	default:
		return "not started"
	}
}

// Health is the per-responder status returned by Status().
type Health struct {
	State HealthState
	Err   error // set when State is HealthFailed
}

// connTracker remembers live per-session resources (connections, and
// for FTP the armed passive data listeners) so shutdown can force-close
// whatever is still open once the drain grace period expires.
type connTracker struct {
	mu      sync.Mutex
	closers map[io.Closer]struct{}
}

func (t *connTracker) add(c io.Closer) {
	t.mu.Lock()
	if t.closers == nil {
		t.closers = make(map[io.Closer]struct{})
	}
	t.closers[c] = struct{}{}
	t.mu.Unlock()
}

func (t *connTracker) remove(c io.Closer) {
	t.mu.Lock()
	delete(t.closers, c)
	t.mu.Unlock()
}

func (t *connTracker) closeAll() {
	t.mu.Lock()
	for c := range t.closers {
		_ = c.Close()
	}
	t.mu.Unlock()
}

// waitCtx waits for wg until the context is done. Reports whether the
// wait completed before cancellation.
func waitCtx(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// tcpResponder is the shared listener scaffolding for the line-protocol
// responders (SMTP, POP3, IMAP, FTP, catch-all TCP): one accept loop,
// one goroutine per accepted connection, tracked for forced close.
type tcpResponder struct {
	name    string
	addr    string
	log     *logrus.Entry
	handle  func(net.Conn)
	ln      net.Listener
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	tracker connTracker
}

func newTCPResponder(name, addr string, log *logrus.Logger, handle func(net.Conn)) *tcpResponder {
	return &tcpResponder{
		name:   name,
		addr:   addr,
		log:    log.WithField("service", name),
		handle: handle,
		stop:   make(chan struct{}),
	}
}

func (r *tcpResponder) Name() string { return r.name }

func (r *tcpResponder) Bind() error {
	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return err
	}
	r.ln = ln
	return nil
}

// boundPort returns the actual listening port, which differs from the
// configured one when binding port 0.
func (r *tcpResponder) boundPort() uint16 {
	if r.ln == nil {
		return 0
	}
	return uint16(r.ln.Addr().(*net.TCPAddr).Port)
}

func (r *tcpResponder) Serve() {
	r.wg.Add(1)
	go r.acceptLoop()
	r.log.WithField("addr", r.ln.Addr().String()).Info("responder started")
}

func (r *tcpResponder) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-r.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.WithError(err).Debug("accept failed")
			continue
		}
		r.tracker.add(conn)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.tracker.remove(conn)
			defer conn.Close()
			r.handle(conn)
		}()
	}
}

func (r *tcpResponder) Stop(ctx context.Context) error {
	r.once.Do(func() { close(r.stop) })
	if r.ln != nil {
		_ = r.ln.Close()
	}
	if !waitCtx(ctx, &r.wg) {
		r.tracker.closeAll()
		r.wg.Wait()
	}
	r.log.Info("responder stopped")
	return nil
}
