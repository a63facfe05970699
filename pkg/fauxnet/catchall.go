package fauxnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// catchAllPreviewBytes is how much of a client's first write gets logged.
const catchAllPreviewBytes = 64

// catchAllReadBytes bounds the single read taken from each session.
const catchAllReadBytes = 1024

// CatchAllTCPResponder receives every TCP connection not matched by a
// named service. It writes a generic banner, logs a short sanitized
// preview of whatever the client sends, and closes. The point is
// observation, not conversation: an unknown C2 protocol only needs to
// see the port open and get bytes back.
type CatchAllTCPResponder struct {
	*tcpResponder
	cfg CatchAllConfig
}

func NewCatchAllTCPResponder(cfg CatchAllConfig, bindIP string, log *logrus.Logger) *CatchAllTCPResponder {
	r := &CatchAllTCPResponder{cfg: cfg}
	addr := net.JoinHostPort(bindIP, fmt.Sprint(cfg.TCPPort))
	r.tcpResponder = newTCPResponder("catchall-tcp", addr, log, r.handle)
	return r
}

func (r *CatchAllTCPResponder) RedirectPorts() []RedirectPort {
	return []RedirectPort{{Proto: "tcp", Target: r.boundPort(), CatchAll: true}}
}

func (r *CatchAllTCPResponder) handle(conn net.Conn) {
	deadline := time.Now().Add(r.cfg.SessionTimeout)
	_ = conn.SetDeadline(deadline)

	if r.cfg.Banner != "" {
		if _, err := conn.Write([]byte(r.cfg.Banner + "\r\n")); err != nil {
			return
		}
	}

	buf := make([]byte, catchAllReadBytes)
	n, _ := conn.Read(buf)
	if n > 0 && r.cfg.LogPreview {
		preview := buf[:n]
		if len(preview) > catchAllPreviewBytes {
			preview = preview[:catchAllPreviewBytes]
		}
		r.log.WithFields(logrus.Fields{
			"peer":    sanitizeAddr(conn.RemoteAddr()),
			"bytes":   n,
			"preview": sanitizeLogString(string(preview), catchAllPreviewBytes),
		}).Info("connection data")
	} else {
		r.log.WithField("peer", sanitizeAddr(conn.RemoteAddr())).Info("connection")
	}
}

// CatchAllUDPResponder receives every redirected UDP datagram, logs its
// origin and size, and sends a tiny acknowledgment so one-shot beacons
// see a live peer.
type CatchAllUDPResponder struct {
	cfg    CatchAllConfig
	bindIP string
	log    *logrus.Entry

	pc   net.PacketConn
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewCatchAllUDPResponder(cfg CatchAllConfig, bindIP string, log *logrus.Logger) *CatchAllUDPResponder {
	return &CatchAllUDPResponder{
		cfg:    cfg,
		bindIP: bindIP,
		log:    log.WithField("service", "catchall-udp"),
		stop:   make(chan struct{}),
	}
}

func (r *CatchAllUDPResponder) Name() string { return "catchall-udp" }

func (r *CatchAllUDPResponder) Bind() error {
	pc, err := net.ListenPacket("udp", net.JoinHostPort(r.bindIP, fmt.Sprint(r.cfg.UDPPort)))
	if err != nil {
		return err
	}
	r.pc = pc
	return nil
}

func (r *CatchAllUDPResponder) boundPort() uint16 {
	if r.pc == nil {
		return 0
	}
	return uint16(r.pc.LocalAddr().(*net.UDPAddr).Port)
}

func (r *CatchAllUDPResponder) RedirectPorts() []RedirectPort {
	return []RedirectPort{{Proto: "udp", Target: r.boundPort(), CatchAll: true}}
}

func (r *CatchAllUDPResponder) Serve() {
	r.wg.Add(1)
	go r.readLoop()
	r.log.WithField("addr", r.pc.LocalAddr().String()).Info("responder started")
}

func (r *CatchAllUDPResponder) readLoop() {
	defer r.wg.Done()
	buf := make([]byte, catchAllReadBytes)
	for {
		n, peer, err := r.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-r.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		fields := logrus.Fields{
			"peer":  sanitizeAddr(peer),
			"bytes": n,
		}
		if r.cfg.LogPreview && n > 0 {
			preview := buf[:n]
			if len(preview) > catchAllPreviewBytes {
				preview = preview[:catchAllPreviewBytes]
			}
			fields["preview"] = sanitizeLogString(string(preview), catchAllPreviewBytes)
		}
		r.log.WithFields(fields).Info("datagram")
		_, _ = r.pc.WriteTo([]byte("OK\r\n"), peer)
	}
}

func (r *CatchAllUDPResponder) Stop(ctx context.Context) error {
	r.once.Do(func() { close(r.stop) })
	if r.pc != nil {
		_ = r.pc.Close()
	}
	if !waitCtx(ctx, &r.wg) {
		r.wg.Wait()
	}
	r.log.Info("responder stopped")
	return nil
}
