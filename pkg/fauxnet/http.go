package fauxnet

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Forward-secret AEAD suites only: no RSA key exchange, no CBC, no RC4.
// TLS 1.3 suites are not listed because Go does not allow configuring
// them; they are all acceptable.
var httpsCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// HTTPResponder answers every request, regardless of method, path, or
// host, with one configured response. Plaintext and TLS share the same
// implementation, differing only in the listener wrapper.
//
// Concurrency is capped by a fixed worker pool: when every slot is
// busy, new connections queue in the accept backlog instead of spawning
// unbounded handlers, so a connection flood cannot exhaust the host.
type HTTPResponder struct {
	name   string
	cfg    HTTPConfig
	bindIP string
	log    *logrus.Entry

	certFile string // TLS variant only
	keyFile  string

	body       []byte
	spoofHosts map[string]struct{}

	ln   net.Listener
	srv  *http.Server
	sem  chan struct{}
	once sync.Once

	inFlight    atomic.Int64
	maxInFlight atomic.Int64 // high-water mark, observable in tests
}

// NewHTTPResponder builds the plaintext variant.
func NewHTTPResponder(cfg HTTPConfig, bindIP string, log *logrus.Logger) *HTTPResponder {
	return newHTTPResponder("http", cfg, "", "", bindIP, log)
}

// NewHTTPSResponder builds the TLS variant. The certificate pair is
// consumed by path; fauxnet does not generate or validate it.
func NewHTTPSResponder(cfg HTTPSConfig, bindIP string, log *logrus.Logger) *HTTPResponder {
	return newHTTPResponder("https", cfg.HTTPConfig, cfg.CertFile, cfg.KeyFile, bindIP, log)
}

func newHTTPResponder(name string, cfg HTTPConfig, certFile, keyFile, bindIP string, log *logrus.Logger) *HTTPResponder {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 50
	}
	spoof := make(map[string]struct{}, len(cfg.SpoofIPHosts))
	for _, h := range cfg.SpoofIPHosts {
		spoof[strings.ToLower(h)] = struct{}{}
	}
	return &HTTPResponder{
		name:       name,
		cfg:        cfg,
		bindIP:     bindIP,
		log:        log.WithField("service", name),
		certFile:   certFile,
		keyFile:    keyFile,
		spoofHosts: spoof,
		sem:        make(chan struct{}, workers),
	}
}

func (r *HTTPResponder) Name() string { return r.name }

func (r *HTTPResponder) Bind() error {
	body := []byte(r.cfg.ResponseBody)
	if r.cfg.BodyFile != "" {
		loaded, err := os.ReadFile(r.cfg.BodyFile)
		if err != nil {
			return fmt.Errorf("loading body file: %w", err)
		}
		body = loaded
	}
	r.body = body

	ln, err := net.Listen("tcp", net.JoinHostPort(r.bindIP, fmt.Sprint(r.cfg.Port)))
	if err != nil {
		return err
	}

	if r.certFile != "" {
		cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("loading certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			CipherSuites: httpsCipherSuites,
		})
	}
	r.ln = ln
	return nil
}

func (r *HTTPResponder) boundPort() uint16 {
	if r.ln == nil {
		return 0
	}
	return uint16(r.ln.Addr().(*net.TCPAddr).Port)
}

func (r *HTTPResponder) RedirectPorts() []RedirectPort {
	return []RedirectPort{{Proto: "tcp", Port: r.cfg.Port, Target: r.boundPort()}}
}

func (r *HTTPResponder) Serve() {
	r.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
		// Protocol garbage from clients is routine here, not noteworthy.
		ErrorLog: log.New(io.Discard, "", 0),
	}
	go func() {
		_ = r.srv.Serve(&poolListener{Listener: r.ln, sem: r.sem})
	}()
	r.log.WithField("addr", r.ln.Addr().String()).Info("responder started")
}

func (r *HTTPResponder) Stop(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		if r.srv == nil {
			if r.ln != nil {
				err = r.ln.Close()
			}
			return
		}
		if shutdownErr := r.srv.Shutdown(ctx); shutdownErr != nil {
			err = r.srv.Close()
		}
	})
	r.log.Info("responder stopped")
	return err
}

// ServeHTTP writes the canned response to any request.
func (r *HTTPResponder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.trackInFlight()
	defer r.inFlight.Add(-1)

	if r.cfg.LogRequests {
		r.log.WithFields(logrus.Fields{
			"method": sanitizeLogString(req.Method, 16),
			"path":   sanitizeLogString(req.URL.Path, 256),
			"host":   sanitizeHostname(req.Host),
			"peer":   sanitizeLogString(req.RemoteAddr, 64),
		}).Info("request")
	}

	r.applyDelay()

	body := r.body
	if r.isSpoofHost(req.Host) {
		body = []byte(r.cfg.SpoofIP + "\n")
	}

	w.Header().Set("Server", r.cfg.ServerHeader)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(r.cfg.ResponseCode)
	_, _ = w.Write(body)
}

func (r *HTTPResponder) trackInFlight() {
	n := r.inFlight.Add(1)
	for {
		max := r.maxInFlight.Load()
		if n <= max || r.maxInFlight.CompareAndSwap(max, n) {
			return
		}
	}
}

// isSpoofHost reports whether the request host header names one of the
// configured "what is my public IP" services.
func (r *HTTPResponder) isSpoofHost(host string) bool {
	if r.cfg.SpoofIP == "" || len(r.spoofHosts) == 0 {
		return false
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	_, ok := r.spoofHosts[strings.ToLower(host)]
	return ok
}

// applyDelay sleeps a fixed or ranged interval before responding,
// defeating sandbox detection based on implausibly fast servers.
func (r *HTTPResponder) applyDelay() {
	min, max := r.cfg.DelayMin, r.cfg.DelayMax
	if min <= 0 && max <= 0 {
		return
	}
	d := min
	if max > min {
		d = min + time.Duration(rand.Int63n(int64(max-min)))
	}
	time.Sleep(d)
}

// poolListener gates Accept behind a slot semaphore. A saturated pool
// leaves pending connections in the kernel backlog; they are served,
// never dropped, once a slot frees.
type poolListener struct {
	net.Listener
	sem chan struct{}
}

func (l *poolListener) Accept() (net.Conn, error) {
	l.sem <- struct{}{}
	conn, err := l.Listener.Accept()
	if err != nil {
		<-l.sem
		return nil, err
	}
	return &poolConn{Conn: conn, sem: l.sem}, nil
}

// poolConn releases its pool slot exactly once on close.
type poolConn struct {
	net.Conn
	sem  chan struct{}
	once sync.Once
}

func (c *poolConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { <-c.sem })
	return err
}
