package fauxnet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// dnsMinPacket is the DNS header size; datagrams shorter than this
// cannot carry a transaction ID worth answering.
const dnsMinPacket = 12

// dnsMaxPacket bounds accepted datagrams (RFC 1035 base size extended
// for EDNS payloads).
const dnsMaxPacket = 4096

// DNSResponder resolves every hostname to the configured address. It
// serves UDP and TCP simultaneously: a single-transport listener is a
// known correctness gap once responses exceed the UDP size limit.
//
// The defining invariant is "always answer, never crash": malformed
// input gets a SERVFAIL (or is dropped when too short to identify),
// and the listener keeps serving.
type DNSResponder struct {
	cfg      DNSConfig
	bindIP   string
	log      *logrus.Entry
	records  map[string]string // lowercase fqdn-trimmed name -> override IP
	resolveA net.IP

	pc      net.PacketConn
	ln      net.Listener
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	tracker connTracker
}

// NewDNSResponder builds a responder from validated configuration.
func NewDNSResponder(cfg DNSConfig, bindIP string, log *logrus.Logger) *DNSResponder {
	records := make(map[string]string, len(cfg.Records))
	for name, ip := range cfg.Records {
		records[strings.TrimSuffix(strings.ToLower(name), ".")] = ip
	}
	return &DNSResponder{
		cfg:      cfg,
		bindIP:   bindIP,
		log:      log.WithField("service", "dns"),
		records:  records,
		resolveA: net.ParseIP(cfg.ResolveTo),
		stop:     make(chan struct{}),
	}
}

func (r *DNSResponder) Name() string { return "dns" }

// Bind opens both transports. Either failing fails the whole bind.
func (r *DNSResponder) Bind() error {
	addr := net.JoinHostPort(r.bindIP, fmt.Sprint(r.cfg.Port))
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("udp: %w", err)
	}
	// TCP must share the port number UDP got, which matters when
	// binding port 0.
	tcpAddr := net.JoinHostPort(r.bindIP, fmt.Sprint(pc.LocalAddr().(*net.UDPAddr).Port))
	ln, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("tcp: %w", err)
	}
	r.pc = pc
	r.ln = ln
	return nil
}

func (r *DNSResponder) boundPort() uint16 {
	if r.pc == nil {
		return 0
	}
	return uint16(r.pc.LocalAddr().(*net.UDPAddr).Port)
}

func (r *DNSResponder) RedirectPorts() []RedirectPort {
	return []RedirectPort{
		{Proto: "udp", Port: r.cfg.Port, Target: r.boundPort()},
		{Proto: "tcp", Port: r.cfg.Port, Target: r.boundPort()},
	}
}

func (r *DNSResponder) Serve() {
	r.wg.Add(2)
	go r.serveUDP()
	go r.serveTCP()
	r.log.WithFields(logrus.Fields{
		"addr":       r.pc.LocalAddr().String(),
		"resolve_to": r.cfg.ResolveTo,
	}).Info("responder started (udp+tcp)")
}

func (r *DNSResponder) Stop(ctx context.Context) error {
	r.once.Do(func() { close(r.stop) })
	if r.pc != nil {
		_ = r.pc.Close()
	}
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

// serveUDP answers one datagram at a time: queries are stateless and
// cheap to synthesize, so a sequential loop cannot leak sessions.
func (r *DNSResponder) serveUDP() {
	defer r.wg.Done()
	buf := make([]byte, dnsMaxPacket)
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
		if n < dnsMinPacket {
			continue // too short to even identify, drop
		}
		if resp := r.answer(buf[:n], peer); resp != nil {
			_, _ = r.pc.WriteTo(resp, peer)
		}
	}
}

func (r *DNSResponder) serveTCP() {
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
			continue
		}
		r.tracker.add(conn)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.tracker.remove(conn)
			defer conn.Close()
			r.serveTCPConn(conn)
		}()
	}
}

// serveTCPConn speaks the length-prefixed DNS TCP framing until the
// client goes away or idles out.
func (r *DNSResponder) serveTCPConn(conn net.Conn) {
	const idle = 30 * time.Second
	var lenbuf [2]byte
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		if _, err := io.ReadFull(conn, lenbuf[:]); err != nil {
			return
		}
		msglen := binary.BigEndian.Uint16(lenbuf[:])
		if msglen == 0 || msglen > dnsMaxPacket {
			return
		}
		msg := make([]byte, msglen)
		if _, err := io.ReadFull(conn, msg); err != nil {
			return
		}
		resp := r.answer(msg, conn.RemoteAddr())
		if resp == nil {
			return
		}
		out := make([]byte, 2+len(resp))
		binary.BigEndian.PutUint16(out, uint16(len(resp)))
		copy(out[2:], resp)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

// answer parses a raw query and synthesizes the reply. Parse failures
// get a SERVFAIL built from the transaction ID so the client is never
// left hanging, and the listener is never taken down.
func (r *DNSResponder) answer(raw []byte, peer net.Addr) []byte {
	query := new(dns.Msg)
	if err := query.Unpack(raw); err != nil {
		return servfailRaw(raw)
	}
	if query.Response || len(query.Question) != 1 {
		return servfailRaw(raw)
	}

	reply := new(dns.Msg)
	reply.SetReply(query)
	reply.Authoritative = true

	q := query.Question[0]
	name := strings.TrimSuffix(strings.ToLower(q.Name), ".")
	r.log.WithFields(logrus.Fields{
		"name": sanitizeHostname(name),
		"type": dns.TypeToString[q.Qtype],
		"peer": sanitizeAddr(peer),
	}).Info("query")

	hdr := dns.RR_Header{
		Name:   q.Name,
		Rrtype: dns.TypeA,
		Class:  dns.ClassINET,
		Ttl:    r.cfg.TTL,
	}

	override := r.overrideFor(name)
	switch {
	case override != nil:
		reply.Answer = append(reply.Answer, &dns.A{Hdr: hdr, A: override})

	case q.Qtype == dns.TypePTR:
		// Reverse lookups answer a fixed synthetic name when enabled,
		// and an empty (but successful) reply when disabled.
		if r.cfg.HandlePTR {
			ptrHdr := hdr
			ptrHdr.Rrtype = dns.TypePTR
			reply.Answer = append(reply.Answer, &dns.PTR{
				Hdr: ptrHdr,
				Ptr: dns.Fqdn(r.cfg.PTRName),
			})
		}

	default:
		// A, AAAA, MX, NS, TXT, CNAME, SOA, anything: one A record with
		// the default address. Malware only needs *an* answer; AAAA is
		// deliberately answered with A-type data rather than a real
		// IPv6 record.
		reply.Answer = append(reply.Answer, &dns.A{Hdr: hdr, A: r.resolveA})
	}

	packed, err := reply.Pack()
	if err != nil {
		return servfailRaw(raw)
	}
	return packed
}

func (r *DNSResponder) overrideFor(name string) net.IP {
	if ip, ok := r.records[name]; ok {
		return net.ParseIP(ip)
	}
	return nil
}

// servfailRaw builds a SERVFAIL reply from nothing but the transaction
// ID of a possibly garbage packet.
func servfailRaw(raw []byte) []byte {
	if len(raw) < 2 {
		return nil
	}
	m := new(dns.Msg)
	m.Id = binary.BigEndian.Uint16(raw)
	m.Response = true
	m.Rcode = dns.RcodeServerFailure
	packed, err := m.Pack()
	if err != nil {
		return nil
	}
	return packed
}
