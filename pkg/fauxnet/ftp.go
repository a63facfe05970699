package fauxnet

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ftpDataTimeout bounds how long a session waits for the client to
// connect to an announced passive port.
const ftpDataTimeout = 10 * time.Second

// FTPResponder presents a writable but permanently empty FTP server.
// Only passive mode is offered: PORT would have the responder open an
// outbound connection to an attacker-chosen address, which is exactly
// the kind of reachability a detonation network must never provide.
type FTPResponder struct {
	*tcpResponder
	cfg    FTPConfig
	bindIP string
	store  *ArtifactStore
}

func NewFTPResponder(cfg FTPConfig, bindIP string, log *logrus.Logger) (*FTPResponder, error) {
	r := &FTPResponder{cfg: cfg, bindIP: bindIP}
	if cfg.AllowUploads {
		store, err := NewArtifactStore(cfg.UploadDir, ".bin", cfg.MaxUploadBytes, cfg.StorageBudgetBytes)
		if err != nil {
			return nil, err
		}
		r.store = store
	}
	addr := net.JoinHostPort(bindIP, fmt.Sprint(cfg.Port))
	r.tcpResponder = newTCPResponder("ftp", addr, log, r.handle)
	return r, nil
}

func (r *FTPResponder) RedirectPorts() []RedirectPort {
	return []RedirectPort{{Proto: "tcp", Port: r.cfg.Port, Target: r.boundPort()}}
}

func (r *FTPResponder) handle(conn net.Conn) {
	s := newLineSession(conn, r.cfg.IdleTimeout)
	log := r.log.WithField("peer", sanitizeAddr(conn.RemoteAddr()))

	if err := s.writeLine(r.cfg.Banner); err != nil {
		return
	}

	var dataLn net.Listener // armed by PASV, consumed by the next transfer
	defer func() {
		if dataLn != nil {
			r.closeData(dataLn)
		}
	}()

	for {
		line, err := s.readLine()
		if err != nil {
			return
		}
		verb, arg := splitVerb(line)

		switch verb {
		case "USER":
			log.WithField("user", sanitizeLogString(arg, 128)).Info("login attempt")
			err = s.writeLine("230 Login successful")
		case "PASS":
			log.WithField("pass", sanitizeLogString(arg, 128)).Info("password supplied")
			err = s.writeLine("230 Login successful")
		case "SYST":
			err = s.writeLine("215 UNIX Type: L8")
		case "FEAT":
			err = s.writeLine("211-Features:\r\n PASV\r\n SIZE\r\n211 End")
		case "PWD":
			err = s.writeLine("257 \"/\" is the current directory")
		case "CWD", "CDUP":
			err = s.writeLine("250 Directory changed")
		case "TYPE":
			err = s.writeLine("200 Type set")
		case "NOOP", "ALLO":
			err = s.writeLine("200 Ok")
		case "MKD", "RMD":
			err = s.writeLine("257 Ok")
		case "DELE", "RNFR", "RNTO":
			err = s.writeLine("250 Ok")
		case "SIZE":
			err = s.writeLine("213 0")

		case "PORT", "EPRT":
			// Active mode is an SSRF primitive: refuse it outright.
			log.WithField("arg", sanitizeLogString(arg, 64)).Warn("active mode refused")
			err = s.writeLine("500 Active mode not supported; use PASV")

		case "PASV":
			if dataLn != nil {
				r.closeData(dataLn)
			}
			dataLn, err = r.openPassive()
			if err != nil {
				log.WithError(err).Warn("no passive port available")
				err = s.writeLine("425 Can't open data connection")
				break
			}
			err = s.writeLine(pasvReply(conn, dataLn.Addr().(*net.TCPAddr).Port))

		case "STOR":
			err = r.handleStore(s, &dataLn, arg, log)

		case "RETR":
			err = r.handleRetrieve(s, &dataLn, "150 Opening data connection", nil)
		case "NLST":
			err = r.handleRetrieve(s, &dataLn, "150 Here comes the directory listing", nil)
		case "LIST":
			err = r.handleRetrieve(s, &dataLn, "150 Here comes the directory listing", []byte("total 0\r\n"))

		case "QUIT":
			_ = s.writeLine("221 Goodbye")
			return
		default:
			err = s.writeLine("502 Command not implemented")
		}
		if err != nil {
			return
		}
	}
}

// openPassive walks the configured range until a port binds. Ranges are
// small and churn is low, so linear probing is fine. The listener is
// registered with the shutdown tracker so Stop can interrupt a session
// parked waiting for a data connection.
func (r *FTPResponder) openPassive() (net.Listener, error) {
	for port := r.cfg.PasvPortLow; port != 0 && port <= r.cfg.PasvPortHigh; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(r.bindIP, fmt.Sprint(port)))
		if err == nil {
			r.tracker.add(ln)
			return ln, nil
		}
	}
	return nil, fmt.Errorf("passive range %d-%d exhausted", r.cfg.PasvPortLow, r.cfg.PasvPortHigh)
}

// closeData closes an armed passive listener and drops it from the
// shutdown tracker.
func (r *FTPResponder) closeData(ln net.Listener) {
	_ = ln.Close()
	r.tracker.remove(ln)
}

// acceptData takes ownership of the armed passive listener, waits for
// the client's data connection, and registers that connection for
// forced close during shutdown.
func (r *FTPResponder) acceptData(dataLn *net.Listener) (net.Conn, error) {
	ln := *dataLn
	if ln == nil {
		return nil, errors.New("no passive listener armed")
	}
	*dataLn = nil
	defer r.closeData(ln)
	if tl, ok := ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(ftpDataTimeout))
	}
	conn, err := ln.Accept()
	if err != nil {
		return nil, err
	}
	r.tracker.add(conn)
	return conn, nil
}

// handleStore receives an upload over the data channel. The transfer
// always completes with 226: size-capped or budget-rejected payloads
// are drained and discarded, never refused, so the sample believes its
// exfiltration worked.
func (r *FTPResponder) handleStore(s *lineSession, dataLn *net.Listener, name string, log *logrus.Entry) error {
	if *dataLn == nil {
		return s.writeLine("425 Use PASV first")
	}
	if err := s.writeLine("150 Ok to send data"); err != nil {
		return err
	}
	data, err := r.acceptData(dataLn)
	if err != nil {
		return s.writeLine("425 Can't open data connection")
	}
	defer func() {
		_ = data.Close()
		r.tracker.remove(data)
	}()
	_ = data.SetReadDeadline(time.Now().Add(ftpDataTimeout))

	log = log.WithField("name", sanitizeLogString(name, 128))

	if r.store == nil {
		n, _ := io.Copy(io.Discard, data)
		log.WithField("bytes", n).Info("upload received (discarded)")
		return s.writeLine("226 Transfer complete")
	}

	// Read one byte past the cap so oversize is detected without
	// buffering the whole payload.
	maxBytes := r.store.MaxFileBytes()
	payload, rerr := io.ReadAll(io.LimitReader(data, maxBytes+1))
	if rerr != nil {
		log.WithError(rerr).Warn("upload read failed")
		return s.writeLine("226 Transfer complete")
	}
	if int64(len(payload)) > maxBytes {
		n, _ := io.Copy(io.Discard, data)
		log.WithField("bytes", int64(len(payload))+n).Warn("upload exceeded size cap, discarded")
		return s.writeLine("226 Transfer complete")
	}

	art, serr := r.store.Save(payload)
	if serr != nil {
		log.WithError(serr).Warn("upload not persisted")
		return s.writeLine("226 Transfer complete")
	}
	log.WithFields(logrus.Fields{"artifact": art.ID, "bytes": art.Size}).Info("upload saved")
	return s.writeLine("226 Transfer complete")
}

// handleRetrieve serves a download or listing over the data channel.
// The server is empty, so the body is at most a fixed stub.
func (r *FTPResponder) handleRetrieve(s *lineSession, dataLn *net.Listener, opening string, body []byte) error {
	if *dataLn == nil {
		return s.writeLine("425 Use PASV first")
	}
	if err := s.writeLine(opening); err != nil {
		return err
	}
	data, err := r.acceptData(dataLn)
	if err != nil {
		return s.writeLine("425 Can't open data connection")
	}
	if len(body) > 0 {
		_ = data.SetWriteDeadline(time.Now().Add(ftpDataTimeout))
		_, _ = data.Write(body)
	}
	_ = data.Close()
	r.tracker.remove(data)
	return s.writeLine("226 Transfer complete")
}

// pasvReply formats the RFC 959 "227 Entering Passive Mode" reply. The
// advertised IP is the control connection's local address, not the data
// listener's bind address: under a wildcard bind the listener reports
// 0.0.0.0, which no client can dial back.
func pasvReply(ctrl net.Conn, port int) string {
	ip := net.IPv4zero.To4()
	if ta, ok := ctrl.LocalAddr().(*net.TCPAddr); ok {
		if v4 := ta.IP.To4(); v4 != nil {
			ip = v4
		}
	}
	octets := strings.ReplaceAll(ip.String(), ".", ",")
	return fmt.Sprintf("227 Entering Passive Mode (%s,%d,%d)", octets, port>>8, port&0xff)
}
