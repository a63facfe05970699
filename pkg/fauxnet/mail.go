package fauxnet

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sirupsen/logrus"
)

// smtpState tracks the mandated command sequence within one session.
type smtpState int

const (
	smtpGreeted smtpState = iota // banner sent, no HELO/EHLO yet
	smtpReady                    // greeted, no transaction open
	smtpHaveFrom                 // MAIL FROM accepted
	smtpHaveRcpt                 // at least one RCPT TO accepted
)

// SMTPResponder accepts any mail transaction and optionally persists the
// message body as an artifact. Delivery is always acknowledged; nothing
// is ever relayed anywhere.
type SMTPResponder struct {
	*tcpResponder
	cfg   SMTPConfig
	store *ArtifactStore
}

// NewSMTPResponder builds the responder and its artifact store. The
// store is created eagerly so a bad mail directory fails construction,
// not the first delivery.
func NewSMTPResponder(cfg SMTPConfig, bindIP string, log *logrus.Logger) (*SMTPResponder, error) {
	r := &SMTPResponder{cfg: cfg}
	if cfg.SaveMail {
		store, err := NewArtifactStore(cfg.MailDir, ".eml", cfg.MaxMessageBytes, cfg.StorageBudgetBytes)
		if err != nil {
			return nil, err
		}
		r.store = store
	}
	addr := net.JoinHostPort(bindIP, fmt.Sprint(cfg.Port))
	r.tcpResponder = newTCPResponder("smtp", addr, log, r.handle)
	return r, nil
}

func (r *SMTPResponder) RedirectPorts() []RedirectPort {
	return []RedirectPort{{Proto: "tcp", Port: r.cfg.Port, Target: r.boundPort()}}
}

func (r *SMTPResponder) handle(conn net.Conn) {
	s := newLineSession(conn, r.cfg.IdleTimeout)
	log := r.log.WithField("peer", sanitizeAddr(conn.RemoteAddr()))

	if err := s.writeLine(r.cfg.Banner); err != nil {
		return
	}

	state := smtpGreeted
	for {
		line, err := s.readLine()
		if err != nil {
			return
		}
		verb, arg := splitVerb(line)

		switch verb {
		case "HELO":
			state = smtpReady
			if err := s.writeLine("250 " + r.cfg.Hostname); err != nil {
				return
			}

		case "EHLO":
			state = smtpReady
			reply := strings.Join([]string{
				"250-" + r.cfg.Hostname,
				"250-SIZE " + fmt.Sprint(r.cfg.MaxMessageBytes),
				"250-8BITMIME",
				"250 HELP",
			}, "\r\n")
			if err := s.writeLine(reply); err != nil {
				return
			}

		case "MAIL":
			if state != smtpReady {
				if err := s.writeLine("503 Bad sequence of commands"); err != nil {
					return
				}
				continue
			}
			state = smtpHaveFrom
			log.WithField("from", sanitizeLogString(arg, 256)).Info("mail from")
			if err := s.writeLine("250 Ok"); err != nil {
				return
			}

		case "RCPT":
			if state != smtpHaveFrom && state != smtpHaveRcpt {
				if err := s.writeLine("503 Bad sequence of commands"); err != nil {
					return
				}
				continue
			}
			state = smtpHaveRcpt
			log.WithField("to", sanitizeLogString(arg, 256)).Info("rcpt to")
			if err := s.writeLine("250 Ok"); err != nil {
				return
			}

		case "DATA":
			if state != smtpHaveRcpt {
				if err := s.writeLine("503 Bad sequence of commands"); err != nil {
					return
				}
				continue
			}
			if err := s.writeLine("354 End data with <CR><LF>.<CR><LF>"); err != nil {
				return
			}
			if err := r.collectData(s, log); err != nil {
				return
			}
			state = smtpReady
			if err := s.writeLine("250 Ok: queued"); err != nil {
				return
			}

		case "RSET":
			if state != smtpGreeted {
				state = smtpReady
			}
			if err := s.writeLine("250 Ok"); err != nil {
				return
			}

		case "NOOP":
			if err := s.writeLine("250 Ok"); err != nil {
				return
			}

		case "QUIT":
			_ = s.writeLine("221 Bye")
			return

		default:
			if err := s.writeLine("500 Command not recognized"); err != nil {
				return
			}
		}
	}
}

// collectData reads the message body up to the lone-dot terminator.
// Delivery always succeeds from the client's point of view: cap or
// budget overruns discard the body but never surface as SMTP errors,
// because a refusal would tip off the sample that mail is not real.
// The size cap bounds resident memory whether or not persistence is
// enabled; with SaveMail off nothing is buffered at all.
func (r *SMTPResponder) collectData(s *lineSession, log *logrus.Entry) error {
	maxBytes := r.cfg.MaxMessageBytes
	var body []byte
	var received int64
	overflow := false
	for {
		line, err := s.readLine()
		if err != nil {
			return err
		}
		if line == "." {
			break
		}
		// Dot-stuffing per RFC 5321.
		line = strings.TrimPrefix(line, ".")
		received += int64(len(line)) + 2
		if maxBytes > 0 && received > maxBytes {
			overflow = true
			body = nil // discard, keep draining to the terminator
		}
		if r.store != nil && !overflow {
			body = append(body, line...)
			body = append(body, '\r', '\n')
		}
	}

	if overflow {
		log.WithField("bytes", received).Warn("message exceeded size cap, discarded")
		return nil
	}
	if r.store == nil {
		log.WithField("bytes", received).Info("message received (discarded)")
		return nil
	}
	art, err := r.store.Save(body)
	if err != nil {
		if errors.Is(err, ErrStorageBudget) || errors.Is(err, ErrArtifactTooLarge) {
			log.WithError(err).Warn("message not persisted")
		} else {
			log.WithError(err).Error("saving message failed")
		}
		return nil
	}
	log.WithFields(logrus.Fields{"artifact": art.ID, "bytes": art.Size}).Info("message saved")
	return nil
}

// POP3Responder presents a permanently empty maildrop. Any USER/PASS
// pair authenticates; credentials are logged for the analyst.
type POP3Responder struct {
	*tcpResponder
	cfg POP3Config
}

func NewPOP3Responder(cfg POP3Config, bindIP string, log *logrus.Logger) *POP3Responder {
	r := &POP3Responder{cfg: cfg}
	addr := net.JoinHostPort(bindIP, fmt.Sprint(cfg.Port))
	r.tcpResponder = newTCPResponder("pop3", addr, log, r.handle)
	return r
}

func (r *POP3Responder) RedirectPorts() []RedirectPort {
	return []RedirectPort{{Proto: "tcp", Port: r.cfg.Port, Target: r.boundPort()}}
}

func (r *POP3Responder) handle(conn net.Conn) {
	s := newLineSession(conn, r.cfg.IdleTimeout)
	log := r.log.WithField("peer", sanitizeAddr(conn.RemoteAddr()))

	if err := s.writeLine("+OK " + r.cfg.Hostname + " POP3 server ready"); err != nil {
		return
	}
	for {
		line, err := s.readLine()
		if err != nil {
			return
		}
		verb, arg := splitVerb(line)

		switch verb {
		case "USER":
			log.WithField("user", sanitizeLogString(arg, 128)).Info("login attempt")
			err = s.writeLine("+OK")
		case "PASS":
			log.WithField("pass", sanitizeLogString(arg, 128)).Info("password supplied")
			err = s.writeLine("+OK Logged in")
		case "STAT":
			err = s.writeLine("+OK 0 0")
		case "LIST", "UIDL":
			err = s.writeLine("+OK\r\n.")
		case "CAPA":
			err = s.writeLine("+OK Capability list follows\r\nUSER\r\nUIDL\r\n.")
		case "NOOP":
			err = s.writeLine("+OK")
		case "RETR", "DELE":
			err = s.writeLine("-ERR no such message")
		case "QUIT":
			_ = s.writeLine("+OK Bye")
			return
		default:
			err = s.writeLine("-ERR unknown command")
		}
		if err != nil {
			return
		}
	}
}

// IMAPResponder speaks just enough IMAP4rev1 for a credential-stealing
// sample to log in and find an empty INBOX.
type IMAPResponder struct {
	*tcpResponder
	cfg IMAPConfig
}

func NewIMAPResponder(cfg IMAPConfig, bindIP string, log *logrus.Logger) *IMAPResponder {
	r := &IMAPResponder{cfg: cfg}
	addr := net.JoinHostPort(bindIP, fmt.Sprint(cfg.Port))
	r.tcpResponder = newTCPResponder("imap", addr, log, r.handle)
	return r
}

func (r *IMAPResponder) RedirectPorts() []RedirectPort {
	return []RedirectPort{{Proto: "tcp", Port: r.cfg.Port, Target: r.boundPort()}}
}

func (r *IMAPResponder) handle(conn net.Conn) {
	s := newLineSession(conn, r.cfg.IdleTimeout)
	log := r.log.WithField("peer", sanitizeAddr(conn.RemoteAddr()))

	if err := s.writeLine("* OK " + r.cfg.Hostname + " IMAP4rev1 ready"); err != nil {
		return
	}
	for {
		line, err := s.readLine()
		if err != nil {
			return
		}
		// IMAP commands carry a client-chosen tag that must be echoed
		// verbatim, case preserved.
		tag, rest := splitWord(line)
		if tag == "" {
			continue
		}
		verb, arg := splitVerb(rest)

		switch verb {
		case "CAPABILITY":
			err = s.writeLine("* CAPABILITY IMAP4rev1 AUTH=PLAIN\r\n" + tag + " OK CAPABILITY completed")
		case "LOGIN":
			log.WithField("credentials", sanitizeLogString(arg, 256)).Info("login attempt")
			err = s.writeLine(tag + " OK LOGIN completed")
		case "LIST":
			err = s.writeLine("* LIST (\\HasNoChildren) \"/\" \"INBOX\"\r\n" + tag + " OK LIST completed")
		case "SELECT", "EXAMINE":
			err = s.writeLine(strings.Join([]string{
				"* 0 EXISTS",
				"* 0 RECENT",
				"* FLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft)",
				tag + " OK [READ-WRITE] SELECT completed",
			}, "\r\n"))
		case "NOOP":
			err = s.writeLine(tag + " OK NOOP completed")
		case "LOGOUT":
			_ = s.writeLine("* BYE " + r.cfg.Hostname + " logging out\r\n" + tag + " OK LOGOUT completed")
			return
		default:
			err = s.writeLine(tag + " BAD Command not recognized")
		}
		if err != nil {
			return
		}
	}
}

// splitVerb splits a command line into its first word (uppercased) and
// the remainder.
func splitVerb(line string) (string, string) {
	word, rest := splitWord(line)
	return strings.ToUpper(word), rest
}

func splitWord(line string) (string, string) {
	line = strings.TrimSpace(line)
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return line[:i], strings.TrimSpace(line[i+1:])
	}
	return line, ""
}
