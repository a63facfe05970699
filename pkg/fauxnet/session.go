package fauxnet

import (
	"bufio"
	"net"
	"strings"
	"time"
)

// maxLineBytes bounds a single protocol line; anything longer is
// truncated rather than buffered without limit.
const maxLineBytes = 4096

// lineSession wraps a connection for the line-oriented protocols
// (SMTP, POP3, IMAP, FTP control). Every read re-arms the idle
// deadline so a silent client can never hold a worker forever.
type lineSession struct {
	conn net.Conn
	r    *bufio.Reader
	idle time.Duration
}

func newLineSession(conn net.Conn, idle time.Duration) *lineSession {
	return &lineSession{
		conn: conn,
		r:    bufio.NewReaderSize(conn, maxLineBytes),
		idle: idle,
	}
}

// readLine reads one CRLF- (or LF-) terminated line, stripped of the
// terminator. Overlong lines are truncated at maxLineBytes and the
// remainder of the line is discarded.
func (s *lineSession) readLine() (string, error) {
	if s.idle > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idle))
	}
	line, err := s.r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		truncated := append([]byte(nil), line...)
		for err == bufio.ErrBufferFull {
			_, err = s.r.ReadSlice('\n')
		}
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(truncated), "\r\n"), nil
	}
	if err != nil && len(line) == 0 {
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// writeLine writes one CRLF-terminated line. Multi-line replies may be
// passed with embedded CRLF.
func (s *lineSession) writeLine(line string) error {
	if s.idle > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.idle))
	}
	_, err := s.conn.Write([]byte(line + "\r\n"))
	return err
}
