// Package netio provides the line-framed, TLS-upgradeable connection
// wrapper shared by the SMTP, IMAP, and POP3 servers, so each protocol
// package doesn't reimplement the same bufio.Reader/Writer plus
// STARTTLS-style in-place upgrade.
//
// Grounded on smtp/smtpserver/smtpserver.go's session type, which pairs
// a bufio.Reader/Writer over a net.Conn and re-wraps both with
// tls.Server + fresh bufio instances on STARTTLS (see its handling
// around the `s.c = tls.Server(s.c, ...)` call). pop and imap/imapserver
// now build on this instead of duplicating it.
package netio

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"
)

// ErrLineTooLong is returned by ReadLine when a line exceeds maxLine
// without a terminating newline, guarding against unbounded buffering
// from a misbehaving or hostile peer.
var ErrLineTooLong = errors.New("netio: line exceeds maximum length")

// Conn wraps a net.Conn with buffered line I/O and in-place TLS
// upgrade, matching the pattern every protocol session in this module
// needs: read a CRLF-terminated command line, write a response line,
// and optionally renegotiate the transport as TLS partway through the
// session (SMTP STARTTLS, IMAP STARTTLS, POP3 STLS).
type Conn struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxLine      int // 0 means no limit
}

// New wraps c for buffered line I/O.
func New(c net.Conn) *Conn {
	return &Conn{
		conn: c,
		br:   bufio.NewReader(c),
		bw:   bufio.NewWriter(c),
	}
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// IsTLS reports whether the current transport is a TLS connection.
func (c *Conn) IsTLS() bool {
	_, ok := c.conn.(*tls.Conn)
	return ok
}

// ReadLine reads one line, stripped of its trailing CRLF or LF.
func (c *Conn) ReadLine() ([]byte, error) {
	if c.ReadTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	}
	var line []byte
	for {
		chunk, isPrefix, err := c.br.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if c.MaxLine > 0 && len(line) > c.MaxLine {
			return nil, ErrLineTooLong
		}
		if !isPrefix {
			break
		}
	}
	return line, nil
}

// WriteLine writes line followed by CRLF and flushes.
func (c *Conn) WriteLine(line []byte) error {
	if c.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	}
	if _, err := c.bw.Write(line); err != nil {
		return err
	}
	if _, err := c.bw.WriteString("\r\n"); err != nil {
		return err
	}
	return c.bw.Flush()
}

// Write implements io.Writer directly against the buffered writer,
// for protocols that stream raw bytes (e.g. SMTP DATA, IMAP literals)
// rather than discrete lines. Callers must call Flush afterward.
func (c *Conn) Write(p []byte) (int, error) {
	return c.bw.Write(p)
}

// Flush flushes any buffered writes.
func (c *Conn) Flush() error { return c.bw.Flush() }

// Reader exposes the buffered reader directly, for protocols reading
// fixed-length literals (IMAP) rather than lines.
func (c *Conn) Reader() io.Reader { return c.br }

// StartTLS re-wraps the connection as a TLS server connection and
// resets the buffered reader/writer, discarding any buffered plaintext
// per STARTTLS/STLS semantics (the command response is sent in the
// clear, then everything after the TLS handshake must be encrypted).
func (c *Conn) StartTLS(cfg *tls.Config) error {
	tlsConn := tls.Server(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	c.conn = tlsConn
	c.br = bufio.NewReader(tlsConn)
	c.bw = bufio.NewWriter(tlsConn)
	return nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.conn.Close() }
