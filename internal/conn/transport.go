package conn

import (
	"crypto/tls"
	"errors"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is the transport-agnostic sentinel for "no data/space right
// now, try again once the poller says this fd is ready" — it unifies the
// OS-level EAGAIN a raw socket returns with the deadline-exceeded trick
// used to make *tls.Conn behave the same way under the event loop.
var ErrWouldBlock = errors.New("conn: would block")

// transport is the read/write surface the event loop drives. A raw fd and
// a TLS-wrapped connection both satisfy it so the poll loop and Connection
// buffering logic never need to know which one they hold.
type transport interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Close() error
	Fd() int
}

// rawTransport talks directly to a non-blocking socket via raw syscalls.
type rawTransport struct {
	fd int
}

func newRawTransport(fd int) *rawTransport {
	return &rawTransport{fd: fd}
}

func (t *rawTransport) Read(buf []byte) (int, error) {
	n, err := unix.Read(t.fd, buf)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, ErrWouldBlock
	}
	return n, err
}

func (t *rawTransport) Write(buf []byte) (int, error) {
	n, err := unix.Write(t.fd, buf)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return n, ErrWouldBlock
	}
	return n, err
}

func (t *rawTransport) Close() error {
	return unix.Close(t.fd)
}

func (t *rawTransport) Fd() int {
	return t.fd
}

// tlsTransport layers crypto/tls over the fd via a standard net.Conn. The
// socket below is non-blocking; we approximate EAGAIN for a *tls.Conn
// (which has no notion of non-blocking I/O of its own) with a read/write
// deadline set to "now" on every call. A timeout from that deadline is
// reported as ErrWouldBlock so the poll loop retries it on the next
// readable/writable event exactly as it would a raw EAGAIN. This is the
// spec's "WOULD_BLOCK from the engine is treated identically to an
// OS-level EAGAIN" rule (spec.md §4.3) applied to Go's TLS stack.
type tlsTransport struct {
	fd   int
	conn *tls.Conn
}

func newTLSTransport(fd int, netConn net.Conn, cfg *tls.Config) *tlsTransport {
	return &tlsTransport{fd: fd, conn: tls.Server(netConn, cfg)}
}

// Handshake attempts to complete the TLS handshake, returning
// ErrWouldBlock if it needs another pass through the poll loop.
func (t *tlsTransport) Handshake() error {
	t.conn.SetDeadline(time.Now())
	err := t.conn.Handshake()
	if isTimeout(err) {
		return ErrWouldBlock
	}
	return err
}

func (t *tlsTransport) Read(buf []byte) (int, error) {
	t.conn.SetReadDeadline(time.Now())
	n, err := t.conn.Read(buf)
	if isTimeout(err) {
		return n, ErrWouldBlock
	}
	return n, err
}

func (t *tlsTransport) Write(buf []byte) (int, error) {
	t.conn.SetWriteDeadline(time.Now())
	n, err := t.conn.Write(buf)
	if isTimeout(err) {
		return n, ErrWouldBlock
	}
	return n, err
}

// Close tears down both descriptors a TLS connection holds: the dup'd
// net.Conn crypto/tls wraps, and the original accepted fd registered with
// the reactor (listener.go's fdToNetConn dups rather than hands over the
// fd, so closing the net.Conn alone leaks the original).
func (t *tlsTransport) Close() error {
	err := t.conn.Close()
	if closeErr := unix.Close(t.fd); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func (t *tlsTransport) Fd() int {
	return t.fd
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
