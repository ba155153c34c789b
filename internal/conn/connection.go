// Package conn implements the per-socket connection state described by
// spec.md §3/§4.3: non-blocking read/write buffers, the 2 MiB write
// high-water mark, optional TLS, and the websocket/json-rpc framing
// decision inside Write.
package conn

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coregrid/busbridge/internal/wsframe"
)

// State is the connection's position in the protocol state machine of
// spec.md §4.4.
type State int32

const (
	StateUnknown State = iota
	StateListening
	StateConnected
	StateSSLHandshake
	StateWebsocket
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateSSLHandshake:
		return "ssl_handshake"
	case StateWebsocket:
		return "websocket"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	maxReadChunk   = 1024
	HighWaterMark  = 2 * 1024 * 1024
)

// FileTransfer tracks an in-progress static asset response being drained
// across multiple write-ready events (spec.md §3).
type FileTransfer struct {
	Active bool
	Offset int64
	Length int64
}

// WebsocketTransfer tracks an in-progress large outbound websocket frame
// that didn't fit in a single write (spec.md §3).
type WebsocketTransfer struct {
	Active bool
	Offset int
}

// Connection is the per-socket state owned by the event manager while the
// socket is open. Its id is a typed handle (spec.md §9: "replace [the
// opaque user-data pointer] with a typed handle") that the bridge uses to
// key its own tables instead of holding a borrowed *Connection.
type Connection struct {
	ID   uuid.UUID
	Addr net.Addr

	transport transport
	tls       *tlsTransport

	state      atomic.Int32
	lastActive atomic.Int64 // unix nanos, monotonic-ish via time.Now()

	readBuf []byte
	readLen int

	write writeRing

	IsWebsocket bool
	IsJSONRPC   bool

	URI string

	FileTransfer      FileTransfer
	WebsocketTransfer WebsocketTransfer

	droppedHighWater atomic.Int64
	closeRequested   atomic.Bool
}

// New wraps a freshly accepted, already-non-blocking socket fd.
func New(fd int, addr net.Addr) *Connection {
	c := &Connection{
		ID:        uuid.New(),
		Addr:      addr,
		transport: newRawTransport(fd),
		readBuf:   make([]byte, maxReadChunk),
	}
	c.state.Store(int32(StateConnected))
	c.touch()
	return c
}

// NewTLS wraps a freshly accepted socket that must complete a TLS
// handshake before any application bytes are exchanged.
func NewTLS(fd int, addr net.Addr, netConn net.Conn, cfg *TLSConfig) *Connection {
	tt := newTLSTransport(fd, netConn, cfg.config)
	c := &Connection{
		ID:        uuid.New(),
		Addr:      addr,
		transport: tt,
		tls:       tt,
		readBuf:   make([]byte, maxReadChunk),
	}
	c.state.Store(int32(StateSSLHandshake))
	c.touch()
	return c
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// IdleSince reports how long it's been since the last read or write.
func (c *Connection) IdleSince() time.Duration {
	return time.Since(time.Unix(0, c.lastActive.Load()))
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Connection) Closed() bool {
	return c.State() == StateClosed
}

// MarkWebsocket transitions a connection that just completed the upgrade
// handshake into StateWebsocket, so the engine's read path switches from
// HTTP request parsing to frame decoding.
func (c *Connection) MarkWebsocket() {
	c.IsWebsocket = true
	c.IsJSONRPC = false
	c.setState(StateWebsocket)
}

// RequestClose flags a connection for teardown once its buffered writes
// have drained, without giving the caller (internal/bridge, which has no
// reference to the engine's fd/connection lifecycle) any way to touch the
// poller directly. The engine's poll loop observes CloseRequested and
// drives the actual close.
func (c *Connection) RequestClose() {
	c.closeRequested.Store(true)
}

// CloseRequested reports whether RequestClose has been called.
func (c *Connection) CloseRequested() bool {
	return c.closeRequested.Load()
}

// Fd is the raw descriptor, used by the engine to (de)register with the
// poller. It stays stable across a TLS handshake.
func (c *Connection) Fd() int {
	return c.transport.Fd()
}

// HandshakeTLS advances a pending TLS handshake. Returns ErrWouldBlock if
// it needs to be called again once the socket is next readable/writable.
func (c *Connection) HandshakeTLS() error {
	if c.tls == nil {
		return nil
	}
	if err := c.tls.Handshake(); err != nil {
		return err
	}
	c.setState(StateConnected)
	return nil
}

// Read performs a single non-blocking recv into the read buffer, growing
// it past the 1024-byte suggested chunk only when a single logical
// request genuinely needs more room (e.g. a large JSON-RPC body).
// Returns the number of new bytes and an error — ErrWouldBlock is not an
// error the caller should treat as fatal.
func (c *Connection) Read() (int, error) {
	if c.readLen == len(c.readBuf) {
		grown := make([]byte, len(c.readBuf)*2)
		copy(grown, c.readBuf)
		c.readBuf = grown
	}

	n, err := c.transport.Read(c.readBuf[c.readLen:])
	if n > 0 {
		c.readLen += n
		c.touch()
	}
	return n, err
}

// Buffered returns the bytes accumulated so far by Read that a parser
// hasn't consumed yet.
func (c *Connection) Buffered() []byte {
	return c.readBuf[:c.readLen]
}

// Consume drops the first n bytes of the read buffer after a parser has
// successfully extracted a full message from it.
func (c *Connection) Consume(n int) {
	if n <= 0 {
		return
	}
	remaining := c.readLen - n
	if remaining > 0 {
		copy(c.readBuf, c.readBuf[n:c.readLen])
	}
	c.readLen = remaining
}

// Feed appends data directly to the read buffer, bypassing the socket.
// Exported for tests that need to drive the protocol state machine off a
// fake connection without a real fd.
func (c *Connection) Feed(data []byte) {
	for c.readLen+len(data) > len(c.readBuf) {
		grown := make([]byte, len(c.readBuf)*2)
		copy(grown, c.readBuf)
		c.readBuf = grown
	}
	copy(c.readBuf[c.readLen:], data)
	c.readLen += len(data)
}

// Write appends data to the outbound buffer, framing it as a WebSocket
// text message first if this connection has upgraded. If the buffered
// size would exceed the 2 MiB high-water mark, the message is silently
// dropped (spec.md §4.3) but its nominal length is still returned and a
// counter is incremented (spec.md §9: "must be counted and surfaced").
func (c *Connection) Write(data []byte) int {
	var header []byte
	if c.IsWebsocket {
		header = wsframe.ToHeader(len(data), wsframe.OpText)
	}

	if c.write.Len()+len(header)+len(data) > HighWaterMark {
		c.droppedHighWater.Add(1)
		return len(data)
	}

	if header != nil {
		c.write.Append(header)
	}
	c.write.Append(data)
	return len(data)
}

// WriteControlFrame buffers a raw WebSocket control frame (close/ping/
// pong) without the high-water check — control frames are small and
// time-sensitive (e.g. the close handshake) and must not be silently
// dropped by the same backpressure policy that protects against a slow
// consumer of application data.
func (c *Connection) WriteControlFrame(op wsframe.Opcode, payload []byte) {
	c.write.Append(wsframe.ToHeader(len(payload), op))
	c.write.Append(payload)
}

// DroppedHighWater returns the running count of messages dropped because
// the write buffer was at capacity.
func (c *Connection) DroppedHighWater() int64 {
	return c.droppedHighWater.Load()
}

// PendingWrite reports whether the event loop still has buffered bytes
// for this connection to flush.
func (c *Connection) PendingWrite() bool {
	return c.write.Len() > 0
}

// Sent returns a copy of whatever is currently sitting in the write
// buffer, unconsumed. Exported for tests that need to assert what a
// handler wrote without standing up a real socket.
func (c *Connection) Sent() []byte {
	view := c.write.DrainView()
	out := make([]byte, len(view))
	copy(out, view)
	return out
}

// Flush attempts to drain as much of the write buffer as the socket will
// currently accept. A short write leaves the remainder for the next poll
// iteration; ErrWouldBlock is not an error from the caller's perspective.
func (c *Connection) Flush() error {
	for c.write.Len() > 0 {
		view := c.write.DrainView()
		n, err := c.transport.Write(view)
		if n > 0 {
			c.write.Advance(n)
			c.touch()
		}
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	return nil
}

// UnbufferedWrite sends data immediately, bypassing the write buffer
// entirely. Per spec.md §9, this may only busy-loop on ErrWouldBlock
// during the handshake flush (before the connection is pollable); it does
// so with a bounded backoff rather than the source's unbounded tight
// loop.
func (c *Connection) UnbufferedWrite(data []byte) (int, error) {
	const maxAttempts = 200
	backoff := time.Microsecond * 50

	remaining := data
	written := 0
	for len(remaining) > 0 {
		attempt := 0
		for {
			n, err := c.transport.Write(remaining)
			if err == nil {
				remaining = remaining[n:]
				written += n
				break
			}
			if err != ErrWouldBlock {
				return written, err
			}
			attempt++
			if attempt > maxAttempts {
				return written, fmt.Errorf("conn: unbuffered write exhausted backoff: %w", ErrWouldBlock)
			}
			time.Sleep(backoff)
		}
	}
	return written, nil
}

// Close is idempotent: it frees the transport and moves to StateClosed.
func (c *Connection) Close() error {
	if c.Closed() {
		return nil
	}
	c.setState(StateClosed)
	return c.transport.Close()
}
