// Package busconn is a minimal reference transport satisfying
// bridge.BusSender. spec.md §1 treats the backend message bus as an
// opaque external collaborator ("we only use its send/receive and a
// subscribable reply callback") and never specifies its wire format; this
// package picks the simplest one that lets the executable in cmd/busbridge
// actually run end to end — a length-prefixed frame carrying the
// correlation sequence, followed by whatever varint-error-code-prefixed
// payload the bridge already expects (spec.md §4.5 step 5).
package busconn

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// ReplyFunc is called for every reply frame received from the bus, with
// the correlation sequence split out from the rest of the payload.
type ReplyFunc func(sequence uint32, payload []byte)

// TCPBus is a simple TCP client transport: outbound messages and inbound
// replies are both framed as a 4-byte big-endian length prefix followed
// by that many bytes. Send writes the message exactly as the handler's
// Encode produced it; in an inbound reply the first 4 of those bytes are
// the correlation sequence.
type TCPBus struct {
	log  zerolog.Logger
	conn net.Conn

	mu sync.Mutex
}

// Dial connects to the backend bus and starts the read loop that invokes
// onReply for every frame received, until the connection closes.
func Dial(addr string, log zerolog.Logger, onReply ReplyFunc) (*TCPBus, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("busconn: dial %s: %w", addr, err)
	}

	b := &TCPBus{log: log, conn: c}
	go b.readLoop(onReply)
	return b, nil
}

// Send writes one length-prefixed message to the bus.
func (b *TCPBus) Send(message []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(message)))

	if _, err := b.conn.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("busconn: write length: %w", err)
	}
	if _, err := b.conn.Write(message); err != nil {
		return fmt.Errorf("busconn: write message: %w", err)
	}
	return nil
}

func (b *TCPBus) readLoop(onReply ReplyFunc) {
	r := bufio.NewReader(b.conn)
	for {
		var lenPrefix [4]byte
		if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
			b.log.Warn().Err(err).Msg("busconn: read loop exiting")
			return
		}
		frameLen := binary.BigEndian.Uint32(lenPrefix[:])
		if frameLen < 4 {
			b.log.Warn().Uint32("len", frameLen).Msg("busconn: short frame, dropping connection")
			return
		}

		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(r, frame); err != nil {
			b.log.Warn().Err(err).Msg("busconn: read loop exiting")
			return
		}

		sequence := binary.BigEndian.Uint32(frame[:4])
		onReply(sequence, frame[4:])
	}
}

// Close shuts down the underlying connection.
func (b *TCPBus) Close() error {
	return b.conn.Close()
}
