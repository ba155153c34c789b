// Package bridge implements the two-level correlation/dispatch pipeline
// described by spec.md §4.5: it translates between client-facing
// WebSocket/JSON-RPC requests and an asynchronous backend bus exchange,
// surviving client disconnects without leaking correlation state.
package bridge

import (
	"github.com/coregrid/busbridge/internal/conn"
)

// EncodeFunc turns a command and its (single, per spec.md §6's documented
// limitation) parameter into a backend bus message, tagged with the
// global correlation id the reply will eventually carry back.
type EncodeFunc func(command, params string, correlation uint32) ([]byte, error)

// DecodeFunc turns a backend bus reply into a client-facing response and
// writes it directly on the connection. conn.Write frames it as a
// WebSocket text message on an upgraded connection and writes it
// unchanged otherwise, so a JSON-RPC handler writes its own HTTP status
// line and headers (httpreq.Reply) ahead of the body.
type DecodeFunc func(payload []byte, clientID uint32, c *conn.Connection)

// Handler is the (encode, decode) pair registered for one method name.
type Handler struct {
	Command string
	Encode  EncodeFunc
	Decode  DecodeFunc
}

// HandlerSet maps method name to Handler. Two independent sets exist —
// one for WebSocket method dispatch, one for JSON-RPC — because the same
// method name could mean different things on each surface.
type HandlerSet map[string]Handler

// BusSender is the opaque backend message bus transport spec.md §1 names
// as an external collaborator: "we only use its send/receive and a
// subscribable reply callback."
type BusSender interface {
	Send(message []byte) error
}
