package bridge

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/coregrid/busbridge/internal/conn"
	"github.com/coregrid/busbridge/internal/httpreq"
	"github.com/coregrid/busbridge/internal/taskqueue"
	"github.com/coregrid/busbridge/internal/wsframe"
)

// closeStatusPolicyViolation is the RFC 6455 close status code (1008) for
// a client that violated the server's policy — used here for a connection
// that tripped the per-connection rate limit.
const closeStatusPolicyViolation = 1008

// RateLimit configures the per-connection inbound message limiter
// (SPEC_FULL.md §12.3). Limiting is disabled only when both Limit and
// Burst are zero; a zero Limit with a positive Burst allows Burst messages
// per connection and none after that.
type RateLimit struct {
	Limit rate.Limit
	Burst int
}

// Bridge owns the handler registries, the work map, and the correlation
// map, and is the only place spec.md §4.5's algorithms live. All of its
// mutating methods are meant to run on the I/O thread; QueueResponse is
// the one exception, called from whatever thread delivers backend
// replies, and it only ever appends to the task queue.
type Bridge struct {
	log zerolog.Logger
	bus BusSender

	wsHandlers  HandlerSet
	rpcHandlers HandlerSet

	mu          sync.Mutex
	connections map[uuid.UUID]*conn.Connection
	work        map[uuid.UUID]map[uint32]WorkItem
	correlations map[uint32]correlation
	limiters    map[uuid.UUID]*rate.Limiter

	sequence atomic.Uint32

	tasks taskqueue.Queue

	rateLimit RateLimit
}

// New constructs a Bridge. RegisterHandlers must be called before any
// connection is registered — handler registries are written once at
// startup and read-only afterward (spec.md §5).
func New(bus BusSender, log zerolog.Logger, rl RateLimit) *Bridge {
	return &Bridge{
		log:          log,
		bus:          bus,
		connections:  make(map[uuid.UUID]*conn.Connection),
		work:         make(map[uuid.UUID]map[uint32]WorkItem),
		correlations: make(map[uint32]correlation),
		limiters:     make(map[uuid.UUID]*rate.Limiter),
		rateLimit:    rl,
	}
}

// SetSender wires the bus transport after construction, for the common
// startup ordering where the bus connection itself needs QueueResponse as
// its reply callback before the Bridge that owns QueueResponse can be
// handed a sender.
func (b *Bridge) SetSender(bus BusSender) {
	b.bus = bus
}

// RegisterHandlers populates both handler registries. Must be called
// once, before Start.
func (b *Bridge) RegisterHandlers(ws, rpc HandlerSet) {
	b.wsHandlers = ws
	b.rpcHandlers = rpc
}

// RegisterConnection enrolls a newly accepted connection in the work map.
// Called on the I/O thread from the engine's "accepted" event.
func (b *Bridge) RegisterConnection(c *conn.Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connections[c.ID] = c
	b.work[c.ID] = make(map[uint32]WorkItem)

	if b.rateLimit.Limit > 0 || b.rateLimit.Burst > 0 {
		b.limiters[c.ID] = rate.NewLimiter(b.rateLimit.Limit, b.rateLimit.Burst)
	}
}

// Teardown removes every correlation entry this connection owns, then the
// connection's own work map entry — the O(n)-in-outstanding-requests walk
// spec.md §4.5 specifies, with no global scan. Called from the engine's
// "closing" event.
func (b *Bridge) Teardown(connID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if items, ok := b.work[connID]; ok {
		for _, item := range items {
			delete(b.correlations, item.CorrelationID)
		}
	}
	delete(b.work, connID)
	delete(b.connections, connID)
	delete(b.limiters, connID)
}

// ConnectionCount reports how many connections currently have a work map
// entry, i.e. are known to the bridge.
func (b *Bridge) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.work)
}

// NotifyQueryWork implements spec.md §4.5's algorithm of the same name:
// look up the handler, ensure no id collision, assign a correlation,
// encode, and send to the backend bus. Any failure writes an error reply
// directly on the connection and returns.
func (b *Bridge) NotifyQueryWork(connID uuid.UUID, method string, clientID uint32, params string) {
	b.mu.Lock()
	c, connOK := b.connections[connID]
	limiter := b.limiters[connID]
	b.mu.Unlock()

	if !connOK {
		b.log.Error().Str("conn", connID.String()).Msg("query work for unknown connection")
		return
	}

	if limiter != nil && !limiter.Allow() {
		b.log.Warn().Str("conn", connID.String()).Uint32("client_id", clientID).Msg("rate limit exceeded, closing connection")
		closeForRateLimit(c, clientID)
		return
	}

	registry := b.rpcHandlers
	if !c.IsJSONRPC {
		registry = b.wsHandlers
	}

	if len(b.wsHandlers) == 0 && len(b.rpcHandlers) == 0 {
		writeError(c, 503, clientID, ErrCodeServiceUnavail, "no handlers registered for this endpoint")
		return
	}

	handler, found := registry[method]
	if !found {
		b.log.Debug().Str("method", method).Msg("method not found")
		writeError(c, 404, clientID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", method))
		return
	}

	b.mu.Lock()
	items, ok := b.work[connID]
	if !ok {
		b.mu.Unlock()
		b.log.Error().Str("conn", connID.String()).Msg("work map missing for registered connection")
		return
	}
	if _, collide := items[clientID]; collide {
		b.mu.Unlock()
		writeError(c, 500, clientID, ErrCodeInternalError, "duplicate client id in flight")
		return
	}

	seq := b.sequence.Add(1) - 1
	items[clientID] = WorkItem{
		ClientID:      clientID,
		CorrelationID: seq,
		ConnID:        connID,
		Command:       handler.Command,
		Params:        params,
	}
	b.correlations[seq] = correlation{ConnID: connID, ClientID: clientID}
	b.mu.Unlock()

	message, err := handler.Encode(handler.Command, params, seq)
	if err != nil {
		b.log.Warn().Err(err).Str("command", handler.Command).Msg("encode failed")
		b.removeWork(connID, clientID, seq)
		writeError(c, 400, clientID, ErrCodeInvalidRequest, "encoding request failed")
		return
	}

	if err := b.bus.Send(message); err != nil {
		b.log.Warn().Err(err).Msg("backend send failed")
		b.removeWork(connID, clientID, seq)
		writeError(c, 500, clientID, ErrCodeInternalError, "backend send failed")
		return
	}
}

// closeForRateLimit ends a connection that exceeded its rate limit instead
// of queuing unbounded backend work for it: a WebSocket policy-violation
// close frame, or an HTTP 429 for JSON-RPC, either way followed by
// RequestClose so the engine tears the connection down once the reply has
// drained. This is what actually bounds the correlation map growth a
// client hammering NotifyQueryWork would otherwise cause — leaving the
// connection open after an error reply does not.
func closeForRateLimit(c *conn.Connection, clientID uint32) {
	body := encodeError(clientID, ErrCodeServiceUnavail, "rate limit exceeded")

	if c.IsJSONRPC {
		c.Write(append(httpreq.Reply(429, "application/json", len(body), false), body...))
	} else {
		var status [2]byte
		binary.BigEndian.PutUint16(status[:], closeStatusPolicyViolation)
		c.WriteControlFrame(wsframe.OpClose, status[:])
	}
	c.RequestClose()
}

func (b *Bridge) removeWork(connID uuid.UUID, clientID uint32, seq uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if items, ok := b.work[connID]; ok {
		delete(items, clientID)
	}
	delete(b.correlations, seq)
}

// QueueResponse is called from the backend thread when a reply arrives.
// It only ever appends a closure to the task queue — every lookup into
// the correlation/work maps, and the handler.Decode call that writes the
// client's reply, happens later on the I/O thread via SendQueryResponses.
func (b *Bridge) QueueResponse(sequence uint32, payload []byte) {
	b.tasks.Push(func() {
		b.deliverResponse(sequence, payload)
	})
}

func (b *Bridge) deliverResponse(sequence uint32, payload []byte) {
	b.mu.Lock()
	corr, ok := b.correlations[sequence]
	if !ok {
		b.mu.Unlock()
		b.log.Debug().Uint32("seq", sequence).Msg("unmatched correlation, client likely disconnected")
		return
	}
	delete(b.correlations, sequence)

	items, ok := b.work[corr.ConnID]
	if !ok {
		b.mu.Unlock()
		b.log.Debug().Str("conn", corr.ConnID.String()).Msg("connection torn down before reply delivery")
		return
	}

	item, ok := items[corr.ClientID]
	if !ok {
		b.mu.Unlock()
		b.log.Debug().Uint32("client_id", corr.ClientID).Msg("unmatched work item, client likely disconnected")
		return
	}
	delete(items, corr.ClientID)

	c, ok := b.connections[corr.ConnID]
	b.mu.Unlock()

	if !ok {
		return
	}

	if item.CorrelationID != sequence {
		b.log.Error().Uint32("expected", item.CorrelationID).Uint32("got", sequence).Msg("crossed wires: work item correlation mismatch")
		return
	}

	errCode, n := readBackendErrorCode(payload)
	if errCode != 0 {
		writeError(c, 500, item.ClientID, ErrCodeBackendError, "backend reported an error")
		return
	}

	registry := b.rpcHandlers
	if !c.IsJSONRPC {
		registry = b.wsHandlers
	}

	handler, found := registry[item.Command]
	if !found {
		writeError(c, 404, item.ClientID, ErrCodeMethodNotFound, "handler no longer registered")
		return
	}

	handler.Decode(payload[n:], item.ClientID, c)
}

// SendQueryResponses drains the task queue. It must be called once per
// poll iteration from the I/O thread (spec.md §4.5/§4.7).
func (b *Bridge) SendQueryResponses() {
	b.tasks.Drain()
}

// Send asynchronously pushes JSON to one connection. Like the original,
// it funnels through the task queue so the actual write always happens on
// the I/O thread, even when called from elsewhere.
func (b *Bridge) Send(connID uuid.UUID, json []byte) {
	b.tasks.Push(func() {
		b.mu.Lock()
		c, ok := b.connections[connID]
		b.mu.Unlock()
		if !ok || c.Closed() {
			return
		}
		writeCorrelatedJSON(c, json)
	})
}

// Broadcast asynchronously pushes JSON to every registered connection.
func (b *Bridge) Broadcast(json []byte) {
	b.tasks.Push(func() {
		b.mu.Lock()
		targets := make([]*conn.Connection, 0, len(b.connections))
		for _, c := range b.connections {
			targets = append(targets, c)
		}
		b.mu.Unlock()

		for _, c := range targets {
			if !c.Closed() {
				writeCorrelatedJSON(c, json)
			}
		}
	})
}

// writeCorrelatedJSON writes a push message the way the original
// task_sender did: a bare frame for WebSocket, a full HTTP 200 response
// for JSON-RPC.
func writeCorrelatedJSON(c *conn.Connection, body []byte) {
	if c.IsJSONRPC {
		c.Write(append(httpreq.Reply(200, "application/json", len(body), false), body...))
		return
	}
	c.Write(body)
}
