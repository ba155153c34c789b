package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coregrid/busbridge/internal/bridge"
	"github.com/coregrid/busbridge/internal/conn"
)

const pollTimeoutMillis = 200

// Engine is C4, the event manager: it owns the listening socket, the set
// of active connections, and the single-threaded poll loop that drives
// them. Per spec.md §4.4 it exposes one synchronous operation, Start, and
// one termination operation, Stop.
type Engine struct {
	log     zerolog.Logger
	cfg     EngineConfig
	bridge  *bridge.Bridge
	tls     *conn.TLSConfig
	reactor Reactor

	listenFd int

	connections     map[int]*conn.Connection
	closing         map[int]bool

	originAllowlist []string

	stopCh chan struct{}
	doneCh chan struct{}
}

// EngineConfig is the subset of the application configuration the engine
// itself needs, kept separate from internal/config.Config so this package
// doesn't have to import it (and so tests can build an Engine without a
// YAML file).
type EngineConfig struct {
	ListenAddress string
	WebRoot       string
	WebOrigins    []string
	IdleTimeout   time.Duration
	MaxConnections int

	TLSCertificate string
	TLSPrivateKey  string
	TLSCACert      string
}

// New constructs an Engine bound to a Bridge. It loads TLS material if
// configured; per spec.md §4.4, a cert without its key (or vice versa) is
// a startup error, never a silent "TLS disabled."
func New(cfg EngineConfig, log zerolog.Logger, bus *bridge.Bridge) (*Engine, error) {
	var tlsCfg *conn.TLSConfig
	if cfg.TLSCertificate != "" || cfg.TLSPrivateKey != "" {
		var err error
		tlsCfg, err = conn.LoadTLSConfig(cfg.TLSCertificate, cfg.TLSPrivateKey, cfg.TLSCACert)
		if err != nil {
			return nil, fmt.Errorf("engine: tls: %w", err)
		}
	}

	reactor, err := newReactor()
	if err != nil {
		return nil, fmt.Errorf("engine: reactor: %w", err)
	}

	lowered := make([]string, len(cfg.WebOrigins))
	for i, o := range cfg.WebOrigins {
		lowered[i] = strings.ToLower(o)
	}

	return &Engine{
		log:             log,
		cfg:             cfg,
		bridge:          bus,
		tls:             tlsCfg,
		reactor:         reactor,
		connections:     make(map[int]*conn.Connection),
		closing:         make(map[int]bool),
		originAllowlist: lowered,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}, nil
}

// Start binds the listen socket and runs the poll loop until Stop is
// called. Synchronous — the caller's goroutine becomes the I/O thread.
func (e *Engine) Start() error {
	fd, err := listenSocket(e.cfg.ListenAddress)
	if err != nil {
		return err
	}
	e.listenFd = fd

	if err := e.reactor.Add(e.listenFd, false); err != nil {
		return fmt.Errorf("engine: register listener: %w", err)
	}

	e.log.Info().Str("addr", e.cfg.ListenAddress).Bool("tls", e.tls != nil).Msg("listening")

	defer close(e.doneCh)
	for {
		select {
		case <-e.stopCh:
			e.shutdown()
			return nil
		default:
		}

		events, err := e.reactor.Wait(pollTimeoutMillis)
		if err != nil {
			e.log.Error().Err(err).Msg("poll wait failed")
			continue
		}

		for _, ev := range events {
			e.handleEvent(ev)
		}

		e.bridge.SendQueryResponses()
		e.flushPending()
		e.sweepIdle()
		e.sweepCloseRequests()
		e.finalizePendingCloses()
	}
}

// Stop signals the poll loop to exit and blocks until it has drained.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) handleEvent(ev Event) {
	if ev.Fd == e.listenFd {
		e.acceptLoop()
		return
	}

	c, ok := e.connections[ev.Fd]
	if !ok {
		return
	}

	if c.State() == conn.StateSSLHandshake {
		e.advanceHandshake(c)
		return
	}

	if ev.Flags&eventWrite != 0 {
		e.flushConnection(c)
	}
	if ev.Flags&eventRead != 0 {
		e.readConnection(c)
	}
}

func (e *Engine) acceptLoop() {
	for {
		if e.cfg.MaxConnections > 0 && len(e.connections) >= e.cfg.MaxConnections {
			e.log.Warn().Int("max_connections", e.cfg.MaxConnections).Msg("refusing accept, at capacity")
			return
		}

		fd, addr, err := acceptOne(e.listenFd)
		if err != nil {
			return // EAGAIN or nothing pending
		}

		var c *conn.Connection
		if e.tls != nil {
			netConn, wrapErr := fdToNetConn(fd)
			if wrapErr != nil {
				e.log.Warn().Err(wrapErr).Msg("wrap accepted fd for tls")
				continue
			}
			c = conn.NewTLS(fd, addr, netConn, e.tls)
		} else {
			c = conn.New(fd, addr)
		}

		e.connections[fd] = c
		e.bridge.RegisterConnection(c)

		wantWrite := c.State() == conn.StateSSLHandshake
		if err := e.reactor.Add(fd, wantWrite); err != nil {
			e.log.Warn().Err(err).Msg("register accepted fd")
		}

		e.log.Info().Str("conn", c.ID.String()).Str("peer", fmt.Sprint(addr)).Msg("accepted")
	}
}

func (e *Engine) advanceHandshake(c *conn.Connection) {
	if err := c.HandshakeTLS(); err != nil {
		if err == conn.ErrWouldBlock {
			return
		}
		e.log.Debug().Err(err).Str("conn", c.ID.String()).Msg("tls handshake failed")
		e.teardown(c)
		return
	}
	e.reactor.Modify(c.Fd(), false)
}

func (e *Engine) readConnection(c *conn.Connection) {
	// A panic while decoding this connection's input is a protocol error
	// on this connection only: tear it down and keep the loop running.
	defer func() {
		if r := recover(); r != nil {
			e.log.Debug().Str("conn", c.ID.String()).Interface("panic", r).Msg("recovered panic while handling input")
			e.teardown(c)
		}
	}()

	for {
		n, err := c.Read()
		if n > 0 {
			e.onReadable(c)
			if c.Closed() {
				return
			}
		}
		if err != nil {
			if err == conn.ErrWouldBlock {
				return
			}
			e.teardown(c)
			return
		}
		if n == 0 {
			e.teardown(c)
			return
		}
	}
}

func (e *Engine) flushConnection(c *conn.Connection) {
	if err := c.Flush(); err != nil && err != conn.ErrWouldBlock {
		e.teardown(c)
		return
	}
	e.reactor.Modify(c.Fd(), c.PendingWrite())
}

// flushPending attempts to drain every connection with buffered output,
// whether that output arrived from a read event just handled or from
// SendQueryResponses delivering a backend reply. Per spec.md §4.4 step 4,
// a short write simply leaves the remainder registered for the next
// writable event instead of being retried here.
func (e *Engine) flushPending() {
	for _, c := range e.connections {
		if c.PendingWrite() && c.State() != conn.StateSSLHandshake {
			e.flushConnection(c)
		}
	}
}

// closeConnection marks a connection to be torn down once its buffered
// writes (e.g. a close frame or an error reply) have drained, rather than
// discarding them immediately.
func (e *Engine) closeConnection(c *conn.Connection) {
	e.closing[c.Fd()] = true
	if c.PendingWrite() {
		e.flushConnection(c)
	}
}

func (e *Engine) finalizePendingCloses() {
	for fd, c := range e.connections {
		if e.closing[fd] && !c.PendingWrite() {
			e.teardown(c)
		}
	}
}

func (e *Engine) teardown(c *conn.Connection) {
	fd := c.Fd()
	e.reactor.Remove(fd)
	delete(e.connections, fd)
	delete(e.closing, fd)
	e.bridge.Teardown(c.ID)
	c.Close()
	e.log.Info().Str("conn", c.ID.String()).Msg("closing")
}

// sweepCloseRequests drives teardown for connections the bridge flagged
// via Connection.RequestClose (e.g. a rate-limited client) — the bridge
// has no reference to the engine's fd/connection lifecycle, so it can only
// raise the flag and let the poll loop that owns it act.
func (e *Engine) sweepCloseRequests() {
	for fd, c := range e.connections {
		if c.CloseRequested() && !e.closing[fd] {
			e.closeConnection(c)
		}
	}
}

func (e *Engine) sweepIdle() {
	if e.cfg.IdleTimeout <= 0 {
		return
	}
	for _, c := range e.connections {
		if c.IdleSince() > e.cfg.IdleTimeout {
			e.log.Debug().Str("conn", c.ID.String()).Msg("idle timeout")
			e.teardown(c)
		}
	}
}

func (e *Engine) shutdown() {
	for _, c := range e.connections {
		e.bridge.Teardown(c.ID)
		c.Close()
	}
	e.reactor.Close()
}
