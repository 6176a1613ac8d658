// Package server implements the serving side of the final-rpc protocol:
// method registration and dispatch, channel subscriptions with publish
// fan-out, and the connection lifecycle glue between the two.
//
// Frame processing pipeline:
//
//	Accept conn → read loop (one goroutine reads frames in order)
//	  → for each request: go dispatch (handlers run concurrently)
//	    → middleware chain → handler → exactly one response frame
package server

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/laino/final-rpc/event"
	"github.com/laino/final-rpc/middleware"
	"github.com/laino/final-rpc/protocol"
	"github.com/laino/final-rpc/registry"
	"github.com/laino/final-rpc/transport"
)

// Config tunes a Server. The zero value is usable: default transport
// limits, slog.Default(), 5s shutdown grace.
type Config struct {
	Transport       transport.Config
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Transport == (transport.Config{}) {
		c.Transport = transport.DefaultConfig()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Server accepts connections, dispatches their requests to registered
// handlers, and publishes channel events to subscribed connections.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	acceptor *transport.Acceptor
	channels *channelTable
	events   *event.Emitter

	mu          sync.Mutex
	handlers    map[string]Handler
	middlewares []middleware.Middleware
	chain       middleware.HandlerFunc

	wg       sync.WaitGroup // in-flight dispatches, drained on Close
	shutdown atomic.Bool

	registry      registry.Registry
	serviceName   string
	advertiseAddr string
}

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		channels: newChannelTable(),
		events:   event.NewEmitter(),
		handlers: make(map[string]Handler),
	}
	s.acceptor = transport.NewAcceptor(cfg.Transport, cfg.Logger)
	s.acceptor.OnConnection = s.handleConn
	return s
}

// Register adds (or overwrites) the handler for a method name. The last
// registration wins. Safe to call while serving.
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// Use appends a middleware. Middlewares run in the order they were added
// and must all be in place before Listen.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.mu.Unlock()
}

// OnError registers a listener for per-connection errors: failed response
// sends, failed publish deliveries, transport read errors. Errors are
// delivered in occurrence order and never raised into caller code paths.
// The returned function removes the listener.
func (s *Server) OnError(fn func(conn *transport.Conn, err error)) (off func()) {
	return s.events.On("error", func(args ...any) {
		fn(args[0].(*transport.Conn), args[1].(error))
	})
}

// Listen serves on address until Close. It blocks; after a clean Close it
// returns nil.
func (s *Server) Listen(address string) error {
	return s.Serve(address, "", "", nil)
}

// Serve is Listen plus endpoint advertisement: when reg is non-nil the
// advertise address is registered under serviceName with a TTL lease and
// removed again during Close. advertiseAddr differs from the listen
// address because ":8080" is not routable for clients.
func (s *Server) Serve(address, serviceName, advertiseAddr string, reg registry.Registry) error {
	s.mu.Lock()
	// Built once at listen time, not per request.
	s.chain = middleware.Chain(s.middlewares...)(s.dispatch)
	s.registry = reg
	s.serviceName = serviceName
	s.advertiseAddr = advertiseAddr
	s.mu.Unlock()

	if reg != nil {
		err := reg.Register(serviceName, registry.ServiceInstance{
			Addr: advertiseAddr,
		}, 10) // TTL = 10 seconds, KeepAlive renews automatically
		if err != nil {
			return fmt.Errorf("register %s: %w", serviceName, err)
		}
	}

	return s.acceptor.Listen(address)
}

// Addr reports the bound listen address, nil before Listen has bound it.
func (s *Server) Addr() net.Addr {
	return s.acceptor.Addr()
}

// Conns snapshots the live connection set.
func (s *Server) Conns() []*transport.Conn {
	return s.acceptor.Conns()
}

// Close performs graceful shutdown: deregister, stop accepting, tear down
// connections, then wait for in-flight dispatches up to the configured
// grace period.
func (s *Server) Close() error {
	s.mu.Lock()
	reg, name, addr := s.registry, s.serviceName, s.advertiseAddr
	s.mu.Unlock()

	// Deregister first so clients stop dialing a dying server.
	if reg != nil {
		if err := reg.Deregister(name, addr); err != nil {
			s.logger.Warn("deregister failed", "service", name, "error", err)
		}
	}

	s.shutdown.Store(true)
	err := s.acceptor.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-time.After(s.cfg.ShutdownTimeout):
		return fmt.Errorf("timeout waiting for in-flight requests to finish")
	}
}

// handleConn runs a connection's read loop to completion and then tears
// down its subscription state. Frames are read in arrival order on this
// one goroutine; dispatch fans out per request.
func (s *Server) handleConn(conn *transport.Conn) {
	s.logger.Debug("connection open", "remote", conn.RemoteAddr())

	conn.ReadLoop(func(data []byte) {
		s.handleFrame(conn, data)
	}, func(err error) {
		s.reportConnError(conn, err)
	})

	// No orphaned membership survives a closed connection.
	s.channels.dropConn(conn)
	s.logger.Debug("connection closed", "remote", conn.RemoteAddr())
}

func (s *Server) handleFrame(conn *transport.Conn, data []byte) {
	req := protocol.DecodeRequest(data)
	if req == nil {
		// Malformed frames are dropped, not answered.
		s.logger.Debug("dropping malformed frame", "remote", conn.RemoteAddr())
		return
	}

	s.mu.Lock()
	chain := s.chain
	s.mu.Unlock()
	if chain == nil {
		chain = s.dispatch
	}

	// Each request dispatches on its own goroutine so a slow handler
	// cannot stall the connection; responses may complete out of order
	// and the request id is the caller's only ordering guarantee.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.respond(conn, chain(conn.Context(), conn, req))
	}()
}

// reportConnError surfaces a failure as the connection's error event; the
// protocol layer never terminates the process or throws into callers.
func (s *Server) reportConnError(conn *transport.Conn, err error) {
	s.logger.Warn("connection error", "remote", conn.RemoteAddr(), "error", err)
	s.events.Emit("error", conn, err)
}
