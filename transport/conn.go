// Package transport carries protocol frames over WebSocket connections.
//
// One WebSocket text message is one protocol frame; the transport adds no
// framing of its own. A Conn wraps the underlying *websocket.Conn with a
// write lock (concurrent dispatch goroutines share one connection, and
// unsynchronized writes would interleave frames) and an idempotent close.
// The Acceptor owns the serving side: listen, upgrade, and the live
// connection set.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned by Send once the connection has been torn
// down.
var ErrConnClosed = errors.New("connection closed")

// Config bounds transport I/O. Zero values disable the corresponding
// limit.
type Config struct {
	// ReadTimeout is the longest silence tolerated on the wire before a
	// read fails. Pongs from the peer count as traffic.
	ReadTimeout time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// PingInterval is how often a keepalive ping probes the peer.
	PingInterval time.Duration
	// MaxMessageSize caps a single inbound frame, in bytes.
	MaxMessageSize int64
}

// DefaultConfig returns the limits used when the caller does not care:
// 10s writes, 30s keepalive pings, unlimited reads.
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Conn is one duplex protocol connection.
type Conn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	closed       atomic.Bool
	done         chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func newConn(ws *websocket.Conn, cfg Config) *Conn {
	if cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(cfg.MaxMessageSize)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:           ws,
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
	if cfg.ReadTimeout > 0 {
		// A pong proves the peer is alive; push the deadline out.
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		})
	}
	if cfg.PingInterval > 0 {
		go c.pingLoop(cfg.PingInterval)
	}
	return c
}

// Send writes one frame as a single WebSocket text message. It fails with
// ErrConnClosed after Close and with the underlying write error when the
// peer is gone.
func (c *Conn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close tears the connection down. Safe to call more than once; only the
// first call does anything.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	close(c.done)
	return c.ws.Close()
}

// Done is closed when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Context is canceled when the connection closes. Handlers doing blocking
// work on behalf of the connection should derive from it.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// RemoteAddr reports the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// ReadLoop reads frames until the connection fails or closes, invoking
// onMessage for each one, and always closes the connection before
// returning. Reads must stay on one goroutine: WebSocket messages are a
// stream, and a second reader would corrupt it. Errors other than the
// peer closing normally are passed to onError.
func (c *Conn) ReadLoop(onMessage func(data []byte), onError func(err error)) {
	defer c.Close()
	for {
		if c.readTimeout > 0 {
			c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() && websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				onError(err)
			}
			return
		}
		onMessage(msg)
	}
}

// pingLoop probes the peer so half-dead connections are detected even
// when no frames flow. Control writes have their own serialization in
// gorilla/websocket and do not need the frame write lock.
func (c *Conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(interval / 2)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
