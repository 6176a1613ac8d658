// Package client implements the initiating side of the final-rpc
// protocol: request/response correlation, ordered channel-event delivery,
// and the connection open/close lifecycle.
//
// Each invocation gets the connection's next request id and a pending
// record; a dedicated read loop routes every inbound frame in arrival
// order, settling pending records on responses and queueing publishes for
// delivery. Listener callbacks (open, close, error, channel events) run
// one at a time in arrival order, so a slow listener never interleaves
// with the next event.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/laino/final-rpc/event"
	"github.com/laino/final-rpc/loadbalance"
	"github.com/laino/final-rpc/message"
	"github.com/laino/final-rpc/protocol"
	"github.com/laino/final-rpc/registry"
	"github.com/laino/final-rpc/transport"
)

// ErrClosed fails every invocation that is outstanding when the
// connection closes, and every invocation attempted afterwards.
var ErrClosed = errors.New("connection closed")

// RemoteError carries the failure payload of a rejected invocation,
// exactly as the server sent it: a {name, message, stack} record for
// normalized handler errors, or whatever raw value the server forwarded.
type RemoteError struct {
	Payload any
}

func (e *RemoteError) Error() string {
	if rec, ok := e.Payload.(map[string]any); ok {
		name, _ := rec["name"].(string)
		msg, _ := rec["message"].(string)
		if name != "" || msg != "" {
			return fmt.Sprintf("remote error: %s: %s", name, msg)
		}
	}
	return fmt.Sprintf("remote error: %v", e.Payload)
}

// Config tunes a Client. The zero value is usable.
type Config struct {
	Transport transport.Config
	Logger    *slog.Logger
}

type outcome struct {
	result any
	err    error
}

// Client is one protocol connection to a server.
type Client struct {
	addr   string
	cfg    Config
	logger *slog.Logger
	events *event.Emitter

	mu      sync.Mutex
	conn    *transport.Conn
	nextID  uint64
	pending map[uint64]chan outcome
	closed  bool
	dialErr error

	openCh chan struct{} // closed once the connection is open
	doneCh chan struct{} // closed once the connection is finished
}

// Dial starts connecting to addr and returns immediately. Invocations
// made before the connection opens wait for the open signal; they never
// poll and never need to.
func Dial(addr string, cfg Config) *Client {
	if cfg.Transport == (transport.Config{}) {
		cfg.Transport = transport.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Client{
		addr:    addr,
		cfg:     cfg,
		logger:  cfg.Logger,
		events:  event.NewEmitter(),
		pending: make(map[uint64]chan outcome),
		openCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go c.run()
	return c
}

// DialDiscovered looks the service up in the registry, picks one endpoint
// with the balancer, and dials it. The balancer runs once per connection;
// subscriptions are connection state, so there is no per-call rebalancing.
func DialDiscovered(reg registry.Registry, balancer loadbalance.Balancer, service string, cfg Config) (*Client, error) {
	instances, err := reg.Discover(service)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}
	instance, err := balancer.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("pick %s: %w", service, err)
	}
	return Dial(instance.Addr, cfg), nil
}

// run owns the connection from dial to teardown. All inbound frames pass
// through here in arrival order.
func (c *Client) run() {
	conn, err := transport.Dial(context.Background(), c.addr, c.cfg.Transport)
	if err != nil {
		c.mu.Lock()
		c.dialErr = err
		c.mu.Unlock()
		c.events.Emit("error", err)
		c.finish()
		return
	}

	c.mu.Lock()
	if c.closed {
		// Close raced the dial; drop the fresh connection.
		c.mu.Unlock()
		conn.Close()
		c.finish()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	close(c.openCh)
	c.events.Emit("open")

	conn.ReadLoop(c.handleFrame, func(err error) {
		c.events.Emit("error", err)
	})
	c.finish()
}

func (c *Client) handleFrame(data []byte) {
	resp, pub := protocol.DecodeClientFrame(data)
	switch {
	case resp != nil:
		c.settle(resp)
	case pub != nil:
		c.events.Emit(channelEvent(pub.Channel), pub.Args...)
	default:
		c.logger.Debug("dropping malformed frame", "addr", c.addr)
	}
}

// settle completes the pending record matching the response. Responses
// with no pending record are dropped: the record was already settled, or
// the id was never ours.
func (c *Client) settle(resp *message.Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if resp.OK {
		ch <- outcome{result: resp.Result}
	} else {
		ch <- outcome{err: &RemoteError{Payload: resp.ErrPayload}}
	}
}

// finish settles the client exactly once, after the connection (or the
// dial attempt) is done: every remaining pending record fails with
// ErrClosed and the table is cleared.
func (c *Client) finish() {
	c.mu.Lock()
	c.closed = true
	pend := c.pending
	c.pending = make(map[uint64]chan outcome)
	c.mu.Unlock()

	for _, ch := range pend {
		ch <- outcome{err: ErrClosed}
	}
	close(c.doneCh)
	c.events.Emit("close")
}

func (c *Client) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dialErr != nil {
		return c.dialErr
	}
	return ErrClosed
}

// Invoke calls a remote method and waits for its response. It blocks
// until the connection is open if needed, then until the response
// arrives, ctx is done, or the connection closes. Cancelling ctx abandons
// the wait locally; the protocol has no timeout of its own.
func (c *Client) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	select {
	case <-c.openCh:
	case <-c.doneCh:
		return nil, c.closeReason()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	id := c.nextID
	c.nextID++
	ch := make(chan outcome, 1)
	c.pending[id] = ch
	conn := c.conn
	c.mu.Unlock()

	data, err := protocol.EncodeRequest(method, id, args)
	if err != nil {
		// Unserializable arguments fail locally, before anything hits the
		// wire.
		c.forget(id)
		return nil, fmt.Errorf("encode request %q: %w", method, err)
	}
	if err := conn.Send(data); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// WaitOpen blocks until the connection is open, finished, or ctx is done.
func (c *Client) WaitOpen(ctx context.Context) error {
	select {
	case <-c.openCh:
		return nil
	case <-c.doneCh:
		return c.closeReason()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the connection has finished for good.
func (c *Client) Done() <-chan struct{} {
	return c.doneCh
}

// Close tears the connection down. Outstanding invocations fail with
// ErrClosed. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.closed = true
	c.mu.Unlock()

	if conn != nil {
		// The read loop notices and runs finish.
		return conn.Close()
	}
	return nil
}

// On registers a listener for publishes on the named channel. Deliveries
// are serialized: one at a time, in arrival order. The returned function
// removes the listener.
func (c *Client) On(channel string, fn func(args ...any)) (off func()) {
	return c.events.On(channelEvent(channel), event.Listener(fn))
}

// OnOpen registers a listener for the connection-open event.
func (c *Client) OnOpen(fn func()) (off func()) {
	return c.events.On("open", func(...any) { fn() })
}

// OnClose registers a listener for the connection-close event.
func (c *Client) OnClose(fn func()) (off func()) {
	return c.events.On("close", func(...any) { fn() })
}

// OnError registers a listener for transport errors. Errors surface here,
// never as panics in caller code paths.
func (c *Client) OnError(fn func(err error)) (off func()) {
	return c.events.On("error", func(args ...any) {
		fn(args[0].(error))
	})
}

// channelEvent namespaces channel names away from the lifecycle events.
func channelEvent(channel string) string {
	return "channel:" + channel
}
