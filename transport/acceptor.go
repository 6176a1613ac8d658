package transport

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// Acceptor listens for WebSocket connections, upgrades them, and tracks
// the live connection set. It hands every established connection to
// OnConnection and reports accept/upgrade problems to OnError; both
// callbacks must be set before Listen.
type Acceptor struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// OnConnection is invoked with each established connection. It may
	// block; it runs on the connection's own goroutine.
	OnConnection func(conn *Conn)
	// OnError receives upgrade failures. Optional.
	OnError func(err error)

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	httpSrv  *http.Server
	addr     net.Addr
	shutdown atomic.Bool
}

func NewAcceptor(cfg Config, logger *slog.Logger) *Acceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Acceptor{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[*Conn]struct{}),
	}
}

// Listen binds addr (see Resolve for accepted forms) and serves upgrade
// requests until Close. It blocks; after Close it returns nil.
func (a *Acceptor) Listen(addr string) error {
	network, address, err := Resolve(addr)
	if err != nil {
		return err
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", a.handleUpgrade)
	srv := &http.Server{Handler: mux}

	a.mu.Lock()
	a.httpSrv = srv
	a.addr = ln.Addr()
	a.mu.Unlock()

	err = srv.Serve(ln)
	if a.shutdown.Load() {
		return nil
	}
	return err
}

// Addr reports the bound listen address, nil before Listen has bound it.
// Useful with ":0" listen addresses.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Has reports whether conn is currently part of the live set. A
// connection leaves the set the moment it is torn down, so stale handles
// answer false.
func (a *Acceptor) Has(conn *Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.conns[conn]
	return ok
}

// Conns snapshots the live connection set.
func (a *Acceptor) Conns() []*Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	conns := make([]*Conn, 0, len(a.conns))
	for conn := range a.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Close stops accepting and tears down every live connection.
func (a *Acceptor) Close() error {
	a.shutdown.Store(true)

	a.mu.Lock()
	srv := a.httpSrv
	conns := make([]*Conn, 0, len(a.conns))
	for conn := range a.conns {
		conns = append(conns, conn)
	}
	a.mu.Unlock()

	var err error
	if srv != nil {
		// Close, not Shutdown: upgraded connections are hijacked and a
		// graceful HTTP shutdown would never see them finish.
		err = srv.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
	return err
}

func (a *Acceptor) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		if a.OnError != nil {
			a.OnError(err)
		}
		return
	}

	conn := newConn(ws, a.cfg)

	a.mu.Lock()
	a.conns[conn] = struct{}{}
	a.mu.Unlock()

	go func() {
		<-conn.Done()
		a.mu.Lock()
		delete(a.conns, conn)
		a.mu.Unlock()
	}()

	// Close snapshots the live set after setting the shutdown flag; an
	// upgrade that registered too late for the snapshot sees the flag here
	// and tears itself down instead of outliving the shutdown.
	if a.shutdown.Load() {
		conn.Close()
		return
	}

	a.OnConnection(conn)
}
