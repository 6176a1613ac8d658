package transport

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startEcho runs an acceptor whose connections echo every frame back.
// Returns the acceptor and its bound address.
func startEcho(t *testing.T, addr string) (*Acceptor, string) {
	t.Helper()
	a := NewAcceptor(Config{WriteTimeout: 5 * time.Second}, slog.Default())
	a.OnConnection = func(conn *Conn) {
		conn.ReadLoop(func(data []byte) {
			conn.Send(data)
		}, func(error) {})
	}

	go a.Listen(addr)
	t.Cleanup(func() { a.Close() })

	bound := waitAddr(t, a)
	if network, _, _ := Resolve(addr); network == "unix" {
		return a, addr
	}
	return a, bound.String()
}

func waitAddr(t *testing.T, a *Acceptor) net.Addr {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := a.Addr(); addr != nil {
			return addr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("acceptor did not bind in time")
	return nil
}

// recv collects one frame from ch or fails the test.
func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case data := <-ch:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func TestDialSendReceive(t *testing.T) {
	_, addr := startEcho(t, "127.0.0.1:0")

	conn, err := Dial(context.Background(), addr, Config{WriteTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer conn.Close()

	inbound := make(chan []byte, 1)
	go conn.ReadLoop(func(data []byte) { inbound <- data }, func(error) {})

	require.NoError(t, conn.Send([]byte(`["hello"]`)))
	assert.Equal(t, `["hello"]`, string(recv(t, inbound)))
}

func TestUnixSocket(t *testing.T) {
	sock := "unix://" + filepath.Join(t.TempDir(), "rpc.sock")
	_, addr := startEcho(t, sock)

	conn, err := Dial(context.Background(), addr, Config{})
	require.NoError(t, err)
	defer conn.Close()

	inbound := make(chan []byte, 1)
	go conn.ReadLoop(func(data []byte) { inbound <- data }, func(error) {})

	require.NoError(t, conn.Send([]byte(`[2,"news","hi"]`)))
	assert.Equal(t, `[2,"news","hi"]`, string(recv(t, inbound)))
}

func TestLiveSet(t *testing.T) {
	a, addr := startEcho(t, "127.0.0.1:0")

	conn, err := Dial(context.Background(), addr, Config{})
	require.NoError(t, err)

	// The server-side handle appears in the live set.
	var serverConn *Conn
	require.Eventually(t, func() bool {
		conns := a.Conns()
		if len(conns) != 1 {
			return false
		}
		serverConn = conns[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, a.Has(serverConn))

	// Closing the client drops the server-side handle from the set.
	conn.Close()
	require.Eventually(t, func() bool {
		return !a.Has(serverConn)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, a.Conns())
}

func TestSendAfterClose(t *testing.T) {
	_, addr := startEcho(t, "127.0.0.1:0")

	conn, err := Dial(context.Background(), addr, Config{})
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close(), "second close is a no-op")

	assert.ErrorIs(t, conn.Send([]byte("[]")), ErrConnClosed)

	select {
	case <-conn.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	assert.Error(t, conn.Context().Err(), "context should be canceled")
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), "bad address", Config{})
	assert.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = Dial(ctx, "127.0.0.1:1", Config{})
	assert.Error(t, err)
}

func TestAcceptorClose(t *testing.T) {
	a, addr := startEcho(t, "127.0.0.1:0")

	conn, err := Dial(context.Background(), addr, Config{})
	require.NoError(t, err)
	defer conn.Close()

	// The client only notices the teardown through its read loop.
	readDone := make(chan struct{})
	go func() {
		conn.ReadLoop(func([]byte) {}, func(error) {})
		close(readDone)
	}()

	require.NoError(t, a.Close())

	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("connection survived acceptor close")
	}
}

// TestUpgradeDuringClose covers the upgrade that finishes after Close has
// snapshotted the live set: the shutdown flag is already up, so the
// listener still completes the handshake but the connection is torn down
// instead of escaping the shutdown.
func TestUpgradeDuringClose(t *testing.T) {
	a := NewAcceptor(Config{}, slog.Default())
	accepted := make(chan *Conn, 1)
	a.OnConnection = func(conn *Conn) { accepted <- conn }

	go a.Listen("127.0.0.1:0")
	t.Cleanup(func() { a.Close() })
	addr := waitAddr(t, a).String()

	// Raise the flag without closing the listener, holding the acceptor in
	// the window where Close no longer sees new registrations.
	a.shutdown.Store(true)

	conn, err := Dial(context.Background(), addr, Config{})
	require.NoError(t, err) // the handshake completes before the flag check
	defer conn.Close()

	readDone := make(chan struct{})
	go func() {
		conn.ReadLoop(func([]byte) {}, func(error) {})
		close(readDone)
	}()

	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("connection survived an upgrade raced with shutdown")
	}

	select {
	case c := <-accepted:
		t.Fatalf("shutdown upgrade was handed to OnConnection: %v", c.RemoteAddr())
	default:
	}

	require.Eventually(t, func() bool {
		return len(a.Conns()) == 0
	}, 2*time.Second, 5*time.Millisecond, "connection still in the live set")
}
