package server

import (
	"fmt"
	"sync"

	"github.com/laino/final-rpc/protocol"
	"github.com/laino/final-rpc/transport"
)

// channelTable tracks subscriptions in both directions: channel →
// subscribed connections for publish fan-out, connection → channels for
// disconnect teardown. The two indexes always change together under one
// lock.
type channelTable struct {
	mu    sync.Mutex
	subs  map[string]map[*transport.Conn]struct{}
	conns map[*transport.Conn]map[string]struct{}
}

func newChannelTable() *channelTable {
	return &channelTable{
		subs:  make(map[string]map[*transport.Conn]struct{}),
		conns: make(map[*transport.Conn]map[string]struct{}),
	}
}

func (t *channelTable) subscribe(conn *transport.Conn, channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.subs[channel]
	if set == nil {
		set = make(map[*transport.Conn]struct{})
		t.subs[channel] = set
	}
	set[conn] = struct{}{}

	chans := t.conns[conn]
	if chans == nil {
		chans = make(map[string]struct{})
		t.conns[conn] = chans
	}
	chans[channel] = struct{}{}
}

func (t *channelTable) unsubscribe(conn *transport.Conn, channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(conn, channel)
}

func (t *channelTable) removeLocked(conn *transport.Conn, channel string) {
	if set, ok := t.subs[channel]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(t.subs, channel)
		}
	}
	if chans, ok := t.conns[conn]; ok {
		delete(chans, channel)
		if len(chans) == 0 {
			delete(t.conns, conn)
		}
	}
}

func (t *channelTable) subscribers(channel string) []*transport.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.subs[channel]
	if len(set) == 0 {
		return nil
	}
	conns := make([]*transport.Conn, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	return conns
}

// dropConn removes every membership the connection held, in both indexes.
func (t *channelTable) dropConn(conn *transport.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for channel := range t.conns[conn] {
		t.removeLocked(conn, channel)
	}
	delete(t.conns, conn)
}

// Subscribe adds conn to the channel's subscriber set. Connections that
// are not (or no longer) in the live set are ignored, so a stale handle
// can never plant subscription state. Subscribing twice is idempotent.
func (s *Server) Subscribe(conn *transport.Conn, channel string) {
	if !s.acceptor.Has(conn) {
		return
	}
	s.channels.subscribe(conn, channel)

	// The connection may have been torn down between the liveness check
	// and the insert. Its done channel closes before teardown drops the
	// membership tables, so an insert that landed after the drop sees it
	// closed here and must not survive.
	select {
	case <-conn.Done():
		s.channels.dropConn(conn)
	default:
	}
}

// Unsubscribe removes conn from the channel. No-op if it was not
// subscribed.
func (s *Server) Unsubscribe(conn *transport.Conn, channel string) {
	s.channels.unsubscribe(conn, channel)
}

// Publish sends [2, channel, args...] to every current subscriber,
// independently: one dead connection becomes that connection's error
// event and the rest still get their copy. No subscribers, no work.
func (s *Server) Publish(channel string, args ...any) {
	subs := s.channels.subscribers(channel)
	if len(subs) == 0 {
		return
	}

	data, err := protocol.EncodePublish(channel, args)
	if err != nil {
		s.logger.Error("encode publish", "channel", channel, "error", err)
		return
	}

	for _, conn := range subs {
		if err := conn.Send(data); err != nil {
			s.reportConnError(conn, fmt.Errorf("publish %q: %w", channel, err))
		}
	}
}
