package server

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/laino/final-rpc/message"
	"github.com/laino/final-rpc/protocol"
	"github.com/laino/final-rpc/transport"
)

// ErrNoSuchMethod is the literal failure payload sent for requests naming
// an unregistered method.
const ErrNoSuchMethod = "no such method"

// Handler processes one invocation. The returned value becomes the
// success payload; a non-nil error becomes the failure payload (see
// message.Normalize). ctx is canceled when the connection closes.
type Handler func(ctx context.Context, conn *transport.Conn, args []any) (any, error)

// dispatch is the business end of the middleware chain: look the method
// up and run it. Every path out of here produces exactly one response.
func (s *Server) dispatch(ctx context.Context, conn *transport.Conn, req *message.Request) (resp *message.Response) {
	s.mu.Lock()
	h := s.handlers[req.Method]
	s.mu.Unlock()

	if h == nil {
		return &message.Response{ID: req.ID, ErrPayload: ErrNoSuchMethod}
	}

	// A panicking handler settles its request like any other rejection.
	defer func() {
		if r := recover(); r != nil {
			resp = &message.Response{ID: req.ID, ErrPayload: normalizePanic(r)}
		}
	}()

	result, err := h(ctx, conn, req.Args)
	if err != nil {
		payload := withStack(message.Normalize(err))
		return &message.Response{ID: req.ID, ErrPayload: payload}
	}
	return &message.Response{ID: req.ID, OK: true, Result: result}
}

// respond sends the response frame, best-effort: a connection that went
// away mid-dispatch turns into an error event, never an exception. An
// unserializable result still settles the request, as a failure.
func (s *Server) respond(conn *transport.Conn, resp *message.Response) {
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		s.reportConnError(conn, fmt.Errorf("encode response %d: %w", resp.ID, err))
		fallback := &message.Response{
			ID:         resp.ID,
			ErrPayload: &message.RPCError{Name: "Error", Message: "unserializable response"},
		}
		if data, err = protocol.EncodeResponse(fallback); err != nil {
			return
		}
	}
	if err := conn.Send(data); err != nil {
		s.reportConnError(conn, fmt.Errorf("send response %d: %w", resp.ID, err))
	}
}

// withStack attaches the current goroutine stack to a failure payload
// that lacks one. The record is copied first: the handler may have
// returned a shared error value, and parallel dispatches must not write
// into it.
func withStack(payload *message.RPCError) *message.RPCError {
	if payload.Stack != "" {
		return payload
	}
	stamped := *payload
	stamped.Stack = string(debug.Stack())
	return &stamped
}

// normalizePanic turns a recovered panic value into a failure payload
// with the goroutine stack attached.
func normalizePanic(r any) *message.RPCError {
	if err, ok := r.(error); ok {
		var rpcErr *message.RPCError
		if errors.As(err, &rpcErr) {
			return withStack(rpcErr)
		}
		return &message.RPCError{Name: "Error", Message: err.Error(), Stack: string(debug.Stack())}
	}
	return &message.RPCError{Name: "Error", Message: fmt.Sprint(r), Stack: string(debug.Stack())}
}
