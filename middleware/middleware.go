// Package middleware implements the policy layer above the protocol
// core: cross-cutting behavior (logging, timeouts, rate limiting) that
// wraps method dispatch without living inside it. The protocol itself
// carries no timeout or retry semantics; anything of that kind belongs
// here.
package middleware

import (
	"context"

	"github.com/laino/final-rpc/message"
	"github.com/laino/final-rpc/transport"
)

// HandlerFunc processes one decoded request on behalf of a connection and
// produces the response that will settle it.
type HandlerFunc func(ctx context.Context, conn *transport.Conn, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one. Chain(A, B, C)(handler) runs as
// A(B(C(handler))): A sees the request first and the response last.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
