package middleware

import (
	"context"
	"time"

	"github.com/laino/final-rpc/message"
	"github.com/laino/final-rpc/transport"
)

// Timeout bounds handler execution. A handler that outlives the deadline
// has its request settled with a failure response; the handler goroutine
// keeps running but its late response is discarded.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, conn *transport.Conn, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, conn, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.Response{
					ID:         req.ID,
					ErrPayload: &message.RPCError{Name: "Error", Message: "request timed out"},
				}
			}
		}
	}
}
