package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/laino/final-rpc/message"
	"github.com/laino/final-rpc/transport"
)

// RateLimit rejects dispatches beyond r requests per second (token
// bucket, burst capacity burst). Rejected requests settle with a failure
// response; the connection itself is untouched.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, conn *transport.Conn, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return &message.Response{
					ID:         req.ID,
					ErrPayload: &message.RPCError{Name: "Error", Message: "rate limit exceeded"},
				}
			}
			return next(ctx, conn, req)
		}
	}
}
