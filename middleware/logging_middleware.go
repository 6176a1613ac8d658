package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/laino/final-rpc/message"
	"github.com/laino/final-rpc/transport"
)

// Logging records every dispatched method with its duration and outcome.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, conn *transport.Conn, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, conn, req)
			duration := time.Since(start)

			if resp.OK {
				logger.Info("dispatched",
					"method", req.Method,
					"remote", conn.RemoteAddr(),
					"duration", duration)
			} else {
				logger.Warn("dispatch failed",
					"method", req.Method,
					"remote", conn.RemoteAddr(),
					"duration", duration,
					"payload", resp.ErrPayload)
			}
			return resp
		}
	}
}
