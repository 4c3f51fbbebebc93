package middleware

import (
	"context"
	"time"

	"orbit-rpc/message"

	"go.uber.org/zap"
)

// LoggingMiddleware logs the service method and duration of every call
// through logger. Pass zap.NewNop() to silence it.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)
			if resp.Error != "" {
				logger.Warn("rpc call failed",
					zap.String("method", req.ServiceMethod),
					zap.Duration("duration", duration),
					zap.String("error", resp.Error),
				)
			} else {
				logger.Debug("rpc call served",
					zap.String("method", req.ServiceMethod),
					zap.Duration("duration", duration),
				)
			}
			return resp
		}
	}
}
