package middleware

import (
	"context"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"jabber-rpc/message"
	"jabber-rpc/value"
)

// Logging logs every answered request with its duration. Faults are logged
// at Info, results at Debug.
func Logging(logger *zap.Logger, clk clock.Clock) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return func(next message.Handler) message.Handler {
		return message.HandlerFunc(func(ctx context.Context, method string, params []value.Value, w message.ResponseWriter) {
			start := clk.Now()
			fields := []zap.Field{zap.String("method", method), zap.Int("params", len(params))}
			if req, ok := message.RequestFromContext(ctx); ok {
				fields = append(fields, zap.String("from", req.From), zap.String("id", req.ID))
			}
			ow := &observedWriter{w: w, observe: func(oc outcome) {
				fields := append(fields, zap.Duration("duration", clk.Now().Sub(start)))
				if !oc.fault {
					logger.Debug("rpc answered", fields...)
					return
				}
				if oc.err != nil {
					fields = append(fields, zap.Error(oc.err))
				}
				logger.Info("rpc faulted", append(fields, zap.Int("code", oc.code))...)
			}}
			next.HandleRPC(ctx, method, params, ow)
		})
	}
}
