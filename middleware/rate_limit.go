package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"jabber-rpc/message"
	"jabber-rpc/value"
)

// RateLimit answers with a code fault once more than r requests per second,
// with bursts of up to burst, reach the wrapped handler. It uses a token
// bucket shared by every request through this middleware.
func RateLimit(r float64, burst int, code int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next message.Handler) message.Handler {
		return message.HandlerFunc(func(ctx context.Context, method string, params []value.Value, w message.ResponseWriter) {
			if !limiter.Allow() {
				w.RespondFault(code, "rate limit exceeded")
				return
			}
			next.HandleRPC(ctx, method, params, w)
		})
	}
}
