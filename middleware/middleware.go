// Package middleware wraps inbound RPC handlers.
//
// Middlewares compose as an onion around the handler a Service picked:
//
//	Chain(A, B, C)(h) → A(B(C(h)))
//	A.before → B.before → C.before → h → C.after → B.after → A.after
//
// Because a handler may answer after it returns, "after" is observed through
// the ResponseWriter rather than on return.
package middleware

import (
	"jabber-rpc/message"
	"jabber-rpc/rpcerrors"
	"jabber-rpc/value"
)

// Middleware decorates a handler.
type Middleware func(next message.Handler) message.Handler

// Chain combines middlewares into one, outermost first.
func Chain(middlewares ...Middleware) Middleware {
	return func(next message.Handler) message.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// outcome describes a response as seen by observedWriter.
type outcome struct {
	fault bool
	code  int   // Fault code, 0 for results and plain errors
	err   error // Set for RespondError
}

// observedWriter reports each response to observe before passing it on.
type observedWriter struct {
	w       message.ResponseWriter
	observe func(outcome)
}

func (o *observedWriter) RespondValue(v value.Value) {
	o.observe(outcome{})
	o.w.RespondValue(v)
}

func (o *observedWriter) RespondFault(code int, msg string) {
	o.observe(outcome{fault: true, code: code})
	o.w.RespondFault(code, msg)
}

func (o *observedWriter) RespondError(err error) {
	oc := outcome{fault: true, err: err}
	if f, ok := rpcerrors.AsFault(err); ok {
		oc.code = f.Code
	}
	o.observe(oc)
	o.w.RespondError(err)
}
