// Package token reads RPC results that follow the token convention: a
// successful call returns a list whose head is a success token ("volity.ok"),
// optionally followed by the value; anything else in the head position makes
// the whole list a chain of failure tokens.
//
//	["volity.ok"]                          → no value
//	["volity.ok", 42]                      → 42
//	["volity.ok", 1, 2]                    → ProtocolError (606)
//	["volity.invalid_seat", "literal.foo"] → TokenFailureError
//	"bare value"                           → ProtocolError (606)
//
// Remote faults, timeouts and transport failures pass through unchanged.
package token

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"jabber-rpc/rpcerrors"
	"jabber-rpc/value"
)

// DefaultOK is the success token.
const DefaultOK = "volity.ok"

// TokenFailureError is a call that completed but reported a semantic
// failure. Tokens is the full list as returned, success position included.
type TokenFailureError struct {
	Tokens []value.Value
}

func (e *TokenFailureError) Error() string {
	return "token failure: " + strings.Join(e.Strings(), ", ")
}

// Strings returns the tokens in string form.
func (e *TokenFailureError) Strings() []string {
	out := make([]string, len(e.Tokens))
	for i, t := range e.Tokens {
		if s, ok := t.(value.String); ok {
			out[i] = string(s)
			continue
		}
		out[i] = fmt.Sprint(value.Native(t))
	}
	return out
}

// Interpret applies the token convention to a call result, using ok as the
// success token. A one element success yields a nil Value.
func Interpret(v value.Value, ok string) (value.Value, error) {
	return interpret(v, ok, rpcerrors.CodeBadToken)
}

func interpret(v value.Value, ok string, code int) (value.Value, error) {
	list, isList := v.(value.Array)
	if !isList {
		kind := "nil"
		if v != nil {
			kind = v.Kind().String()
		}
		return nil, &rpcerrors.ProtocolError{Code: code, Reason: "response is a " + kind + ", not a token list"}
	}
	if len(list) == 0 || !value.Equal(list[0], value.String(ok)) {
		return nil, &TokenFailureError{Tokens: list}
	}
	switch len(list) {
	case 1:
		return nil, nil
	case 2:
		return list[1], nil
	}
	return nil, &rpcerrors.ProtocolError{Code: code, Reason: fmt.Sprintf("response of %s contained more than one value", ok)}
}

// Invoker is what a token Requester calls through; *client.Requester is one.
type Invoker interface {
	InvokeTimeout(ctx context.Context, to, method string, timeout time.Duration, params ...value.Value) (value.Value, error)
}

// Requester makes token convention calls to one responder.
type Requester struct {
	inv  Invoker
	to   string
	opts options

	wg sync.WaitGroup
}

// New returns a Requester calling the responder at to through inv.
func New(inv Invoker, to string, opts ...Option) *Requester {
	return &Requester{inv: inv, to: to, opts: newOptions(opts)}
}

// To returns the responder address.
func (r *Requester) To() string {
	return r.to
}

// Invoke calls method with the default timeout and applies the token
// convention to the result.
func (r *Requester) Invoke(ctx context.Context, method string, params ...value.Value) (value.Value, error) {
	return r.InvokeTimeout(ctx, method, 0, params...)
}

// InvokeTimeout is Invoke with an explicit timeout. Zero means the
// Requester's default, and failing that the Invoker's.
func (r *Requester) InvokeTimeout(ctx context.Context, method string, timeout time.Duration, params ...value.Value) (value.Value, error) {
	if timeout <= 0 {
		timeout = r.opts.timeout
	}
	v, err := r.inv.InvokeTimeout(ctx, r.to, method, timeout, params...)
	if err != nil {
		return nil, err
	}
	v, err = interpret(v, r.opts.ok, r.opts.badTokenCode)
	if err != nil {
		r.opts.logger.Debug("token call failed", zap.String("to", r.to), zap.String("method", method), zap.Error(err))
	}
	return v, err
}

// Callback receives the outcome of a background call. Exactly one of v and
// err is meaningful: err is nil on success.
type Callback func(v value.Value, err error)

// InvokeAsync runs Invoke on a new goroutine and hands the outcome to cb
// there. Wait blocks until every background call has reported.
func (r *Requester) InvokeAsync(ctx context.Context, cb Callback, method string, params ...value.Value) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		cb(r.Invoke(ctx, method, params...))
	}()
}

// Wait blocks until all InvokeAsync calls have run their callbacks.
func (r *Requester) Wait() {
	r.wg.Wait()
}
