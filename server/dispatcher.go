package server

import (
	"context"
	"strings"
	"sync"

	"jabber-rpc/message"
	"jabber-rpc/rpcerrors"
	"jabber-rpc/value"
)

// Dispatcher routes inbound method names by namespace prefix.
//
// "volity.start_game" is split on its first dot: the handler registered under
// "volity" receives "start_game". Registering a Dispatcher as a handler nests
// namespaces, so "game.seat.join" can reach a handler two levels down.
// Names without a dot go to the global handler. A dotted name whose prefix
// has no handler, or a plain name with no global handler, fails with 404.
//
// Registration is copy-on-write: a dispatch already in progress keeps
// routing with the table it started with.
type Dispatcher struct {
	mu           sync.RWMutex
	table        *dispatchTable
	noSuchMethod int
}

type dispatchTable struct {
	handlers map[string]message.Handler
	global   message.Handler
}

var _ message.Handler = (*Dispatcher)(nil)

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithNoSuchMethodCode sets the fault code for unroutable names.
func WithNoSuchMethodCode(code int) DispatcherOption {
	return func(d *Dispatcher) { d.noSuchMethod = code }
}

// NewDispatcher returns a Dispatcher with no handlers.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		table:        &dispatchTable{handlers: map[string]message.Handler{}},
		noSuchMethod: rpcerrors.CodeNoSuchMethod,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetHandler registers h for every method named prefix + "." + rest,
// replacing any handler already under prefix. A nil h removes it.
func (d *Dispatcher) SetHandler(prefix string, h message.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	handlers := make(map[string]message.Handler, len(d.table.handlers)+1)
	for k, v := range d.table.handlers {
		handlers[k] = v
	}
	if h == nil {
		delete(handlers, prefix)
	} else {
		handlers[prefix] = h
	}
	d.table = &dispatchTable{handlers: handlers, global: d.table.global}
}

// SetGlobalHandler registers the handler for names no prefix claims. A nil h
// removes it.
func (d *Dispatcher) SetGlobalHandler(h message.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.table = &dispatchTable{handlers: d.table.handlers, global: h}
}

// Handler returns the handler registered under prefix.
func (d *Dispatcher) Handler(prefix string) (message.Handler, bool) {
	h, ok := d.snapshot().handlers[prefix]
	return h, ok
}

// GlobalHandler returns the global handler, or nil.
func (d *Dispatcher) GlobalHandler() message.Handler {
	return d.snapshot().global
}

// Clear removes every handler.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.table = &dispatchTable{handlers: map[string]message.Handler{}}
}

func (d *Dispatcher) snapshot() *dispatchTable {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.table
}

// HandleRPC routes method to its handler, which answers through w.
func (d *Dispatcher) HandleRPC(ctx context.Context, method string, params []value.Value, w message.ResponseWriter) {
	t := d.snapshot()
	if prefix, rest, ok := strings.Cut(method, "."); ok {
		if h, ok := t.handlers[prefix]; ok {
			h.HandleRPC(ctx, rest, params, w)
			return
		}
	} else if t.global != nil {
		t.global.HandleRPC(ctx, method, params, w)
		return
	}
	w.RespondFault(d.noSuchMethod, "No such method: "+method)
}

// Routes reports whether method reaches a handler at this level: a dotted
// name needs its prefix registered, a plain name needs a global handler.
// Nested dispatchers may still answer 404.
func (d *Dispatcher) Routes(method string) bool {
	t := d.snapshot()
	prefix, _, ok := strings.Cut(method, ".")
	if !ok {
		return t.global != nil
	}
	_, ok = t.handlers[prefix]
	return ok
}

// Claims is a Predicate accepting the requests d routes.
func (d *Dispatcher) Claims(req *message.Request) bool {
	return d.Routes(req.Method)
}

// Dispatch routes method and returns the response if the handler answered
// before returning. The bool is false when the handler deferred its answer.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, params []value.Value) (*message.Response, bool) {
	rec := message.NewRecorder()
	d.HandleRPC(ctx, method, params, rec)
	resp := rec.Response()
	return resp, resp != nil
}
