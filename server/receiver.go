package server

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"unicode"

	"github.com/juju/errors"

	"jabber-rpc/message"
	"jabber-rpc/rpcerrors"
	"jabber-rpc/value"
)

// Receiver exposes the exported methods of a struct as an RPC handler.
//
// A method is exposed when its signature is
//
//	func (t *T) Name(ctx context.Context, params []value.Value) (value.Value, error)
//
// and it answers to both its Go name and the snake_case form of it, so that
// StartGame is reachable as "start_game". Register a Receiver under a
// Dispatcher prefix to serve a whole namespace:
//
//	d.SetHandler("volity", server.MustReceiver(&Referee{}))
type Receiver struct {
	name         string
	rcvr         reflect.Value
	methods      map[string]reflect.Method
	names        []string
	noSuchMethod int
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithReceiverNoSuchMethodCode sets the fault code for unknown method names.
func WithReceiverNoSuchMethodCode(code int) ReceiverOption {
	return func(r *Receiver) { r.noSuchMethod = code }
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	paramsType  = reflect.TypeOf([]value.Value(nil))
	valueType   = reflect.TypeOf((*value.Value)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// NewReceiver scans rcvr, which must be a pointer to a struct, for RPC
// methods.
func NewReceiver(rcvr any, opts ...ReceiverOption) (*Receiver, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errors.NotValidf("receiver %T: must be a pointer", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.NotValidf("receiver %T: must point to a struct", rcvr)
	}

	r := &Receiver{
		name:         typ.Elem().Name(),
		rcvr:         reflect.ValueOf(rcvr),
		methods:      make(map[string]reflect.Method),
		noSuchMethod: rpcerrors.CodeNoSuchMethod,
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if !isRPCMethod(m.Type) {
			continue
		}
		snake := SnakeCase(m.Name)
		r.methods[m.Name] = m
		r.methods[snake] = m
		r.names = append(r.names, snake)
	}
	if len(r.methods) == 0 {
		return nil, errors.NotValidf("receiver %s: no RPC methods", r.name)
	}
	sort.Strings(r.names)
	return r, nil
}

// MustReceiver is NewReceiver for receivers known to be valid.
func MustReceiver(rcvr any, opts ...ReceiverOption) *Receiver {
	r, err := NewReceiver(rcvr, opts...)
	if err != nil {
		panic(err)
	}
	return r
}

// isRPCMethod checks (receiver, context.Context, []value.Value) → (value.Value, error).
func isRPCMethod(t reflect.Type) bool {
	return t.NumIn() == 3 && t.NumOut() == 2 &&
		t.In(1) == contextType && t.In(2) == paramsType &&
		t.Out(0) == valueType && t.Out(1) == errorType
}

// Name is the struct type name.
func (r *Receiver) Name() string { return r.name }

// Methods lists the exposed methods by snake_case name.
func (r *Receiver) Methods() []string {
	return append([]string(nil), r.names...)
}

// HandleRPC calls the method named method. Unknown names fail with 404
// unless another code was configured.
func (r *Receiver) HandleRPC(ctx context.Context, method string, params []value.Value, w message.ResponseWriter) {
	m, ok := r.methods[method]
	if !ok {
		w.RespondFault(r.noSuchMethod, "No such method: "+method)
		return
	}
	if params == nil {
		params = []value.Value{}
	}
	out := m.Func.Call([]reflect.Value{r.rcvr, reflect.ValueOf(ctx), reflect.ValueOf(params)})
	if !out[1].IsNil() {
		w.RespondError(out[1].Interface().(error))
		return
	}
	var v value.Value
	if !out[0].IsNil() {
		v = out[0].Interface().(value.Value)
	}
	w.RespondValue(v)
}

// SnakeCase converts a Go identifier to snake_case: StartGame → start_game,
// GetURLList → get_url_list.
func SnakeCase(name string) string {
	runes := []rune(name)
	var sb strings.Builder
	for i, c := range runes {
		if unicode.IsUpper(c) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					sb.WriteByte('_')
				}
			}
			c = unicode.ToLower(c)
		}
		sb.WriteRune(c)
	}
	return sb.String()
}
