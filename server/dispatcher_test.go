package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jabber-rpc/message"
	"jabber-rpc/rpcerrors"
	"jabber-rpc/value"
)

// named answers with its label and the method name it was given.
func named(label string) message.Handler {
	return message.Func(func(_ context.Context, method string, params []value.Value) (value.Value, error) {
		return value.Array{value.String(label), value.String(method), value.Int(len(params))}, nil
	})
}

func dispatch(t *testing.T, d *Dispatcher, method string, params ...value.Value) *message.Response {
	t.Helper()
	resp, ok := d.Dispatch(context.Background(), method, params)
	require.True(t, ok, "handler for %s did not answer synchronously", method)
	return resp
}

func assertRouted(t *testing.T, resp *message.Response, label, method string) {
	t.Helper()
	require.False(t, resp.IsFault(), "unexpected fault %v", resp.Fault)
	arr := resp.Result.(value.Array)
	assert.Equal(t, value.String(label), arr[0])
	assert.Equal(t, value.String(method), arr[1])
}

func TestDispatchRouting(t *testing.T) {
	d := NewDispatcher()
	d.SetHandler("volity", named("volity"))

	assertRouted(t, dispatch(t, d, "volity.start_game"), "volity", "start_game")

	resp := dispatch(t, d, "ping")
	require.True(t, resp.IsFault())
	assert.Equal(t, rpcerrors.CodeNoSuchMethod, resp.Fault.Code)
	assert.Equal(t, "No such method: ping", resp.Fault.Message)

	d.SetGlobalHandler(named("global"))
	assertRouted(t, dispatch(t, d, "ping"), "global", "ping")
}

func TestDispatchUnknownPrefix(t *testing.T) {
	d := NewDispatcher()
	d.SetHandler("volity", named("volity"))

	resp := dispatch(t, d, "unknown.foo")
	require.True(t, resp.IsFault())
	assert.Equal(t, 404, resp.Fault.Code)
	assert.Equal(t, "No such method: unknown.foo", resp.Fault.Message)

	// A global handler only sees names without a dot.
	d.SetGlobalHandler(named("global"))
	resp = dispatch(t, d, "unknown.foo")
	require.True(t, resp.IsFault())
	assert.Equal(t, 404, resp.Fault.Code)
	assert.Equal(t, "No such method: unknown.foo", resp.Fault.Message)
	assertRouted(t, dispatch(t, d, "ping"), "global", "ping")
}

func TestDispatchSplitsOnFirstDot(t *testing.T) {
	d := NewDispatcher()
	d.SetHandler("game", named("game"))
	assertRouted(t, dispatch(t, d, "game.seat.join"), "game", "seat.join")
}

func TestDispatchNested(t *testing.T) {
	inner := NewDispatcher()
	inner.SetHandler("seat", named("seat"))
	outer := NewDispatcher()
	outer.SetHandler("game", inner)

	assertRouted(t, dispatch(t, outer, "game.seat.join"), "seat", "join")

	resp := dispatch(t, outer, "game.table.leave")
	require.True(t, resp.IsFault())
	assert.Equal(t, "No such method: table.leave", resp.Fault.Message)
}

func TestDispatchPassesParams(t *testing.T) {
	d := NewDispatcher()
	d.SetHandler("volity", named("volity"))
	resp := dispatch(t, d, "volity.send_state", value.String("a"), value.Int(1))
	assert.Equal(t, value.Int(2), resp.Result.(value.Array)[2])
}

func TestSetHandlerReplaces(t *testing.T) {
	d := NewDispatcher()
	d.SetHandler("volity", named("first"))
	d.SetHandler("volity", named("second"))
	assertRouted(t, dispatch(t, d, "volity.ready"), "second", "ready")

	d.SetHandler("volity", nil)
	_, ok := d.Handler("volity")
	assert.False(t, ok)
}

func TestDispatcherAccessorsAndClear(t *testing.T) {
	d := NewDispatcher(WithNoSuchMethodCode(999))
	h := NewDispatcher()
	d.SetHandler("a", h)
	d.SetGlobalHandler(h)

	got, ok := d.Handler("a")
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Same(t, h, d.GlobalHandler())

	d.Clear()
	_, ok = d.Handler("a")
	assert.False(t, ok)
	assert.Nil(t, d.GlobalHandler())

	resp := dispatch(t, d, "a.b")
	assert.Equal(t, 999, resp.Fault.Code)
}

func TestDispatchSeesTableFromItsStart(t *testing.T) {
	d := NewDispatcher()
	var replaced bool
	d.SetHandler("game", message.HandlerFunc(func(ctx context.Context, method string, params []value.Value, w message.ResponseWriter) {
		if !replaced {
			replaced = true
			// Replacing the handler mid-dispatch affects later dispatches only.
			d.SetHandler("game", named("replacement"))
			d.SetGlobalHandler(named("global"))
		}
		w.RespondValue(value.String("original"))
	}))

	assert.Equal(t, value.String("original"), dispatch(t, d, "game.move").Result)
	assertRouted(t, dispatch(t, d, "game.move"), "replacement", "move")
}

func TestRoutes(t *testing.T) {
	d := NewDispatcher()
	d.SetHandler("volity", named("volity"))

	assert.True(t, d.Routes("volity.start_game"))
	assert.False(t, d.Routes("ping"))
	assert.False(t, d.Routes("game.move"))
	assert.True(t, d.Claims(&message.Request{Method: "volity.ready"}))

	d.SetGlobalHandler(named("global"))
	assert.True(t, d.Routes("ping"))
	assert.False(t, d.Routes("game.move"))
	assert.False(t, d.Claims(&message.Request{Method: "game.move"}))
}

func TestDispatchDeferred(t *testing.T) {
	d := NewDispatcher()
	var later message.ResponseWriter
	d.SetGlobalHandler(message.HandlerFunc(func(_ context.Context, _ string, _ []value.Value, w message.ResponseWriter) {
		later = w
	}))

	resp, ok := d.Dispatch(context.Background(), "slow", nil)
	assert.False(t, ok)
	assert.Nil(t, resp)
	assert.NotNil(t, later)
}
