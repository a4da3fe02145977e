package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"jabber-rpc/message"
	"jabber-rpc/rpcerrors"
	"jabber-rpc/value"
)

// echoHandler answers with the method name.
var echoHandler = message.Func(func(_ context.Context, method string, _ []value.Value) (value.Value, error) {
	return value.String(method), nil
})

func serve(h message.Handler, method string) *message.Recorder {
	rec := message.NewRecorder()
	h.HandleRPC(context.Background(), method, nil, rec)
	return rec
}

func TestChainOrder(t *testing.T) {
	var trace []string
	mark := func(name string) Middleware {
		return func(next message.Handler) message.Handler {
			return message.HandlerFunc(func(ctx context.Context, method string, params []value.Value, w message.ResponseWriter) {
				trace = append(trace, name+".before")
				next.HandleRPC(ctx, method, params, w)
				trace = append(trace, name+".after")
			})
		}
	}

	rec := serve(Chain(mark("A"), mark("B"), mark("C"))(echoHandler), "ping")
	assert.Equal(t, value.String("ping"), rec.Response().Result)
	assert.Equal(t, []string{"A.before", "B.before", "C.before", "C.after", "B.after", "A.after"}, trace)
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	faulty := message.Func(func(context.Context, string, []value.Value) (value.Value, error) {
		return nil, errors.New("boom")
	})

	ctx := message.WithRequest(context.Background(), &message.Request{ID: "42", From: "alice@host/a"})
	rec := message.NewRecorder()
	Logging(logger, nil)(echoHandler).HandleRPC(ctx, "ping", nil, rec)
	require.NotNil(t, rec.Response())

	serve(Logging(logger, nil)(faulty), "explode")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)

	assert.Equal(t, "rpc answered", entries[0].Message)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "ping", fields["method"])
	assert.Equal(t, "alice@host/a", fields["from"])
	assert.Equal(t, "42", fields["id"])

	assert.Equal(t, "rpc faulted", entries[1].Message)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(0, 2, rpcerrors.CodeRateLimited)(echoHandler)

	assert.False(t, serve(h, "a").Response().IsFault())
	assert.False(t, serve(h, "b").Response().IsFault())

	resp := serve(h, "c").Response()
	require.True(t, resp.IsFault())
	assert.Equal(t, rpcerrors.CodeRateLimited, resp.Fault.Code)
}

func TestTimeoutPass(t *testing.T) {
	h := Timeout(500*time.Millisecond, rpcerrors.CodeHandlerTimeout, nil)(echoHandler)
	resp := serve(h, "quick").Response()
	require.NotNil(t, resp)
	assert.Equal(t, value.String("quick"), resp.Result)
}

func TestTimeoutExceeded(t *testing.T) {
	clk := testclock.NewClock(time.Now())

	var (
		handlerCtx context.Context
		late       message.ResponseWriter
	)
	// The handler keeps the writer and never answers in time.
	deferred := message.HandlerFunc(func(ctx context.Context, _ string, _ []value.Value, w message.ResponseWriter) {
		handlerCtx = ctx
		late = w
	})

	rec := serve(Timeout(time.Second, rpcerrors.CodeHandlerTimeout, clk)(deferred), "slow")
	assert.Nil(t, rec.Response())

	require.NoError(t, clk.WaitAdvance(time.Second, 2*time.Second, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := rec.Wait(ctx)
	require.NoError(t, err)
	require.True(t, resp.IsFault())
	assert.Equal(t, rpcerrors.CodeHandlerTimeout, resp.Fault.Code)
	assert.Contains(t, resp.Fault.Message, "slow")

	select {
	case <-handlerCtx.Done():
	default:
		t.Fatal("handler context should be cancelled at the deadline")
	}

	// The late answer is dropped rather than overwriting the timeout.
	late.RespondValue(value.String("too late"))
	assert.True(t, rec.Response().IsFault())
}
