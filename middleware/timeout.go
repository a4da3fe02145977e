package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"

	"jabber-rpc/message"
	"jabber-rpc/value"
)

// Timeout answers with a code fault if the wrapped handler has not answered
// within d. The handler's context is cancelled at the same moment, and any
// answer it gives afterwards is dropped. The handler still runs on the
// caller's goroutine; the timeout answer is sent from a timer.
func Timeout(d time.Duration, code int, clk clock.Clock) Middleware {
	if clk == nil {
		clk = clock.WallClock
	}
	return func(next message.Handler) message.Handler {
		return message.HandlerFunc(func(ctx context.Context, method string, params []value.Value, w message.ResponseWriter) {
			ctx, cancel := context.WithCancel(ctx)
			tw := &timedWriter{w: w, cancel: cancel}
			tw.mu.Lock()
			tw.timer = clk.AfterFunc(d, func() {
				tw.RespondFault(code, fmt.Sprintf("%s did not answer within %s", method, d))
			})
			tw.mu.Unlock()
			next.HandleRPC(ctx, method, params, tw)
		})
	}
}

// timedWriter lets the first of the handler and the timer answer.
type timedWriter struct {
	w      message.ResponseWriter
	cancel context.CancelFunc

	mu       sync.Mutex
	timer    clock.Timer
	answered bool
}

func (t *timedWriter) claim() bool {
	t.mu.Lock()
	if t.answered {
		t.mu.Unlock()
		return false
	}
	t.answered = true
	timer := t.timer
	t.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	t.cancel()
	return true
}

func (t *timedWriter) RespondValue(v value.Value) {
	if t.claim() {
		t.w.RespondValue(v)
	}
}

func (t *timedWriter) RespondFault(code int, msg string) {
	if t.claim() {
		t.w.RespondFault(code, msg)
	}
}

func (t *timedWriter) RespondError(err error) {
	if t.claim() {
		t.w.RespondError(err)
	}
}
