package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"jabber-rpc/message"
	"jabber-rpc/protocol"
	"jabber-rpc/rpcerrors"
	"jabber-rpc/transport"
	"jabber-rpc/value"
)

const (
	callerAddr = "player@volity.net/desk"
	peerAddr   = "referee@volity.net/rpc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// peer is the far end of a call: it captures requests and answers them
// when the test says so.
type peer struct {
	t        *testing.T
	conn     *transport.Endpoint
	requests chan *protocol.Stanza
}

func newPair(t *testing.T, opts ...Option) (*Requester, *peer, *transport.Endpoint) {
	t.Helper()
	sb := transport.NewSwitchboard()
	callerConn, err := sb.Connect(callerAddr)
	require.NoError(t, err)
	peerConn, err := sb.Connect(peerAddr)
	require.NoError(t, err)

	p := &peer{t: t, conn: peerConn, requests: make(chan *protocol.Stanza, 16)}
	unsubscribe := peerConn.Subscribe(transport.RPCRequests, func(st *protocol.Stanza) { p.requests <- st })

	r := NewRequester(callerConn, opts...)
	t.Cleanup(func() {
		unsubscribe()
		require.NoError(t, r.Close())
		_ = callerConn.Close()
		_ = peerConn.Close()
	})
	return r, p, callerConn
}

func (p *peer) next() (*protocol.Stanza, *message.Request) {
	p.t.Helper()
	select {
	case st := <-p.requests:
		req, err := message.DecodeRequest(st.Payload)
		require.NoError(p.t, err)
		return st, req
	case <-time.After(2 * time.Second):
		p.t.Fatal("no request within 2s")
		return nil, nil
	}
}

func (p *peer) answer(st *protocol.Stanza, resp *message.Response) {
	p.t.Helper()
	payload, err := message.EncodeResponse(resp)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.Send(&protocol.Stanza{
		ID:      st.ID,
		To:      st.From,
		Type:    protocol.TypeResult,
		Payload: payload,
	}))
}

func wait(t *testing.T, call *Call) *Call {
	t.Helper()
	select {
	case c := <-call.Done:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("call %s not resolved within 2s", call.Method)
		return nil
	}
}

func TestInvoke(t *testing.T) {
	r, p, _ := newPair(t)

	go func() {
		st, req := p.next()
		assert.Equal(t, "volity.start_game", req.Method)
		assert.Equal(t, []value.Value{value.String("white"), value.Int(3)}, req.Params)
		assert.Equal(t, callerAddr, st.From)
		p.answer(st, message.NewResult(value.Bool(true)))
	}()

	v, err := r.Invoke(context.Background(), peerAddr, "volity.start_game", value.String("white"), value.Int(3))
	require.NoError(t, err)
	assert.Equal(t, value.Bool(true), v)
	assert.Equal(t, 0, r.Pending())
}

func TestInvokeFault(t *testing.T) {
	r, p, _ := newPair(t)

	go func() {
		st, _ := p.next()
		p.answer(st, message.NewFault(609, "RPC not handled."))
	}()

	v, err := r.Invoke(context.Background(), peerAddr, "nobody.home")
	assert.Nil(t, v)
	f, ok := rpcerrors.AsFault(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, 609, f.Code)
	assert.Equal(t, "RPC not handled.", f.Message)
}

func TestCorrelationReverseOrder(t *testing.T) {
	r, p, _ := newPair(t)

	first := r.Go(context.Background(), &Call{To: peerAddr, Method: "first"})
	second := r.Go(context.Background(), &Call{To: peerAddr, Method: "second"})
	assert.NotEqual(t, first.ID, second.ID)

	byMethod := make(map[string]*protocol.Stanza)
	for i := 0; i < 2; i++ {
		st, req := p.next()
		byMethod[req.Method] = st
	}
	assert.Equal(t, 2, r.Pending())

	p.answer(byMethod["second"], message.NewResult(value.String("two")))
	p.answer(byMethod["first"], message.NewResult(value.String("one")))

	assert.Equal(t, value.String("one"), wait(t, first).Result)
	assert.Equal(t, value.String("two"), wait(t, second).Result)
	assert.NoError(t, first.Error)
	assert.NoError(t, second.Error)
}

func TestConcurrentInvokes(t *testing.T) {
	r, p, _ := newPair(t)

	// Echo the method name back, answering in arrival order.
	stop := make(chan struct{})
	var echo sync.WaitGroup
	echo.Add(1)
	go func() {
		defer echo.Done()
		for {
			select {
			case st := <-p.requests:
				req, err := message.DecodeRequest(st.Payload)
				if !assert.NoError(t, err) {
					return
				}
				p.answer(st, message.NewResult(value.String(req.Method)))
			case <-stop:
				return
			}
		}
	}()
	defer func() {
		close(stop)
		echo.Wait()
	}()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		method := "m" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := r.Invoke(context.Background(), peerAddr, method)
			assert.NoError(t, err)
			assert.Equal(t, value.String(method), v)
		}()
	}
	wg.Wait()
}

func TestTimeoutDropsLateAnswer(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r, p, _ := newPair(t, WithLogger(zap.New(core)))

	start := time.Now()
	_, err := r.InvokeTimeout(context.Background(), peerAddr, "slow", 50*time.Millisecond)
	took := time.Since(start)

	var timeout *rpcerrors.TimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)
	assert.Equal(t, "slow", timeout.Method)
	assert.Equal(t, 50*time.Millisecond, timeout.After)
	assert.GreaterOrEqual(t, took, 50*time.Millisecond)
	assert.Less(t, took, time.Second)
	assert.Equal(t, 0, r.Pending())

	st, _ := p.next()
	p.answer(st, message.NewResult(value.String("too late")))

	require.Eventually(t, func() bool {
		return logs.FilterMessage("dropping answer with no pending call").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTimeoutWithTestClock(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	r, p, _ := newPair(t, WithClock(clk), WithTimeout(5*time.Second))

	call := r.Go(context.Background(), &Call{To: peerAddr, Method: "think"})
	p.next()

	require.NoError(t, clk.WaitAdvance(5*time.Second, time.Second, 1))
	c := wait(t, call)
	assert.True(t, rpcerrors.IsTimeout(c.Error))
	assert.Nil(t, c.Result)
}

func TestContextCancel(t *testing.T) {
	r, p, _ := newPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	call := r.Go(ctx, &Call{To: peerAddr, Method: "think"})
	p.next()
	cancel()

	c := wait(t, call)
	assert.True(t, rpcerrors.IsTimeout(c.Error))
	assert.True(t, errors.Is(c.Error, context.Canceled))
	assert.Equal(t, 0, r.Pending())
}

func TestStanzaError(t *testing.T) {
	r, _, _ := newPair(t)

	_, err := r.Invoke(context.Background(), "nobody@volity.net/x", "ping")
	var terr *rpcerrors.TransportError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.Equal(t, protocol.CondServiceUnavailable, terr.Condition)
}

func TestMalformedAnswer(t *testing.T) {
	r, p, _ := newPair(t)

	go func() {
		st, _ := p.next()
		_ = p.conn.Send(&protocol.Stanza{ID: st.ID, To: st.From, Type: protocol.TypeResult, Payload: []byte("<methodResponse/>")})
	}()

	_, err := r.Invoke(context.Background(), peerAddr, "ping")
	var perr *rpcerrors.ProtocolError
	assert.True(t, errors.As(err, &perr), "got %v", err)
}

func TestEncodingErrorIsLocal(t *testing.T) {
	r, p, _ := newPair(t)

	_, err := r.Invoke(context.Background(), peerAddr, "big", value.Int(1<<40))
	var eerr *rpcerrors.EncodingError
	require.True(t, errors.As(err, &eerr), "got %v", err)
	assert.Equal(t, 0, r.Pending())
	select {
	case st := <-p.requests:
		t.Fatalf("request sent despite encoding error: %+v", st)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDuplicateID(t *testing.T) {
	r, p, _ := newPair(t)

	first := r.Go(context.Background(), &Call{ID: "fixed", To: peerAddr, Method: "a"})
	p.next()
	dup := wait(t, r.Go(context.Background(), &Call{ID: "fixed", To: peerAddr, Method: "b"}))
	assert.True(t, errors.Is(dup.Error, rpcerrors.ErrDuplicateID))
	assert.Equal(t, 1, r.Pending())

	require.NoError(t, r.Close())
	assert.True(t, errors.Is(wait(t, first).Error, rpcerrors.ErrClosed))
}

func TestIDGeneratorSkipsPending(t *testing.T) {
	ids := []string{"1", "1", "2"}
	var mu sync.Mutex
	gen := func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		ids = ids[1:]
		return id
	}
	r, p, _ := newPair(t, WithIDGenerator(gen))

	a := r.Go(context.Background(), &Call{To: peerAddr, Method: "a"})
	b := r.Go(context.Background(), &Call{To: peerAddr, Method: "b"})
	assert.Equal(t, "1", a.ID)
	assert.Equal(t, "2", b.ID)
	p.next()
	p.next()
}

func TestCloseFailsPending(t *testing.T) {
	r, p, _ := newPair(t)

	call := r.Go(context.Background(), &Call{To: peerAddr, Method: "think"})
	p.next()
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.True(t, errors.Is(wait(t, call).Error, rpcerrors.ErrClosed))
	_, err := r.Invoke(context.Background(), peerAddr, "again")
	assert.True(t, errors.Is(err, rpcerrors.ErrClosed))
}

func TestConnLossFailsPending(t *testing.T) {
	r, p, conn := newPair(t)

	call := r.Go(context.Background(), &Call{To: peerAddr, Method: "think"})
	p.next()
	require.NoError(t, conn.Close())

	c := wait(t, call)
	assert.True(t, rpcerrors.IsTransport(c.Error))
	assert.True(t, errors.Is(c.Error, transport.ErrConnClosed))

	_, err := r.Invoke(context.Background(), peerAddr, "again")
	assert.True(t, rpcerrors.IsTransport(err), "got %v", err)
}
