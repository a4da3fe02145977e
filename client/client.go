// Package client issues outbound RPC calls over a transport.Conn.
//
// A Requester sends each call as an <iq type='set'> and parks it in a pending
// set keyed by the stanza id. The answer, the deadline and the caller's
// context race to take the call out of that set; only the winner resolves it:
//
//	Invoke → Go → pending[id] → Conn.Send(iq set)
//	                 ↑
//	    answer (iq result/error) ─┤
//	    deadline (clock timer)  ──┤ first to remove pending[id] resolves
//	    ctx cancelled           ──┤
//	    Conn gone / Close       ──┘ resolves everything left
//
// The engine never resends a call.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"jabber-rpc/codec"
	"jabber-rpc/message"
	"jabber-rpc/metrics"
	"jabber-rpc/protocol"
	"jabber-rpc/rpcerrors"
	"jabber-rpc/transport"
	"jabber-rpc/value"
)

// DefaultTimeout bounds a call when neither the Requester nor the call sets
// a timeout.
const DefaultTimeout = 30 * time.Second

const maxIDAttempts = 16

// Call is one outbound call. Fill in To, Method and Params (and optionally
// ID, Timeout and Done) and hand it to Requester.Go.
type Call struct {
	// ID is the correlation id. Empty means the Requester picks one.
	ID      string
	To      string
	Method  string
	Params  []value.Value
	Timeout time.Duration // Zero means the Requester default

	Result value.Value // Set on success
	Error  error       // Set on failure; a *rpcerrors.FaultError for remote faults
	Done   chan *Call  // Receives the call once it is resolved

	started time.Time
	timer   clock.Timer
	stopCtx func() bool
}

func (c *Call) done() {
	select {
	case c.Done <- c:
	default:
		// The caller's Done channel has no room. Dropping is the caller's
		// choice, as with net/rpc.
	}
}

// Requester is the outbound call engine of one connection.
type Requester struct {
	conn   transport.Conn
	opts   options
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*Call
	closed  bool

	unsubscribe func()
	quit        chan struct{}
	wg          sync.WaitGroup
}

// NewRequester starts a Requester on conn. Close releases it.
func NewRequester(conn transport.Conn, opts ...Option) *Requester {
	o := newOptions(opts)
	r := &Requester{
		conn:    conn,
		opts:    o,
		logger:  o.logger.With(zap.String("requester", conn.Addr())),
		pending: make(map[string]*Call),
		quit:    make(chan struct{}),
	}
	r.unsubscribe = conn.Subscribe(transport.RPCAnswers, r.deliver)

	r.wg.Add(1)
	go r.watchConn()
	return r
}

// Invoke calls method on the peer at to with the default timeout and waits
// for the answer. A remote fault is returned as *rpcerrors.FaultError.
// Cancelling ctx abandons the call with a TimeoutError wrapping ctx.Err().
func (r *Requester) Invoke(ctx context.Context, to, method string, params ...value.Value) (value.Value, error) {
	return r.InvokeTimeout(ctx, to, method, 0, params...)
}

// InvokeTimeout is Invoke with an explicit timeout. Zero means the
// Requester default.
func (r *Requester) InvokeTimeout(ctx context.Context, to, method string, timeout time.Duration, params ...value.Value) (value.Value, error) {
	call := <-r.Go(ctx, &Call{To: to, Method: method, Params: params, Timeout: timeout}).Done
	return call.Result, call.Error
}

// Go starts call and returns it without waiting. call.Done receives the
// call when it resolves; a nil Done is given a buffered channel, and a
// non-nil Done must be buffered.
func (r *Requester) Go(ctx context.Context, call *Call) *Call {
	if call.Done == nil {
		call.Done = make(chan *Call, 1)
	} else if cap(call.Done) == 0 {
		r.logger.Panic("unbuffered Done channel", zap.String("method", call.Method))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if call.Timeout <= 0 {
		call.Timeout = r.opts.timeout
	}

	payload, err := message.EncodeRequest(&message.Request{Method: call.Method, Params: call.Params}, codec.WithMaxDepth(r.opts.maxDepth))
	if err != nil {
		call.Error = err
		call.done()
		return call
	}
	if err := r.register(ctx, call); err != nil {
		call.Error = err
		call.done()
		return call
	}

	id := call.ID
	err = r.conn.Send(&protocol.Stanza{
		ID:      id,
		To:      call.To,
		Type:    protocol.TypeSet,
		Payload: payload,
	})
	if err != nil {
		if !rpcerrors.IsTransport(err) {
			err = &rpcerrors.TransportError{Err: err}
		}
		r.resolve(id, nil, err, metrics.OutboundTransport)
	}
	return call
}

// register puts call in the pending set, choosing an id if it has none, and
// arms its deadline. Arming under the lock keeps the resolving paths from
// seeing a half built call.
func (r *Requester) register(ctx context.Context, call *Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return rpcerrors.ErrClosed
	}
	if call.ID == "" {
		for i := 0; call.ID == ""; i++ {
			if i == maxIDAttempts {
				return errors.Annotate(rpcerrors.ErrDuplicateID, "generating correlation id")
			}
			if id := r.opts.newID(); r.pending[id] == nil {
				call.ID = id
			}
		}
	} else if _, taken := r.pending[call.ID]; taken {
		return errors.Annotatef(rpcerrors.ErrDuplicateID, "id %q", call.ID)
	}

	id := call.ID
	call.started = r.opts.clock.Now()
	call.timer = r.opts.clock.AfterFunc(call.Timeout, func() {
		r.resolve(id, nil, &rpcerrors.TimeoutError{Method: call.Method, To: call.To, After: call.Timeout}, metrics.OutboundTimeout)
	})
	call.stopCtx = context.AfterFunc(ctx, func() {
		r.resolve(id, nil, &rpcerrors.TimeoutError{
			Method: call.Method,
			To:     call.To,
			After:  r.opts.clock.Now().Sub(call.started),
			Err:    ctx.Err(),
		}, metrics.OutboundTimeout)
	})
	r.pending[id] = call
	r.opts.metrics.CallStarted()
	return nil
}

// take removes and returns the pending call with id, or nil if another path
// already resolved it.
func (r *Requester) take(id string) *Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	return call
}

// resolve completes the call with id unless it is already resolved.
func (r *Requester) resolve(id string, result value.Value, err error, outcome string) bool {
	call := r.take(id)
	if call == nil {
		return false
	}
	r.finish(call, result, err, outcome)
	return true
}

func (r *Requester) finish(call *Call, result value.Value, err error, outcome string) {
	call.timer.Stop()
	call.stopCtx()
	call.Result, call.Error = result, err
	r.opts.metrics.CallFinished(outcome, r.opts.clock.Now().Sub(call.started))
	call.done()
}

// deliver handles an answer stanza on the transport's goroutine.
func (r *Requester) deliver(st *protocol.Stanza) {
	var (
		result  value.Value
		err     error
		outcome string
	)
	switch {
	case st.Type == protocol.TypeError:
		err, outcome = &rpcerrors.TransportError{Condition: protocol.CondInternalServerError}, metrics.OutboundTransport
		if st.Error != nil {
			err = st.Error.AsError()
		}
	default:
		resp, derr := message.DecodeResponse(st.Payload, codec.WithMaxDepth(r.opts.maxDepth))
		switch {
		case derr != nil:
			err, outcome = derr, metrics.OutboundError
		case resp.IsFault():
			err, outcome = resp.Fault, metrics.OutboundFault
		default:
			result, outcome = resp.Result, metrics.OutboundResult
		}
	}

	if !r.resolve(st.ID, result, err, outcome) {
		r.opts.metrics.LateAnswer()
		r.logger.Debug("dropping answer with no pending call",
			zap.String("id", st.ID), zap.String("from", st.From), zap.String("type", string(st.Type)))
	}
}

// watchConn fails every pending call once the connection is gone.
func (r *Requester) watchConn() {
	defer r.wg.Done()
	select {
	case <-r.conn.Done():
		err := &rpcerrors.TransportError{Err: r.conn.Err()}
		r.logger.Info("connection lost, failing pending calls", zap.Error(r.conn.Err()))
		r.failAll(err, metrics.OutboundTransport)
	case <-r.quit:
	}
}

func (r *Requester) failAll(err error, outcome string) {
	r.mu.Lock()
	calls := r.pending
	r.pending = make(map[string]*Call)
	r.mu.Unlock()

	for _, call := range calls {
		r.finish(call, nil, err, outcome)
	}
}

// Pending reports how many calls are waiting for an answer.
func (r *Requester) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Conn returns the connection calls are sent on.
func (r *Requester) Conn() transport.Conn {
	return r.conn
}

// Close stops the Requester. Pending calls fail with rpcerrors.ErrClosed,
// as does every later call. Close does not close the connection.
func (r *Requester) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.unsubscribe()
	close(r.quit)
	r.wg.Wait()
	r.failAll(rpcerrors.ErrClosed, metrics.OutboundError)
	return nil
}
