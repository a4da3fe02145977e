// Package server answers inbound RPC requests.
//
// A Service is bound to one connection and owns the list of responders
// sharing it. Each inbound request is offered to the responders in
// registration order; the first whose predicate accepts it handles it:
//
//	Conn → Service.deliver (transport goroutine)
//	  → decode payload → first matching Responder → middleware → handler
//	    → ResponseWriter (now or later) → encode → Conn.Send(iq result)
//
// A Dispatcher is the usual responder handler: it routes "prefix.method"
// names to per-namespace handlers, and a Receiver exposes a struct's methods
// as such a handler.
package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/juju/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"jabber-rpc/codec"
	"jabber-rpc/message"
	"jabber-rpc/metrics"
	"jabber-rpc/middleware"
	"jabber-rpc/protocol"
	"jabber-rpc/registry"
	"jabber-rpc/rpcerrors"
	"jabber-rpc/transport"
)

// UnhandledMessage is the fault string sent when no responder claims a
// request.
const UnhandledMessage = "RPC not handled."

// Predicate decides whether a responder claims a request. A nil Predicate
// claims everything.
type Predicate func(req *message.Request) bool

// FromAddr claims requests sent by addr.
func FromAddr(addr string) Predicate {
	return func(req *message.Request) bool { return req.From == addr }
}

// MethodPrefix claims requests whose method lives under prefix, e.g.
// MethodPrefix("volity") claims "volity.start_game".
func MethodPrefix(prefix string) Predicate {
	p := prefix + "."
	return func(req *message.Request) bool {
		return len(req.Method) > len(p) && req.Method[:len(p)] == p
	}
}

// Responder is a registered (predicate, handler) pair.
type Responder struct {
	pred    Predicate
	handler message.Handler // With the Service middleware applied
}

// Service is the responder registry of one connection.
type Service struct {
	conn     transport.Conn
	bindings registry.Bindings
	opts     serviceOptions
	logger   *zap.Logger
	chain    middleware.Middleware

	ctx    context.Context // Cancelled by Stop
	cancel context.CancelFunc

	mu          sync.RWMutex
	responders  []*Responder
	stopped     atomic.Bool
	unsubscribe func()
}

// NewService binds a new Service to conn. It fails with
// rpcerrors.ErrAlreadyBound if bindings already holds a service for conn.
func NewService(ctx context.Context, conn transport.Conn, bindings registry.Bindings, opts ...ServiceOption) (*Service, error) {
	if bindings == nil {
		return nil, errors.NotValidf("nil bindings")
	}
	o := newServiceOptions(opts)
	if err := bindings.Bind(ctx, conn.Addr()); err != nil {
		return nil, err
	}

	s := &Service{
		conn:     conn,
		bindings: bindings,
		opts:     o,
		logger:   o.logger.With(zap.String("service", conn.Addr())),
		chain:    middleware.Chain(o.middlewares...),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.unsubscribe = conn.Subscribe(transport.RPCRequests, s.deliver)
	return s, nil
}

// Conn returns the connection the Service is bound to.
func (s *Service) Conn() transport.Conn {
	return s.conn
}

// AddResponder registers h behind pred, after every responder already
// registered. It fails with rpcerrors.ErrNotBound once the Service is
// stopped.
func (s *Service) AddResponder(pred Predicate, h message.Handler) (*Responder, error) {
	if h == nil {
		return nil, errors.NotValidf("nil handler")
	}
	r := &Responder{pred: pred, handler: s.chain(h)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		return nil, rpcerrors.ErrNotBound
	}
	s.responders = append(s.responders, r)
	return r, nil
}

// RemoveResponder unregisters r and reports whether it was registered.
// Requests already handed to r are still answered.
func (s *Service) RemoveResponder(r *Responder) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.responders {
		if cur == r {
			// Copy so snapshots held by in-flight deliveries stay intact.
			s.responders = append(s.responders[:i:i], s.responders[i+1:]...)
			return true
		}
	}
	return false
}

// Stop detaches the Service from its connection, drops every responder and
// releases the binding. Handler contexts are cancelled. Answers given
// afterwards by asynchronous handlers are still sent while the connection
// lives.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopped.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return rpcerrors.ErrNotBound
	}
	s.responders = nil
	s.mu.Unlock()

	s.unsubscribe()
	s.cancel()
	return errors.Annotate(s.bindings.Unbind(ctx, s.conn.Addr()), "stopping service")
}

func (s *Service) snapshot() []*Responder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.responders
}

// deliver handles one inbound request stanza on the transport's goroutine.
func (s *Service) deliver(st *protocol.Stanza) {
	if s.stopped.Load() {
		s.sendStanza(protocol.NewErrorStanza(st, protocol.CondServiceUnavailable, ""))
		return
	}

	var req *message.Request
	err := st.Validate()
	if err == nil {
		req, err = message.DecodeRequest(st.Payload, codec.WithMaxDepth(s.opts.maxDepth))
	}
	if err != nil {
		s.logger.Debug("malformed request", zap.String("id", st.ID), zap.String("from", st.From), zap.Error(err))
		s.opts.metrics.Inbound(metrics.InboundBadRequest)
		s.sendStanza(protocol.NewErrorStanza(st, protocol.CondBadRequest, err.Error()))
		return
	}
	req.ID, req.From, req.To = st.ID, st.From, st.To

	w := message.NewOnceWriter(
		func(resp *message.Response) { s.reply(req, resp, "") },
		s.opts.handlerErrorCode,
		func(dup *message.Response) {
			s.logger.DPanic("handler answered more than once",
				zap.String("method", req.Method), zap.String("id", req.ID), zap.Bool("fault", dup.IsFault()))
		},
	)

	r := s.match(req, w)
	if r == nil {
		if !w.Responded() {
			s.logger.Debug("unhandled request", zap.String("method", req.Method), zap.String("from", req.From))
			s.reply(req, message.NewFault(s.opts.unhandledCode, UnhandledMessage), metrics.InboundUnhandled)
		}
		return
	}
	s.invoke(r, req, w)
}

// match returns the first responder claiming req. A panicking predicate
// counts as a handler failure.
func (s *Service) match(req *message.Request, w *message.OnceWriter) (found *Responder) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("responder predicate panicked", zap.String("method", req.Method), zap.Any("panic", p))
			w.RespondFault(s.opts.handlerErrorCode, fmt.Sprintf("internal error: %v", p))
			found = nil
		}
	}()
	for _, r := range s.snapshot() {
		if r.pred == nil || r.pred(req) {
			return r
		}
	}
	return nil
}

func (s *Service) invoke(r *Responder, req *message.Request, w *message.OnceWriter) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("handler panicked",
				zap.String("method", req.Method), zap.String("id", req.ID), zap.Any("panic", p), zap.Stack("stack"))
			if !w.Responded() {
				w.RespondFault(s.opts.handlerErrorCode, fmt.Sprintf("internal error: %v", p))
			}
		}
	}()
	ctx := message.WithRequest(s.ctx, req)
	r.handler.HandleRPC(ctx, req.Method, req.Params, w)
}

// reply sends resp as the answer to req. A result that cannot be encoded is
// replaced with a handler-error fault. An empty outcome is derived from resp.
func (s *Service) reply(req *message.Request, resp *message.Response, outcome string) {
	resp.ReplyTo(req)
	payload, err := message.EncodeResponse(resp, codec.WithMaxDepth(s.opts.maxDepth))
	if err != nil {
		s.logger.Warn("cannot encode response", zap.String("method", req.Method), zap.Error(err))
		resp = message.NewFault(s.opts.handlerErrorCode, err.Error()).ReplyTo(req)
		if payload, err = message.EncodeResponse(resp); err != nil {
			s.logger.Error("cannot encode fault", zap.Error(err))
			return
		}
	}
	if outcome == "" {
		outcome = metrics.InboundResult
		if resp.IsFault() {
			outcome = metrics.InboundFault
		}
	}
	s.opts.metrics.Inbound(outcome)
	s.sendStanza(&protocol.Stanza{
		ID:      req.ID,
		From:    resp.From,
		To:      resp.To,
		Type:    protocol.TypeResult,
		Payload: payload,
	})
}

func (s *Service) sendStanza(st *protocol.Stanza) {
	if err := s.conn.Send(st); err != nil {
		s.logger.Info("cannot send answer", zap.String("id", st.ID), zap.String("to", st.To), zap.Error(err))
	}
}

type serviceOptions struct {
	logger           *zap.Logger
	metrics          *metrics.Collector
	middlewares      []middleware.Middleware
	unhandledCode    int
	handlerErrorCode int
	maxDepth         int
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

func newServiceOptions(opts []ServiceOption) serviceOptions {
	o := serviceOptions{
		logger:           zap.NewNop(),
		unhandledCode:    rpcerrors.CodeUnhandled,
		handlerErrorCode: rpcerrors.CodeHandlerError,
		maxDepth:         codec.DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the Service logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(o *serviceOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records inbound outcomes in c.
func WithMetrics(c *metrics.Collector) ServiceOption {
	return func(o *serviceOptions) { o.metrics = c }
}

// WithMiddleware wraps every responder handler registered afterwards.
func WithMiddleware(mws ...middleware.Middleware) ServiceOption {
	return func(o *serviceOptions) { o.middlewares = append(o.middlewares, mws...) }
}

// WithUnhandledCode sets the fault code sent when no responder claims a
// request.
func WithUnhandledCode(code int) ServiceOption {
	return func(o *serviceOptions) { o.unhandledCode = code }
}

// WithHandlerErrorCode sets the fault code for handler errors and panics.
func WithHandlerErrorCode(code int) ServiceOption {
	return func(o *serviceOptions) { o.handlerErrorCode = code }
}

// WithMaxDepth bounds value nesting in requests and responses.
func WithMaxDepth(n int) ServiceOption {
	return func(o *serviceOptions) { o.maxDepth = n }
}
