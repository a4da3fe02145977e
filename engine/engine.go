// Package engine assembles the RPC stack of one connection from a
// config.Config:
//
//	            ┌──────────── Engine ────────────┐
//	            │ Requester ── outbound calls     │
//	 Conn ◄────►│ Service ──► Dispatcher ──► handlers
//	            │   └─ middleware: logging, rate limit, timeout
//	            │ Bindings (memory | etcd)        │
//	            │ metrics.Collector               │
//	            └─────────────────────────────────┘
//
// The Dispatcher is registered first and claims every request it can route;
// responders added with AddResponder see the rest. Requests nobody claims are
// answered with the unhandled fault.
package engine

import (
	"context"
	"io"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"jabber-rpc/client"
	"jabber-rpc/config"
	"jabber-rpc/message"
	"jabber-rpc/metrics"
	"jabber-rpc/middleware"
	"jabber-rpc/registry"
	"jabber-rpc/server"
	"jabber-rpc/token"
	"jabber-rpc/transport"
	"jabber-rpc/value"
)

// Engine is the RPC stack bound to one connection.
type Engine struct {
	cfg    config.Config
	opts   options
	logger *zap.Logger

	conn       transport.Conn
	bindings   registry.Bindings
	metrics    *metrics.Collector
	dispatcher *server.Dispatcher
	service    *server.Service
	requester  *client.Requester

	closers []io.Closer // Created by the engine, closed last
	closed  atomic.Bool
}

// Dial connects a StreamConn to cfg.Stream.Server and builds an Engine on
// it. The Engine owns the connection and closes it on Close.
func Dial(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	if cfg.Stream.Server == "" {
		return nil, errors.NotValidf("config without stream server")
	}
	o := newOptions(opts)
	conn, err := transport.Dial(ctx, cfg.Stream.Network, cfg.Stream.Server,
		transport.WithAddr(cfg.Address),
		transport.WithDomain(cfg.Stream.Domain),
		transport.WithKeepAlive(cfg.Stream.KeepAlive),
		transport.WithLogger(o.logger),
		transport.WithClock(o.clock),
	)
	if err != nil {
		return nil, errors.Annotate(err, "dialing stream server")
	}
	e, err := build(ctx, cfg, conn, o)
	if err != nil {
		return nil, multierr.Append(err, conn.Close())
	}
	e.closers = append(e.closers, conn)
	return e, nil
}

// New builds an Engine on conn. The caller keeps ownership of conn.
func New(ctx context.Context, cfg config.Config, conn transport.Conn, opts ...Option) (*Engine, error) {
	return build(ctx, cfg, conn, newOptions(opts))
}

func build(ctx context.Context, cfg config.Config, conn transport.Conn, o options) (_ *Engine, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     cfg,
		opts:    o,
		logger:  o.logger.With(zap.String("addr", conn.Addr())),
		conn:    conn,
		metrics: metrics.NewCollector(),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, e.closeOwned())
		}
	}()

	if o.registerer != nil {
		if err := o.registerer.Register(e.metrics); err != nil {
			return nil, errors.Annotate(err, "registering metrics")
		}
		e.closers = append(e.closers, unregisterer{o.registerer, e.metrics})
	}

	if e.bindings, err = e.newBindings(); err != nil {
		return nil, err
	}

	e.service, err = server.NewService(ctx, conn, e.bindings,
		server.WithLogger(o.logger),
		server.WithMetrics(e.metrics),
		server.WithMiddleware(e.middlewares()...),
		server.WithUnhandledCode(cfg.Server.UnhandledCode),
		server.WithHandlerErrorCode(cfg.Server.HandlerErrorCode),
		server.WithMaxDepth(cfg.Codec.MaxDepth),
	)
	if err != nil {
		return nil, errors.Annotatef(err, "binding service to %s", conn.Addr())
	}

	e.dispatcher = server.NewDispatcher(server.WithNoSuchMethodCode(cfg.Server.NoSuchMethodCode))
	if _, err := e.service.AddResponder(e.dispatcher.Claims, e.dispatcher); err != nil {
		return nil, multierr.Append(err, e.service.Stop(ctx))
	}

	e.requester = client.NewRequester(conn,
		client.WithTimeout(cfg.Requester.Timeout),
		client.WithClock(o.clock),
		client.WithLogger(o.logger),
		client.WithMetrics(e.metrics),
		client.WithMaxDepth(cfg.Codec.MaxDepth),
	)
	e.logger.Info("engine started", zap.String("registry", cfg.Registry.Backend))
	return e, nil
}

func (e *Engine) newBindings() (registry.Bindings, error) {
	if e.opts.bindings != nil {
		return e.opts.bindings, nil
	}
	switch e.cfg.Registry.Backend {
	case config.BackendEtcd:
		b, err := registry.NewEtcdBindings(e.cfg.Registry.Etcd, e.cfg.NodeName(), e.opts.logger)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, b)
		return b, nil
	default:
		return registry.NewMemoryBindings(e.cfg.NodeName(), e.opts.clock), nil
	}
}

// middlewares returns the inbound chain, outermost first.
func (e *Engine) middlewares() []middleware.Middleware {
	s := e.cfg.Server
	var mws []middleware.Middleware
	if s.LogRequests {
		mws = append(mws, middleware.Logging(e.opts.logger, e.opts.clock))
	}
	if s.RateLimit > 0 {
		mws = append(mws, middleware.RateLimit(s.RateLimit, s.RateBurst, s.RateLimitedCode))
	}
	if s.HandlerTimeout > 0 {
		mws = append(mws, middleware.Timeout(s.HandlerTimeout, s.HandlerTimeoutCode, e.opts.clock))
	}
	return mws
}

// Conn returns the connection the engine runs on.
func (e *Engine) Conn() transport.Conn { return e.conn }

// Dispatcher returns the namespace router serving inbound requests.
func (e *Engine) Dispatcher() *server.Dispatcher { return e.dispatcher }

// Service returns the responder registry of the connection.
func (e *Engine) Service() *server.Service { return e.service }

// Requester returns the outbound call engine.
func (e *Engine) Requester() *client.Requester { return e.requester }

// Metrics returns the engine's collector.
func (e *Engine) Metrics() *metrics.Collector { return e.metrics }

// Handle registers h under prefix in the Dispatcher.
func (e *Engine) Handle(prefix string, h message.Handler) {
	e.dispatcher.SetHandler(prefix, h)
}

// HandleReceiver exposes the RPC methods of rcvr under prefix. Unknown
// method names answer with the configured no-such-method code.
func (e *Engine) HandleReceiver(prefix string, rcvr any) error {
	r, err := server.NewReceiver(rcvr, server.WithReceiverNoSuchMethodCode(e.cfg.Server.NoSuchMethodCode))
	if err != nil {
		return errors.Annotatef(err, "handling %q", prefix)
	}
	e.Handle(prefix, r)
	return nil
}

// AddResponder registers a responder after the Dispatcher.
func (e *Engine) AddResponder(pred server.Predicate, h message.Handler) (*server.Responder, error) {
	return e.service.AddResponder(pred, h)
}

// Invoke calls method on the peer at to.
func (e *Engine) Invoke(ctx context.Context, to, method string, params ...value.Value) (value.Value, error) {
	return e.requester.Invoke(ctx, to, method, params...)
}

// Token returns a token convention requester for the responder at to.
func (e *Engine) Token(to string) *token.Requester {
	return token.New(e.requester, to,
		token.WithOK(e.cfg.Token.OK),
		token.WithTimeout(e.cfg.Token.Timeout),
		token.WithBadTokenCode(e.cfg.Token.BadTokenCode),
		token.WithLogger(e.opts.logger),
	)
}

// Close stops the service, fails pending calls and releases everything the
// engine created. It is safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := multierr.Combine(
		e.service.Stop(ctx),
		e.requester.Close(),
		e.closeOwned(),
	)
	e.logger.Info("engine stopped", zap.Error(err))
	return err
}

func (e *Engine) closeOwned() error {
	var err error
	for i := len(e.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, e.closers[i].Close())
	}
	e.closers = nil
	return err
}

type unregisterer struct {
	reg prometheus.Registerer
	c   prometheus.Collector
}

func (u unregisterer) Close() error {
	u.reg.Unregister(u.c)
	return nil
}

type options struct {
	logger     *zap.Logger
	clock      clock.Clock
	bindings   registry.Bindings
	registerer prometheus.Registerer
}

// Option configures an Engine.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		logger: zap.NewNop(),
		clock:  clock.WallClock,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock sets the clock for deadlines, keepalives and request logging.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithBindings shares an existing registry instead of building one from the
// config. The engine does not close it.
func WithBindings(b registry.Bindings) Option {
	return func(o *options) { o.bindings = b }
}

// WithRegisterer registers the engine's collector with r until Close.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}
