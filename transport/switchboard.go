package transport

import (
	"sync"

	"github.com/juju/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"jabber-rpc/protocol"
	"jabber-rpc/rpcerrors"
)

// Switchboard routes stanzas between in-process endpoints by address. It
// behaves like a server that every endpoint is connected to: delivery is
// asynchronous and a request to an address with nobody behind it is answered
// with service-unavailable.
type Switchboard struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	logger    *zap.Logger
}

// NewSwitchboard returns an empty Switchboard. Only WithLogger applies.
func NewSwitchboard(opts ...Option) *Switchboard {
	o := newOptions(opts)
	return &Switchboard{
		endpoints: make(map[string]*Endpoint),
		logger:    o.logger,
	}
}

// Connect attaches a new endpoint at addr.
func (s *Switchboard) Connect(addr string) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[addr]; ok {
		return nil, errors.AlreadyExistsf("endpoint %q", addr)
	}
	e := &Endpoint{sb: s, addr: addr, done: make(chan struct{})}
	s.endpoints[addr] = e
	return e, nil
}

func (s *Switchboard) lookup(addr string) (*Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.endpoints[addr]
	return e, ok
}

func (s *Switchboard) remove(e *Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoints[e.addr] == e {
		delete(s.endpoints, e.addr)
	}
}

// route delivers a copy of orig to its destination on a new goroutine.
func (s *Switchboard) route(orig *protocol.Stanza) {
	st := *orig
	go func() {
		if dst, ok := s.lookup(st.To); ok && dst.subs.deliver(&st) {
			return
		}
		reply := bounce(&st)
		if reply == nil {
			s.logger.Debug("dropping undeliverable stanza",
				zap.String("id", st.ID), zap.String("to", st.To), zap.String("type", string(st.Type)))
			return
		}
		if src, ok := s.lookup(reply.To); ok {
			src.subs.deliver(reply)
		}
	}()
}

// Endpoint is a Conn attached to a Switchboard.
type Endpoint struct {
	sb   *Switchboard
	addr string
	subs subscribers

	done      chan struct{}
	closeOnce sync.Once
	err       atomic.Error
}

var _ Conn = (*Endpoint)(nil)

func (e *Endpoint) Addr() string { return e.addr }

func (e *Endpoint) Done() <-chan struct{} { return e.done }

func (e *Endpoint) Err() error { return e.err.Load() }

func (e *Endpoint) Subscribe(f Filter, h func(*protocol.Stanza)) func() {
	return e.subs.add(f, h)
}

func (e *Endpoint) Send(st *protocol.Stanza) error {
	select {
	case <-e.done:
		return &rpcerrors.TransportError{Err: ErrConnClosed}
	default:
	}
	if st.From == "" {
		st.From = e.addr
	}
	e.sb.route(st)
	return nil
}

// Close detaches the endpoint. Requests sent to it afterwards bounce.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.sb.remove(e)
		e.err.Store(ErrConnClosed)
		close(e.done)
	})
	return nil
}
