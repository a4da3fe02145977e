package transport

import (
	"context"
	"encoding/xml"
	"io"
	"net"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"jabber-rpc/protocol"
	"jabber-rpc/rpcerrors"
)

// StreamConn is a Conn over one XML stream on a net.Conn.
//
// A single goroutine (recvLoop) reads the stream, since stanza boundaries
// can only be found by parsing it in order. Writers share the connection
// under the sending mutex so that stanzas never interleave.
type StreamConn struct {
	conn    net.Conn
	dec     *xml.Decoder
	addr    string
	opts    options
	logger  *zap.Logger
	sending sync.Mutex
	subs    subscribers

	done      chan struct{}
	closeOnce sync.Once
	err       atomic.Error
}

var _ Conn = (*StreamConn)(nil)

// Dial connects to address and opens a stream on the new connection.
func Dial(ctx context.Context, network, address string, opts ...Option) (*StreamConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, &rpcerrors.TransportError{Err: err}
	}
	sc, err := NewStreamConn(conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return sc, nil
}

// NewStreamConn exchanges stream headers over conn and starts the background
// goroutines:
//   - recvLoop: reads stanzas and hands each to the subscribers
//   - keepAliveLoop: writes whitespace so idle connections stay open
func NewStreamConn(conn net.Conn, opts ...Option) (*StreamConn, error) {
	o := newOptions(opts)
	c := &StreamConn{
		conn:   conn,
		dec:    xml.NewDecoder(conn),
		addr:   o.addr,
		opts:   o,
		logger: o.logger,
		done:   make(chan struct{}),
	}

	// Both ends may be opening at once over an unbuffered pipe, so the
	// header goes out while the peer's is being read.
	sent := make(chan error, 1)
	go func() {
		_, err := io.WriteString(conn, protocol.StreamHeader(o.addr, o.domain, ""))
		sent <- err
	}()
	header, err := protocol.ReadStreamHeader(c.dec)
	if err != nil {
		conn.Close()
		<-sent
		return nil, &rpcerrors.TransportError{Err: err}
	}
	if err := <-sent; err != nil {
		conn.Close()
		return nil, &rpcerrors.TransportError{Err: err}
	}
	if c.addr == "" {
		c.addr = protocol.StreamAttr(header, "to")
	}
	c.logger = c.logger.With(zap.String("addr", c.addr))

	go c.recvLoop()
	if o.keepAlive > 0 {
		go c.keepAliveLoop()
	}
	return c, nil
}

func (c *StreamConn) Addr() string { return c.addr }

func (c *StreamConn) Done() <-chan struct{} { return c.done }

func (c *StreamConn) Err() error { return c.err.Load() }

func (c *StreamConn) Subscribe(f Filter, h func(*protocol.Stanza)) func() {
	return c.subs.add(f, h)
}

// Send writes st as one stanza. A failed write tears the connection down.
func (c *StreamConn) Send(st *protocol.Stanza) error {
	select {
	case <-c.done:
		return &rpcerrors.TransportError{Err: c.Err()}
	default:
	}
	if st.From == "" {
		st.From = c.addr
	}

	c.sending.Lock()
	err := protocol.Encode(c.conn, st)
	c.sending.Unlock()
	if err != nil {
		c.fail(err)
		return &rpcerrors.TransportError{Err: err}
	}
	return nil
}

// Close ends the stream and closes the connection.
func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.sending.Lock()
		_, werr := io.WriteString(c.conn, protocol.StreamFooter)
		c.sending.Unlock()
		err = multierr.Append(werr, c.conn.Close())
		c.err.Store(ErrConnClosed)
		close(c.done)
	})
	return err
}

// fail records err as the reason the connection went away.
func (c *StreamConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.logger.Info("stream closed", zap.Error(err))
		c.conn.Close()
		c.err.Store(err)
		close(c.done)
	})
}

// recvLoop runs in a dedicated goroutine until the stream ends or breaks.
func (c *StreamConn) recvLoop() {
	for {
		st, err := protocol.Decode(c.dec)
		if err != nil {
			if err == io.EOF {
				err = ErrStreamEnded
			}
			c.fail(err)
			return
		}
		go c.dispatch(st)
	}
}

func (c *StreamConn) dispatch(st *protocol.Stanza) {
	if c.subs.deliver(st) {
		return
	}
	reply := bounce(st)
	if reply == nil {
		c.logger.Debug("dropping unclaimed stanza",
			zap.String("id", st.ID), zap.String("type", string(st.Type)), zap.String("from", st.From))
		return
	}
	if err := c.Send(reply); err != nil {
		c.logger.Debug("bounce failed", zap.String("id", st.ID), zap.Error(err))
	}
}

// keepAliveLoop writes a single space between stanzas every interval. Any
// XML stream reader ignores it, but it keeps NAT and server idle timers from
// dropping the connection.
func (c *StreamConn) keepAliveLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.opts.clock.After(c.opts.keepAlive):
		}
		c.sending.Lock()
		_, err := io.WriteString(c.conn, " ")
		c.sending.Unlock()
		if err != nil {
			c.fail(err)
			return
		}
	}
}
