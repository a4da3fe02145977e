package transport

import (
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
)

// DefaultKeepAlive is the whitespace keepalive interval of a StreamConn.
const DefaultKeepAlive = 60 * time.Second

type options struct {
	addr      string
	domain    string
	keepAlive time.Duration
	logger    *zap.Logger
	clock     clock.Clock
}

// Option configures a StreamConn or a Switchboard.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		keepAlive: DefaultKeepAlive,
		logger:    zap.NewNop(),
		clock:     clock.WallClock,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithAddr sets the local full address. Without it a StreamConn takes the
// address the server assigns in its stream header.
func WithAddr(addr string) Option {
	return func(o *options) { o.addr = addr }
}

// WithDomain sets the domain named in the outgoing stream header.
func WithDomain(domain string) Option {
	return func(o *options) { o.domain = domain }
}

// WithKeepAlive sets the whitespace keepalive interval. Zero disables it.
func WithKeepAlive(d time.Duration) Option {
	return func(o *options) { o.keepAlive = d }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock sets the clock driving keepalives.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}
