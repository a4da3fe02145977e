package client

import (
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"jabber-rpc/codec"
	"jabber-rpc/metrics"
)

type options struct {
	timeout  time.Duration
	maxDepth int
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Collector
	newID    func() string
}

// Option configures a Requester.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		timeout:  DefaultTimeout,
		maxDepth: codec.DefaultMaxDepth,
		clock:    clock.WallClock,
		logger:   zap.NewNop(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTimeout sets the timeout of calls that do not set their own.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithClock sets the clock measuring deadlines.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records outbound outcomes in c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithIDGenerator replaces the random UUID correlation ids. The Requester
// still skips ids that are pending.
func WithIDGenerator(f func() string) Option {
	return func(o *options) {
		if f != nil {
			o.newID = f
		}
	}
}

// WithMaxDepth bounds value nesting in requests and answers.
func WithMaxDepth(n int) Option {
	return func(o *options) { o.maxDepth = n }
}
