package token

import (
	"time"

	"go.uber.org/zap"

	"jabber-rpc/rpcerrors"
)

type options struct {
	ok           string
	timeout      time.Duration
	badTokenCode int
	logger       *zap.Logger
}

// Option configures a Requester.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		ok:           DefaultOK,
		badTokenCode: rpcerrors.CodeBadToken,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithOK replaces the success token.
func WithOK(token string) Option {
	return func(o *options) {
		if token != "" {
			o.ok = token
		}
	}
}

// WithTimeout sets the default call timeout. Without it the Invoker's own
// default applies.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBadTokenCode sets the code carried by ProtocolErrors for responses
// that break the convention.
func WithBadTokenCode(code int) Option {
	return func(o *options) { o.badTokenCode = code }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
