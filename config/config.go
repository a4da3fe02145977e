// Package config loads engine settings from YAML.
//
//	address: referee@volity.net/rpc
//	stream:
//	  server: jabber.volity.net:5222
//	  domain: volity.net
//	  keepalive: 60s
//	requester:
//	  timeout: 30s
//	server:
//	  handler_timeout: 10s
//	  rate_limit: 50
//	  rate_burst: 100
//	registry:
//	  backend: etcd
//	  etcd:
//	    endpoints: [localhost:2379]
//
// Every field has a default; an empty document is a valid configuration
// that uses the in-memory registry and no stream settings.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"jabber-rpc/codec"
	"jabber-rpc/registry"
	"jabber-rpc/rpcerrors"
	"jabber-rpc/token"
	"jabber-rpc/transport"
)

// Registry backends.
const (
	BackendMemory = "memory"
	BackendEtcd   = "etcd"
)

// Config is the root of the configuration document.
type Config struct {
	// Address is the local full address. Empty means whatever the stream
	// server assigns.
	Address string `yaml:"address"`
	// Node names this process in registry bindings. Empty means the host
	// name.
	Node string `yaml:"node"`

	Log       LogConfig       `yaml:"log"`
	Stream    StreamConfig    `yaml:"stream"`
	Codec     CodecConfig     `yaml:"codec"`
	Requester RequesterConfig `yaml:"requester"`
	Server    ServerConfig    `yaml:"server"`
	Token     TokenConfig     `yaml:"token"`
	Registry  RegistryConfig  `yaml:"registry"`
}

// LogConfig selects the logger built by Config.Logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// StreamConfig describes the stream connection dialed by the engine.
type StreamConfig struct {
	Network   string        `yaml:"network"`
	Server    string        `yaml:"server"`
	Domain    string        `yaml:"domain"`
	KeepAlive time.Duration `yaml:"keepalive"`
}

// CodecConfig bounds decoding.
type CodecConfig struct {
	MaxDepth int `yaml:"max_depth"`
}

// RequesterConfig configures outbound calls.
type RequesterConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// ServerConfig configures the inbound side. Zero HandlerTimeout and
// RateLimit disable the corresponding middleware.
type ServerConfig struct {
	UnhandledCode      int           `yaml:"unhandled_code"`
	HandlerErrorCode   int           `yaml:"handler_error_code"`
	NoSuchMethodCode   int           `yaml:"no_such_method_code"`
	HandlerTimeout     time.Duration `yaml:"handler_timeout"`
	HandlerTimeoutCode int           `yaml:"handler_timeout_code"`
	RateLimit          float64       `yaml:"rate_limit"`
	RateBurst          int           `yaml:"rate_burst"`
	RateLimitedCode    int           `yaml:"rate_limited_code"`
	LogRequests        bool          `yaml:"log_requests"`
}

// TokenConfig configures token convention calls. A zero Timeout uses the
// requester timeout.
type TokenConfig struct {
	OK           string        `yaml:"ok"`
	BadTokenCode int           `yaml:"bad_token_code"`
	Timeout      time.Duration `yaml:"timeout"`
}

// RegistryConfig selects where service bindings are recorded.
type RegistryConfig struct {
	Backend string              `yaml:"backend"`
	Etcd    registry.EtcdConfig `yaml:"etcd"`
}

// Default returns the configuration used for anything a document leaves
// out.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Stream: StreamConfig{
			Network:   "tcp",
			KeepAlive: transport.DefaultKeepAlive,
		},
		Codec:     CodecConfig{MaxDepth: codec.DefaultMaxDepth},
		Requester: RequesterConfig{Timeout: 30 * time.Second},
		Server: ServerConfig{
			UnhandledCode:      rpcerrors.CodeUnhandled,
			HandlerErrorCode:   rpcerrors.CodeHandlerError,
			NoSuchMethodCode:   rpcerrors.CodeNoSuchMethod,
			HandlerTimeoutCode: rpcerrors.CodeHandlerTimeout,
			RateLimitedCode:    rpcerrors.CodeRateLimited,
		},
		Token: TokenConfig{
			OK:           token.DefaultOK,
			BadTokenCode: rpcerrors.CodeBadToken,
		},
		Registry: RegistryConfig{
			Backend: BackendMemory,
			Etcd: registry.EtcdConfig{
				Prefix:      registry.DefaultPrefix,
				TTL:         registry.DefaultTTL,
				DialTimeout: registry.DefaultDialTimeout,
			},
		},
	}
}

// Parse reads a YAML document over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Annotate(err, "parsing config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotatef(err, "reading config %q", path)
	}
	cfg, err := Parse(data)
	return cfg, errors.Annotatef(err, "config %q", path)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var err error
	if _, lerr := zapcore.ParseLevel(c.Log.Level); lerr != nil {
		err = multierr.Append(err, errors.NotValidf("log level %q", c.Log.Level))
	}
	if c.Codec.MaxDepth <= 0 {
		err = multierr.Append(err, errors.NotValidf("codec max_depth %d", c.Codec.MaxDepth))
	}
	if c.Requester.Timeout <= 0 {
		err = multierr.Append(err, errors.NotValidf("requester timeout %s", c.Requester.Timeout))
	}
	if c.Token.Timeout < 0 {
		err = multierr.Append(err, errors.NotValidf("token timeout %s", c.Token.Timeout))
	}
	if c.Token.OK == "" {
		err = multierr.Append(err, errors.NotValidf("empty token ok"))
	}
	if c.Stream.KeepAlive < 0 {
		err = multierr.Append(err, errors.NotValidf("stream keepalive %s", c.Stream.KeepAlive))
	}
	if c.Server.HandlerTimeout < 0 {
		err = multierr.Append(err, errors.NotValidf("server handler_timeout %s", c.Server.HandlerTimeout))
	}
	if c.Server.RateLimit < 0 || (c.Server.RateLimit > 0 && c.Server.RateBurst <= 0) {
		err = multierr.Append(err, errors.NotValidf("server rate_limit %v with rate_burst %d", c.Server.RateLimit, c.Server.RateBurst))
	}
	switch c.Registry.Backend {
	case BackendMemory:
	case BackendEtcd:
		if len(c.Registry.Etcd.Endpoints) == 0 {
			err = multierr.Append(err, errors.NotValidf("etcd registry without endpoints"))
		}
	default:
		err = multierr.Append(err, errors.NotValidf("registry backend %q", c.Registry.Backend))
	}
	return err
}

// Logger builds the zap logger described by c.Log.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, errors.NotValidf("log level %q", c.Log.Level)
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	logger, err := zc.Build()
	return logger, errors.Annotate(err, "building logger")
}

// NodeName returns Node, falling back to the host name.
func (c Config) NodeName() string {
	if c.Node != "" {
		return c.Node
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "unknown"
}
