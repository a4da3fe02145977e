package registry

// etcd acts as a cluster-wide phonebook of bound services:
//
//	Key:   {Prefix}{Addr}
//	Value: JSON-encoded Binding
//
// A binding is created in a transaction that only succeeds if the key does
// not exist yet, and is attached to a TTL lease kept alive for as long as the
// service runs. If the process dies the lease expires and the address can be
// bound again.

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"jabber-rpc/rpcerrors"
)

// EtcdConfig configures EtcdBindings.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	TTL         time.Duration `yaml:"ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

const (
	DefaultPrefix      = "/jabber-rpc/bindings/"
	DefaultTTL         = 10 * time.Second
	DefaultDialTimeout = 5 * time.Second
)

// EtcdBindings implements Bindings on etcd v3.
type EtcdBindings struct {
	client *clientv3.Client // Safe for concurrent use
	prefix string
	ttl    int64
	node   string
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]*heldLease // Bindings this process holds
}

type heldLease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

var _ Bindings = (*EtcdBindings)(nil)

// NewEtcdBindings connects to the cluster in cfg.
func NewEtcdBindings(cfg EtcdConfig, node string, logger *zap.Logger) (*EtcdBindings, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.NotValidf("etcd config without endpoints")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, errors.Annotate(err, "connecting to etcd")
	}
	ttl := int64(cfg.TTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	return &EtcdBindings{
		client: c,
		prefix: cfg.Prefix,
		ttl:    ttl,
		node:   node,
		clock:  clock.WallClock,
		logger: logger,
		leases: make(map[string]*heldLease),
	}, nil
}

func (r *EtcdBindings) key(addr string) string {
	return r.prefix + addr
}

// Bind claims addr cluster-wide.
//
// Flow:
//  1. Grant a lease with the configured TTL
//  2. Put the key with the lease only if it does not exist yet
//  3. Start KeepAlive so the lease lives as long as the binding
func (r *EtcdBindings) Bind(ctx context.Context, addr string) error {
	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return errors.Annotatef(err, "granting lease for %q", addr)
	}

	val, err := json.Marshal(Binding{Addr: addr, Node: r.node, Since: r.clock.Now().UTC()})
	if err != nil {
		return errors.Trace(err)
	}

	key := r.key(addr)
	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(val), clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		r.revoke(lease.ID)
		return errors.Annotatef(err, "binding %q", addr)
	}
	if !resp.Succeeded {
		r.revoke(lease.ID)
		return errors.Annotatef(rpcerrors.ErrAlreadyBound, "binding %q", addr)
	}

	// The keepalive outlives the caller's ctx; Unbind cancels it.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		r.revoke(lease.ID)
		return errors.Annotatef(err, "keeping lease for %q alive", addr)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("addr", addr))
	}()

	r.mu.Lock()
	r.leases[addr] = &heldLease{id: lease.ID, cancel: cancel}
	r.mu.Unlock()
	return nil
}

// Unbind releases a binding held by this process. Revoking the lease deletes
// the key.
func (r *EtcdBindings) Unbind(ctx context.Context, addr string) error {
	r.mu.Lock()
	held, ok := r.leases[addr]
	delete(r.leases, addr)
	r.mu.Unlock()
	if !ok {
		return errors.Annotatef(rpcerrors.ErrNotBound, "unbinding %q", addr)
	}
	held.cancel()
	if _, err := r.client.Revoke(ctx, held.id); err != nil {
		return errors.Annotatef(err, "revoking lease for %q", addr)
	}
	return nil
}

// List returns every binding in the cluster.
func (r *EtcdBindings) List(ctx context.Context) ([]Binding, error) {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Annotate(err, "listing bindings")
	}
	out := make([]Binding, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var b Binding
		if err := json.Unmarshal(kv.Value, &b); err != nil {
			r.logger.Warn("skipping malformed binding", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		out = append(out, b)
	}
	sortBindings(out)
	return out, nil
}

// Watch emits the full binding list whenever it changes, until ctx ends.
func (r *EtcdBindings) Watch(ctx context.Context) <-chan []Binding {
	ch := make(chan []Binding, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, r.prefix, clientv3.WithPrefix()) {
			// Re-fetching is simpler than applying individual events.
			bindings, err := r.List(ctx)
			if err != nil {
				r.logger.Warn("refreshing bindings", zap.Error(err))
				continue
			}
			select {
			case ch <- bindings:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close releases every binding this process holds and disconnects.
func (r *EtcdBindings) Close() error {
	r.mu.Lock()
	addrs := make([]string, 0, len(r.leases))
	for addr := range r.leases {
		addrs = append(addrs, addr)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultDialTimeout)
	defer cancel()
	var err error
	for _, addr := range addrs {
		err = multierr.Append(err, r.Unbind(ctx, addr))
	}
	return multierr.Append(err, r.client.Close())
}

func (r *EtcdBindings) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultDialTimeout)
	defer cancel()
	if _, err := r.client.Revoke(ctx, id); err != nil {
		r.logger.Debug("revoking unused lease", zap.Error(err))
	}
}
