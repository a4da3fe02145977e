// Package registry records which connections have an RPC service bound.
//
// A connection may carry at most one service. The in-process MemoryBindings
// enforces that for a single engine; EtcdBindings extends the rule to every
// process sharing an etcd cluster, so two engines logged in under the same
// address cannot both answer calls.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"jabber-rpc/rpcerrors"
)

// Binding describes one bound service.
type Binding struct {
	Addr  string    `json:"addr"`
	Node  string    `json:"node,omitempty"` // Engine instance holding the binding
	Since time.Time `json:"since"`
}

// Bindings enforces the one-service-per-connection rule.
type Bindings interface {
	// Bind claims addr. It fails with rpcerrors.ErrAlreadyBound if addr
	// already has a service.
	Bind(ctx context.Context, addr string) error
	// Unbind releases addr. It fails with rpcerrors.ErrNotBound if addr was
	// not bound.
	Unbind(ctx context.Context, addr string) error
	// List returns the current bindings ordered by address.
	List(ctx context.Context) ([]Binding, error)
}

// MemoryBindings keeps bindings in process memory.
type MemoryBindings struct {
	mu    sync.Mutex
	node  string
	clock clock.Clock
	bound map[string]Binding
}

var _ Bindings = (*MemoryBindings)(nil)

// NewMemoryBindings returns an empty table. node is recorded in each binding.
func NewMemoryBindings(node string, clk clock.Clock) *MemoryBindings {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryBindings{node: node, clock: clk, bound: make(map[string]Binding)}
}

func (m *MemoryBindings) Bind(_ context.Context, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bound[addr]; ok {
		return errors.Annotatef(rpcerrors.ErrAlreadyBound, "binding %q", addr)
	}
	m.bound[addr] = Binding{Addr: addr, Node: m.node, Since: m.clock.Now()}
	return nil
}

func (m *MemoryBindings) Unbind(_ context.Context, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bound[addr]; !ok {
		return errors.Annotatef(rpcerrors.ErrNotBound, "unbinding %q", addr)
	}
	delete(m.bound, addr)
	return nil
}

func (m *MemoryBindings) List(_ context.Context) ([]Binding, error) {
	m.mu.Lock()
	out := make([]Binding, 0, len(m.bound))
	for _, b := range m.bound {
		out = append(out, b)
	}
	m.mu.Unlock()
	sortBindings(out)
	return out, nil
}

func sortBindings(bs []Binding) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].Addr < bs[j].Addr })
}
