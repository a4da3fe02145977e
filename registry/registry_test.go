package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	"jabber-rpc/rpcerrors"
)

func TestMemoryBindings(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewMemoryBindings("node-1", testclock.NewClock(now))

	require.NoError(t, m.Bind(ctx, "referee@host/volity"))
	require.NoError(t, m.Bind(ctx, "bot@host/volity"))

	err := m.Bind(ctx, "referee@host/volity")
	assert.ErrorIs(t, err, rpcerrors.ErrAlreadyBound)

	list, err := m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Binding{
		{Addr: "bot@host/volity", Node: "node-1", Since: now},
		{Addr: "referee@host/volity", Node: "node-1", Since: now},
	}, list)

	require.NoError(t, m.Unbind(ctx, "referee@host/volity"))
	assert.ErrorIs(t, m.Unbind(ctx, "referee@host/volity"), rpcerrors.ErrNotBound)

	// Released addresses can be bound again.
	assert.NoError(t, m.Bind(ctx, "referee@host/volity"))
}

// etcdEndpoints returns the cluster to test against, skipping the test when
// none is reachable.
func etcdEndpoints(t *testing.T) []string {
	t.Helper()
	endpoints := []string{"localhost:2379"}
	if env := os.Getenv("ETCD_ENDPOINTS"); env != "" {
		endpoints = strings.Split(env, ",")
	}
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: time.Second})
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.Status(ctx, endpoints[0]); err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	return endpoints
}

func TestEtcdBindings(t *testing.T) {
	endpoints := etcdEndpoints(t)
	cfg := EtcdConfig{
		Endpoints: endpoints,
		Prefix:    "/jabber-rpc-test/" + t.Name() + "/",
		TTL:       5 * time.Second,
	}
	ctx := context.Background()

	a, err := NewEtcdBindings(cfg, "node-a", nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewEtcdBindings(cfg, "node-b", nil)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Bind(ctx, "referee@host/volity"))
	assert.ErrorIs(t, b.Bind(ctx, "referee@host/volity"), rpcerrors.ErrAlreadyBound)
	assert.ErrorIs(t, b.Unbind(ctx, "referee@host/volity"), rpcerrors.ErrNotBound)

	list, err := b.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "node-a", list[0].Node)

	require.NoError(t, a.Unbind(ctx, "referee@host/volity"))
	require.NoError(t, b.Bind(ctx, "referee@host/volity"))
	require.NoError(t, b.Unbind(ctx, "referee@host/volity"))
}

func TestEtcdBindingsWatch(t *testing.T) {
	endpoints := etcdEndpoints(t)
	cfg := EtcdConfig{Endpoints: endpoints, Prefix: "/jabber-rpc-test/" + t.Name() + "/"}

	r, err := NewEtcdBindings(cfg, "node-w", nil)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := r.Watch(ctx)

	// Give the watch time to be established before the write.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, r.Bind(ctx, "bot@host/volity"))

	select {
	case list := <-updates:
		require.Len(t, list, 1)
		assert.Equal(t, "bot@host/volity", list[0].Addr)
	case <-time.After(5 * time.Second):
		t.Fatal("no watch update")
	}
}

func TestNewEtcdBindingsRequiresEndpoints(t *testing.T) {
	_, err := NewEtcdBindings(EtcdConfig{}, "n", nil)
	assert.Error(t, err)
}
