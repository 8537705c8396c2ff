package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticRegisterAndDiscover(t *testing.T) {
	reg := NewStaticRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "Echo", ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10}, 10))
	require.NoError(t, reg.Register(ctx, "Echo", ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5}, 10))
	// Re-registering the same address replaces it
	require.NoError(t, reg.Register(ctx, "Echo", ServiceInstance{Addr: "127.0.0.1:8002", Weight: 7}, 10))

	instances, err := reg.Discover(ctx, "Echo")
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, 7, instances[1].Weight)

	require.NoError(t, reg.Deregister(ctx, "Echo", "127.0.0.1:8001"))
	instances, err = reg.Discover(ctx, "Echo")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "127.0.0.1:8002", instances[0].Addr)

	none, err := reg.Discover(ctx, "Other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStaticRegistryFor(t *testing.T) {
	reg := NewStaticRegistryFor("Echo", "a:1", "b:2")
	instances, err := reg.Discover(context.Background(), "Echo")
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, 1, instances[0].Weight)
}

func TestStaticWatch(t *testing.T) {
	reg := NewStaticRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	ch := reg.Watch(ctx, "Echo")
	require.NoError(t, reg.Register(context.Background(), "Echo", ServiceInstance{Addr: "a:1"}, 0))

	select {
	case insts := <-ch:
		require.Len(t, insts, 1)
		assert.Equal(t, "a:1", insts[0].Addr)
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should close after cancel")
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}
