package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Needs a running etcd, e.g. QEX_ETCD_ENDPOINTS=127.0.0.1:2379.
func TestEtcdRegisterAndDiscover(t *testing.T) {
	endpoints := os.Getenv("QEX_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("QEX_ETCD_ENDPOINTS not set")
	}

	reg, err := NewEtcdRegistry(strings.Split(endpoints, ","), 3*time.Second, nil)
	require.NoError(t, err)
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}

	require.NoError(t, reg.Register(ctx, "EchoTest", inst1, 10))
	require.NoError(t, reg.Register(ctx, "EchoTest", inst2, 10))

	instances, err := reg.Discover(ctx, "EchoTest")
	require.NoError(t, err)
	require.Len(t, instances, 2)

	require.NoError(t, reg.Deregister(ctx, "EchoTest", inst1.Addr))

	instances, err = reg.Discover(ctx, "EchoTest")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.Equal(t, inst2.Addr, instances[0].Addr)

	require.NoError(t, reg.Deregister(ctx, "EchoTest", inst2.Addr))
}
