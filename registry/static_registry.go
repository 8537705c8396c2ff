package registry

import (
	"context"
	"slices"
	"sync"
)

// StaticRegistry is an in-memory registry, used when responders are configured by
// address instead of discovered through etcd. TTLs are ignored.
type StaticRegistry struct {
	mu        sync.RWMutex
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

// NewStaticRegistryFor returns a registry holding one instance per address for serviceName.
func NewStaticRegistryFor(serviceName string, addrs ...string) *StaticRegistry {
	r := NewStaticRegistry()
	for _, addr := range addrs {
		_ = r.Register(context.Background(), serviceName, ServiceInstance{Addr: addr, Weight: 1}, 0)
	}
	return r
}

func (r *StaticRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	insts := r.instances[serviceName]
	idx := slices.IndexFunc(insts, func(i ServiceInstance) bool { return i.Addr == instance.Addr })
	if idx >= 0 {
		insts[idx] = instance
	} else {
		insts = append(insts, instance)
	}
	r.instances[serviceName] = insts
	r.notify(serviceName)
	return nil
}

func (r *StaticRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.instances[serviceName] = slices.DeleteFunc(r.instances[serviceName], func(i ServiceInstance) bool {
		return i.Addr == addr
	})
	r.notify(serviceName)
	return nil
}

func (r *StaticRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.instances[serviceName]), nil
}

// Watch emits the instance list after every change until ctx is done.
func (r *StaticRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	r.mu.Lock()
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		r.watchers[serviceName] = slices.DeleteFunc(r.watchers[serviceName], func(c chan []ServiceInstance) bool {
			return c == ch
		})
		close(ch)
	}()
	return ch
}

func (r *StaticRegistry) Close() error {
	return nil
}

// notify must be called with mu held. Slow watchers only ever see the latest list.
func (r *StaticRegistry) notify(serviceName string) {
	snapshot := slices.Clone(r.instances[serviceName])
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
