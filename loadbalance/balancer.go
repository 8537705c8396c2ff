// Package loadbalance provides load balancing strategies for distributing
// exchanges across multiple responder instances.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Pin one client to one responder while the set is stable
package loadbalance

import (
	"errors"
	"fmt"

	"quic-exchange/registry"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each exchange to select a target responder.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Called on every exchange, must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer configured by name. key is only used by "consistent-hash".
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round-robin":
		return &RoundRobinBalancer{}, nil
	case "weighted-random":
		return &WeightedRandomBalancer{}, nil
	case "consistent-hash":
		return NewConsistentHashBalancer(key), nil
	default:
		return nil, fmt.Errorf("unknown balancer %q", name)
	}
}
