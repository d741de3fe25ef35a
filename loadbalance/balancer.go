// Package loadbalance provides the strategies a client uses to pick one provider
// endpoint out of the list the directory returned.
//
// Four strategies are implemented:
//   - Random:          The default. Uniform choice, no state
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Stateful services requiring cache affinity
package loadbalance

import (
	"strings"

	"github.com/pkg/errors"

	"poolrpc/registry"
)

// ErrNoEndpoints is returned by Pick on an empty list.
var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() whenever it (re)connects a service.
type Balancer interface {
	// Pick selects one endpoint from the available list.
	// It must not do I/O and must be goroutine-safe.
	Pick(endpoints []registry.Endpoint) (registry.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// ByName returns a fresh balancer for a config name. key is only used by
// "consistenthash" as the affinity key.
func ByName(name, key string) (Balancer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "random":
		return &RandomBalancer{}, nil
	case "roundrobin", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted", "weightedrandom", "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistenthash", "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, errors.Errorf("loadbalance: unknown strategy %q", name)
}
