package loadbalance

import (
	"math/rand"

	"poolrpc/registry"
)

// RandomBalancer picks uniformly at random.
type RandomBalancer struct{}

func (b *RandomBalancer) Pick(endpoints []registry.Endpoint) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, ErrNoEndpoints
	}
	return endpoints[rand.Intn(len(endpoints))], nil
}

func (b *RandomBalancer) Name() string {
	return "Random"
}
