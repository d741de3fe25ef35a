package loadbalance

import (
	"math/rand"

	"poolrpc/registry"
)

// WeightedRandomBalancer picks each endpoint with probability proportional to
// its weight. Endpoints without a weight count as 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(endpoints []registry.Endpoint) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, ErrNoEndpoints
	}

	totalWeight := 0
	for _, ep := range endpoints {
		totalWeight += ep.EffectiveWeight()
	}

	r := rand.Intn(totalWeight)
	for _, ep := range endpoints {
		r -= ep.EffectiveWeight()
		if r < 0 {
			return ep, nil
		}
	}

	// unreachable: r < totalWeight
	return endpoints[len(endpoints)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
