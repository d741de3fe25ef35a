package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"poolrpc/registry"
)

// ConsistentHashBalancer maps an affinity key to an endpoint using a hash ring.
// The same key always maps to the same endpoint until the ring changes, which
// gives a client stickiness to one provider (useful for provider-side caches).
//
// Virtual nodes: each real endpoint is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 endpoints might cluster together on the ring,
// causing uneven load distribution. 100 virtual nodes per endpoint ensures
// statistical uniformity.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	key      string
	replicas int // Virtual nodes per real endpoint

	mu    sync.Mutex
	sig   string                       // endpoint set the ring was built from
	ring  []uint32                     // Sorted hash values on the ring
	nodes map[uint32]registry.Endpoint // Hash value → endpoint mapping
}

// NewConsistentHashBalancer creates a balancer with 100 virtual nodes per
// endpoint that routes key.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: 100,
		nodes:    make(map[uint32]registry.Endpoint),
	}
}

// Pick finds the endpoint responsible for the balancer's key. The ring is
// rebuilt only when the endpoint set differs from the previous call.
func (b *ConsistentHashBalancer) Pick(endpoints []registry.Endpoint) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, ErrNoEndpoints
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if sig := signature(endpoints); sig != b.sig {
		b.rebuild(endpoints)
		b.sig = sig
	}
	return b.lookup(b.key), nil
}

// PickKey routes an arbitrary key against the endpoints.
func (b *ConsistentHashBalancer) PickKey(endpoints []registry.Endpoint, key string) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, ErrNoEndpoints
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if sig := signature(endpoints); sig != b.sig {
		b.rebuild(endpoints)
		b.sig = sig
	}
	return b.lookup(key), nil
}

// rebuild places every endpoint onto a fresh ring with N virtual nodes each.
// Each virtual node is hashed from "{addr}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) rebuild(endpoints []registry.Endpoint) {
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.Endpoint, len(endpoints)*b.replicas)
	for _, ep := range endpoints {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.Addr(), i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = ep
		}
	}
	// Keep the ring sorted for binary search in lookup()
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// lookup hashes the key, then binary-searches for the first node >= hash on the ring.
// If the hash is larger than all nodes, it wraps around to the first node (ring property).
func (b *ConsistentHashBalancer) lookup(key string) registry.Endpoint {
	hash := crc32.ChecksumIEEE([]byte(key))

	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})

	// Wrap around: if key's hash > all nodes, go to the first node
	if idx == len(b.ring) {
		idx = 0
	}

	return b.nodes[b.ring[idx]]
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func signature(endpoints []registry.Endpoint) string {
	addrs := make([]string, len(endpoints))
	for i, ep := range endpoints {
		addrs[i] = ep.Addr()
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}
