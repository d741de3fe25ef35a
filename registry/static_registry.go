package registry

import (
	"context"
	"sync"
	"time"
)

// StaticRegistry is an in-memory Directory and Registrar. It serves fixed
// topologies (endpoints listed in config) and tests.
type StaticRegistry struct {
	mu        sync.RWMutex
	endpoints map[string][]Endpoint // group/service → endpoints
	reloads   map[string]int
	findErr   error
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		endpoints: make(map[string][]Endpoint),
		reloads:   make(map[string]int),
	}
}

func staticKey(service, group string) string { return group + "/" + service }

// Set replaces the endpoint list of a service.
func (r *StaticRegistry) Set(service, group string, eps ...Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[staticKey(service, group)] = append([]Endpoint(nil), eps...)
}

// FailFind makes every Find return err until it is called again with nil.
func (r *StaticRegistry) FailFind(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findErr = err
}

func (r *StaticRegistry) Find(ctx context.Context, service, group string) ([]Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	eps := r.endpoints[staticKey(service, group)]
	out := make([]Endpoint, len(eps))
	copy(out, eps)
	return out, nil
}

func (r *StaticRegistry) Reload(service, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloads[staticKey(service, group)]++
}

// Reloads reports how many times Reload was called for the service.
func (r *StaticRegistry) Reloads(service, group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reloads[staticKey(service, group)]
}

func (r *StaticRegistry) Register(ctx context.Context, ep Endpoint, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := staticKey(ep.Service, ep.Group)
	for i, cur := range r.endpoints[key] {
		if cur.Addr() == ep.Addr() {
			r.endpoints[key][i] = ep
			return nil
		}
	}
	r.endpoints[key] = append(r.endpoints[key], ep)
	return nil
}

func (r *StaticRegistry) Deregister(ctx context.Context, ep Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := staticKey(ep.Service, ep.Group)
	eps := r.endpoints[key]
	for i, cur := range eps {
		if cur.Addr() == ep.Addr() {
			r.endpoints[key] = append(eps[:i:i], eps[i+1:]...)
			break
		}
	}
	return nil
}
