package registry

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// ErrDiscoveryUnavailable wraps failures to reach the discovery backend.
var ErrDiscoveryUnavailable = errors.New("registry: discovery backend unavailable")

// Endpoint identifies one network-reachable provider instance offering Service
// within Group. Endpoints are values: a refreshed view yields new ones.
type Endpoint struct {
	Service      string `json:"service"`
	Group        string `json:"group"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Weight       int    `json:"weight,omitempty"` // Weight for load balancing, 0 means 1
	RegisterTime int64  `json:"registerTime"`     // unix millis
	RefreshTime  int64  `json:"refreshTime"`      // unix millis
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// EffectiveWeight returns Weight, treating unset weights as 1.
func (e Endpoint) EffectiveWeight() int {
	if e.Weight <= 0 {
		return 1
	}
	return e.Weight
}

// NewEndpoint builds an endpoint stamped with the current time.
func NewEndpoint(service, group, host string, port int) Endpoint {
	now := time.Now().UnixMilli()
	return Endpoint{
		Service:      service,
		Group:        group,
		Host:         host,
		Port:         port,
		RegisterTime: now,
		RefreshTime:  now,
	}
}

// Directory resolves a service within a group to its provider endpoints.
type Directory interface {
	// Find returns the known endpoints, an empty slice (never nil) if none.
	Find(ctx context.Context, service, group string) ([]Endpoint, error)

	// Reload drops whatever is cached for the service so the next Find
	// reflects current membership.
	Reload(service, group string)
}

// Registrar publishes provider endpoints into the discovery backend.
type Registrar interface {
	Register(ctx context.Context, ep Endpoint, ttl time.Duration) error
	Deregister(ctx context.Context, ep Endpoint) error
}
