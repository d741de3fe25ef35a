// Package registry provides service discovery: the Directory consumers resolve
// providers through, and the Registrar providers publish themselves with.
//
// etcd is a distributed key-value store that provides strong consistency (Raft protocol).
// We use it as a "distributed phonebook" for services:
//
//	Key:   {prefix}/{Group}/{Service}/{host:port}
//	Value: JSON-encoded Endpoint
//
// Registration uses TTL-based leases: if the provider crashes, the lease expires
// and the entry is automatically removed, so consumers stop seeing "ghost" instances.
package registry

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"

	"poolrpc/log"
)

const (
	DefaultPrefix      = "/poolrpc"
	DefaultDialTimeout = 3 * time.Second
	DefaultCacheSize   = 1024
)

// EtcdOptions configures NewEtcdRegistry.
type EtcdOptions struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
	CacheSize   int // number of group/service lookups kept
}

// EtcdRegistry implements Directory and Registrar on etcd v3.
//
// Find results are cached per group/service. The cache entry is dropped by
// Reload and by a background watch on the prefix whenever any endpoint of the
// service changes.
type EtcdRegistry struct {
	client  *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	prefix  string
	timeout time.Duration
	cache   *lru.Cache
	log     *log.Entry

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEtcdRegistry connects to etcd and verifies the cluster answers. A
// backend that can't be reached is reported as ErrDiscoveryUnavailable.
func NewEtcdRegistry(opts EtcdOptions) (*EtcdRegistry, error) {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}

	c, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(ErrDiscoveryUnavailable, err.Error())
	}

	// clientv3.New doesn't block on the connection, so probe with a cheap read
	probe, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	_, err = c.Get(probe, opts.Prefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
	cancel()
	if err != nil {
		_ = c.Close()
		return nil, errors.Wrapf(ErrDiscoveryUnavailable, "etcd %v: %v", opts.Endpoints, err)
	}

	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	ctx, stop := context.WithCancel(context.Background())
	r := &EtcdRegistry{
		client:  c,
		prefix:  strings.TrimSuffix(opts.Prefix, "/"),
		timeout: opts.DialTimeout,
		cache:   cache,
		log:     log.Component("registry").WithField("backend", "etcd"),
		ctx:     ctx,
		cancel:  stop,
		done:    make(chan struct{}),
	}
	go r.watchLoop()
	return r, nil
}

func cacheKey(service, group string) string { return group + "/" + service }

func (r *EtcdRegistry) servicePrefix(service, group string) string {
	return r.prefix + "/" + group + "/" + service + "/"
}

// Find returns all currently registered endpoints for service in group.
func (r *EtcdRegistry) Find(ctx context.Context, service, group string) ([]Endpoint, error) {
	key := cacheKey(service, group)
	if v, ok := r.cache.Get(key); ok {
		return cloneEndpoints(v.([]Endpoint)), nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Get all keys with the prefix
	resp, err := r.client.Get(ctx, r.servicePrefix(service, group), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(ErrDiscoveryUnavailable, "find %s: %v", key, err)
	}

	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.log.WithError(err).WithField("key", string(kv.Key)).Warn("skip malformed endpoint")
			continue
		}
		eps = append(eps, ep)
	}

	r.cache.Add(key, eps)
	return cloneEndpoints(eps), nil
}

// Reload forgets the cached endpoints of the service.
func (r *EtcdRegistry) Reload(service, group string) {
	r.cache.Remove(cacheKey(service, group))
	r.log.WithFields(log.Fields{"service": service, "group": group}).Debug("reload service")
}

// Register adds an endpoint to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to renew the lease until the registry is closed
func (r *EtcdRegistry) Register(ctx context.Context, ep Endpoint, ttl time.Duration) error {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	lease, err := r.client.Grant(ctx, seconds)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	key := r.servicePrefix(ep.Service, ep.Group) + ep.Addr()
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}

	// renewals live as long as the registry, not the caller's ctx
	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return errors.Wrap(err, "keep lease alive")
	}

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
	}()

	r.log.WithFields(log.Fields{"key": key, "ttl": ttl}).Info("registered endpoint")
	return nil
}

// Deregister removes an endpoint from etcd.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, ep Endpoint) error {
	key := r.servicePrefix(ep.Service, ep.Group) + ep.Addr()
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}
	return nil
}

// watchLoop invalidates cached lookups whenever an endpoint under the prefix
// changes (registration, deregistration, lease expiry).
func (r *EtcdRegistry) watchLoop() {
	defer close(r.done)

	wch := r.client.Watch(r.ctx, r.prefix+"/", clientv3.WithPrefix())
	for resp := range wch {
		if err := resp.Err(); err != nil {
			// compaction or a lost stream; anything cached may be stale now
			r.log.WithError(err).Warn("watch interrupted, purging cache")
			r.cache.Purge()
			continue
		}
		for _, ev := range resp.Events {
			rest := strings.TrimPrefix(string(ev.Kv.Key), r.prefix+"/")
			parts := strings.SplitN(rest, "/", 3)
			if len(parts) != 3 {
				continue
			}
			r.cache.Remove(cacheKey(parts[1], parts[0]))
		}
	}
}

// Close stops lease renewals and the watch, then closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	<-r.done
	return r.client.Close()
}

func cloneEndpoints(eps []Endpoint) []Endpoint {
	out := make([]Endpoint, len(eps))
	copy(out, eps)
	return out
}
