// Package client is the consumer runtime: it resolves services through a
// registry.Directory, keeps at most one live connection per service, and
// reconnects failed ones in the background.
//
// Connection lifecycle:
//
//	                 Find + Pick           connect ok
//	getOrCreate ──► pending ──────────► connecting ──────────► pool
//	                                        │ fail                │ link closed
//	                                        ▼                     ▼
//	   ┌──────────── retry queue ◄──────────────────────── onClosed (Reload)
//	   │ sweep: Find + Pick + Rebind + connect
//	   ├─ ok ──────────► pool
//	   ├─ fail / discovery error ──► failed queue ──(one per sweep)──► retry queue
//	   └─ no provider ──► dropped (next Invoke resolves from scratch)
package client

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"poolrpc/codec"
	"poolrpc/config"
	"poolrpc/loadbalance"
	"poolrpc/log"
	"poolrpc/message"
	"poolrpc/middleware"
	"poolrpc/registry"
	"poolrpc/transport"
)

// Client invokes methods on remote services.
type Client struct {
	dir    registry.Directory
	opts   options
	log    *log.Entry
	call   middleware.HandlerFunc
	closer io.Closer // directory owned by the client, if any

	pool    sync.Map // service → *transport.Conn, connected and installed
	mu      sync.Mutex
	pending map[string]*transport.Conn // owned but not installed: connecting or queued
	sf      singleflight.Group

	retry  connQueue
	failed connQueue

	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	closed    atomic.Bool
	closeOnce sync.Once
}

// Stats is a snapshot of the client's connection bookkeeping.
type Stats struct {
	Pooled  int // connected connections in the pool
	Pending int // connections connecting or waiting in a queue
	Retry   int // retry queue length
	Failed  int // failed queue length
}

// New returns a client resolving services through dir and starts its
// background reconnect loop. Close stops it.
func New(dir registry.Directory, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	c := &Client{
		dir:     dir,
		opts:    o,
		log:     o.log.WithField("group", o.group),
		pending: make(map[string]*transport.Conn),
		ctx:     ctx,
		cancel:  cancel,
		group:   group,
	}
	c.call = middleware.Chain(o.middlewares...)(c.send)
	if o.metrics != nil {
		o.metrics.stats = c.Stats
	}

	group.Go(c.retryLoop)
	return c
}

// Dial builds a client from cfg, backed by the etcd directory it describes.
// An unreachable etcd is an error.
func Dial(cfg *config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	typ, err := codec.ParseType(cfg.Serializer)
	if err != nil {
		return nil, err
	}
	cdc, err := codec.Get(typ)
	if err != nil {
		return nil, err
	}
	bal, err := loadbalance.ByName(cfg.LoadBalance, cfg.BalanceKey)
	if err != nil {
		return nil, err
	}

	reg, err := registry.NewEtcdRegistry(registry.EtcdOptions{
		Endpoints:   cfg.Registry.Endpoints,
		Prefix:      cfg.Registry.Prefix,
		DialTimeout: cfg.Registry.DialTimeout,
		CacheSize:   cfg.Registry.CacheSize,
	})
	if err != nil {
		return nil, errors.Wrap(err, "dial directory")
	}

	base := []Option{
		WithGroup(cfg.Group),
		WithBalancer(bal),
		WithSerializer(cdc),
		WithConnectGrace(cfg.ConnectGrace),
		WithRetryInterval(cfg.RetryInterval),
		WithDialTimeout(cfg.DialTimeout),
		WithHeartbeat(cfg.Heartbeat),
		WithMaxPayload(cfg.MaxPayload),
	}
	c := New(reg, append(base, opts...)...)
	c.closer = reg
	return c, nil
}

// Invoke calls method on service and returns the provider's result.
//
// If the service's connection is not up yet, Invoke waits up to the connect
// grace for it and fails with ConnectTimeout otherwise. The round trip itself
// is bounded only by ctx.
func (c *Client) Invoke(ctx context.Context, service, method string, argTypes []string, args []any) (any, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	req := &message.Request{
		Service:  service,
		Method:   method,
		ArgTypes: argTypes,
		Args:     args,
	}
	resp, err := c.call(ctx, req)
	if err == nil && resp != nil && resp.Error != "" {
		err = newInvokeError(Remote, service, resp.Error, nil)
	}
	c.opts.metrics.observeInvoke(service, err)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	return resp.Result, nil
}

// send is the innermost handler of the middleware chain.
func (c *Client) send(ctx context.Context, req *message.Request) (*message.Response, error) {
	conn, err := c.getOrCreate(req.Service)
	if err != nil {
		return nil, err
	}

	if !conn.IsConnected() {
		timer := time.NewTimer(c.opts.connectGrace)
		defer timer.Stop()
		select {
		case <-conn.Ready():
		case <-timer.C:
			return nil, newInvokeError(ConnectTimeout, req.Service, "no available service", nil)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ctx.Done():
			return nil, ErrClientClosed
		}
	}

	resp, err := conn.Call(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newInvokeError(Transport, req.Service, "call failed", err)
	}
	return resp, nil
}

// getOrCreate returns the service's connection, creating it on first use.
// Creation returns as soon as the connect attempt is issued.
func (c *Client) getOrCreate(service string) (*transport.Conn, error) {
	if v, ok := c.pool.Load(service); ok {
		return v.(*transport.Conn), nil
	}
	v, err, _ := c.sf.Do(service, func() (any, error) {
		return c.create(service)
	})
	if err != nil {
		return nil, err
	}
	return v.(*transport.Conn), nil
}

func (c *Client) create(service string) (*transport.Conn, error) {
	if conn, ok := c.owned(service); ok {
		return conn, nil
	}

	eps, err := c.dir.Find(c.ctx, service, c.opts.group)
	if err != nil {
		if c.closed.Load() {
			return nil, ErrClientClosed
		}
		return nil, newInvokeError(DiscoveryUnavailable, service, "discovery unavailable", err)
	}
	if len(eps) == 0 {
		return nil, newInvokeError(ServiceNotFound, service, "service not found", nil)
	}
	ep, err := c.opts.balancer.Pick(eps)
	if err != nil {
		return nil, newInvokeError(ServiceNotFound, service, "service not found", err)
	}

	conn := c.newConn(service, ep)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	c.pending[service] = conn
	c.goLocked(func() error {
		if err := <-conn.Connect(c.ctx); err != nil {
			c.log.WithError(err).WithFields(log.Fields{"service": service, "addr": ep.Addr()}).Info("connect failed, queued for retry")
			c.retry.push(conn)
			return nil
		}
		c.install(conn)
		return nil
	})
	c.log.WithFields(log.Fields{"service": service, "addr": ep.Addr(), "balancer": c.opts.balancer.Name()}).Debug("connecting")
	return conn, nil
}

// owned returns the connection the client already holds for service, pooled or not.
func (c *Client) owned(service string) (*transport.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.pool.Load(service); ok {
		return v.(*transport.Conn), true
	}
	conn, ok := c.pending[service]
	return conn, ok
}

func (c *Client) newConn(service string, ep registry.Endpoint) *transport.Conn {
	return transport.NewConn(service, ep.Host, ep.Port, transport.Options{
		Codec:       c.opts.codec,
		Dial:        c.opts.dial,
		DialTimeout: c.opts.dialTimeout,
		Heartbeat:   c.opts.heartbeat,
		MaxPayload:  c.opts.maxPayload,
		Log:         c.log,
	})
}

// install moves a freshly connected conn from pending into the pool and
// watches it for closure.
func (c *Client) install(conn *transport.Conn) {
	service := conn.Service()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() || c.pending[service] != conn {
		_ = conn.Close()
		return
	}
	delete(c.pending, service)
	c.pool.Store(service, conn)

	done := conn.Done()
	c.goLocked(func() error {
		select {
		case <-done:
			c.onClosed(conn)
		case <-c.ctx.Done():
		}
		return nil
	})
	c.log.WithFields(log.Fields{"service": service, "addr": conn.Addr()}).Info("connection established")
}

// onClosed handles a pooled connection going down: the directory entry is
// refreshed and the connection is queued for reconnection. Only the first
// notification for a pooled connection has any effect.
func (c *Client) onClosed(conn *transport.Conn) {
	if c.closed.Load() {
		return
	}
	service := conn.Service()
	c.dir.Reload(service, c.opts.group)

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.pool.Load(service); !ok || v != conn {
		return
	}
	c.pool.Delete(service)
	conn.Disconnect()
	c.pending[service] = conn
	c.retry.push(conn)
	c.log.WithFields(log.Fields{"service": service, "addr": conn.Addr()}).Warn("connection closed, queued for retry")
}

// retryLoop runs until Close, sweeping the queues every retry interval.
func (c *Client) retryLoop() error {
	ticker := time.NewTicker(c.opts.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep re-resolves and reconnects everything in the retry queue, then
// promotes one failed connection for the next pass.
func (c *Client) sweep() {
	for _, conn := range c.retry.drain() {
		if c.ctx.Err() != nil {
			return
		}
		c.reconnect(conn)
	}
	if conn, ok := c.failed.pop(); ok {
		c.retry.push(conn)
	}
}

func (c *Client) reconnect(conn *transport.Conn) {
	service := conn.Service()
	logger := c.log.WithField("service", service)

	eps, err := c.dir.Find(c.ctx, service, c.opts.group)
	if err != nil {
		logger.WithError(err).Warn("discovery failed during retry")
		c.failed.push(conn)
		c.opts.metrics.observeReconnect("discovery_error")
		return
	}
	if len(eps) == 0 {
		c.mu.Lock()
		if c.pending[service] == conn {
			delete(c.pending, service)
		}
		c.mu.Unlock()
		_ = conn.Close()
		logger.Info("no provider left, dropping connection")
		c.opts.metrics.observeReconnect("dropped")
		return
	}
	ep, err := c.opts.balancer.Pick(eps)
	if err != nil {
		c.failed.push(conn)
		c.opts.metrics.observeReconnect("failed")
		return
	}
	conn.Rebind(ep.Host, ep.Port)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.goLocked(func() error {
		if err := <-conn.Connect(c.ctx); err != nil {
			logger.WithError(err).WithField("addr", ep.Addr()).Debug("reconnect failed")
			c.failed.push(conn)
			c.opts.metrics.observeReconnect("failed")
			return nil
		}
		c.install(conn)
		c.opts.metrics.observeReconnect("ok")
		return nil
	})
}

// goLocked starts fn on the client's group unless the client is closed.
// c.mu must be held, which orders it before Close waits on the group.
func (c *Client) goLocked(fn func() error) bool {
	if c.closed.Load() {
		return false
	}
	c.group.Go(fn)
	return true
}

// Stats returns the current pool and queue sizes.
func (c *Client) Stats() Stats {
	var s Stats
	c.pool.Range(func(_, _ any) bool {
		s.Pooled++
		return true
	})
	c.mu.Lock()
	s.Pending = len(c.pending)
	c.mu.Unlock()
	s.Retry = c.retry.len()
	s.Failed = c.failed.len()
	return s
}

// Close stops the reconnect loop, closes every connection and waits for
// background work to finish. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed.Store(true)
		c.cancel()
		var conns []*transport.Conn
		c.pool.Range(func(_, v any) bool {
			conns = append(conns, v.(*transport.Conn))
			return true
		})
		for _, conn := range c.pending {
			conns = append(conns, conn)
		}
		c.mu.Unlock()

		for _, conn := range conns {
			_ = conn.Close()
		}
		_ = c.group.Wait()

		if c.closer != nil {
			err = c.closer.Close()
		}
		c.log.Debug("client closed")
	})
	return err
}
