package client

import (
	"time"

	"poolrpc/codec"
	"poolrpc/loadbalance"
	"poolrpc/log"
	"poolrpc/middleware"
	"poolrpc/transport"
)

const (
	DefaultGroup         = "default"
	DefaultConnectGrace  = 200 * time.Millisecond
	DefaultRetryInterval = 2 * time.Second
)

type options struct {
	group         string
	balancer      loadbalance.Balancer
	codec         codec.Codec
	connectGrace  time.Duration
	retryInterval time.Duration
	dial          transport.Dialer
	dialTimeout   time.Duration
	heartbeat     time.Duration
	maxPayload    int
	log           *log.Entry
	metrics       *Metrics
	middlewares   []middleware.Middleware
}

func defaultOptions() options {
	return options{
		group:         DefaultGroup,
		balancer:      &loadbalance.RandomBalancer{},
		codec:         &codec.JSONCodec{},
		connectGrace:  DefaultConnectGrace,
		retryInterval: DefaultRetryInterval,
		log:           log.Component("client"),
	}
}

// Option configures a Client.
type Option func(*options)

// WithGroup sets the provider group services are looked up in.
func WithGroup(group string) Option {
	return func(o *options) { o.group = group }
}

// WithBalancer replaces the default random endpoint choice.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(o *options) { o.balancer = b }
}

// WithSerializer selects the payload codec for requests.
func WithSerializer(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithConnectGrace bounds how long Invoke waits for a link to come up.
func WithConnectGrace(d time.Duration) Option {
	return func(o *options) { o.connectGrace = d }
}

// WithRetryInterval sets the period of the background reconnect sweep.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) { o.retryInterval = d }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dial = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithHeartbeat sets the keep-alive interval; negative disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

func WithMaxPayload(n int) Option {
	return func(o *options) { o.maxPayload = n }
}

func WithLogger(l *log.Entry) Option {
	return func(o *options) { o.log = l }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithMiddleware wraps every call. Middlewares run in the order given.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mw...) }
}
