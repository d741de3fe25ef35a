// Package transport implements the consumer side of one provider link.
//
// A Conn belongs to one service and points at one endpoint. It can be
// (re)connected many times over its life; each successful connect starts a
// session holding the TCP connection and two background goroutines:
//
//	recvLoop:      reads frames, hands Responses to the waiting caller, drops Heartbeats
//	heartbeatLoop: writes a Heartbeat frame every interval so dead peers are noticed
//
// There is no request id on the wire, so a Conn carries at most one call at a
// time and the next Response read belongs to it.
package transport

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"poolrpc/codec"
	"poolrpc/log"
	"poolrpc/message"
	"poolrpc/protocol"
)

var (
	// ErrNotConnected is returned by Call on a Conn without a live session.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("transport: connection closed")
)

const (
	DefaultDialTimeout = 3 * time.Second
	DefaultHeartbeat   = 30 * time.Second
)

// Dialer opens a raw connection; net.Dialer.DialContext has this shape.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configures a Conn. Zero values select the defaults.
type Options struct {
	Codec       codec.Codec
	Dial        Dialer
	DialTimeout time.Duration
	Heartbeat   time.Duration // negative disables heartbeats
	MaxPayload  int
	Log         *log.Entry
}

// Conn is one consumer link to a provider endpoint.
type Conn struct {
	service string
	opts    Options
	log     *log.Entry

	mu     sync.Mutex
	host   string
	port   int
	sess   *session
	ready  chan struct{} // closed while a session is live
	closed bool

	connected atomic.Bool
	calling   sync.Mutex // one request in flight
}

type session struct {
	nc        net.Conn
	writeMu   sync.Mutex
	responses chan *message.Response
	done      chan struct{}
	once      sync.Once
	err       error
}

// NewConn returns an unconnected Conn for service pointing at host:port.
func NewConn(service, host string, port int, opts Options) *Conn {
	if opts.Codec == nil {
		opts.Codec = &codec.JSONCodec{}
	}
	if opts.Dial == nil {
		opts.Dial = (&net.Dialer{}).DialContext
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Log == nil {
		opts.Log = log.Component("transport")
	}
	return &Conn{
		service: service,
		opts:    opts,
		log:     opts.Log.WithField("service", service),
		host:    host,
		port:    port,
		ready:   make(chan struct{}),
	}
}

func (c *Conn) Service() string { return c.service }

// Addr returns the endpoint the Conn currently points at.
func (c *Conn) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Rebind re-points the Conn at another endpoint. It takes effect on the next Connect.
func (c *Conn) Rebind(host string, port int) {
	c.mu.Lock()
	c.host, c.port = host, port
	c.mu.Unlock()
}

// IsConnected reports whether a session is live.
func (c *Conn) IsConnected() bool { return c.connected.Load() }

// Ready returns a channel closed once the Conn is connected. A later
// disconnect does not reopen the returned channel; ask again.
func (c *Conn) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Done returns a channel closed when the current session ends. Without a
// live session the returned channel is already closed.
func (c *Conn) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.sess.done
}

// Connect starts a connection attempt and returns its outcome channel, which
// receives exactly one value: nil once connected, or the failure.
func (c *Conn) Connect(ctx context.Context) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- c.connect(ctx)
	}()
	return result
}

func (c *Conn) connect(ctx context.Context) error {
	addr := c.Addr()

	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	nc, err := c.opts.Dial(dctx, "tcp", addr)
	cancel()
	if err != nil {
		return errors.Wrapf(err, "connect %s", addr)
	}

	s := &session{
		nc:        nc,
		responses: make(chan *message.Response, 1),
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = nc.Close()
		return ErrClosed
	}
	old := c.sess
	c.sess = s
	c.connected.Store(true)
	if old == nil {
		close(c.ready)
	}
	c.mu.Unlock()

	if old != nil {
		old.close(errors.New("transport: replaced by a new session"))
	}

	go c.recvLoop(s)
	if c.opts.Heartbeat > 0 {
		go c.heartbeatLoop(s, c.opts.Heartbeat)
	}
	c.log.WithField("addr", addr).Debug("connected")
	return nil
}

// Call sends req and blocks for its response. A transport failure or a
// cancelled ctx ends the session; the next Response on the link could
// otherwise be mistaken for the answer to a later call.
func (c *Conn) Call(ctx context.Context, req *message.Request) (*message.Response, error) {
	c.calling.Lock()
	defer c.calling.Unlock()

	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return nil, ErrNotConnected
	}

	f, err := protocol.NewFrame(c.opts.Codec, protocol.PacketRequest, req)
	if err != nil {
		return nil, err
	}
	if err := s.write(f); err != nil {
		c.drop(s, err)
		return nil, errors.Wrap(err, "write request")
	}

	select {
	case resp := <-s.responses:
		return resp, nil
	case <-s.done:
		// the response may have landed right before the link went away
		select {
		case resp := <-s.responses:
			return resp, nil
		default:
		}
		return nil, errors.Wrap(s.err, "connection lost")
	case <-ctx.Done():
		c.drop(s, ctx.Err())
		return nil, ctx.Err()
	}
}

// Close ends the current session and refuses later connects.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		c.drop(s, ErrClosed)
	}
	return nil
}

// Disconnect ends the current session but leaves the Conn reconnectable.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		c.drop(s, ErrNotConnected)
	}
}

// drop detaches s if it is still current and closes it. The Conn is marked
// disconnected before s.done fires.
func (c *Conn) drop(s *session, err error) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
		c.connected.Store(false)
		c.ready = make(chan struct{})
	}
	c.mu.Unlock()
	s.close(err)
}

// recvLoop runs in a dedicated goroutine for the life of one session.
// TCP is a byte stream, so a single reader parses frame boundaries.
func (c *Conn) recvLoop(s *session) {
	r := protocol.NewReader(s.nc, c.opts.MaxPayload)
	skipped := 0
	for {
		p, err := r.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				c.log.WithError(err).Warn("malformed stream, dropping connection")
			}
			c.drop(s, err)
			return
		}
		if n := r.Decoder().Discarded(); n > skipped {
			c.log.WithField("bytes", n-skipped).Debug("resynchronized stream")
			skipped = n
		}

		switch body := p.Body.(type) {
		case *message.Response:
			select {
			case s.responses <- body:
			default:
				c.log.Warn("unsolicited response dropped")
			}
		case *message.Heartbeat:
		default:
			c.log.WithField("type", p.Type).Debug("ignoring packet")
		}
	}
}

// heartbeatLoop sends periodic heartbeat frames to keep the connection alive.
// A failed write means the peer is gone and ends the session.
func (c *Conn) heartbeatLoop(s *session, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	f, err := protocol.NewFrame(c.opts.Codec, protocol.PacketHeartbeat, &message.Heartbeat{})
	if err != nil {
		return
	}
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(f); err != nil {
				c.drop(s, err)
				return
			}
		}
	}
}

// write sends one frame. Heartbeats and requests share the connection, so
// writes are serialized to keep frames from interleaving.
func (s *session) write(f *protocol.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.WriteFrame(s.nc, f)
}

func (s *session) close(err error) {
	s.once.Do(func() {
		s.err = err
		_ = s.nc.Close()
		close(s.done)
	})
}
