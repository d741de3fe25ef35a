// Package server implements the provider side: a table of named handlers
// served over the framed wire protocol, a middleware chain, advertisement into
// a Registrar, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (one goroutine per connection)
//	  → for each request, in arrival order:
//	    Decoder → Middleware Chain → businessHandler (Handler.Invoke) → Codec.Encode → write response
//
// Requests on one connection are handled strictly in order. Responses carry no
// correlation id, so the n-th response on a link always answers the n-th request.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"poolrpc/codec"
	"poolrpc/log"
	"poolrpc/message"
	"poolrpc/middleware"
	"poolrpc/protocol"
	"poolrpc/registry"
)

// ErrServiceNotFound is returned for a request naming an unregistered service.
var ErrServiceNotFound = errors.New("service not found")

// Option configures a Server.
type Option func(*Server)

// WithMaxPayload bounds request payloads. See protocol.NewDecoder.
func WithMaxPayload(n int) Option {
	return func(s *Server) { s.maxPayload = n }
}

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	services    sync.Map                // Registered handlers: "Greeter" → Handler
	middlewares []middleware.Middleware // Registered middlewares (applied in order)
	handler     middleware.HandlerFunc  // middleware(middleware(...(businessHandler)))
	buildOnce   sync.Once
	maxPayload  int
	log         *log.Entry

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	adverts  []advert

	wg       sync.WaitGroup // Tracks live connections for graceful shutdown
	shutdown atomic.Bool    // Set during shutdown to suppress Accept errors
}

type advert struct {
	reg registry.Registrar
	ep  registry.Endpoint
}

// NewServer creates a new RPC server with no services.
func NewServer(opts ...Option) *Server {
	s := &Server{
		conns: make(map[net.Conn]struct{}),
		log:   log.Component("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register exposes h under name. Registering a name twice replaces the handler.
func (s *Server) Register(name string, h Handler) error {
	if name == "" {
		return errors.New("rpc: service name is empty")
	}
	if h == nil {
		return errors.Errorf("rpc: nil handler for %s", name)
	}
	s.services.Store(name, h)
	s.log.WithField("service", name).Debug("registered service")
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and must all be added before the first connection is served.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve listens on the given address and handles connections until Shutdown.
func (s *Server) Serve(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return errors.Wrapf(err, "listen %s", address)
	}
	return s.ServeListener(ln)
}

// ServeListener accepts connections on ln until Shutdown.
func (s *Server) ServeListener(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	if s.shutdown.Load() {
		_ = ln.Close()
		return nil
	}
	s.log.WithField("addr", ln.Addr().String()).Info("serving")

	// Accept loop: one goroutine per connection
	for {
		conn, err := ln.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.ServeConn(conn)
	}
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ServeConn handles one connection until the peer goes away, the stream turns
// out malformed, or the server shuts down. It closes conn before returning.
func (s *Server) ServeConn(conn net.Conn) {
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)
	defer conn.Close()

	s.buildOnce.Do(func() {
		s.handler = middleware.Chain(s.middlewares...)(s.businessHandler)
	})

	logger := s.log.WithField("remote", conn.RemoteAddr().String())
	r := protocol.NewReader(conn, s.maxPayload)
	skipped := 0
	for {
		p, err := r.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				logger.WithError(err).Warn("dropping connection")
			}
			return
		}
		if n := r.Decoder().Discarded(); n > skipped {
			logger.WithField("bytes", n-skipped).Debug("resynchronized stream")
			skipped = n
		}

		req, ok := p.Body.(*message.Request)
		if !ok {
			// heartbeats keep the link probed and need no answer
			continue
		}

		resp := s.dispatch(req)
		c, err := codec.Get(p.Serializer)
		if err != nil {
			return
		}
		f, err := protocol.NewFrame(c, protocol.PacketResponse, resp)
		if err != nil {
			logger.WithError(err).WithField("service", req.Service).Error("encode response")
			f, err = protocol.NewFrame(c, protocol.PacketResponse, &message.Response{Error: err.Error()})
			if err != nil {
				return
			}
		}
		if err := protocol.WriteFrame(conn, f); err != nil {
			logger.WithError(err).Debug("write response")
			return
		}
	}
}

func (s *Server) dispatch(req *message.Request) (resp *message.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(log.Fields{"service": req.Service, "method": req.Method, "panic": r}).Error("handler panicked")
			resp = &message.Response{Error: "internal error"}
		}
	}()

	resp, err := s.handler(context.Background(), req)
	if err != nil {
		return &message.Response{Error: err.Error()}
	}
	if resp == nil {
		resp = &message.Response{}
	}
	return resp
}

// businessHandler looks up the named service and invokes it.
// It is wrapped by the middleware chain and has the HandlerFunc signature.
func (s *Server) businessHandler(ctx context.Context, req *message.Request) (*message.Response, error) {
	v, ok := s.services.Load(req.Service)
	if !ok {
		return nil, errors.Wrap(ErrServiceNotFound, req.Service)
	}
	result, err := v.(Handler).Invoke(ctx, req.Method, req.ArgTypes, req.Args)
	if err != nil {
		return &message.Response{Error: err.Error()}, nil
	}
	return &message.Response{Result: result}, nil
}

// Advertise registers every service currently registered on s at host:port in
// group. The entries are removed again by Shutdown.
func (s *Server) Advertise(ctx context.Context, reg registry.Registrar, group, host string, port int, ttl time.Duration) error {
	var names []string
	s.services.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	if len(names) == 0 {
		return errors.New("rpc: no services to advertise")
	}

	for _, name := range names {
		ep := registry.NewEndpoint(name, group, host, port)
		if err := reg.Register(ctx, ep, ttl); err != nil {
			return errors.Wrapf(err, "advertise %s", name)
		}
		s.mu.Lock()
		s.adverts = append(s.adverts, advert{reg: reg, ep: ep})
		s.mu.Unlock()
	}
	return nil
}

// Shutdown performs graceful shutdown:
//  1. Deregister all advertised endpoints (consumers stop resolving this server)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Let every connection finish the request it is handling, then close it
//  5. Wait for connections to go away (with timeout)
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.mu.Lock()
	adverts := s.adverts
	s.adverts = nil
	s.mu.Unlock()
	for _, a := range adverts {
		if err := a.reg.Deregister(ctx, a.ep); err != nil {
			s.log.WithError(err).WithField("service", a.ep.Service).Warn("deregister failed")
		}
	}

	s.shutdown.Store(true)

	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	// Interrupt blocked reads; a handler that is running still writes its response
	now := time.Now()
	for conn := range s.conns {
		_ = conn.SetReadDeadline(now)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
		return errors.New("timeout waiting for ongoing requests to finish")
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}
