package server

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"poolrpc/codec"
	"poolrpc/log"
	"poolrpc/message"
	"poolrpc/middleware"
	"poolrpc/protocol"
	"poolrpc/registry"
)

func init() {
	log.Silence()
}

type Arith struct{}

func (a *Arith) Add(ctx context.Context, args []any) (any, error) {
	if len(args) != 2 {
		return nil, errors.New("add takes 2 arguments")
	}
	x, _ := args[0].(float64)
	y, _ := args[1].(float64)
	return x + y, nil
}

func (a *Arith) Helper() {} // wrong shape, not exposed

func greeter() *Service {
	return NewService("Greeter").Handle("sayHello", func(ctx context.Context, argTypes []string, args []any) (any, error) {
		if len(args) != 1 {
			return nil, errors.New("sayHello takes 1 argument")
		}
		return "hello " + args[0].(string), nil
	})
}

func startServer(t *testing.T, svr *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(ln)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return ln.Addr().String()
}

func roundTrip(t *testing.T, conn net.Conn, r *protocol.Reader, c codec.Codec, req *message.Request) *message.Response {
	t.Helper()
	f, err := protocol.NewFrame(c, protocol.PacketRequest, req)
	if err != nil {
		t.Fatal(err)
	}
	if err := protocol.WriteFrame(conn, f); err != nil {
		t.Fatal(err)
	}
	p, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if p.Type != protocol.PacketResponse {
		t.Fatalf("expect response packet, got %s", p.Type)
	}
	if p.Serializer != c.Type() {
		t.Fatalf("expect response serializer %s, got %s", c.Type(), p.Serializer)
	}
	return p.Body.(*message.Response)
}

func TestServer(t *testing.T) {
	svr := NewServer()
	if err := svr.Register("Greeter", greeter()); err != nil {
		t.Fatalf("Failed to register service: %v", err)
	}
	addr := startServer(t, svr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	r := protocol.NewReader(conn, 0)

	for _, c := range []codec.Codec{&codec.JSONCodec{}, codec.NewMsgPackCodec()} {
		resp := roundTrip(t, conn, r, c, &message.Request{
			Service:  "Greeter",
			Method:   "sayHello",
			ArgTypes: []string{"string"},
			Args:     []any{"world"},
		})
		if diff := cmp.Diff(&message.Response{Result: "hello world"}, resp); diff != "" {
			t.Fatalf("%s response mismatch (-want +got):\n%s", c.Type(), diff)
		}
	}
}

func TestServerErrors(t *testing.T) {
	svr := NewServer()
	svr.Register("Greeter", greeter())
	addr := startServer(t, svr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	r := protocol.NewReader(conn, 0)
	c := &codec.JSONCodec{}

	resp := roundTrip(t, conn, r, c, &message.Request{Service: "Ghost", Method: "boo"})
	if !strings.Contains(resp.Error, "service not found") {
		t.Fatalf("expect service not found, got %+v", resp)
	}

	resp = roundTrip(t, conn, r, c, &message.Request{Service: "Greeter", Method: "sayGoodbye"})
	if !strings.Contains(resp.Error, "method not found") {
		t.Fatalf("expect method not found, got %+v", resp)
	}

	resp = roundTrip(t, conn, r, c, &message.Request{Service: "Greeter", Method: "sayHello"})
	if resp.Error != "sayHello takes 1 argument" {
		t.Fatalf("expect handler error, got %+v", resp)
	}

	// the connection survives handler errors
	resp = roundTrip(t, conn, r, c, &message.Request{Service: "Greeter", Method: "sayHello", Args: []any{"again"}})
	if resp.Result != "hello again" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestServerIgnoresHeartbeat(t *testing.T) {
	svr := NewServer()
	svr.Register("Greeter", greeter())
	addr := startServer(t, svr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	r := protocol.NewReader(conn, 0)
	c := &codec.JSONCodec{}

	hb, _ := protocol.NewFrame(c, protocol.PacketHeartbeat, &message.Heartbeat{})
	if err := protocol.WriteFrame(conn, hb); err != nil {
		t.Fatal(err)
	}

	// the first packet back must answer the request, not the heartbeat
	resp := roundTrip(t, conn, r, c, &message.Request{Service: "Greeter", Method: "sayHello", Args: []any{"hb"}})
	if resp.Result != "hello hb" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestServerDropsMalformedStream(t *testing.T) {
	svr := NewServer(WithMaxPayload(1024))
	svr.Register("Greeter", greeter())
	addr := startServer(t, svr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// a valid header announcing a payload over the limit
	f := &protocol.Frame{Type: protocol.PacketRequest, Payload: make([]byte, 2048)}
	if err := protocol.WriteFrame(conn, f); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expect the server to close the connection")
	}
}

func TestServerMiddleware(t *testing.T) {
	svr := NewServer()
	svr.Register("Greeter", greeter())
	svr.Use(middleware.RateLimitMiddleware(1, 1))
	addr := startServer(t, svr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	r := protocol.NewReader(conn, 0)
	c := &codec.JSONCodec{}
	req := &message.Request{Service: "Greeter", Method: "sayHello", Args: []any{"x"}}

	if resp := roundTrip(t, conn, r, c, req); resp.Error != "" {
		t.Fatalf("first request should pass, got %+v", resp)
	}
	if resp := roundTrip(t, conn, r, c, req); resp.Error != "rate limit exceeded" {
		t.Fatalf("second request should be limited, got %+v", resp)
	}
}

func TestServiceOf(t *testing.T) {
	svc, err := ServiceOf(&Arith{})
	if err != nil {
		t.Fatal(err)
	}
	if svc.Name() != "Arith" {
		t.Fatalf("expect name Arith, got %s", svc.Name())
	}
	if diff := cmp.Diff([]string{"add"}, svc.Methods()); diff != "" {
		t.Fatalf("methods mismatch (-want +got):\n%s", diff)
	}

	got, err := svc.Invoke(context.Background(), "add", nil, []any{1.0, 2.0})
	if err != nil {
		t.Fatal(err)
	}
	if got != 3.0 {
		t.Fatalf("expect 3, got %v", got)
	}

	if _, err := svc.Invoke(context.Background(), "helper", nil, nil); !errors.Is(err, ErrMethodNotFound) {
		t.Fatalf("expect ErrMethodNotFound, got %v", err)
	}

	if _, err := ServiceOf(Arith{}); err == nil {
		t.Fatal("expect error for non-pointer receiver")
	}
}

func TestAdvertiseAndShutdown(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewStaticRegistry()

	svr := NewServer()
	svr.Register("Greeter", greeter())
	svr.Register("Arith", NewService("Arith"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(ln) }()

	if err := svr.Advertise(ctx, reg, "default", "10.0.0.5", 9000, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"Greeter", "Arith"} {
		eps, _ := reg.Find(ctx, name, "default")
		if len(eps) != 1 || eps[0].Addr() != "10.0.0.5:9000" {
			t.Fatalf("%s not advertised: %+v", name, eps)
		}
	}

	// an idle client connection must not hold up shutdown
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := svr.Shutdown(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve returned %v after shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}

	for _, name := range []string{"Greeter", "Arith"} {
		if eps, _ := reg.Find(ctx, name, "default"); len(eps) != 0 {
			t.Fatalf("%s still advertised after shutdown: %+v", name, eps)
		}
	}
}
