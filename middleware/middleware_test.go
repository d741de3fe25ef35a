package middleware

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"poolrpc/log"
	"poolrpc/message"
)

func init() {
	log.Silence()
}

// echoHandler answers every request with "ok"
func echoHandler(ctx context.Context, req *message.Request) (*message.Response, error) {
	return &message.Response{Result: "ok"}, nil
}

// slowHandler sleeps 200ms before answering
func slowHandler(ctx context.Context, req *message.Request) (*message.Response, error) {
	time.Sleep(200 * time.Millisecond)
	return &message.Response{Result: "ok"}, nil
}

type tempErr struct{}

func (tempErr) Error() string   { return "connection reset" }
func (tempErr) Temporary() bool { return true }

var addReq = &message.Request{Service: "Arith", Method: "add", ArgTypes: []string{"int", "int"}, Args: []any{1, 2}}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware()(echoHandler)

	resp, err := handler(context.Background(), addReq)
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.Result != "ok" {
		t.Fatalf("expect result 'ok', got %+v", resp)
	}
}

func TestTimeoutPass(t *testing.T) {
	// 500ms budget, fast handler: passes through
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	if _, err := handler(context.Background(), addReq); err != nil {
		t.Fatalf("expect no error, got '%v'", err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 50ms budget, handler needs 200ms
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	_, err := handler(context.Background(), addReq)
	if !errors.Is(err, ErrTimeout) || err.Error() != "request timed out" {
		t.Fatalf("expect timeout error, got '%v'", err)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: first 2 pass, the 3rd is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		if _, err := handler(context.Background(), addReq); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}

	_, err := handler(context.Background(), addReq)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("request 3 should be rate limited, got: '%v'", err)
	}
}

func TestRetryTemporary(t *testing.T) {
	var calls int32
	flaky := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.Wrap(tempErr{}, "write request")
		}
		return &message.Response{Result: "ok"}, nil
	}

	handler := RetryMiddleware(3, time.Millisecond)(flaky)
	resp, err := handler(context.Background(), addReq)
	if err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&calls); resp.Result != "ok" || n != 3 {
		t.Fatalf("expect success on 3rd attempt, got %+v after %d calls", resp, n)
	}
}

func TestRetryPermanent(t *testing.T) {
	var calls int32
	broken := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("service not found")
	}

	handler := RetryMiddleware(3, time.Millisecond)(broken)
	if _, err := handler(context.Background(), addReq); err == nil {
		t.Fatal("expect error")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("permanent error retried %d times", n-1)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) (*message.Response, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	chained := Chain(mark("a"), LoggingMiddleware(), TimeOutMiddleware(500*time.Millisecond), mark("b"))
	handler := chained(echoHandler)

	resp, err := handler(context.Background(), addReq)
	if err != nil {
		t.Fatalf("expect no error, got '%v'", err)
	}
	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected order %v", order)
	}
}
