package registry

import (
	"context"
	"testing"
	"time"
)

func TestStaticRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewStaticRegistry()

	eps, err := reg.Find(ctx, "Greeter", "default")
	if err != nil {
		t.Fatal(err)
	}
	if eps == nil || len(eps) != 0 {
		t.Fatalf("expect empty non-nil slice, got %#v", eps)
	}

	ep := NewEndpoint("Greeter", "default", "10.0.0.5", 9000)
	if err := reg.Register(ctx, ep, time.Second); err != nil {
		t.Fatal(err)
	}

	eps, _ = reg.Find(ctx, "Greeter", "default")
	if len(eps) != 1 || eps[0].Addr() != "10.0.0.5:9000" {
		t.Fatalf("unexpected endpoints %+v", eps)
	}

	// callers own the returned slice
	eps[0].Host = "mutated"
	again, _ := reg.Find(ctx, "Greeter", "default")
	if again[0].Host != "10.0.0.5" {
		t.Fatal("Find leaked internal state")
	}

	reg.Reload("Greeter", "default")
	reg.Reload("Greeter", "default")
	if n := reg.Reloads("Greeter", "default"); n != 2 {
		t.Fatalf("expect 2 reloads, got %d", n)
	}

	if err := reg.Deregister(ctx, ep); err != nil {
		t.Fatal(err)
	}
	if eps, _ := reg.Find(ctx, "Greeter", "default"); len(eps) != 0 {
		t.Fatalf("expect no endpoints after deregister, got %+v", eps)
	}
}

func TestEndpointAddr(t *testing.T) {
	ep := Endpoint{Host: "::1", Port: 9000}
	if ep.Addr() != "[::1]:9000" {
		t.Fatalf("unexpected addr %s", ep.Addr())
	}
	if ep.EffectiveWeight() != 1 {
		t.Fatalf("unset weight should count as 1")
	}
}
