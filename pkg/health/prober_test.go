package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"bridge/pkg/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	r := registry.New(2, time.Second)
	if err := r.Register(registry.ServiceDescriptor{Name: "orders"}, []registry.ServiceInstance{
		{InstanceID: "i1", Endpoint: "10.0.0.1:9000"},
	}, false); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return r
}

func TestProber_MarksHealthyOnSuccess(t *testing.T) {
	r := newTestRegistry(t)
	checker := func(ctx context.Context, endpoint string, tls bool) (time.Duration, error) {
		return 5 * time.Millisecond, nil
	}
	p := New(r, 10*time.Millisecond, 10*time.Millisecond, time.Second, checker, nil)

	instances, _ := r.AllInstances("orders")
	p.probe("orders", instances[0])

	if instances[0].Health() != registry.HealthHealthy {
		t.Errorf("expected healthy, got %v", instances[0].Health())
	}
	if instances[0].RTTEwma.Load() != int64(5*time.Millisecond) {
		t.Errorf("expected rtt recorded, got %v", instances[0].RTTEwma.Load())
	}
}

func TestProber_MarksUnhealthyOnFailure(t *testing.T) {
	r := newTestRegistry(t)
	checker := func(ctx context.Context, endpoint string, tls bool) (time.Duration, error) {
		return 0, errors.New("connection refused")
	}
	p := New(r, 10*time.Millisecond, 10*time.Millisecond, time.Second, checker, nil)

	instances, _ := r.AllInstances("orders")
	p.probe("orders", instances[0])

	if instances[0].Health() != registry.HealthUnhealthy {
		t.Errorf("expected unhealthy, got %v", instances[0].Health())
	}
}

func TestProber_BackoffGrowsOnRepeatedFailure(t *testing.T) {
	r := newTestRegistry(t)
	checker := func(ctx context.Context, endpoint string, tls bool) (time.Duration, error) {
		return 0, errors.New("down")
	}
	p := New(r, time.Millisecond, time.Millisecond, 100*time.Millisecond, checker, nil)

	instances, _ := r.AllInstances("orders")
	p.probe("orders", instances[0])
	first := p.states[p.stateKey("orders", "i1")].backoff

	p.probe("orders", instances[0])
	second := p.states[p.stateKey("orders", "i1")].backoff

	if second <= first {
		t.Errorf("expected backoff to grow, first=%v second=%v", first, second)
	}
}

func TestProber_BackoffResetsOnSuccess(t *testing.T) {
	r := newTestRegistry(t)
	fail := true
	checker := func(ctx context.Context, endpoint string, tls bool) (time.Duration, error) {
		if fail {
			return 0, errors.New("down")
		}
		return time.Millisecond, nil
	}
	p := New(r, time.Millisecond, time.Millisecond, time.Second, checker, nil)

	instances, _ := r.AllInstances("orders")
	p.probe("orders", instances[0])
	if p.states[p.stateKey("orders", "i1")].backoff == 0 {
		t.Fatal("expected nonzero backoff after failure")
	}

	fail = false
	p.probe("orders", instances[0])
	if p.states[p.stateKey("orders", "i1")].backoff != 0 {
		t.Error("expected backoff reset after success")
	}
}

func TestProber_StartStop(t *testing.T) {
	r := newTestRegistry(t)
	p := New(r, 5*time.Millisecond, 5*time.Millisecond, time.Second, func(ctx context.Context, endpoint string, tls bool) (time.Duration, error) {
		return time.Millisecond, nil
	}, nil)

	p.Start()
	time.Sleep(20 * time.Millisecond)
	p.Stop()

	instances, _ := r.AllInstances("orders")
	if instances[0].Health() != registry.HealthHealthy {
		t.Errorf("expected at least one successful probe to have run, health=%v", instances[0].Health())
	}
}
