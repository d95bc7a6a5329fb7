package orchestrator

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"bridge/pkg/admission"
	"bridge/pkg/breaker"
	"bridge/pkg/cache"
	"bridge/pkg/config"
	"bridge/pkg/grpcpool"
	"bridge/pkg/invoker"
	"bridge/pkg/loadbalancer"
	"bridge/pkg/ratelimit"
	"bridge/pkg/registry"
	"bridge/pkg/translator"
	"bridge/pkg/wirecodec"
)

// echoHandler is a grpc.UnknownServiceHandler standing in for a real backend:
// it decodes the raw request as JSON, stamps it "handled", and echoes it
// back. Exercising it end-to-end through a real listener is the only way to
// check the Invoker, Channel Pool, and wirecodec actually compose.
func echoHandler(_ any, stream grpc.ServerStream) error {
	var req wirecodec.RawBytes
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(req, &decoded); err != nil {
		return status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	decoded["handled"] = true
	out, err := json.Marshal(decoded)
	if err != nil {
		return err
	}
	return stream.SendMsg(wirecodec.RawBytes(out))
}

func startEchoServer(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer(
		grpc.ForceServerCodec(wirecodec.Codec{}),
		grpc.UnknownServiceHandler(echoHandler),
	)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func testMethodSpec() registry.MethodSpec {
	return registry.MethodSpec{
		GRPCService:  "orders.OrderService",
		GRPCMethod:   "GetOrder",
		CallKind:     registry.Unary,
		RequestShape: []registry.FieldSpec{{Name: "id", Type: registry.FieldString, Required: true}},
		ResponseShape: []registry.FieldSpec{
			{Name: "id", Type: registry.FieldString},
			{Name: "handled", Type: registry.FieldBool},
		},
		Idempotent: true,
	}
}

func newTestOrchestrator(t *testing.T, endpoint string) *Orchestrator {
	t.Helper()

	reg := registry.New(4, time.Second)
	desc := registry.ServiceDescriptor{
		Name:          "orders",
		MethodCatalog: map[string]registry.MethodSpec{"/orders/{id}": testMethodSpec()},
	}
	if err := reg.Register(desc, []registry.ServiceInstance{{InstanceID: "i1", Endpoint: endpoint, Weight: 1}}, false); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	breakers := breaker.NewSet(breaker.DefaultConfig(), nil)
	lb := loadbalancer.NewRegistry(loadbalancer.DefaultConfig())
	pool := grpcpool.New(grpcpool.DefaultConfig())
	t.Cleanup(pool.Close)
	inv := invoker.New(invoker.DefaultConfig(), nil)
	rc := cache.NewResponseCache(&config.CacheConfig{Capacity: 100, Shards: 2}, nil)
	adm := admission.New(10, nil)
	tr := translator.New(translator.DropUnknown)

	return New(reg, breakers, lb, pool, inv, rc, adm, nil, tr, nil, nil)
}

func TestDispatch_RoundTripsThroughBackend(t *testing.T) {
	endpoint := startEchoServer(t)
	o := newTestOrchestrator(t, endpoint)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := o.Dispatch(ctx, Request{
		Service:    "orders",
		MethodSpec: testMethodSpec(),
		Body:       map[string]any{"id": "42"},
		RequestID:  "req-1",
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if resp.Data["id"] != "42" {
		t.Errorf("id = %v, want 42", resp.Data["id"])
	}
	if resp.Data["handled"] != true {
		t.Errorf("handled = %v, want true", resp.Data["handled"])
	}
	if resp.Instance != "i1" {
		t.Errorf("Instance = %q, want i1", resp.Instance)
	}
}

func TestDispatch_CachesIdempotentResponse(t *testing.T) {
	endpoint := startEchoServer(t)
	o := newTestOrchestrator(t, endpoint)

	spec := testMethodSpec()
	spec.CacheTTL = time.Minute

	ctx := context.Background()
	req := Request{Service: "orders", MethodSpec: spec, Body: map[string]any{"id": "7"}, RequestID: "req-2"}

	first, err := o.Dispatch(ctx, req)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if first.Cached {
		t.Error("first call should be a cache miss")
	}

	second, err := o.Dispatch(ctx, req)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !second.Cached {
		t.Error("second call should be a cache hit")
	}
	if second.Data["id"] != "7" {
		t.Errorf("cached id = %v, want 7", second.Data["id"])
	}
}

func TestDispatch_UnknownServiceReturnsNotFound(t *testing.T) {
	o := newTestOrchestrator(t, "127.0.0.1:1")

	_, err := o.Dispatch(context.Background(), Request{
		Service:    "missing",
		MethodSpec: testMethodSpec(),
		Body:       map[string]any{"id": "1"},
	})
	if err == nil {
		t.Fatal("expected error for an unregistered service")
	}
}

func TestDispatch_MissingRequiredFieldIsInvalidRequest(t *testing.T) {
	endpoint := startEchoServer(t)
	o := newTestOrchestrator(t, endpoint)

	_, err := o.Dispatch(context.Background(), Request{
		Service:    "orders",
		MethodSpec: testMethodSpec(),
		Body:       map[string]any{},
		RequestID:  "req-3",
	})
	if err == nil {
		t.Fatal("expected translation error for missing required field")
	}
}

func TestDispatch_RateLimiterThrottlesSecondCall(t *testing.T) {
	endpoint := startEchoServer(t)
	o := newTestOrchestrator(t, endpoint)
	lim := ratelimit.NewMemoryLimiter(&ratelimit.Config{DefaultRate: 0.001, DefaultBurst: 1})
	t.Cleanup(func() { lim.Close() })
	o.limiter = lim

	req := Request{
		Service:    "orders",
		MethodSpec: testMethodSpec(),
		Body:       map[string]any{"id": "1"},
		Tenant:     "acme",
		Route:      "/orders/{id}",
	}

	if _, err := o.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("first Dispatch() error = %v, want nil", err)
	}
	if _, err := o.Dispatch(context.Background(), req); err == nil {
		t.Fatal("expected second Dispatch() to be throttled")
	}
}

func TestDispatch_AdmissionRejectsWhenQueueFull(t *testing.T) {
	endpoint := startEchoServer(t)
	o := newTestOrchestrator(t, endpoint)
	o.admitter = admission.New(0, nil)

	_, err := o.Dispatch(context.Background(), Request{
		Service:    "orders",
		MethodSpec: testMethodSpec(),
		Body:       map[string]any{"id": "1"},
	})
	if err == nil {
		t.Fatal("expected admission rejection with a zero-capacity queue")
	}
}
