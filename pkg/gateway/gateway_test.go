package gateway

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"bridge/pkg/admission"
	"bridge/pkg/apperror"
	"bridge/pkg/breaker"
	"bridge/pkg/cache"
	"bridge/pkg/config"
	"bridge/pkg/grpcpool"
	"bridge/pkg/invoker"
	"bridge/pkg/loadbalancer"
	"bridge/pkg/orchestrator"
	"bridge/pkg/ratelimit"
	"bridge/pkg/registry"
	"bridge/pkg/translator"
	"bridge/pkg/wirecodec"
)

func TestSplitPattern(t *testing.T) {
	cases := []struct {
		pattern    string
		wantMethod string
		wantPath   string
	}{
		{"GET /orders/{id}", "GET", "/orders/{id}"},
		{"POST /orders", "POST", "/orders"},
		{"/orders/{id}", "GET", "/orders/{id}"},
	}
	for _, c := range cases {
		method, path := registry.SplitPattern(c.pattern)
		if method != c.wantMethod || path != c.wantPath {
			t.Errorf("SplitPattern(%q) = (%q, %q), want (%q, %q)", c.pattern, method, path, c.wantMethod, c.wantPath)
		}
	}
}

func TestMatchRoute_PicksLongestLiteralMatch(t *testing.T) {
	desc := registry.ServiceDescriptor{
		Name: "orders",
		MethodCatalog: map[string]registry.MethodSpec{
			"GET /orders/{id}":        {GRPCMethod: "GetOrder"},
			"GET /orders/{id}/status": {GRPCMethod: "GetOrderStatus"},
		},
	}

	spec, params, route, ok := matchRoute(desc, "GET", []string{"orders", "42", "status"})
	if !ok {
		t.Fatal("expected a match")
	}
	if spec.GRPCMethod != "GetOrderStatus" {
		t.Errorf("GRPCMethod = %q, want GetOrderStatus", spec.GRPCMethod)
	}
	if params["id"] != "42" {
		t.Errorf("params[id] = %q, want 42", params["id"])
	}
	if route != "GET /orders/{id}/status" {
		t.Errorf("route = %q", route)
	}
}

func TestMatchRoute_NoMatchForWrongMethod(t *testing.T) {
	desc := registry.ServiceDescriptor{
		MethodCatalog: map[string]registry.MethodSpec{
			"POST /orders": {GRPCMethod: "CreateOrder"},
		},
	}
	_, _, _, ok := matchRoute(desc, "GET", []string{"orders"})
	if ok {
		t.Fatal("expected no match for a method mismatch")
	}
}

func TestBindBody_PrecedenceQueryThenPathThenBody(t *testing.T) {
	gw := &Gateway{}
	body := bytes.NewBufferString(`{"id":"from-body"}`)
	r := httptest.NewRequest(http.MethodPost, "/api/orders/from-path?id=from-query", body)
	r.Header.Set("Content-Type", "application/json")

	merged, err := gw.bindBody(r, map[string]string{"id": "from-path"})
	if err != nil {
		t.Fatalf("bindBody() error = %v", err)
	}
	if merged["id"] != "from-body" {
		t.Errorf("id = %v, want from-body (JSON body has highest precedence)", merged["id"])
	}
}

func TestBindBody_NoBodyFallsBackToPathAndQuery(t *testing.T) {
	gw := &Gateway{}
	r := httptest.NewRequest(http.MethodGet, "/api/orders/7?limit=10", nil)

	merged, err := gw.bindBody(r, map[string]string{"id": "7"})
	if err != nil {
		t.Fatalf("bindBody() error = %v", err)
	}
	if merged["id"] != "7" {
		t.Errorf("id = %v, want 7", merged["id"])
	}
	if merged["limit"] != "10" {
		t.Errorf("limit = %v, want 10", merged["limit"])
	}
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	resp := &orchestrator.Response{
		Data:       map[string]any{"id": "1"},
		Latency:    5 * time.Millisecond,
		CacheState: "hit",
		RateLimit:  &ratelimit.LimitInfo{Limit: 100, Remaining: 99},
	}
	writeSuccess(w, r, resp, "orders", "GetOrder", "req-1")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-Request-Id"); got != "req-1" {
		t.Errorf("X-Request-Id = %q, want req-1", got)
	}
	if got := w.Header().Get("X-Cache"); got != "hit" {
		t.Errorf("X-Cache = %q, want hit", got)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "100" {
		t.Errorf("X-RateLimit-Limit = %q, want 100", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "99" {
		t.Errorf("X-RateLimit-Remaining = %q, want 99", got)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !env.Success {
		t.Error("Success = false, want true")
	}
	if env.Metadata.Service != "orders" || env.Metadata.RequestID != "req-1" {
		t.Errorf("metadata = %+v", env.Metadata)
	}
}

func TestWriteSuccess_DefaultsCacheStateToBypass(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	writeSuccess(w, r, &orchestrator.Response{Data: map[string]any{}}, "orders", "GetOrder", "req-2")

	if got := w.Header().Get("X-Cache"); got != "bypass" {
		t.Errorf("X-Cache = %q, want bypass", got)
	}
}

func TestWriteError_UsesKindHTTPStatus(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	writeError(w, r, apperror.New(apperror.NotFound, "service not found").WithService("orders"))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if env.Success {
		t.Error("Success = true, want false")
	}
	if env.Error.Code != "NotFound" {
		t.Errorf("Error.Code = %q, want NotFound", env.Error.Code)
	}
}

func TestWriteError_SetsRetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	writeError(w, r, apperror.New(apperror.Throttled, "rate limit exceeded").WithRetryAfter(1500))

	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
}

func TestRequireAdminToken_RejectsMissingOrWrongToken(t *testing.T) {
	gw := &Gateway{admin: config.AdminConfig{Enabled: true, Token: "secret"}}
	called := false
	h := gw.requireAdminToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodPost, "/admin/services", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if called {
		t.Fatal("handler should not run without a valid token")
	}
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}

	r2 := httptest.NewRequest(http.MethodPost, "/admin/services", nil)
	r2.Header.Set("X-Admin-Token", "secret")
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, r2)
	if !called {
		t.Fatal("handler should run with a valid token")
	}
	if w2.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w2.Code)
	}
}

// --- integration test wiring, mirroring pkg/orchestrator's echo-backend harness ---

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

func newTestGateway(t *testing.T, endpoint string) *Gateway {
	t.Helper()

	reg := registry.New(4, time.Second)
	desc := registry.ServiceDescriptor{
		Name: "orders",
		MethodCatalog: map[string]registry.MethodSpec{
			"GET /orders/{id}": {
				GRPCService:   "orders.OrderService",
				GRPCMethod:    "GetOrder",
				CallKind:      registry.Unary,
				RequestShape:  []registry.FieldSpec{{Name: "id", Type: registry.FieldString, Required: true}},
				ResponseShape: []registry.FieldSpec{{Name: "id", Type: registry.FieldString}, {Name: "handled", Type: registry.FieldBool}},
				Idempotent:    true,
			},
		},
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

	orch := orchestrator.New(reg, breakers, lb, pool, inv, rc, adm, nil, tr, nil, nil)

	return New(config.HTTPConfig{BasePrefix: "/api"}, config.AdminConfig{}, reg, pool, orch, nil, nil)
}

func TestHandleDispatch_RoundTripsThroughBackend(t *testing.T) {
	endpoint := startEchoServer(t)
	gw := newTestGateway(t, endpoint)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/orders/orders/42")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !env.Success {
		t.Fatalf("Success = false, env = %+v", env)
	}
	if env.Data["id"] != "42" {
		t.Errorf("id = %v, want 42", env.Data["id"])
	}
	if env.Data["handled"] != true {
		t.Errorf("handled = %v, want true", env.Data["handled"])
	}
}

func TestHandleDispatch_UnknownServiceReturns404(t *testing.T) {
	gw := newTestGateway(t, "127.0.0.1:1")
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/missing/1")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleListServices(t *testing.T) {
	endpoint := startEchoServer(t)
	gw := newTestGateway(t, endpoint)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/services")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out []serviceSummary
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out) != 1 || out[0].Name != "orders" {
		t.Errorf("services = %+v, want one entry named orders", out)
	}
}

func TestHandleHealth_ReportsServiceTally(t *testing.T) {
	endpoint := startEchoServer(t)
	gw := newTestGateway(t, endpoint)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	for _, path := range []string{"/health", "/health/ready", "/health/live"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		var body healthBody
		decodeErr := json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if decodeErr != nil {
			t.Fatalf("decode %s response: %v", path, decodeErr)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
		if body.Status != "ok" {
			t.Errorf("%s status field = %q, want ok", path, body.Status)
		}
		if body.Services.Total != 1 || body.Services.Healthy != 1 {
			t.Errorf("%s services = %+v, want one healthy instance", path, body.Services)
		}
	}
}

func TestHandleHealth_UnavailableWhenAllInstancesUnhealthy(t *testing.T) {
	endpoint := startEchoServer(t)
	gw := newTestGateway(t, endpoint)
	instances, err := gw.reg.AllInstances("orders")
	if err != nil || len(instances) != 1 {
		t.Fatalf("AllInstances() = %v, %v", instances, err)
	}
	instances[0].SetHealth(registry.HealthUnhealthy)

	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	var body healthBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Status != "unavailable" {
		t.Errorf("status field = %q, want unavailable", body.Status)
	}
}

func TestAdminRegisterService_RequiresToken(t *testing.T) {
	gw := newTestGateway(t, "127.0.0.1:1")
	gw.admin = config.AdminConfig{Enabled: true, Token: "secret"}
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	body := bytes.NewBufferString(`{"name":"payments","method_catalog":{},"instances":[]}`)
	resp, err := http.Post(srv.URL+"/admin/services", "application/json", body)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403 without an admin token", resp.StatusCode)
	}
}
