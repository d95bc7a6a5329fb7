// Package orchestrator implements the MCP Orchestrator (C11): the single
// Dispatch entry point the REST Gateway calls, wiring every other component
// (C1-C10) behind one request/response contract.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bridge/pkg/admission"
	"bridge/pkg/apperror"
	"bridge/pkg/breaker"
	"bridge/pkg/cache"
	"bridge/pkg/egress"
	"bridge/pkg/grpcpool"
	"bridge/pkg/invoker"
	"bridge/pkg/loadbalancer"
	"bridge/pkg/metrics"
	"bridge/pkg/ratelimit"
	"bridge/pkg/registry"
	"bridge/pkg/telemetry"
	"bridge/pkg/translator"
	"bridge/pkg/wirecodec"
)

// Request is what the Gateway hands to Dispatch once it has matched an
// incoming HTTP request to a registered MethodSpec and merged path/query/
// body parameters (§4.8's precedence: query lowest, JSON body highest).
type Request struct {
	Service        string
	MethodSpec     registry.MethodSpec
	Body           map[string]any
	Tenant         string
	AcceptLanguage string
	RequestID      string
	// Route identifies the matched REST pattern, used as the token-bucket
	// key alongside Tenant (spec §4.10's "(tenant, route)" keying).
	Route string
}

// Response is Dispatch's result, shaped directly into the REST envelope by
// the Gateway.
type Response struct {
	Data     map[string]any
	Cached   bool
	// CacheState is one of "hit", "miss", "stale", or "bypass", surfaced
	// verbatim as the X-Cache response header per spec §6.
	CacheState string
	Instance   string
	Latency    time.Duration
	// RateLimit is the token bucket state for this call's (tenant, route)
	// key, nil when no Limiter is configured. The Gateway renders it as the
	// X-RateLimit-* response headers.
	RateLimit *ratelimit.LimitInfo
}

// Orchestrator wires the Registry (C1), Breaker (C3), Load Balancer (C4),
// Channel Pool (C5), Invoker (C6), Translator (C7), Response Cache (C9),
// Admitter (C10 layer 1) and telemetry egress behind one Dispatch call.
type Orchestrator struct {
	registry   *registry.Registry
	breakers   *breaker.Set
	lb         *loadbalancer.Registry
	pool       *grpcpool.Pool
	invoker    *invoker.Invoker
	cache      *cache.ResponseCache
	admitter   *admission.Admitter
	limiter    ratelimit.Limiter
	translator *translator.Translator
	emitter    egress.Emitter
	metrics    *metrics.Metrics
	tracker    *metrics.RequestTracker

	// maxFailover bounds how many distinct instances one Dispatch call
	// will try before giving up (§4.11 step 5's "retry budget").
	maxFailover int
}

// New builds an Orchestrator from its already-constructed collaborators.
func New(
	reg *registry.Registry,
	breakers *breaker.Set,
	lb *loadbalancer.Registry,
	pool *grpcpool.Pool,
	inv *invoker.Invoker,
	rc *cache.ResponseCache,
	adm *admission.Admitter,
	lim ratelimit.Limiter,
	tr *translator.Translator,
	em egress.Emitter,
	m *metrics.Metrics,
) *Orchestrator {
	var tracker *metrics.RequestTracker
	if m != nil {
		tracker = metrics.NewRequestTracker(m.DispatchRequestsInFlight)
	}
	return &Orchestrator{
		registry:    reg,
		breakers:    breakers,
		lb:          lb,
		pool:        pool,
		invoker:     inv,
		cache:       rc,
		admitter:    adm,
		limiter:     lim,
		translator:  tr,
		emitter:     em,
		metrics:     m,
		tracker:     tracker,
		maxFailover: 3,
	}
}

// Dispatch runs the full C11 pipeline for one REST-originated call.
func (o *Orchestrator) Dispatch(ctx context.Context, req Request) (resp *Response, err error) {
	defer apperror.Recover(&err)

	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "dispatch "+req.Service+"/"+req.MethodSpec.GRPCMethod)
	defer span.End()
	span.SetAttributes(telemetry.DispatchAttributes(req.Service, req.MethodSpec.GRPCMethod, req.Tenant)...)

	if o.tracker != nil {
		o.tracker.Start(req.MethodSpec.GRPCMethod)
		defer o.tracker.End(req.MethodSpec.GRPCMethod)
	}

	// Step 1: admission.
	release, admitErr := o.admitter.Admit(ctx)
	if admitErr != nil {
		appErr := apperror.New(apperror.Overloaded, "admission queue full").
			WithService(req.Service).WithMethod(req.MethodSpec.GRPCMethod)
		o.emit(req, "", time.Since(start), egress.StatusThrottled, "", "")
		return nil, appErr
	}
	defer release()

	var limitInfo *ratelimit.LimitInfo
	if o.limiter != nil {
		key := ratelimit.Key(ctx, req.Tenant, req.Route)
		allowed, limitErr := o.limiter.Allow(ctx, key)
		if limitErr != nil || !allowed {
			appErr := apperror.New(apperror.Throttled, "rate limit exceeded").
				WithService(req.Service).WithMethod(req.MethodSpec.GRPCMethod)
			if info, infoErr := o.limiter.GetInfo(ctx, key); infoErr == nil && info != nil {
				appErr = appErr.WithRetryAfter(info.RetryAfter.Milliseconds())
			}
			o.emit(req, "", time.Since(start), egress.StatusThrottled, "", "")
			if o.metrics != nil {
				o.metrics.RecordThrottled(req.Tenant)
			}
			return nil, appErr
		}
		limitInfo, _ = o.limiter.GetInfo(ctx, key)
	}

	// Step 2: translate REST -> canonical request.
	decoded, decodeErr := o.translator.DecodeRequest(req.MethodSpec.RequestShape, req.Body)
	if decodeErr != nil {
		appErr := apperror.Wrap(decodeErr, apperror.InvalidRequest, "request translation failed").
			WithService(req.Service).WithMethod(req.MethodSpec.GRPCMethod)
		o.emit(req, "", time.Since(start), egress.StatusError, "bypass", "")
		return nil, appErr
	}
	canonical := cache.CanonicalBytes(decoded)

	cacheable := req.MethodSpec.CacheTTL > 0
	var fingerprint string
	if cacheable {
		fingerprint = cache.Fingerprint(req.Service, req.MethodSpec.GRPCMethod, decoded, req.Tenant, req.AcceptLanguage)
	}

	compute := func() (*cache.CacheEntry, error) {
		data, instance, callErr := o.invokeBackend(ctx, req, canonical)
		if callErr != nil {
			if req.MethodSpec.NegativeCacheable {
				status := 500
				kind := string(apperror.Internal)
				if ae, ok := callErr.(*apperror.Error); ok {
					status = ae.HTTPStatus()
					kind = string(ae.Kind)
				}
				ttl := o.cache.NegativeTTL()
				if ttl <= 0 {
					ttl = req.MethodSpec.CacheTTL
				}
				return &cache.CacheEntry{
					Fingerprint: fingerprint,
					Payload:     nil,
					Status:      status,
					Instance:    instance,
					Kind:        kind,
					EncodedAt:   time.Now(),
					TTL:         ttl,
				}, callErr
			}
			return nil, callErr
		}
		payload, marshalErr := json.Marshal(data)
		if marshalErr != nil {
			return nil, apperror.Wrap(marshalErr, apperror.Internal, "response encode failed")
		}
		return &cache.CacheEntry{
			Fingerprint: fingerprint,
			Payload:     payload,
			Status:      200,
			Instance:    instance,
			EncodedAt:   time.Now(),
			TTL:         req.MethodSpec.CacheTTL,
			StaleAfter:  req.MethodSpec.StaleAfter,
		}, nil
	}

	var entry *cache.CacheEntry
	var fromCache bool
	if cacheable {
		entry, err = o.cache.GetOrCompute(req.Service, req.MethodSpec.GRPCMethod, fingerprint, compute)
		// GetOrCompute also returns the entry it just computed on a miss;
		// only an entry encoded before this call started came from the cache.
		fromCache = entry != nil && err == nil && entry.EncodedAt.Before(start)
	} else {
		entry, err = compute()
	}
	if err != nil {
		o.emit(req, "", time.Since(start), egress.StatusError, cacheLabel(cacheable, fromCache), "")
		return nil, err
	}

	if entry.Kind != "" {
		appErr := apperror.New(apperror.Kind(entry.Kind), "cached failure replayed").
			WithService(req.Service).WithMethod(req.MethodSpec.GRPCMethod)
		o.emit(req, entry.Instance, time.Since(start), egress.StatusError, cacheLabel(cacheable, fromCache), "")
		return nil, appErr
	}

	var data map[string]any
	if len(entry.Payload) > 0 {
		if unmarshalErr := json.Unmarshal(entry.Payload, &data); unmarshalErr != nil {
			return nil, apperror.Wrap(unmarshalErr, apperror.Internal, "cached response decode failed")
		}
	}

	cacheState := cacheLabel(cacheable, fromCache)
	if fromCache && entry.Stale(time.Now()) {
		cacheState = "stale"
	}
	if cacheable {
		span.SetAttributes(telemetry.CacheAttributes(cacheState, fingerprint)...)
	}

	o.emit(req, entry.Instance, time.Since(start), egress.StatusOK, cacheState, "")

	return &Response{
		Data:       data,
		Cached:     fromCache,
		CacheState: cacheState,
		Instance:   entry.Instance,
		Latency:    time.Since(start),
		RateLimit:  limitInfo,
	}, nil
}

// Translator exposes the Schema Translator (C7) so the Gateway's streaming
// transports, which bypass Dispatch's unary/cacheable pipeline, can still
// translate each message the same way unary calls do.
func (o *Orchestrator) Translator() *translator.Translator {
	return o.translator
}

// OpenStream runs the admission/rate-limit/resolve/select/breaker-gate
// prefix of the Dispatch pipeline (steps 1 and part of 4-5) and hands back
// an acquired channel Handle for a streaming call. Streaming calls are not
// cacheable and do not fail over mid-stream, so OpenStream picks exactly one
// instance rather than looping a retry budget. The caller must call
// release() exactly once, and should call ReportOutcome after the stream
// ends so the Breaker and Load Balancer see the result.
func (o *Orchestrator) OpenStream(ctx context.Context, req Request) (handle *grpcpool.Handle, inst *registry.ServiceInstance, release func(), err error) {
	admitRelease, admitErr := o.admitter.Admit(ctx)
	if admitErr != nil {
		return nil, nil, nil, apperror.New(apperror.Overloaded, "admission queue full").WithService(req.Service)
	}

	if o.limiter != nil {
		key := ratelimit.Key(ctx, req.Tenant, req.Route)
		allowed, limitErr := o.limiter.Allow(ctx, key)
		if limitErr != nil || !allowed {
			admitRelease()
			return nil, nil, nil, apperror.New(apperror.Throttled, "rate limit exceeded").WithService(req.Service)
		}
	}

	_, instances, lookupErr := o.registry.Lookup(req.Service)
	if lookupErr != nil {
		admitRelease()
		return nil, nil, nil, apperror.Wrap(lookupErr, apperror.NotFound, "service not found").WithService(req.Service)
	}

	picker := o.lb.PickerFor(req.Service)
	routingKey := req.Tenant
	if routingKey == "" {
		routingKey = req.RequestID
	}
	allow := func(id string) bool { return o.breakers.For(req.Service, id).Allows() }
	selected := picker.Pick(instances, routingKey, allow)
	if selected == nil {
		admitRelease()
		return nil, nil, nil, apperror.New(apperror.UpstreamUnavailable, "no eligible instance").WithService(req.Service)
	}

	selected.Inflight.Add(1)
	h, acquireErr := o.pool.Acquire(ctx, selected.InstanceID, selected.Endpoint, selected.TLSEnabled)
	if acquireErr != nil {
		selected.Inflight.Add(-1)
		admitRelease()
		return nil, nil, nil, apperror.Wrap(acquireErr, apperror.UpstreamUnavailable, "channel unavailable").WithService(req.Service)
	}

	release = func() {
		h.Release()
		selected.Inflight.Add(-1)
		admitRelease()
	}
	return h, selected, release, nil
}

// ReportOutcome feeds a completed stream's latency/success back into the
// instance's Breaker and Load Balancer stats, mirroring what invokeOne does
// for unary calls.
func (o *Orchestrator) ReportOutcome(service string, inst *registry.ServiceInstance, rtt time.Duration, streamErr error) {
	loadbalancer.RecordOutcome(inst, rtt, streamErr != nil, 0)
	if streamErr != nil {
		_, _ = o.breakers.For(service, inst.InstanceID).Execute(func() (any, error) { return nil, streamErr })
	} else {
		_, _ = o.breakers.For(service, inst.InstanceID).Execute(func() (any, error) { return nil, nil })
	}
}

func cacheLabel(cacheable, fromCache bool) string {
	if !cacheable {
		return "bypass"
	}
	if fromCache {
		return "hit"
	}
	return "miss"
}

// invokeBackend runs §4.11 step 5: it loops over LB-selected instances,
// consulting the Breaker and Channel Pool for each, until one call succeeds
// or the failover budget is exhausted.
func (o *Orchestrator) invokeBackend(ctx context.Context, req Request, canonical []byte) (map[string]any, string, error) {
	desc, instances, lookupErr := o.registry.Lookup(req.Service)
	if lookupErr != nil {
		return nil, "", apperror.Wrap(lookupErr, apperror.NotFound, "service not found").WithService(req.Service)
	}
	_ = desc

	picker := o.lb.PickerFor(req.Service)
	routingKey := req.Tenant
	if routingKey == "" {
		routingKey = req.RequestID
	}

	tried := make(map[string]bool)
	budget := o.maxFailover
	if budget <= 0 || budget > len(instances) {
		budget = len(instances)
	}

	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		allow := func(id string) bool {
			if tried[id] {
				return false
			}
			return o.breakers.For(req.Service, id).Allows()
		}
		inst := picker.Pick(instances, routingKey, allow)
		if inst == nil {
			break
		}
		tried[inst.InstanceID] = true
		loadbalancer.Record(o.metrics, req.Service, o.lb.PolicyName(req.Service))

		data, callErr := o.invokeOne(ctx, req, inst, canonical)
		if callErr == nil {
			return data, inst.InstanceID, nil
		}
		lastErr = callErr
	}

	if lastErr == nil {
		lastErr = apperror.New(apperror.UpstreamUnavailable, "no eligible instance").WithService(req.Service)
	}
	return nil, "", lastErr
}

// invokeOne makes one breaker-guarded, pool-acquired, invoker-driven call
// against a single instance.
func (o *Orchestrator) invokeOne(ctx context.Context, req Request, inst *registry.ServiceInstance, canonical []byte) (map[string]any, error) {
	br := o.breakers.For(req.Service, inst.InstanceID)
	fullMethod := "/" + req.MethodSpec.GRPCService + "/" + req.MethodSpec.GRPCMethod

	inst.Inflight.Add(1)
	defer inst.Inflight.Add(-1)

	start := time.Now()
	result, execErr := br.Execute(func() (any, error) {
		call := func(callCtx context.Context) (any, error) {
			handle, acquireErr := o.pool.Acquire(callCtx, inst.InstanceID, inst.Endpoint, inst.TLSEnabled)
			if acquireErr != nil {
				return nil, acquireErr
			}
			defer handle.Release()
			return handle.Invoke(callCtx, fullMethod, wirecodec.RawBytes(canonical))
		}
		return o.invoker.Invoke(ctx, req.Service, req.MethodSpec, call)
	})
	rtt := time.Since(start)

	if execErr != nil {
		loadbalancer.RecordOutcome(inst, rtt, true, 0)
		if errors.Is(execErr, breaker.ErrOpen) {
			return nil, apperror.New(apperror.CircuitOpen, "circuit open").WithService(req.Service)
		}
		return nil, apperror.FromGRPC(execErr).WithService(req.Service).WithMethod(req.MethodSpec.GRPCMethod)
	}
	loadbalancer.RecordOutcome(inst, rtt, false, 0)

	raw, _ := result.(wirecodec.RawBytes)
	var decoded map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, apperror.Wrap(err, apperror.Internal, "backend response decode failed")
		}
	}
	return o.translator.EncodeResponse(req.MethodSpec.ResponseShape, decoded), nil
}

func (o *Orchestrator) emit(req Request, instance string, latency time.Duration, status egress.Status, cacheState, breakerState string) {
	if o.emitter == nil {
		return
	}
	event := egress.NewEvent().
		RequestID(req.RequestID).
		Tenant(req.Tenant).
		Service(req.Service).
		Method(req.MethodSpec.GRPCMethod).
		Instance(instance).
		Status(status).
		CacheState(cacheState).
		BreakerState(breakerState).
		Latency(latency).
		Build()
	o.emitter.Emit(context.Background(), event)
	if o.metrics != nil {
		o.metrics.RecordDispatch(req.Service, req.MethodSpec.GRPCMethod, string(status), latency)
	}
}
