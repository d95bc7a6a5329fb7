package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Standard attribute keys recorded across the dispatch path (C11).
const (
	AttrService  = "bridge.service"
	AttrMethod   = "bridge.method"
	AttrInstance = "bridge.instance"
	AttrTenant   = "bridge.tenant"

	AttrCacheState   = "bridge.cache.state" // hit, miss, stale, bypass
	AttrCacheKey     = "bridge.cache.fingerprint"

	AttrBreakerState = "bridge.breaker.state" // closed, open, half_open
	AttrLBPolicy     = "bridge.lb.policy"

	AttrRetryAttempt = "bridge.retry.attempt"
	AttrHedged       = "bridge.hedged"
)

// DispatchAttributes returns the attributes recorded on the top-level span
// for one Dispatch call (C11 step 8).
func DispatchAttributes(service, method, tenant string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrService, service),
		attribute.String(AttrMethod, method),
		attribute.String(AttrTenant, tenant),
	}
}

// CacheAttributes returns the attributes recorded for a Response Cache
// lookup (C9).
func CacheAttributes(state, fingerprint string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrCacheState, state),
		attribute.String(AttrCacheKey, fingerprint),
	}
}

// UpstreamAttributes returns the attributes recorded for one backend call
// (C4/C5/C6).
func UpstreamAttributes(instance, breakerState, lbPolicy string, retryAttempt int, hedged bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrInstance, instance),
		attribute.String(AttrBreakerState, breakerState),
		attribute.String(AttrLBPolicy, lbPolicy),
		attribute.Int(AttrRetryAttempt, retryAttempt),
		attribute.Bool(AttrHedged, hedged),
	}
}
