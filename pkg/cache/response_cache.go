package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"

	"bridge/pkg/config"
	"bridge/pkg/logger"
	"bridge/pkg/metrics"
)

// CacheEntry is one cached idempotent response, keyed by its fingerprint.
type CacheEntry struct {
	Fingerprint string
	Payload     []byte
	Status      int
	Instance    string
	// Kind is non-empty only for a negatively-cached failure: the
	// apperror.Kind string to reconstruct on a later cache hit, since a
	// failed call has no response Payload to replay.
	Kind       string
	EncodedAt  time.Time
	TTL        time.Duration
	StaleAfter time.Duration
}

// Expired reports whether the entry is past its hard TTL and must not be served.
func (e *CacheEntry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return true
	}
	return now.After(e.EncodedAt.Add(e.TTL))
}

// Stale reports whether the entry is past its soft (stale-while-revalidate)
// horizon but still within TTL.
func (e *CacheEntry) Stale(now time.Time) bool {
	if e.StaleAfter <= 0 {
		return false
	}
	return now.After(e.EncodedAt.Add(e.StaleAfter))
}

type responseShard struct {
	store *arc
	sf    singleflight.Group
}

// ResponseCache implements the Response Cache (C9): a content-addressed,
// fingerprint-keyed cache of idempotent responses, sharded to reduce lock
// contention, evicted via ARC, with single-flight coalescing of concurrent
// misses for the same fingerprint.
type ResponseCache struct {
	shards      []*responseShard
	numShards   int
	negativeTTL time.Duration
	metrics     *metrics.Metrics

	// mirror, when non-nil, is a shared Cache (typically Redis) entries are
	// write-through replicated to, so a cache warmed on one Gateway
	// instance is visible to every other instance behind the same Load
	// Balancer rather than requiring each to independently observe a miss.
	mirror Cache
}

// NewResponseCache builds a ResponseCache from the Response Cache's
// configuration section. Capacity is split evenly across shards (default 16).
// When cfg.RedisMirror is set, entries are additionally replicated to a
// shared Redis-backed Cache (see FromConfig) so every Gateway instance
// shares the same cross-process cache population.
func NewResponseCache(cfg *config.CacheConfig, m *metrics.Metrics) *ResponseCache {
	numShards := cfg.Shards
	if numShards <= 0 {
		numShards = 16
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 10000
	}
	perShard := capacity / numShards
	if perShard <= 0 {
		perShard = 1
	}

	rc := &ResponseCache{
		shards:      make([]*responseShard, numShards),
		numShards:   numShards,
		negativeTTL: cfg.NegativeTTL,
		metrics:     m,
	}
	for i := range rc.shards {
		rc.shards[i] = &responseShard{
			store: newARC(perShard, func(list string) {
				if m != nil {
					m.RecordCacheEviction(list)
				}
			}),
		}
	}

	if cfg.RedisMirror {
		mirror, err := New(FromConfig(cfg))
		if err != nil {
			logger.Log.Warn("response cache: failed to build redis mirror, running local-only", "error", err)
		} else {
			rc.mirror = mirror
		}
	}

	return rc
}

// NegativeTTL reports the configured TTL for cached failed responses, used
// by callers (the Orchestrator) building a negative CacheEntry.
func (rc *ResponseCache) NegativeTTL() time.Duration {
	return rc.negativeTTL
}

func (rc *ResponseCache) shardFor(fingerprint string) *responseShard {
	idx := 0
	if len(fingerprint) >= 2 {
		if b, err := hex.DecodeString(fingerprint[:2]); err == nil && len(b) > 0 {
			idx = int(b[0]) % rc.numShards
		}
	}
	return rc.shards[idx]
}

// Get returns the live entry for fingerprint, if any, and whether it is
// currently stale (past StaleAfter but still within TTL). A fully expired
// entry is treated as a miss and evicted. On a local miss with a mirror
// configured, it falls back to the mirror before reporting a miss, warming
// the local shard from whatever another instance already computed.
func (rc *ResponseCache) Get(fingerprint string) (entry *CacheEntry, stale bool, ok bool) {
	shard := rc.shardFor(fingerprint)
	v, hit := shard.store.get(fingerprint)
	if hit {
		e := v.(*CacheEntry)
		now := time.Now()
		if e.Expired(now) {
			shard.store.remove(fingerprint)
			return nil, false, false
		}
		return e, e.Stale(now), true
	}

	if rc.mirror == nil {
		return nil, false, false
	}
	raw, err := rc.mirror.Get(context.Background(), fingerprint)
	if err != nil {
		return nil, false, false
	}
	var e CacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, false
	}
	now := time.Now()
	if e.Expired(now) {
		return nil, false, false
	}
	shard.store.put(fingerprint, &e)
	return &e, e.Stale(now), true
}

// Put stores entry, write-through. GetOrCompute calls it after a successful
// response, and for a failed one only when compute returned a negative
// entry alongside the error. When a mirror is configured the entry is additionally
// replicated to it in the background; a mirror write failure never blocks
// or fails the caller, since the local shard already has the entry.
func (rc *ResponseCache) Put(entry *CacheEntry) {
	if entry == nil || entry.TTL <= 0 {
		return
	}
	shard := rc.shardFor(entry.Fingerprint)
	shard.store.put(entry.Fingerprint, entry)

	if rc.mirror != nil {
		go func() {
			raw, err := json.Marshal(entry)
			if err != nil {
				return
			}
			if err := rc.mirror.Set(context.Background(), entry.Fingerprint, raw, entry.TTL); err != nil {
				logger.Log.Warn("response cache: mirror write failed", "error", err)
			}
		}()
	}
}

// Invalidate removes a fingerprint from the cache unconditionally, local
// shard and mirror alike.
func (rc *ResponseCache) Invalidate(fingerprint string) {
	rc.shardFor(fingerprint).store.remove(fingerprint)
	if rc.mirror != nil {
		go func() {
			if err := rc.mirror.Delete(context.Background(), fingerprint); err != nil {
				logger.Log.Warn("response cache: mirror delete failed", "error", err)
			}
		}()
	}
}

// Len reports the total number of live entries across all shards.
func (rc *ResponseCache) Len() int {
	total := 0
	for _, s := range rc.shards {
		total += s.store.len()
	}
	return total
}

// Clear empties every shard.
func (rc *ResponseCache) Clear() {
	for _, s := range rc.shards {
		s.store.clear()
	}
}

// ComputeFunc produces a fresh response for a cache miss or a stale refresh.
type ComputeFunc func() (*CacheEntry, error)

// GetOrCompute implements the Dispatch-time cache lookup step: it serves a
// live entry directly, serves a stale entry while refreshing it in the
// background, or coalesces concurrent misses for the same fingerprint
// through a single backend call via singleflight. service/method are used
// only for metric labels.
func (rc *ResponseCache) GetOrCompute(service, method, fingerprint string, compute ComputeFunc) (*CacheEntry, error) {
	if entry, stale, ok := rc.Get(fingerprint); ok {
		if rc.metrics != nil {
			rc.metrics.RecordCacheHit(service, method)
		}
		if stale {
			go rc.refresh(fingerprint, compute)
		}
		return entry, nil
	}

	if rc.metrics != nil {
		rc.metrics.RecordCacheMiss(service, method)
	}

	shard := rc.shardFor(fingerprint)
	v, err, shared := shard.sf.Do(fingerprint, func() (any, error) {
		return compute()
	})
	if shared && rc.metrics != nil {
		rc.metrics.CacheSingleflightWaitTotal.Inc()
	}
	if err != nil {
		// A non-nil CacheEntry alongside an error means compute() opted a
		// failed response into negative caching; store it before
		// propagating the error so the next caller gets the cached
		// failure instead of re-hitting the backend.
		if negEntry, ok := v.(*CacheEntry); ok && negEntry != nil {
			rc.Put(negEntry)
		}
		return nil, err
	}
	entry := v.(*CacheEntry)
	rc.Put(entry)
	return entry, nil
}

func (rc *ResponseCache) refresh(fingerprint string, compute ComputeFunc) {
	shard := rc.shardFor(fingerprint)
	v, err, _ := shard.sf.Do("refresh:"+fingerprint, func() (any, error) {
		return compute()
	})
	if err != nil {
		return
	}
	rc.Put(v.(*CacheEntry))
}
