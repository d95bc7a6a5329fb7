// Package registry implements the Service Registry (C1): a sharded,
// copy-on-write map from service name to its descriptor and live instance
// set. Writers rebuild a shard's instance slice under its lock. Readers hold
// the same shard lock only to find the entry in the shard map, then load the
// instance slice from an atomic snapshot pointer; the read path is not
// lock-free.
package registry

import (
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// Health is the coarse health state of a ServiceInstance.
type Health int

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CallKind enumerates the gRPC call shapes a MethodSpec can describe.
type CallKind int

const (
	Unary CallKind = iota
	ServerStream
	ClientStream
	BidiStream
)

// FieldType enumerates the primitive and structural types a FieldSpec can take.
type FieldType int

const (
	FieldBool FieldType = iota
	FieldInt32
	FieldInt64
	FieldUint64
	FieldFloat32
	FieldFloat64
	FieldString
	FieldBytes
	FieldMessage
	FieldRepeated
	FieldMap
)

// FieldSpec declaratively describes one field of a request/response shape.
type FieldSpec struct {
	Name     string
	Type     FieldType
	Required bool
	Default  any
	// Elem describes the element type for FieldRepeated/FieldMap values,
	// and the nested field list for FieldMessage.
	Elem   *FieldSpec
	Fields []FieldSpec
}

// MethodSpec describes one callable method on a service.
type MethodSpec struct {
	GRPCService    string
	GRPCMethod     string
	CallKind       CallKind
	RequestShape   []FieldSpec
	ResponseShape  []FieldSpec
	Idempotent     bool
	TimeoutDefault time.Duration
	// CacheTTL is MethodSpec.cache_ttl; zero means not cacheable.
	CacheTTL time.Duration
	// StaleAfter, if >0 and < CacheTTL, allows the Response Cache to serve
	// a stale value while refreshing in the background.
	StaleAfter time.Duration
	// NegativeCacheable opts the method into caching non-2xx responses.
	NegativeCacheable bool
	// HedgeEnabled opts the method into the Invoker's hedged-request path.
	HedgeEnabled bool
}

// ServiceDescriptor is the identity of a logical backend.
type ServiceDescriptor struct {
	Name          string
	Version       string
	MethodCatalog map[string]MethodSpec // REST pattern -> MethodSpec
}

// ServiceInstance is one concrete backend address under a ServiceDescriptor.
type ServiceInstance struct {
	InstanceID string
	Endpoint   string
	Weight     float64
	TLSEnabled bool

	health atomic.Int32 // Health, accessed atomically

	// Runtime stats, owned by the Load Balancer.
	RTTEwma      atomic.Int64 // nanoseconds, stored as int64 bit pattern via math.Float64bits would be heavier; ns is precise enough
	Inflight     atomic.Int64
	ErrRateEwma  atomic.Uint64 // math.Float64bits-encoded
}

// Health returns the instance's current health state.
func (i *ServiceInstance) Health() Health {
	return Health(i.health.Load())
}

// SetHealth updates the instance's health state.
func (i *ServiceInstance) SetHealth(h Health) {
	i.health.Store(int32(h))
}

// entry is the mutable, versioned state for one registered service name.
type entry struct {
	descriptor ServiceDescriptor
	// instances is swapped atomically on every write (copy-on-write).
	instances atomic.Pointer[[]*ServiceInstance]
	// tombstonedAt is non-zero while the name is in its deregistration
	// grace period.
	tombstonedAt atomic.Int64
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Registry is the sharded Service Registry.
type Registry struct {
	shards       []*shard
	numShards    int
	grace        time.Duration
}

// Errors returned by Registry operations.
var (
	ErrAlreadyExists = errors.New("registry: service already exists")
	ErrNotFound      = errors.New("registry: service not found")
	ErrTombstoned    = errors.New("registry: service is deregistering")
)

// New builds a Registry with numShards shards (default 32) and a
// deregistration grace period (default 5s).
func New(numShards int, grace time.Duration) *Registry {
	if numShards <= 0 {
		numShards = 32
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	r := &Registry{
		shards:    make([]*shard, numShards),
		numShards: numShards,
		grace:     grace,
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return r
}

func (r *Registry) shardFor(name string) *shard {
	h := fnv.New32a()
	h.Write([]byte(name))
	return r.shards[h.Sum32()%uint32(r.numShards)]
}

// Register adds a new service descriptor with its initial instances.
// Fails with ErrAlreadyExists if name is already registered and not
// opted into replacement.
func (r *Registry) Register(desc ServiceDescriptor, instances []ServiceInstance, replace bool) error {
	s := r.shardFor(desc.Name)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[desc.Name]; ok {
		if !replace && existing.tombstonedAt.Load() == 0 {
			return ErrAlreadyExists
		}
	}

	e := &entry{descriptor: desc}
	list := make([]*ServiceInstance, len(instances))
	for i := range instances {
		inst := instances[i]
		if inst.Weight <= 0 {
			inst.Weight = 1.0
		}
		list[i] = &inst
	}
	e.instances.Store(&list)
	s.entries[desc.Name] = e
	return nil
}

// Deregister soft-deletes name: it is tombstoned for the grace period,
// during which new dispatches fail fast but in-flight calls complete since
// Lookup snapshots are already taken.
func (r *Registry) Deregister(name string) error {
	s := r.shardFor(name)
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	e.tombstonedAt.Store(time.Now().UnixNano())

	grace := r.grace
	go func() {
		time.Sleep(grace)
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.entries[name]; ok && cur == e && e.tombstonedAt.Load() != 0 {
			delete(s.entries, name)
		}
	}()
	return nil
}

// AddInstance appends inst to name's live instance set via copy-on-write.
func (r *Registry) AddInstance(name string, inst ServiceInstance) error {
	s := r.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return ErrNotFound
	}
	if inst.Weight <= 0 {
		inst.Weight = 1.0
	}

	old := e.instances.Load()
	next := make([]*ServiceInstance, 0, len(*old)+1)
	next = append(next, *old...)
	next = append(next, &inst)
	e.instances.Store(&next)
	return nil
}

// RemoveInstance removes the instance with instanceID from name's live set.
func (r *Registry) RemoveInstance(name, instanceID string) error {
	s := r.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return ErrNotFound
	}

	old := e.instances.Load()
	next := make([]*ServiceInstance, 0, len(*old))
	for _, inst := range *old {
		if inst.InstanceID != instanceID {
			next = append(next, inst)
		}
	}
	e.instances.Store(&next)
	return nil
}

// Lookup returns name's descriptor and a snapshot of its healthy and
// degraded instances (unhealthy instances are excluded from eligibility).
// A freshly registered or added instance starts HealthUnknown and is kept
// eligible until the Health Prober's first tick classifies it one way or
// the other — excluding Unknown here would make every newly registered
// instance unusable for a full probe interval.
// Fails with ErrTombstoned during the deregistration grace period.
func (r *Registry) Lookup(name string) (ServiceDescriptor, []*ServiceInstance, error) {
	s := r.shardFor(name)
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return ServiceDescriptor{}, nil, ErrNotFound
	}
	if e.tombstonedAt.Load() != 0 {
		return ServiceDescriptor{}, nil, ErrTombstoned
	}

	all := e.instances.Load()
	eligible := make([]*ServiceInstance, 0, len(*all))
	for _, inst := range *all {
		if inst.Health() != HealthUnhealthy {
			eligible = append(eligible, inst)
		}
	}
	return e.descriptor, eligible, nil
}

// AllInstances returns every instance registered under name regardless of
// health, for use by the Health Prober.
func (r *Registry) AllInstances(name string) ([]*ServiceInstance, error) {
	s := r.shardFor(name)
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return *e.instances.Load(), nil
}

// Names returns every registered (non-tombstoned) service name, across all
// shards — used by the Health Prober to schedule per-shard probing.
func (r *Registry) Names() []string {
	var names []string
	for _, s := range r.shards {
		s.mu.Lock()
		for name, e := range s.entries {
			if e.tombstonedAt.Load() == 0 {
				names = append(names, name)
			}
		}
		s.mu.Unlock()
	}
	return names
}

// ShardNames returns the registered service names owned by shard index i,
// used by the Health Prober to run one background worker per shard.
func (r *Registry) ShardNames(i int) []string {
	if i < 0 || i >= len(r.shards) {
		return nil
	}
	s := r.shards[i]
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entries))
	for name, e := range s.entries {
		if e.tombstonedAt.Load() == 0 {
			names = append(names, name)
		}
	}
	return names
}

// NumShards reports the shard count.
func (r *Registry) NumShards() int { return r.numShards }
