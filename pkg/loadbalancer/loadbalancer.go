// Package loadbalancer implements the Load Balancer (C4): given a set of
// eligible instances, pick one using a configurable per-service policy. Two
// policies ship: weighted power-of-two-choices (default) and consistent
// hashing with bounded load for callers that need sticky routing.
package loadbalancer

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"

	"bridge/pkg/metrics"
	"bridge/pkg/registry"
)

// Policy names, matched against LBConfig.Policy.
const (
	PolicyP2C            = "p2c"
	PolicyConsistentHash = "consistent_hash"
)

// AllowFunc reports whether the Load Balancer may pick an instance, used to
// filter out instances that are currently breaker-Open. Callers (the
// orchestrator) supply this since breaker state lives in pkg/breaker, which
// loadbalancer does not import to avoid a dependency cycle with C3 owning
// per-instance breakers keyed by the registry's own instance IDs.
type AllowFunc func(instanceID string) bool

// Picker selects one instance from a candidate set.
type Picker interface {
	Pick(instances []*registry.ServiceInstance, routingKey string, allow AllowFunc) *registry.ServiceInstance
}

// Config tunes the two shipped policies.
type Config struct {
	Policy                 string
	P2CAlpha               float64
	P2CBeta                float64
	ConsistentHashReplicas int
	OverloadFactor         float64
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		Policy:                 PolicyP2C,
		P2CAlpha:               0.5,
		P2CBeta:                2,
		ConsistentHashReplicas: 160,
		OverloadFactor:         1.25,
	}
}

// New builds the Picker named by cfg.Policy, defaulting to P2C.
func New(cfg Config) Picker {
	switch cfg.Policy {
	case PolicyConsistentHash:
		return NewConsistentHash(cfg.ConsistentHashReplicas, cfg.OverloadFactor)
	default:
		return NewP2C(cfg.P2CAlpha, cfg.P2CBeta)
	}
}

// Registry tracks one Picker per service name, so a service can override the
// global default policy (SUPPLEMENTED: per-service lb_policy override).
type Registry struct {
	defaultCfg    Config
	defaultPicker Picker

	mu          sync.Mutex
	overrides   map[string]Picker
	policyNames map[string]string
}

// NewRegistry builds a Registry using defaultCfg for any service without an
// explicit override. The default Picker is built once and shared across
// every unoverridden service: building a fresh ConsistentHash per call would
// throw away its per-service ring cache on every PickerFor lookup.
func NewRegistry(defaultCfg Config) *Registry {
	return &Registry{
		defaultCfg:    defaultCfg,
		defaultPicker: New(defaultCfg),
		overrides:     make(map[string]Picker),
		policyNames:   make(map[string]string),
	}
}

// SetPolicy overrides the policy used for one service.
func (r *Registry) SetPolicy(service string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[service] = New(cfg)
	r.policyNames[service] = cfg.Policy
}

// PickerFor returns the Picker for service, falling back to the default policy.
func (r *Registry) PickerFor(service string) Picker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.overrides[service]; ok {
		return p
	}
	return r.defaultPicker
}

// PolicyName reports the policy name in effect for service, for metrics and
// telemetry labels.
func (r *Registry) PolicyName(service string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := r.policyNames[service]; ok {
		return name
	}
	return r.defaultCfg.Policy
}

// recordSelection is a package-level hook the orchestrator can wire to
// metrics.RecordLBSelection; kept out of Picker itself so Picker stays a pure
// function of its inputs.
func recordSelection(m *metrics.Metrics, service, policy string) {
	if m != nil {
		m.RecordLBSelection(service, policy)
	}
}

// Record lets a caller emit the C4 selection metric without Picker knowing
// about *metrics.Metrics.
func Record(m *metrics.Metrics, service, policy string) {
	recordSelection(m, service, policy)
}

// score computes the P2C scoring function s = inflight + alpha*rtt + beta*err_rate.
func score(inst *registry.ServiceInstance, alpha, beta, maxRTT float64) float64 {
	inflight := float64(inst.Inflight.Load())
	rtt := float64(inst.RTTEwma.Load())
	normalizedRTT := 0.0
	if maxRTT > 0 {
		normalizedRTT = rtt / maxRTT
	}
	errRate := math.Float64frombits(inst.ErrRateEwma.Load())
	return inflight + alpha*normalizedRTT + beta*errRate
}

// RecordOutcome feeds one backend call's observed latency and success/
// failure back into the instance's runtime stats, which both P2C's score
// and ConsistentHash's bounded-load threshold read. alpha is the EWMA
// smoothing factor (defaults to 0.3, matching the Breaker's).
func RecordOutcome(inst *registry.ServiceInstance, rtt time.Duration, failed bool, alpha float64) {
	if alpha <= 0 {
		alpha = 0.3
	}

	prevRTT := float64(inst.RTTEwma.Load())
	inst.RTTEwma.Store(int64(alpha*float64(rtt.Nanoseconds()) + (1-alpha)*prevRTT))

	var sample float64
	if failed {
		sample = 1
	}
	prevErr := math.Float64frombits(inst.ErrRateEwma.Load())
	inst.ErrRateEwma.Store(math.Float64bits(alpha*sample + (1-alpha)*prevErr))
}

// P2C implements weighted power-of-two-choices.
type P2C struct {
	alpha, beta float64
}

// NewP2C builds a P2C picker with the given scoring weights.
func NewP2C(alpha, beta float64) *P2C {
	if alpha <= 0 {
		alpha = 0.5
	}
	if beta <= 0 {
		beta = 2
	}
	return &P2C{alpha: alpha, beta: beta}
}

// Pick samples two instances weighted by Weight and returns the lower-scored one.
func (p *P2C) Pick(instances []*registry.ServiceInstance, _ string, allow AllowFunc) *registry.ServiceInstance {
	candidates := filterAllowed(instances, allow)
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	a := weightedPick(candidates, -1)
	b := weightedPick(candidates, a)

	maxRTT := 0.0
	for _, inst := range candidates {
		if rtt := float64(inst.RTTEwma.Load()); rtt > maxRTT {
			maxRTT = rtt
		}
	}

	sa := score(candidates[a], p.alpha, p.beta, maxRTT)
	sb := score(candidates[b], p.alpha, p.beta, maxRTT)
	if sa <= sb {
		return candidates[a]
	}
	return candidates[b]
}

// weightedPick samples one index proportional to Weight, excluding exclude
// (or -1 to exclude nothing).
func weightedPick(candidates []*registry.ServiceInstance, exclude int) int {
	total := 0.0
	for i, inst := range candidates {
		if i == exclude {
			continue
		}
		total += inst.Weight
	}
	if total <= 0 {
		for i := range candidates {
			if i != exclude {
				return i
			}
		}
		return 0
	}
	r := rand.Float64() * total
	acc := 0.0
	for i, inst := range candidates {
		if i == exclude {
			continue
		}
		acc += inst.Weight
		if r <= acc {
			return i
		}
	}
	for i := len(candidates) - 1; i >= 0; i-- {
		if i != exclude {
			return i
		}
	}
	return 0
}

func filterAllowed(instances []*registry.ServiceInstance, allow AllowFunc) []*registry.ServiceInstance {
	if allow == nil {
		return instances
	}
	out := make([]*registry.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if allow(inst.InstanceID) {
			out = append(out, inst)
		}
	}
	return out
}

// ConsistentHash implements consistent hashing with bounded load: a routing
// key is hashed onto replicas virtual nodes per instance; if the primary
// target is overloaded by overloadFactor times the mean inflight count, the
// next replica in rank order is probed instead.
type ConsistentHash struct {
	replicas       int
	overloadFactor float64

	// mu guards the single-entry virtual-node cache below. The candidate
	// set for a given service is stable between registry writes, so the
	// common case (repeated Pick calls against an unchanged instance set)
	// reuses the formatted replica names and owner map instead of
	// rebuilding replicas*len(candidates) of each on every call.
	mu        sync.Mutex
	cacheKey  string
	nodeNames []string
	byNode    map[string]*registry.ServiceInstance
}

// NewConsistentHash builds a ConsistentHash picker.
func NewConsistentHash(replicas int, overloadFactor float64) *ConsistentHash {
	if replicas <= 0 {
		replicas = 160
	}
	if overloadFactor <= 0 {
		overloadFactor = 1.25
	}
	return &ConsistentHash{replicas: replicas, overloadFactor: overloadFactor}
}

// hashNode is the go-rendezvous Hasher: xxhash of the node name combined
// with the per-lookup seed the library derives from the routing key.
func hashNode(s string, seed uint64) uint64 {
	return xxhash.Sum64String(s) + seed
}

func replicaName(instanceID string, r int) string {
	return fmt.Sprintf("%s#%d", instanceID, r)
}

// Pick builds a rendezvous ring over replicas virtual nodes per candidate and
// walks it in rank order against routingKey, removing an overloaded
// instance's replicas and re-probing until one within the load bound is
// found, per spec §4.4's "probe next" rule.
func (c *ConsistentHash) Pick(instances []*registry.ServiceInstance, routingKey string, allow AllowFunc) *registry.ServiceInstance {
	candidates := filterAllowed(instances, allow)
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	nodeNames, byNode := c.virtualNodes(candidates)

	meanInflight := 0.0
	for _, inst := range candidates {
		meanInflight += float64(inst.Inflight.Load())
	}
	meanInflight /= float64(len(candidates))
	threshold := meanInflight * c.overloadFactor

	ring := rendezvous.New(nodeNames, hashNode)
	for attempt := 0; attempt < len(candidates); attempt++ {
		picked := ring.Lookup(routingKey)
		inst, ok := byNode[picked]
		if !ok {
			break
		}
		if threshold <= 0 || float64(inst.Inflight.Load()) <= threshold {
			return inst
		}
		for r := 0; r < c.replicas; r++ {
			ring.Remove(replicaName(inst.InstanceID, r))
		}
	}
	return candidates[0]
}

// virtualNodes returns the replicaName -> owner map and the flat node name
// list for candidates, reusing the cached build when the candidate set's
// membership matches the last call. Pick still hands rendezvous.New a fresh
// ring every call, since Remove mutates the ring in place during
// overload probing and that must stay call-scoped; what this cache skips is
// re-running fmt.Sprintf and the map insert for every replica name on every
// Pick when the instance set hasn't changed since the last call.
func (c *ConsistentHash) virtualNodes(candidates []*registry.ServiceInstance) ([]string, map[string]*registry.ServiceInstance) {
	key := membershipKey(candidates)

	c.mu.Lock()
	defer c.mu.Unlock()
	if key == c.cacheKey && c.nodeNames != nil {
		return c.nodeNames, c.byNode
	}

	byNode := make(map[string]*registry.ServiceInstance, len(candidates)*c.replicas)
	nodeNames := make([]string, 0, len(candidates)*c.replicas)
	for _, inst := range candidates {
		for r := 0; r < c.replicas; r++ {
			name := replicaName(inst.InstanceID, r)
			byNode[name] = inst
			nodeNames = append(nodeNames, name)
		}
	}
	c.cacheKey = key
	c.nodeNames = nodeNames
	c.byNode = byNode
	return nodeNames, byNode
}

// membershipKey fingerprints a candidate set by instance ID, independent of
// slice order, so the virtual-node cache hits regardless of the order the
// registry happens to return instances in.
func membershipKey(candidates []*registry.ServiceInstance) string {
	ids := make([]string, len(candidates))
	for i, inst := range candidates {
		ids[i] = inst.InstanceID
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
