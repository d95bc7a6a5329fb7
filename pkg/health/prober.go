// Package health implements the Health Prober (C2): one background worker
// per registry shard, issuing lightweight gRPC health checks on a fixed tick
// and feeding the results back into the registry as health transitions and
// RTT samples for the Load Balancer.
package health

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"bridge/pkg/logger"
	"bridge/pkg/metrics"
	"bridge/pkg/registry"
)

// Checker issues one health probe against endpoint, returning the observed
// round-trip time on success.
type Checker func(ctx context.Context, endpoint string, tlsEnabled bool) (time.Duration, error)

// GRPCChecker is the default Checker: a grpc.health.v1.Health/Check call
// over a short-lived connection.
func GRPCChecker(ctx context.Context, endpoint string, _ bool) (time.Duration, error) {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	client := grpc_health_v1.NewHealthClient(conn)
	start := time.Now()
	_, err = client.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

type probeState struct {
	lastProbe time.Time
	backoff   time.Duration
}

// Prober runs the background probing loop over a registry.Registry.
type Prober struct {
	reg         *registry.Registry
	checker     Checker
	interval    time.Duration
	timeout     time.Duration
	backoffMax  time.Duration
	metrics     *metrics.Metrics

	mu     sync.Mutex
	states map[string]*probeState

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Prober. A nil checker defaults to GRPCChecker.
func New(reg *registry.Registry, interval, timeout, backoffMax time.Duration, checker Checker, m *metrics.Metrics) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if backoffMax <= 0 {
		backoffMax = 60 * time.Second
	}
	if checker == nil {
		checker = GRPCChecker
	}
	return &Prober{
		reg:        reg,
		checker:    checker,
		interval:   interval,
		timeout:    timeout,
		backoffMax: backoffMax,
		metrics:    m,
		states:     make(map[string]*probeState),
		stopCh:     make(chan struct{}),
	}
}

// Start launches one goroutine per registry shard.
func (p *Prober) Start() {
	for i := 0; i < p.reg.NumShards(); i++ {
		p.wg.Add(1)
		go p.runShard(i)
	}
}

// Stop signals every shard worker to exit and waits for them to finish.
func (p *Prober) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Prober) runShard(shardIdx int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick(shardIdx)
		}
	}
}

func (p *Prober) tick(shardIdx int) {
	for _, name := range p.reg.ShardNames(shardIdx) {
		instances, err := p.reg.AllInstances(name)
		if err != nil {
			continue
		}
		for _, inst := range instances {
			if p.due(name, inst.InstanceID) {
				p.probe(name, inst)
			}
		}
	}
}

func (p *Prober) stateKey(name, instanceID string) string {
	return name + "/" + instanceID
}

func (p *Prober) due(name, instanceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.states[p.stateKey(name, instanceID)]
	if !ok {
		return true
	}
	wait := p.interval
	if st.backoff > wait {
		wait = st.backoff
	}
	return time.Since(st.lastProbe) >= wait
}

func (p *Prober) probe(name string, inst *registry.ServiceInstance) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	rtt, err := p.checker(ctx, inst.Endpoint, inst.TLSEnabled)

	p.mu.Lock()
	key := p.stateKey(name, inst.InstanceID)
	st, ok := p.states[key]
	if !ok {
		st = &probeState{}
		p.states[key] = st
	}
	st.lastProbe = time.Now()

	if err != nil {
		inst.SetHealth(registry.HealthUnhealthy)
		if st.backoff == 0 {
			st.backoff = p.interval
		} else {
			st.backoff *= 2
		}
		if st.backoff > p.backoffMax {
			st.backoff = p.backoffMax
		}
	} else {
		inst.SetHealth(registry.HealthHealthy)
		inst.RTTEwma.Store(int64(rtt))
		st.backoff = 0
	}
	p.mu.Unlock()

	if p.metrics != nil {
		state := 1.0
		if err != nil {
			state = 0.0
		}
		p.metrics.SetInstanceHealth(name, inst.InstanceID, state)
	}
	if err != nil {
		logger.Log.Debug("health probe failed", "service", name, "instance", inst.InstanceID, "error", err)
	}
}
