// Package grpcpool implements the gRPC Channel Pool (C5): per
// ServiceInstance, a small set of multiplexed gRPC channels acquired by
// least-outstanding selection, grown lazily up to a configured maximum, and
// drained (not dropped) when the instance is removed.
package grpcpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"bridge/pkg/logger"
	"bridge/pkg/telemetry"
	"bridge/pkg/wirecodec"
)

// ErrPoolExhausted is returned when every channel for an instance is at its
// max_concurrent_streams cap and the pool is already at channel_max.
var ErrPoolExhausted = errors.New("grpcpool: exhausted")

// Config tunes Pool behavior, mirroring config.PoolConfig.
type Config struct {
	ChannelsPerInstance int
	ChannelMax          int
	MaxConcurrentStreams int
	IdleTimeout         time.Duration
	DrainTimeout        time.Duration
	KeepaliveInterval   time.Duration
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		ChannelsPerInstance:  2,
		ChannelMax:           4,
		MaxConcurrentStreams: 100,
		IdleTimeout:          5 * time.Minute,
		DrainTimeout:         15 * time.Second,
		KeepaliveInterval:    30 * time.Second,
	}
}

type channel struct {
	conn       *grpc.ClientConn
	inflight   int64 // borrowed handles currently outstanding, guarded by instancePool.mu
	lastActive time.Time
}

// Handle is a non-owning borrow of one pooled channel. Callers must call
// Release when done so the pool can track outstanding load.
type Handle struct {
	pool *instancePool
	ch   *channel
}

// Conn returns the underlying *grpc.ClientConn. The caller does not own it
// and must not Close it.
func (h *Handle) Conn() *grpc.ClientConn {
	return h.ch.conn
}

// Release returns the handle to the pool.
func (h *Handle) Release() {
	h.pool.release(h.ch)
}

// Invoke performs one unary call over this handle's channel, passing
// req/reply through as opaque bytes via wirecodec so the pool never needs a
// generated message type for the backend's method.
func (h *Handle) Invoke(ctx context.Context, fullMethod string, req wirecodec.RawBytes) (wirecodec.RawBytes, error) {
	var reply wirecodec.RawBytes
	err := h.ch.conn.Invoke(ctx, fullMethod, req, &reply, grpc.ForceCodec(wirecodec.Codec{}))
	return reply, err
}

// NewStream opens a client-streaming, server-streaming, or bidi-streaming
// call over this handle's channel, with the raw wirecodec forced so the
// Gateway's streaming transports (C8) can pump opaque message bytes without
// a generated message type either.
func (h *Handle) NewStream(ctx context.Context, desc *grpc.StreamDesc, fullMethod string) (grpc.ClientStream, error) {
	return h.ch.conn.NewStream(ctx, desc, fullMethod, grpc.ForceCodec(wirecodec.Codec{}))
}

type instancePool struct {
	mu       sync.Mutex
	endpoint string
	tls      bool
	cfg      Config
	channels []*channel
	draining bool
}

func dial(endpoint string, tlsEnabled bool, cfg Config) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveInterval,
			Timeout:             cfg.KeepaliveInterval,
			PermitWithoutStream: true,
		}),
		grpc.WithChainUnaryInterceptor(telemetry.UnaryClientInterceptor()),
		grpc.WithChainStreamInterceptor(telemetry.StreamClientInterceptor()),
	}
	_ = tlsEnabled // TLS credential selection is an external-collaborator concern; insecure transport is this module's default per spec.md §1
	return grpc.NewClient(endpoint, opts...)
}

func newInstancePool(endpoint string, tlsEnabled bool, cfg Config) *instancePool {
	return &instancePool{endpoint: endpoint, tls: tlsEnabled, cfg: cfg}
}

// warm eagerly dials ChannelsPerInstance channels.
func (p *instancePool) warm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.channels) < p.cfg.ChannelsPerInstance {
		conn, err := dial(p.endpoint, p.tls, p.cfg)
		if err != nil {
			logger.Log.Error("grpcpool: warmup dial failed", "endpoint", p.endpoint, "error", err)
			return
		}
		p.channels = append(p.channels, &channel{conn: conn, lastActive: time.Now()})
	}
}

// acquire returns the least-loaded channel, growing the pool up to
// ChannelMax if every existing channel is at MaxConcurrentStreams.
func (p *instancePool) acquire() (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.draining {
		return nil, ErrPoolExhausted
	}

	if len(p.channels) < p.cfg.ChannelsPerInstance {
		conn, err := dial(p.endpoint, p.tls, p.cfg)
		if err != nil {
			return nil, err
		}
		ch := &channel{conn: conn, lastActive: time.Now()}
		p.channels = append(p.channels, ch)
		ch.inflight++
		return &Handle{pool: p, ch: ch}, nil
	}

	best := p.leastLoaded()
	if best != nil && best.inflight < int64(p.cfg.MaxConcurrentStreams) {
		best.inflight++
		best.lastActive = time.Now()
		return &Handle{pool: p, ch: best}, nil
	}

	if len(p.channels) < p.cfg.ChannelMax {
		conn, err := dial(p.endpoint, p.tls, p.cfg)
		if err != nil {
			return nil, err
		}
		ch := &channel{conn: conn, lastActive: time.Now()}
		p.channels = append(p.channels, ch)
		ch.inflight++
		return &Handle{pool: p, ch: ch}, nil
	}

	return nil, ErrPoolExhausted
}

func (p *instancePool) leastLoaded() *channel {
	var best *channel
	for _, ch := range p.channels {
		if best == nil || ch.inflight < best.inflight {
			best = ch
		}
	}
	return best
}

func (p *instancePool) release(ch *channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch.inflight > 0 {
		ch.inflight--
	}
	ch.lastActive = time.Now()
}

// evictIdle closes channels beyond ChannelsPerInstance that have been idle
// longer than IdleTimeout and are not currently borrowed.
func (p *instancePool) evictIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.channels) <= p.cfg.ChannelsPerInstance {
		return
	}
	evictBudget := len(p.channels) - p.cfg.ChannelsPerInstance
	kept := p.channels[:0]
	for _, ch := range p.channels {
		if evictBudget > 0 && ch.inflight == 0 && time.Since(ch.lastActive) > p.cfg.IdleTimeout {
			_ = ch.conn.Close()
			evictBudget--
			continue
		}
		kept = append(kept, ch)
	}
	p.channels = kept
}

// drain refuses new acquisitions and waits up to DrainTimeout for in-flight
// borrows to complete before force-closing every channel.
func (p *instancePool) drain() {
	p.mu.Lock()
	p.draining = true
	channels := append([]*channel(nil), p.channels...)
	p.mu.Unlock()

	deadline := time.Now().Add(p.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		if p.outstanding() == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, ch := range channels {
		_ = ch.conn.Close()
	}
}

func (p *instancePool) outstanding() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, ch := range p.channels {
		total += ch.inflight
	}
	return total
}

// Pool owns one instancePool per ServiceInstance, keyed by instance ID.
type Pool struct {
	cfg Config

	mu        sync.Mutex
	instances map[string]*instancePool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Pool and starts its background idle-channel eviction loop.
func New(cfg Config) *Pool {
	if cfg.ChannelsPerInstance <= 0 {
		cfg.ChannelsPerInstance = 2
	}
	if cfg.ChannelMax <= 0 {
		cfg.ChannelMax = 4
	}
	if cfg.MaxConcurrentStreams <= 0 {
		cfg.MaxConcurrentStreams = 100
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 15 * time.Second
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 30 * time.Second
	}
	p := &Pool{cfg: cfg, instances: make(map[string]*instancePool), stopCh: make(chan struct{})}
	p.wg.Add(1)
	go p.evictLoop()
	return p
}

func (p *Pool) evictLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.mu.Lock()
			pools := make([]*instancePool, 0, len(p.instances))
			for _, ip := range p.instances {
				pools = append(pools, ip)
			}
			p.mu.Unlock()
			for _, ip := range pools {
				ip.evictIdle()
			}
		}
	}
}

// Close stops the eviction loop. It does not drain or close live channels;
// callers should Remove each instance first if a clean shutdown is needed.
func (p *Pool) Close() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) poolFor(instanceID, endpoint string, tlsEnabled bool) *instancePool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ip, ok := p.instances[instanceID]; ok {
		return ip
	}
	ip := newInstancePool(endpoint, tlsEnabled, p.cfg)
	p.instances[instanceID] = ip
	return ip
}

// Warm eagerly dials ChannelsPerInstance channels for a newly-added instance.
func (p *Pool) Warm(instanceID, endpoint string, tlsEnabled bool) {
	p.poolFor(instanceID, endpoint, tlsEnabled).warm()
}

// Acquire returns a Handle to the least-loaded channel for instanceID,
// dialing lazily on first use.
func (p *Pool) Acquire(ctx context.Context, instanceID, endpoint string, tlsEnabled bool) (*Handle, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return p.poolFor(instanceID, endpoint, tlsEnabled).acquire()
}

// Remove drains and closes every channel for instanceID, then forgets it.
func (p *Pool) Remove(instanceID string) {
	p.mu.Lock()
	ip, ok := p.instances[instanceID]
	if ok {
		delete(p.instances, instanceID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	ip.drain()
}
