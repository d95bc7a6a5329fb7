// Package invoker implements the gRPC Invoker (C6): Invoke(instance,
// MethodSpec, payload, deadline, options) with deadline derivation, retry
// with full jitter for idempotent methods, optional hedging, and
// per-payload compression selection.
package invoker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"bridge/pkg/metrics"
	"bridge/pkg/registry"
)

// Call is one attempt against a backend, returning the raw response payload.
type Call func(ctx context.Context) (any, error)

// Config tunes retry, hedging, and compression behavior, mirroring
// config.RetryConfig.
type Config struct {
	MaxAttempts         int
	Base                time.Duration
	Mult                float64
	Cap                 time.Duration
	JitterPct           float64
	HedgeDelay          time.Duration
	CompressionMinBytes int
	EgressBudget        time.Duration
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         3,
		Base:                100 * time.Millisecond,
		Mult:                2,
		Cap:                 10 * time.Second,
		JitterPct:           0.10,
		HedgeDelay:          50 * time.Millisecond,
		CompressionMinBytes: 1024,
		EgressBudget:        50 * time.Millisecond,
	}
}

// retriableCodes is the set of statuses a retry may be attempted for, beyond
// the idempotency check itself.
var retriableCodes = map[codes.Code]bool{
	codes.Unavailable:     true,
	codes.DeadlineExceeded: true,
	codes.Aborted:          true,
}

// IsRetriable reports whether err's status code may be retried. Canceled,
// validation, and auth-shaped errors are never retried regardless of
// idempotency.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return true // unclassified transport error
	}
	return retriableCodes[st.Code()]
}

// ShouldCompress reports whether a request/response body of size bytes
// should be gzip-compressed: at or above CompressionMinBytes and not already
// marked pre-compressed.
func (c Config) ShouldCompress(size int, preCompressed bool) bool {
	return !preCompressed && size >= c.CompressionMinBytes
}

// Invoker dispatches calls per spec §4.6.
type Invoker struct {
	cfg Config
	m   *metrics.Metrics
}

// New builds an Invoker.
func New(cfg Config, m *metrics.Metrics) *Invoker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Base <= 0 {
		cfg.Base = 100 * time.Millisecond
	}
	if cfg.Mult <= 0 {
		cfg.Mult = 2
	}
	if cfg.Cap <= 0 {
		cfg.Cap = 10 * time.Second
	}
	if cfg.JitterPct <= 0 {
		cfg.JitterPct = 0.10
	}
	if cfg.HedgeDelay <= 0 {
		cfg.HedgeDelay = 50 * time.Millisecond
	}
	if cfg.CompressionMinBytes <= 0 {
		cfg.CompressionMinBytes = 1024
	}
	if cfg.EgressBudget <= 0 {
		cfg.EgressBudget = 50 * time.Millisecond
	}
	return &Invoker{cfg: cfg, m: m}
}

// backoffFor builds the full-jitter exponential backoff generator for one
// Invoke call, per spec §4.6's formula: delay = base*mult^attempt +/- jitterPct.
func (i *Invoker) backoffFor() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = i.cfg.Base
	b.Multiplier = i.cfg.Mult
	b.RandomizationFactor = i.cfg.JitterPct
	b.MaxInterval = i.cfg.Cap
	return b
}

// deriveDeadline applies the egress budget to the caller's deadline, per
// spec §4.6: "derived from request deadline minus a fixed egress budget."
func (i *Invoker) deriveDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	dl, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	budgeted := dl.Add(-i.cfg.EgressBudget)
	if budgeted.Before(time.Now()) {
		budgeted = time.Now()
	}
	return context.WithDeadline(ctx, budgeted)
}

// Invoke dispatches call, retrying per spec.idempotent eligibility and
// hedging when spec.HedgeEnabled, recording metrics under service/method.
func (i *Invoker) Invoke(ctx context.Context, service string, spec registry.MethodSpec, call Call) (any, error) {
	ctx, cancel := i.deriveDeadline(ctx)
	defer cancel()

	start := time.Now()
	var result any
	var err error
	if spec.HedgeEnabled {
		result, err = i.invokeHedged(ctx, spec, call)
	} else {
		result, err = i.invokeWithRetry(ctx, spec, call)
	}

	if i.m != nil {
		i.m.RecordUpstreamCall(service, spec.GRPCMethod, statusLabel(err), time.Since(start))
	}
	return result, err
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if st, ok := status.FromError(err); ok {
		return st.Code().String()
	}
	return "error"
}

func (i *Invoker) invokeWithRetry(ctx context.Context, spec registry.MethodSpec, call Call) (any, error) {
	b := i.backoffFor()

	var lastErr error
	for attempt := 0; attempt < i.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		res, err := call(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if !spec.Idempotent || attempt == i.cfg.MaxAttempts-1 || !IsRetriable(err) {
			return nil, err
		}

		delay, nextErr := b.NextBackOff()
		if nextErr != nil {
			return nil, err
		}
		if i.m != nil {
			i.m.RecordRetry(spec.GRPCService, spec.GRPCMethod)
		}

		remaining := remainingBudget(ctx)
		if remaining > 0 && delay > remaining {
			return nil, lastErr
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func remainingBudget(ctx context.Context) time.Duration {
	dl, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	return time.Until(dl)
}

// invokeHedged fires a second attempt after HedgeDelay if the first has not
// returned; the first to succeed wins and the loser is canceled.
func (i *Invoker) invokeHedged(ctx context.Context, spec registry.MethodSpec, call Call) (any, error) {
	type outcome struct {
		res any
		err error
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome, 2)
	launch := func() {
		res, err := call(ctx)
		results <- outcome{res, err}
	}

	go launch()

	timer := time.NewTimer(i.cfg.HedgeDelay)
	defer timer.Stop()

	hedged := false
	fireHedge := func() {
		hedged = true
		timer.Stop()
		if i.m != nil {
			i.m.RecordHedge(spec.GRPCService, spec.GRPCMethod)
		}
		go launch()
	}

	for {
		select {
		case out := <-results:
			if out.err == nil {
				return out.res, nil
			}
			if hedged {
				return nil, out.err
			}
			fireHedge()
		case <-timer.C:
			if !hedged {
				fireHedge()
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
