// Package breaker implements the Circuit Breaker Set (C3): one
// gobreaker-backed state machine per service instance, extended with an
// exponentially-weighted failure rate (the smoothing constant α = 0.3) and an
// exponential-with-jitter reopen cooldown that doubles on every repeated trip.
package breaker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"bridge/pkg/metrics"
)

// State mirrors gobreaker.State under the spec's own names.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "halfopen"
	default:
		return "closed"
	}
}

// ErrOpen is returned when a call is rejected because the breaker is open.
var ErrOpen = errors.New("breaker: circuit open")

// IsFailure classifies err per spec §4.3: Unavailable, DeadlineExceeded,
// Internal, and ResourceExhausted count as failures; Canceled never does.
func IsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return true // unclassified transport error
	}
	switch st.Code() {
	case codes.Canceled:
		return false
	case codes.Unavailable, codes.DeadlineExceeded, codes.Internal, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// Config tunes one Breaker's behavior.
type Config struct {
	FailureThreshold  float64
	MinSamples        int
	ObservationWindow time.Duration
	BaseCooldown      time.Duration
	MaxCooldown       time.Duration
	HalfOpenProbes    int
	Alpha             float64
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  0.5,
		MinSamples:        10,
		ObservationWindow: 30 * time.Second,
		BaseCooldown:      time.Second,
		MaxCooldown:       60 * time.Second,
		HalfOpenProbes:    1,
		Alpha:             0.3,
	}
}

// Breaker is a per-instance circuit breaker.
type Breaker struct {
	service, instance string
	cfg               Config
	m                 *metrics.Metrics

	mu        sync.Mutex
	cb        *gobreaker.CircuitBreaker
	cooldown  time.Duration
	openUntil time.Time
	ewma      float64
	samples   int
}

// New builds a Breaker for one (service, instance) pair.
func New(service, instance string, cfg Config, m *metrics.Metrics) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 0.5
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.ObservationWindow <= 0 {
		cfg.ObservationWindow = 30 * time.Second
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = time.Second
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 60 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = 0.3
	}
	b := &Breaker{service: service, instance: instance, cfg: cfg, m: m}
	// The shortest jittered cooldown is just over 90% of BaseCooldown.
	b.cb = b.build(cfg.BaseCooldown - cfg.BaseCooldown/10)
	return b
}

// build constructs the underlying gobreaker instance once, for the lifetime
// of the Breaker. Its Timeout only needs to be short enough that gobreaker's
// own internal Open->HalfOpen clock never lags behind b.openUntil, which is
// the actual (doubling, jittered) cooldown authority — see onStateChange and
// isExternallyOpen. gobreaker is never rebuilt mid-life: replacing it the
// instant it trips Open would hand back a fresh, zero-value Closed instance,
// erasing the Open window before any caller could observe it.
func (b *Breaker) build(timeout time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.service + "/" + b.instance,
		MaxRequests: uint32(b.cfg.HalfOpenProbes),
		Interval:    b.cfg.ObservationWindow,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			b.mu.Lock()
			defer b.mu.Unlock()
			return b.samples >= b.cfg.MinSamples && b.ewma >= b.cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return !IsFailure(err)
		},
		OnStateChange: b.onStateChange,
	})
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	n := int64(d) / 10
	if n <= 0 {
		return d
	}
	delta := time.Duration(rand.Int63n(n)) // up to +/-10%
	if rand.Intn(2) == 0 {
		return d - delta
	}
	return d + delta
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	b.mu.Lock()
	switch to {
	case gobreaker.StateOpen:
		if b.cooldown == 0 {
			b.cooldown = b.cfg.BaseCooldown
		} else {
			b.cooldown = time.Duration(math.Min(float64(b.cooldown*2), float64(b.cfg.MaxCooldown)))
		}
		b.openUntil = time.Now().Add(jitter(b.cooldown))
	case gobreaker.StateClosed:
		b.cooldown = 0
		b.openUntil = time.Time{}
		b.ewma = 0
		b.samples = 0
	}
	b.mu.Unlock()

	if b.m != nil {
		b.m.RecordBreakerTransition(b.service, b.instance, stateName(to))
	}
}

// isExternallyOpen reports whether b's own doubling cooldown window is still
// in effect, independent of gobreaker's internal state. This is the
// authority for "is the breaker Open" — gobreaker's own Timeout never
// changes after construction, so only this external window can enforce a
// cooldown that doubles across repeated trips.
func (b *Breaker) isExternallyOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.openUntil.IsZero() && time.Now().Before(b.openUntil)
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "halfopen"
	default:
		return "closed"
	}
}

func (b *Breaker) recordSample(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f := 0.0
	if IsFailure(err) {
		f = 1.0
	}
	if b.samples == 0 {
		b.ewma = f
	} else {
		b.ewma = b.cfg.Alpha*f + (1-b.cfg.Alpha)*b.ewma
	}
	b.samples++
}

func (b *Breaker) breaker() *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cb
}

// Execute runs fn through the breaker, rejecting with ErrOpen when tripped.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	if b.isExternallyOpen() {
		return nil, ErrOpen
	}
	res, err := b.breaker().Execute(func() (any, error) {
		r, callErr := fn()
		b.recordSample(callErr)
		return r, callErr
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return res, err
}

// State reports the breaker's current state under the spec's names. The
// external cooldown window takes priority over gobreaker's own state, since
// it's the only place the doubling-cooldown duration is actually tracked.
func (b *Breaker) State() State {
	if b.isExternallyOpen() {
		return Open
	}
	switch b.breaker().State() {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// Allows reports whether a call may currently be attempted (Closed, or
// HalfOpen with a free probe slot) — used by the Load Balancer (C4) to filter
// eligible instances before scoring them.
func (b *Breaker) Allows() bool {
	return b.State() != Open
}

// Set lazily creates and tracks one Breaker per (service, instance) pair.
type Set struct {
	cfg Config
	m   *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet builds a Set sharing cfg across every instance it creates breakers for.
func NewSet(cfg Config, m *metrics.Metrics) *Set {
	return &Set{cfg: cfg, m: m, breakers: make(map[string]*Breaker)}
}

// For returns the Breaker for (service, instance), creating it on first use.
func (s *Set) For(service, instance string) *Breaker {
	key := service + "/" + instance
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[key]; ok {
		return b
	}
	b := New(service, instance, s.cfg, s.m)
	s.breakers[key] = b
	return b
}

// Remove discards the breaker tracked for (service, instance), e.g. when the
// instance is deregistered from the Service Registry.
func (s *Set) Remove(service, instance string) {
	key := service + "/" + instance
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, key)
}
