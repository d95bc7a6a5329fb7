// Package egress implements the bridge's telemetry egress contract: a
// fire-and-forget stream of structured dispatch events, consumed by
// whatever log shipper the operator wires up. Emission never blocks the
// dispatch path; on a full buffer the oldest queued event is dropped.
package egress

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the terminal outcome recorded for a dispatched request.
type Status string

const (
	StatusOK        Status = "ok"
	StatusError     Status = "error"
	StatusThrottled Status = "throttled"
	StatusTimeout   Status = "timeout"
)

// Event is one structured telemetry record emitted per dispatched request,
// matching the core's telemetry egress contract.
type Event struct {
	Timestamp    time.Time `json:"ts"`
	RequestID    string    `json:"request_id"`
	Tenant       string    `json:"tenant,omitempty"`
	Service      string    `json:"service"`
	Method       string    `json:"method"`
	Instance     string    `json:"instance,omitempty"`
	LatencyMs    int64     `json:"latency_ms"`
	BytesIn      int64     `json:"bytes_in"`
	BytesOut     int64     `json:"bytes_out"`
	Status       Status    `json:"status"`
	CacheState   string    `json:"cache_state,omitempty"`   // hit, miss, stale, bypass
	BreakerState string    `json:"breaker_state,omitempty"` // closed, open, half_open
}

// Emitter is the interface implemented by every egress backend.
type Emitter interface {
	// Emit enqueues an event. It never blocks and never returns an error
	// for a dropped event — drops are a normal, expected consequence of a
	// full queue, not a failure the caller should act on.
	Emit(ctx context.Context, event *Event)

	// Close drains and flushes any buffered events, then releases
	// resources.
	Close() error
}

// Config holds the egress queue's tunables.
type Config struct {
	Enabled     bool          `koanf:"enabled"`
	Backend     string        `koanf:"backend"` // stdout, file
	FilePath    string        `koanf:"file_path"`
	BufferSize  int           `koanf:"buffer_size"`
	FlushPeriod time.Duration `koanf:"flush_period"`
}

// DefaultConfig returns sensible egress defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		Backend:     "stdout",
		BufferSize:  10000,
		FlushPeriod: 5 * time.Second,
	}
}

// Builder provides a fluent API for constructing an Event, mirroring the
// teacher's audit Entry builder.
type Builder struct {
	event *Event
}

// NewEvent starts a Builder with the current timestamp.
func NewEvent() *Builder {
	return &Builder{event: &Event{Timestamp: time.Now()}}
}

func (b *Builder) RequestID(id string) *Builder     { b.event.RequestID = id; return b }
func (b *Builder) Tenant(t string) *Builder         { b.event.Tenant = t; return b }
func (b *Builder) Service(s string) *Builder        { b.event.Service = s; return b }
func (b *Builder) Method(m string) *Builder         { b.event.Method = m; return b }
func (b *Builder) Instance(i string) *Builder       { b.event.Instance = i; return b }
func (b *Builder) Status(s Status) *Builder         { b.event.Status = s; return b }
func (b *Builder) CacheState(s string) *Builder     { b.event.CacheState = s; return b }
func (b *Builder) BreakerState(s string) *Builder   { b.event.BreakerState = s; return b }
func (b *Builder) Bytes(in, out int64) *Builder     { b.event.BytesIn = in; b.event.BytesOut = out; return b }
func (b *Builder) Latency(d time.Duration) *Builder { b.event.LatencyMs = d.Milliseconds(); return b }

// Build finalizes the Event.
func (b *Builder) Build() *Event { return b.event }

// MarshalJSON encodes Event by its struct tags; the alias type keeps
// json.Marshal from calling this method again.
func (e *Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	return json.Marshal((*Alias)(e))
}
