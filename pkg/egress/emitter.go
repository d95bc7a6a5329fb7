package egress

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"bridge/pkg/logger"
)

// StdoutEmitter writes events to standard output.
type StdoutEmitter struct {
	enabled bool
	mu      sync.Mutex
}

// NewStdoutEmitter creates a StdoutEmitter.
func NewStdoutEmitter(cfg *Config) *StdoutEmitter {
	return &StdoutEmitter{enabled: cfg.Enabled}
}

func (e *StdoutEmitter) Emit(_ context.Context, event *Event) {
	if !e.enabled {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Println("[EGRESS]", string(data))
}

func (e *StdoutEmitter) Close() error { return nil }

// FileEmitter buffers events to a channel and writes them to a file from a
// background goroutine. Unlike the teacher's FileLogger, a full buffer does
// not fall back to a synchronous write: the oldest queued event is dropped
// to make room, so Emit never blocks the dispatch path.
type FileEmitter struct {
	config *Config
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
	buffer chan *Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewFileEmitter opens the log file and starts the background writer.
func NewFileEmitter(cfg *Config) (*FileEmitter, error) {
	path := cfg.FilePath
	if path == "" {
		path = "egress.log"
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open egress log file: %w", err)
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}

	e := &FileEmitter{
		config: cfg,
		file:   file,
		writer: bufio.NewWriter(file),
		buffer: make(chan *Event, bufferSize),
		done:   make(chan struct{}),
	}

	e.wg.Add(1)
	go e.processLoop()

	return e, nil
}

// Emit enqueues an event, dropping the oldest queued event if the buffer is
// full rather than blocking the caller.
func (e *FileEmitter) Emit(_ context.Context, event *Event) {
	if !e.config.Enabled {
		return
	}

	select {
	case e.buffer <- event:
		return
	default:
	}

	// Buffer full: drop the oldest queued event to make room.
	select {
	case <-e.buffer:
	default:
	}
	select {
	case e.buffer <- event:
	default:
	}
}

func (e *FileEmitter) Close() error {
	close(e.done)
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		select {
		case event := <-e.buffer:
			if err := e.writeEventUnsafe(event); err != nil {
				logger.Log.Warn("failed to write egress event during shutdown", "error", err)
			}
		default:
			if err := e.writer.Flush(); err != nil {
				logger.Log.Warn("failed to flush egress writer", "error", err)
			}
			return e.file.Close()
		}
	}
}

func (e *FileEmitter) processLoop() {
	defer e.wg.Done()

	flushPeriod := e.config.FlushPeriod
	if flushPeriod <= 0 {
		flushPeriod = 5 * time.Second
	}

	ticker := time.NewTicker(flushPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case event := <-e.buffer:
			if err := e.writeEvent(event); err != nil {
				logger.Log.Warn("failed to write egress event", "error", err)
			}
		case <-ticker.C:
			e.flush()
		}
	}
}

func (e *FileEmitter) writeEvent(event *Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writeEventUnsafe(event)
}

func (e *FileEmitter) writeEventUnsafe(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = e.writer.Write(append(data, '\n'))
	return err
}

func (e *FileEmitter) flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.writer.Flush(); err != nil {
		logger.Log.Warn("failed to flush egress writer", "error", err)
	}
}

// NoopEmitter discards every event; used when egress is disabled.
type NoopEmitter struct{}

func (NoopEmitter) Emit(context.Context, *Event) {}
func (NoopEmitter) Close() error                 { return nil }

// New constructs an Emitter from Config.
func New(cfg *Config) (Emitter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		return NoopEmitter{}, nil
	}

	switch cfg.Backend {
	case "file":
		return NewFileEmitter(cfg)
	case "stdout", "":
		return NewStdoutEmitter(cfg), nil
	default:
		logger.Log.Warn("unknown egress backend, using stdout", "backend", cfg.Backend)
		return NewStdoutEmitter(cfg), nil
	}
}

var (
	globalMu       sync.RWMutex
	globalEmitter  Emitter = NoopEmitter{}
)

// SetGlobal installs the process-wide egress emitter.
func SetGlobal(e Emitter) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalEmitter = e
}

// Get returns the process-wide egress emitter.
func Get() Emitter {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalEmitter
}

// Emit enqueues event on the global emitter.
func Emit(ctx context.Context, event *Event) {
	Get().Emit(ctx, event)
}
