package stt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/audio"
)

// MockOptions script a MockEngine.
type MockOptions struct {
	// ReadyAfter delays the ready event. Zero means immediately.
	ReadyAfter time.Duration
	// NeverReady suppresses the ready event entirely.
	NeverReady bool
	// OpenError is reported as an error event instead of ready.
	OpenError error
	// Final is returned by RequestFinal.
	Final string
}

// MockEngine is a frame-streaming engine that produces whatever the test or
// developer scripts through Emit.
type MockEngine struct {
	kind   EngineKind
	opts   MockOptions
	events *emitter

	opened atomic.Int32
	frames atomic.Int64
	finals atomic.Int32
	closed atomic.Bool

	mu    sync.Mutex
	timer *time.Timer
}

func NewMockEngine(kind EngineKind, opts MockOptions) *MockEngine {
	return &MockEngine{kind: kind, opts: opts, events: newEmitter()}
}

func (m *MockEngine) Kind() EngineKind { return m.kind }

func (m *MockEngine) Events() <-chan Event { return m.events.events() }

func (m *MockEngine) Open(context.Context) error {
	m.opened.Add(1)
	switch {
	case m.opts.OpenError != nil:
		m.events.emit(Event{Type: EventError, Err: fmt.Errorf("%w: %v", ErrBackend, m.opts.OpenError)})
	case m.opts.NeverReady:
	case m.opts.ReadyAfter <= 0:
		m.events.emit(Event{Type: EventReady})
	default:
		m.mu.Lock()
		m.timer = time.AfterFunc(m.opts.ReadyAfter, func() {
			m.events.emit(Event{Type: EventReady})
		})
		m.mu.Unlock()
	}
	return nil
}

// Emit injects an event as if the engine produced it.
func (m *MockEngine) Emit(ev Event) {
	m.events.emit(ev)
}

func (m *MockEngine) SendFrame(frame []byte) error {
	if m.closed.Load() {
		return ErrNotOpen
	}
	m.frames.Add(1)
	return nil
}

func (m *MockEngine) RequestFinal(context.Context) (string, error) {
	m.finals.Add(1)
	return m.opts.Final, nil
}

func (m *MockEngine) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.mu.Unlock()
	m.events.close()
	return nil
}

func (m *MockEngine) Opened() int        { return int(m.opened.Load()) }
func (m *MockEngine) Frames() int64      { return m.frames.Load() }
func (m *MockEngine) FinalRequests() int { return int(m.finals.Load()) }
func (m *MockEngine) Closed() bool       { return m.closed.Load() }

// MockChunkEngine adds chunk transcription to MockEngine.
type MockChunkEngine struct {
	*MockEngine
	transcribe func(audio.Chunk) (string, error)

	mu     sync.Mutex
	chunks []uint64
}

// NewMockChunkEngine transcribes with fn, or with a placeholder describing
// the chunk when fn is nil.
func NewMockChunkEngine(kind EngineKind, opts MockOptions, fn func(audio.Chunk) (string, error)) *MockChunkEngine {
	if fn == nil {
		fn = func(c audio.Chunk) (string, error) {
			return fmt.Sprintf("[chunk %d bytes=%d]", c.Sequence, c.Len()), nil
		}
	}
	return &MockChunkEngine{MockEngine: NewMockEngine(kind, opts), transcribe: fn}
}

func (m *MockChunkEngine) TranscribeChunk(ctx context.Context, chunk audio.Chunk) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.chunks = append(m.chunks, chunk.Sequence)
	m.mu.Unlock()
	return m.transcribe(chunk)
}

// Sequences lists transcribed chunk sequences in call order.
func (m *MockChunkEngine) Sequences() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.chunks...)
}
