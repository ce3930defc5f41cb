package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/audio"
)

var (
	// ErrBackend is reported by an engine that failed after or during open.
	ErrBackend     = errors.New("transcription backend error")
	ErrNotOpen     = errors.New("transcription backend not open")
	ErrUnavailable = errors.New("transcription engine not configured")
)

// EngineKind names one backend variant.
type EngineKind string

const (
	KindStreaming EngineKind = "streaming"
	KindLocal     EngineKind = "local"
	KindBatch     EngineKind = "batch"
	KindMock      EngineKind = "mock"
)

// Priority orders kinds for display when more than one engine is live.
// Lower wins.
func (k EngineKind) Priority() int {
	switch k {
	case KindStreaming:
		return 0
	case KindLocal:
		return 1
	case KindBatch:
		return 2
	default:
		return 3
	}
}

func ParseKind(raw string) (EngineKind, error) {
	switch kind := EngineKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case KindStreaming, KindLocal, KindBatch, KindMock:
		return kind, nil
	case "":
		return "", errors.New("engine kind is empty")
	default:
		return "", fmt.Errorf("unknown engine kind %q", raw)
	}
}

type EventType int

const (
	EventReady EventType = iota
	EventPartial
	EventFinal
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is an asynchronous notification from an open backend.
type Event struct {
	Type EventType
	Text string
	Err  error
	At   time.Time
}

// Backend is the capability every transcription engine provides. Open is
// asynchronous: readiness or failure arrives on Events. The events channel is
// closed by Close.
type Backend interface {
	Kind() EngineKind
	Open(ctx context.Context) error
	Events() <-chan Event
	SendFrame(frame []byte) error
	RequestFinal(ctx context.Context) (string, error)
	Close() error
}

// ChunkTranscriber is implemented by engines that transcribe whole chunks
// instead of a live frame stream. Their SendFrame is a no-op.
type ChunkTranscriber interface {
	TranscribeChunk(ctx context.Context, chunk audio.Chunk) (string, error)
}

// Pauser is implemented by engines with a native pause primitive.
type Pauser interface {
	Pause() error
	Resume() error
}

// emitter owns an engine's event channel. Sends block until the consumer
// reads or the emitter is closed.
type emitter struct {
	mu     sync.Mutex
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	closed bool
}

func newEmitter() *emitter {
	return &emitter{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}
}

func (e *emitter) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	case <-e.done:
	}
}

func (e *emitter) events() <-chan Event { return e.ch }

func (e *emitter) close() {
	e.once.Do(func() {
		close(e.done)
		e.mu.Lock()
		e.closed = true
		close(e.ch)
		e.mu.Unlock()
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
