package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-dictation/internal/audio"
)

var ErrClosed = errors.New("chunk queue closed")

// Dispatcher transcribes one chunk. It is never called concurrently.
type Dispatcher func(ctx context.Context, c audio.Chunk) error

// Gate reports whether a chunk should be skipped as silent.
type Gate func(c audio.Chunk) bool

type Config struct {
	MinChunkBytes int
	ChunkTimeout  time.Duration
}

// Hooks receive processing notifications. Any of them may be nil and none
// may call back into the queue.
type Hooks struct {
	OnSkipped   func(c audio.Chunk)
	OnDiscarded func(n int)
	OnError     func(c audio.Chunk, err error)
}

// Queue is a FIFO of captured chunks drained by a single sequential processor.
type Queue struct {
	cfg      Config
	dispatch Dispatcher
	gate     Gate
	target   func() bool
	hooks    Hooks
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	items    []audio.Chunk
	closed   bool
	idle     chan struct{}
	inflight atomic.Bool
	wg       sync.WaitGroup

	stats    Stats
	statsMu  sync.Mutex
	counters counters
}

// Stats counts queue activity.
type Stats struct {
	Pushed     int64
	Dispatched int64
	Coalesced  int64
	Skipped    int64
	Discarded  int64
	Failed     int64
	Pending    int
	LastDone   time.Time
}

type counters struct {
	dispatched metric.Int64Counter
	skipped    metric.Int64Counter
	discarded  metric.Int64Counter
}

func New(parent context.Context, cfg Config, dispatch Dispatcher, log *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(parent)
	q := &Queue{
		cfg:      cfg,
		dispatch: dispatch,
		log:      log.With(slog.String("component", "queue")),
		ctx:      ctx,
		cancel:   cancel,
		idle:     make(chan struct{}),
	}
	close(q.idle)
	q.initMetrics()
	return q
}

func (q *Queue) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-dictation/queue")
	var err error
	if q.counters.dispatched, err = meter.Int64Counter("dictation_chunks_dispatched_total"); err != nil {
		q.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if q.counters.skipped, err = meter.Int64Counter("dictation_chunks_silent_total"); err != nil {
		q.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if q.counters.discarded, err = meter.Int64Counter("dictation_chunks_discarded_total"); err != nil {
		q.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
}

// SetGate installs the silence check applied to each chunk before dispatch.
func (q *Queue) SetGate(g Gate) { q.gate = g }

// SetTarget installs the capture-target check. Without a target the queue is
// discarded instead of buffered.
func (q *Queue) SetTarget(f func() bool) { q.target = f }

func (q *Queue) SetHooks(h Hooks) { q.hooks = h }

// Push appends a chunk and triggers processing.
func (q *Queue) Push(c audio.Chunk) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, c)
	q.mu.Unlock()

	q.statsMu.Lock()
	q.stats.Pushed++
	q.statsMu.Unlock()

	q.TryProcessNext()
	return nil
}

// TryProcessNext starts the processor unless a chunk is already in flight.
func (q *Queue) TryProcessNext() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if !q.inflight.CompareAndSwap(false, true) {
		return
	}
	q.idle = make(chan struct{})
	q.wg.Add(1)
	go q.run()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		q.drain()

		q.mu.Lock()
		if !q.closed && q.ctx.Err() == nil && q.readyLocked() {
			// Chunks arrived after drain returned; keep the flag and go again.
			q.mu.Unlock()
			continue
		}
		q.inflight.Store(false)
		close(q.idle)
		q.mu.Unlock()
		return
	}
}

// readyLocked reports whether the head can be dispatched right now.
func (q *Queue) readyLocked() bool {
	if len(q.items) == 0 {
		return false
	}
	if q.target != nil && !q.target() {
		return true
	}
	return len(q.items) > 1 || q.items[0].Len() >= q.cfg.MinChunkBytes
}

func (q *Queue) drain() {
	for {
		if q.ctx.Err() != nil {
			return
		}
		chunk, ok := q.next()
		if !ok {
			return
		}
		if q.gate != nil && q.gate(chunk) {
			q.statsMu.Lock()
			q.stats.Skipped++
			q.statsMu.Unlock()
			q.add(q.counters.skipped)
			if q.hooks.OnSkipped != nil {
				q.hooks.OnSkipped(chunk)
			}
			continue
		}
		q.process(chunk)
	}
}

// next pops the head chunk, coalescing undersized heads with later arrivals.
func (q *Queue) next() (audio.Chunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.target != nil && !q.target() {
		q.discardLocked()
		return audio.Chunk{}, false
	}
	for len(q.items) > 0 {
		head := q.items[0]
		if head.Len() >= q.cfg.MinChunkBytes {
			q.items = q.items[1:]
			return head, true
		}
		if len(q.items) < 2 {
			return audio.Chunk{}, false
		}
		merged, err := audio.Concat(head, q.items[1])
		if err != nil {
			q.log.Warn("chunk coalescing failed; dropping undersized head", slog.Uint64("sequence", head.Sequence), slogError(err))
			q.items = q.items[1:]
			q.countDiscarded(1)
			continue
		}
		q.items = append([]audio.Chunk{merged}, q.items[2:]...)
		q.statsMu.Lock()
		q.stats.Coalesced++
		q.statsMu.Unlock()
	}
	return audio.Chunk{}, false
}

func (q *Queue) discardLocked() {
	n := len(q.items)
	if n == 0 {
		return
	}
	q.items = nil
	q.countDiscarded(n)
	q.log.Debug("discarded queued chunks", slog.Int("count", n))
}

func (q *Queue) countDiscarded(n int) {
	q.statsMu.Lock()
	q.stats.Discarded += int64(n)
	q.statsMu.Unlock()
	if q.counters.discarded != nil {
		q.counters.discarded.Add(q.ctx, int64(n))
	}
	if q.hooks.OnDiscarded != nil {
		q.hooks.OnDiscarded(n)
	}
}

func (q *Queue) process(chunk audio.Chunk) {
	ctx := q.ctx
	if q.cfg.ChunkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(q.ctx, q.cfg.ChunkTimeout)
		defer cancel()
	}
	ctx, span := otel.Tracer("github.com/loqalabs/loqa-dictation/queue").Start(ctx, "queue.dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int64("chunk.sequence", int64(chunk.Sequence)), attribute.Int("chunk.bytes", chunk.Len())))
	defer span.End()

	err := q.dispatch(ctx, chunk)

	q.statsMu.Lock()
	q.stats.Dispatched++
	q.stats.LastDone = time.Now()
	if err != nil {
		q.stats.Failed++
	}
	q.statsMu.Unlock()
	q.add(q.counters.dispatched)

	if err != nil {
		span.RecordError(err)
		q.log.Warn("chunk dispatch failed", slog.Uint64("sequence", chunk.Sequence), slogError(err))
		if q.hooks.OnError != nil {
			q.hooks.OnError(chunk, err)
		}
	}
}

func (q *Queue) add(c metric.Int64Counter) {
	if c != nil {
		c.Add(q.ctx, 1)
	}
}

// Drain waits until every dispatchable chunk has been processed. An undersized
// tail chunk that never received a follow-up is discarded.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		idle := q.idle
		q.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
		q.mu.Lock()
		pending := q.readyLocked()
		q.mu.Unlock()
		if !pending || q.ctx.Err() != nil {
			break
		}
		q.TryProcessNext()
	}
	q.mu.Lock()
	q.discardLocked()
	q.mu.Unlock()
	return nil
}

// Close stops the processor and rejects further pushes. An in-flight dispatch
// has its context cancelled.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) Stats() Stats {
	q.statsMu.Lock()
	s := q.stats
	q.statsMu.Unlock()
	q.mu.Lock()
	s.Pending = len(q.items)
	q.mu.Unlock()
	return s
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
