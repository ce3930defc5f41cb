package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/stt"
)

var (
	ErrConnectionTimeout = errors.New("engine connection timed out")
	ErrInvalidTransition = errors.New("invalid engine state transition")
	ErrNoEngine          = errors.New("no transcription engine available")
	ErrNotRunning        = errors.New("engine controller not running")
)

// EngineFactory builds backends by kind.
type EngineFactory interface {
	New(kind stt.EngineKind) (stt.Backend, error)
	Available(kind stt.EngineKind) bool
}

type Config struct {
	Preferred       stt.EngineKind
	Fallback        stt.EngineKind
	ConnectTimeout  time.Duration
	FinalizeTimeout time.Duration
	// MaxChunkFailures consecutive chunk errors count as a backend failure.
	MaxChunkFailures int
}

// Hooks are invoked outside the controller lock, in event order per engine.
type Hooks struct {
	OnState   func(from, to State)
	OnEngine  func(kind stt.EngineKind)
	OnPartial func(text string)
	OnFinal   func(text string)
	OnWarning func(err error)
	OnFatal   func(err error)
}

// Info is a diagnostic snapshot.
type Info struct {
	State         State                          `json:"state"`
	ActiveEngine  stt.EngineKind                 `json:"active_engine,omitempty"`
	DisplayEngine stt.EngineKind                 `json:"display_engine,omitempty"`
	FellBack      bool                           `json:"fell_back"`
	ChunkFailures int                            `json:"chunk_failures"`
	LastError     string                         `json:"last_error,omitempty"`
	Engines       map[stt.EngineKind]EngineState `json:"engines"`
}

// Controller owns the engine lifecycle for one session: it opens the
// preferred engine, arms the connection timer, and falls back at most once.
type Controller struct {
	cfg     Config
	factory EngineFactory
	log     *slog.Logger
	hooks   Hooks
	clock   func() time.Time

	mu            sync.Mutex
	started       bool
	state         State
	active        stt.Backend
	activeKind    stt.EngineKind
	fellBack      bool
	timer         *time.Timer
	engines       map[stt.EngineKind]EngineState
	chunkFailures int
	lastErr       error
	ctx           context.Context
	cancel        context.CancelFunc
	ready         chan struct{}
	readyClosed   bool
	pending       []func()

	fwd sync.WaitGroup

	fallbacks metric.Int64Counter
	fatals    metric.Int64Counter
}

func New(cfg Config, factory EngineFactory, hooks Hooks, log *slog.Logger) *Controller {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 4 * time.Second
	}
	if cfg.MaxChunkFailures <= 0 {
		cfg.MaxChunkFailures = 3
	}
	c := &Controller{
		cfg:     cfg,
		factory: factory,
		log:     log.With(slog.String("component", "failover")),
		hooks:   hooks,
		clock:   time.Now,
		state:   StateIdle,
		engines: make(map[stt.EngineKind]EngineState),
		ready:   make(chan struct{}),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-dictation/failover")
	var err error
	if c.fallbacks, err = meter.Int64Counter("dictation_engine_fallbacks_total"); err != nil {
		c.log.Warn("failed to create metric", slogError(err))
	}
	if c.fatals, err = meter.Int64Counter("dictation_engine_fatal_total"); err != nil {
		c.log.Warn("failed to create metric", slogError(err))
	}
	return c
}

// unlock releases the lock and then runs deferred hook and teardown calls.
func (c *Controller) unlock() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (c *Controller) later(fn func()) {
	c.pending = append(c.pending, fn)
}

func (c *Controller) transitionLocked(to State) error {
	from := c.state
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	c.state = to
	c.log.Debug("state transition", slog.String("from", string(from)), slog.String("to", string(to)))
	if h := c.hooks.OnState; h != nil {
		c.later(func() { h(from, to) })
	}
	return nil
}

func (c *Controller) setEngineLocked(kind stt.EngineKind, phase EnginePhase, reason string) {
	c.engines[kind] = EngineState{Phase: phase, Since: c.clock(), Reason: reason}
}

func (c *Controller) releaseReadyLocked() {
	if !c.readyClosed {
		c.readyClosed = true
		close(c.ready)
	}
}

// Start moves Idle -> Connecting and opens the preferred engine, or the
// fallback directly when the preferred kind is not available.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.unlock()
	if c.started {
		return fmt.Errorf("%w: controller already used", ErrInvalidTransition)
	}
	if err := c.transitionLocked(StateConnecting); err != nil {
		return err
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)

	kind := c.cfg.Preferred
	if !c.factory.Available(kind) {
		kind = c.fallbackKindLocked()
		if kind == "" {
			c.fatalLocked(ErrNoEngine)
			return ErrNoEngine
		}
		c.fellBack = true
		c.log.Info("preferred engine unavailable; using fallback",
			slog.String("preferred", string(c.cfg.Preferred)), slog.String("engine", string(kind)))
	}
	if err := c.openLocked(kind); err != nil {
		c.failLocked(kind, err)
		if c.state == StateIdle {
			return c.lastErr
		}
	}
	return nil
}

func (c *Controller) fallbackKindLocked() stt.EngineKind {
	if c.cfg.Fallback != "" && c.cfg.Fallback != c.cfg.Preferred && c.factory.Available(c.cfg.Fallback) {
		return c.cfg.Fallback
	}
	if c.cfg.Preferred != stt.KindBatch && c.factory.Available(stt.KindBatch) {
		return stt.KindBatch
	}
	return ""
}

func (c *Controller) openLocked(kind stt.EngineKind) error {
	b, err := c.factory.New(kind)
	if err != nil {
		return err
	}
	c.active = b
	c.activeKind = kind
	c.setEngineLocked(kind, PhaseConnecting, "")
	if h := c.hooks.OnEngine; h != nil {
		c.later(func() { h(kind) })
	}

	c.fwd.Add(1)
	go c.forward(b)

	if err := b.Open(c.ctx); err != nil {
		return err
	}
	if c.state == StateConnecting {
		c.timer = time.AfterFunc(c.cfg.ConnectTimeout, func() { c.onTimeout(b) })
	}
	c.log.Info("engine opening", slog.String("engine", string(kind)))
	return nil
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) closeLater(b stt.Backend) {
	if b == nil {
		return
	}
	c.later(func() {
		if err := b.Close(); err != nil {
			c.log.Debug("engine close failed", slog.String("engine", string(b.Kind())), slogError(err))
		}
	})
}

func (c *Controller) forward(b stt.Backend) {
	defer c.fwd.Done()
	for ev := range b.Events() {
		c.handleEvent(b, ev)
	}
}

func (c *Controller) handleEvent(b stt.Backend, ev stt.Event) {
	c.mu.Lock()
	defer c.unlock()
	if b != c.active {
		c.log.Debug("ignoring event from inactive engine", slog.String("engine", string(b.Kind())), slog.String("event", ev.Type.String()))
		return
	}
	switch ev.Type {
	case stt.EventReady:
		c.setEngineLocked(c.activeKind, PhaseActive, "")
		if c.state == StateConnecting {
			c.stopTimerLocked()
			_ = c.transitionLocked(StateActive)
			c.releaseReadyLocked()
			c.log.Info("engine ready", slog.String("engine", string(c.activeKind)), slog.Bool("fallback", c.fellBack))
		}
	case stt.EventPartial:
		if h := c.hooks.OnPartial; h != nil && c.state.Running() {
			text := ev.Text
			c.later(func() { h(text) })
		}
	case stt.EventFinal:
		if h := c.hooks.OnFinal; h != nil && c.state.Running() {
			text := ev.Text
			c.later(func() { h(text) })
		}
	case stt.EventError:
		err := ev.Err
		if err == nil {
			err = stt.ErrBackend
		}
		c.failLocked(c.activeKind, err)
	}
}

func (c *Controller) onTimeout(b stt.Backend) {
	c.mu.Lock()
	defer c.unlock()
	if b != c.active || c.state != StateConnecting {
		return
	}
	c.timer = nil
	c.failLocked(c.activeKind, fmt.Errorf("%w after %s", ErrConnectionTimeout, c.cfg.ConnectTimeout))
}

// failLocked handles a failure of the authoritative engine: one fallback if
// still allowed, otherwise a fatal error.
func (c *Controller) failLocked(kind stt.EngineKind, cause error) {
	c.lastErr = cause
	c.setEngineLocked(kind, PhaseFailed, cause.Error())

	switch c.state {
	case StateConnecting, StateActive, StatePaused:
	case StateFinalizing:
		c.log.Warn("engine failed while finalizing", slog.String("engine", string(kind)), slogError(cause))
		if h := c.hooks.OnWarning; h != nil {
			c.later(func() { h(cause) })
		}
		return
	default:
		return
	}

	c.stopTimerLocked()
	if c.fellBack {
		c.fatalLocked(cause)
		return
	}
	next := c.fallbackKindLocked()
	if next == "" {
		c.fatalLocked(cause)
		return
	}

	c.fellBack = true
	c.chunkFailures = 0
	if c.active != nil {
		c.closeLater(c.active)
		c.active = nil
	}
	c.log.Warn("switching to fallback engine",
		slog.String("from", string(kind)), slog.String("to", string(next)), slogError(cause))
	if c.fallbacks != nil {
		c.fallbacks.Add(c.ctx, 1, metric.WithAttributes(
			attribute.String("from", string(kind)), attribute.String("to", string(next))))
	}
	warning := fmt.Errorf("using %s transcription: %w", next, cause)
	if h := c.hooks.OnWarning; h != nil {
		c.later(func() { h(warning) })
	}

	if err := c.openLocked(next); err != nil {
		c.lastErr = err
		c.setEngineLocked(next, PhaseFailed, err.Error())
		if c.active != nil {
			c.closeLater(c.active)
			c.active = nil
		}
		c.fatalLocked(err)
	}
}

// fatalLocked tears everything down: Error, then back to Idle.
func (c *Controller) fatalLocked(cause error) {
	c.lastErr = cause
	c.stopTimerLocked()
	if c.active != nil {
		c.closeLater(c.active)
		c.active = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.releaseReadyLocked()
	_ = c.transitionLocked(StateError)
	_ = c.transitionLocked(StateIdle)
	c.log.Error("transcription failed", slogError(cause))
	if c.fatals != nil {
		c.fatals.Add(context.Background(), 1)
	}
	if h := c.hooks.OnFatal; h != nil {
		c.later(func() { h(cause) })
	}
}

// Ready is closed once an engine is active or the controller stops connecting.
func (c *Controller) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// SendFrame forwards a live frame to the active engine while Active.
func (c *Controller) SendFrame(frame []byte) {
	c.mu.Lock()
	b := c.active
	st := c.state
	c.mu.Unlock()
	if b == nil || st != StateActive {
		return
	}
	if err := b.SendFrame(frame); err != nil && !errors.Is(err, stt.ErrNotOpen) {
		c.log.Debug("send frame failed", slog.String("engine", string(b.Kind())), slogError(err))
	}
}

// TranscribeChunk hands a chunk to a chunk-based engine. Streaming engines
// take frames instead, so the chunk is acknowledged with an empty result.
// Results are delivered through OnFinal as well as returned.
func (c *Controller) TranscribeChunk(ctx context.Context, chunk audio.Chunk) (string, error) {
	select {
	case <-c.Ready():
	case <-ctx.Done():
		return "", ctx.Err()
	}

	c.mu.Lock()
	b := c.active
	st := c.state
	c.mu.Unlock()
	if b == nil || !st.Running() {
		return "", ErrNotRunning
	}
	t, ok := b.(stt.ChunkTranscriber)
	if !ok {
		return "", nil
	}

	text, err := t.TranscribeChunk(ctx, chunk)

	c.mu.Lock()
	defer c.unlock()
	if b != c.active {
		return "", err
	}
	if err != nil {
		c.chunkFailures++
		if c.chunkFailures >= c.cfg.MaxChunkFailures {
			c.failLocked(c.activeKind, fmt.Errorf("%w: %d consecutive chunk failures: %v", stt.ErrBackend, c.chunkFailures, err))
		} else {
			c.setEngineLocked(c.activeKind, PhaseDegraded, err.Error())
		}
		return "", err
	}
	if c.chunkFailures > 0 {
		c.chunkFailures = 0
		c.setEngineLocked(c.activeKind, PhaseActive, "")
	}
	if text != "" {
		if h := c.hooks.OnFinal; h != nil {
			c.later(func() { h(text) })
		}
	}
	return text, nil
}

// Pause is legal from Active; pausing while paused is a no-op.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.unlock()
	if c.state == StatePaused {
		return nil
	}
	if err := c.transitionLocked(StatePaused); err != nil {
		return err
	}
	if p, ok := c.active.(stt.Pauser); ok {
		if err := p.Pause(); err != nil {
			c.log.Warn("engine pause failed", slogError(err))
		}
	}
	return nil
}

func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.unlock()
	if c.state == StateActive {
		return nil
	}
	if err := c.transitionLocked(StateActive); err != nil {
		return err
	}
	if p, ok := c.active.(stt.Pauser); ok {
		if err := p.Resume(); err != nil {
			c.log.Warn("engine resume failed", slogError(err))
		}
	}
	return nil
}

// BeginStop enters Finalizing and cancels a pending connection timer. Chunk
// transcription keeps working until Complete.
func (c *Controller) BeginStop() error {
	c.mu.Lock()
	defer c.unlock()
	if err := c.transitionLocked(StateFinalizing); err != nil {
		return err
	}
	c.stopTimerLocked()
	c.releaseReadyLocked()
	return nil
}

// Complete requests the final flush from the active engine, bounded by the
// finalize timeout, tears it down, and returns Finalizing -> Done. The
// flushed text is delivered through OnFinal after every earlier event.
func (c *Controller) Complete(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.state != StateFinalizing {
		st := c.state
		c.mu.Unlock()
		return "", fmt.Errorf("%w: complete from %s", ErrInvalidTransition, st)
	}
	b := c.active
	c.mu.Unlock()

	var tail string
	if b != nil {
		fctx, cancel := context.WithTimeout(ctx, c.cfg.FinalizeTimeout)
		var err error
		tail, err = b.RequestFinal(fctx)
		cancel()
		if err != nil {
			c.log.Warn("final flush incomplete", slog.String("engine", string(b.Kind())), slogError(err))
			if h := c.hooks.OnWarning; h != nil {
				h(fmt.Errorf("final results incomplete: %w", err))
			}
		}
		if err := b.Close(); err != nil {
			c.log.Debug("engine close failed", slogError(err))
		}
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.fwd.Wait()

	if tail != "" {
		if h := c.hooks.OnFinal; h != nil {
			h(tail)
		}
	}

	c.mu.Lock()
	defer c.unlock()
	c.active = nil
	if err := c.transitionLocked(StateDone); err != nil {
		return tail, err
	}
	c.log.Info("engine finalized", slog.String("engine", string(c.activeKind)), slog.Bool("fallback", c.fellBack))
	return tail, nil
}

// Stop runs BeginStop and Complete.
func (c *Controller) Stop(ctx context.Context) (string, error) {
	if err := c.BeginStop(); err != nil {
		return "", err
	}
	return c.Complete(ctx)
}

// Abort tears down without flushing and returns to Idle. Hooks other than
// OnState are not invoked. It must not be called from a hook.
func (c *Controller) Abort() {
	c.mu.Lock()
	if !c.state.Running() {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	c.closeLater(c.active)
	c.active = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.releaseReadyLocked()
	_ = c.transitionLocked(StateError)
	_ = c.transitionLocked(StateIdle)
	c.unlock()
	c.fwd.Wait()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveEngine is the authoritative engine kind, empty before Start.
func (c *Controller) ActiveEngine() stt.EngineKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeKind
}

// DisplayEngine picks the highest-priority live engine for presentation.
func (c *Controller) DisplayEngine() stt.EngineKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayLocked()
}

func (c *Controller) displayLocked() stt.EngineKind {
	var best stt.EngineKind
	for kind, st := range c.engines {
		if !st.live() {
			continue
		}
		if best == "" || kind.Priority() < best.Priority() {
			best = kind
		}
	}
	if best == "" {
		return c.activeKind
	}
	return best
}

func (c *Controller) FellBack() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fellBack
}

func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{
		State:         c.state,
		ActiveEngine:  c.activeKind,
		DisplayEngine: c.displayLocked(),
		FellBack:      c.fellBack,
		ChunkFailures: c.chunkFailures,
		Engines:       make(map[stt.EngineKind]EngineState, len(c.engines)),
	}
	if c.lastErr != nil {
		info.LastError = c.lastErr.Error()
	}
	for k, v := range c.engines {
		info.Engines[k] = v
	}
	return info
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
