package failover

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	mu       sync.Mutex
	engines  []stt.EngineKind
	finals   []string
	partials []string
	warnings []error
	fatal    error
	states   []State
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnState: func(_, to State) {
			r.mu.Lock()
			r.states = append(r.states, to)
			r.mu.Unlock()
		},
		OnEngine: func(kind stt.EngineKind) {
			r.mu.Lock()
			r.engines = append(r.engines, kind)
			r.mu.Unlock()
		},
		OnPartial: func(text string) {
			r.mu.Lock()
			r.partials = append(r.partials, text)
			r.mu.Unlock()
		},
		OnFinal: func(text string) {
			r.mu.Lock()
			r.finals = append(r.finals, text)
			r.mu.Unlock()
		},
		OnWarning: func(err error) {
			r.mu.Lock()
			r.warnings = append(r.warnings, err)
			r.mu.Unlock()
		},
		OnFatal: func(err error) {
			r.mu.Lock()
			r.fatal = err
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		engines:  append([]stt.EngineKind(nil), r.engines...),
		finals:   append([]string(nil), r.finals...),
		partials: append([]string(nil), r.partials...),
		warnings: append([]error(nil), r.warnings...),
		fatal:    r.fatal,
		states:   append([]State(nil), r.states...),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// engines registers mock builders and remembers every instance built.
type engines struct {
	mu    sync.Mutex
	built map[stt.EngineKind][]stt.Backend
}

func (e *engines) register(f *stt.Factory, kind stt.EngineKind, build func() stt.Backend) {
	f.Register(kind, func() (stt.Backend, error) {
		b := build()
		e.mu.Lock()
		if e.built == nil {
			e.built = make(map[stt.EngineKind][]stt.Backend)
		}
		e.built[kind] = append(e.built[kind], b)
		e.mu.Unlock()
		return b, nil
	})
}

func (e *engines) count(kind stt.EngineKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.built[kind])
}

func (e *engines) first(kind stt.EngineKind) stt.Backend {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.built[kind]) == 0 {
		return nil
	}
	return e.built[kind][0]
}

func baseConfig() Config {
	return Config{
		Preferred:       stt.KindStreaming,
		Fallback:        stt.KindLocal,
		ConnectTimeout:  30 * time.Millisecond,
		FinalizeTimeout: 200 * time.Millisecond,
	}
}

func TestPreferredEngineBecomesActive(t *testing.T) {
	f := stt.NewFactory()
	var e engines
	e.register(f, stt.KindStreaming, func() stt.Backend {
		return stt.NewMockEngine(stt.KindStreaming, stt.MockOptions{Final: "tail words"})
	})
	e.register(f, stt.KindLocal, func() stt.Backend { return stt.NewMockChunkEngine(stt.KindLocal, stt.MockOptions{}, nil) })

	rec := &recorder{}
	c := New(baseConfig(), f, rec.hooks(), newLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "active", func() bool { return c.State() == StateActive })

	preferred := e.first(stt.KindStreaming).(*stt.MockEngine)
	c.SendFrame([]byte{1, 2})
	if preferred.Frames() != 1 {
		t.Fatalf("expected frame forwarded, got %d", preferred.Frames())
	}
	preferred.Emit(stt.Event{Type: stt.EventPartial, Text: "hel"})
	preferred.Emit(stt.Event{Type: stt.EventFinal, Text: "hello"})
	waitFor(t, "final delivered", func() bool { return len(rec.snapshot().finals) == 1 })

	time.Sleep(50 * time.Millisecond)
	if e.count(stt.KindLocal) != 0 {
		t.Fatal("fallback built although preferred engine was ready")
	}

	tail, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if tail != "tail words" {
		t.Fatalf("unexpected tail %q", tail)
	}
	if c.State() != StateDone {
		t.Fatalf("expected done, got %s", c.State())
	}
	snap := rec.snapshot()
	if len(snap.finals) != 2 || snap.finals[0] != "hello" || snap.finals[1] != "tail words" {
		t.Fatalf("finals out of order: %v", snap.finals)
	}
	if !preferred.Closed() {
		t.Fatal("engine not closed on stop")
	}
}

func TestFallbackOnConnectionTimeout(t *testing.T) {
	f := stt.NewFactory()
	var e engines
	e.register(f, stt.KindStreaming, func() stt.Backend {
		return stt.NewMockEngine(stt.KindStreaming, stt.MockOptions{NeverReady: true})
	})
	e.register(f, stt.KindLocal, func() stt.Backend { return stt.NewMockChunkEngine(stt.KindLocal, stt.MockOptions{}, nil) })

	rec := &recorder{}
	c := New(baseConfig(), f, rec.hooks(), newLogger())
	started := time.Now()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "fallback opened", func() bool { return e.count(stt.KindLocal) == 1 })
	if elapsed := time.Since(started); elapsed > 30*time.Millisecond+time.Second {
		t.Fatalf("fallback opened too late: %v", elapsed)
	}
	waitFor(t, "active on fallback", func() bool { return c.State() == StateActive })

	if c.ActiveEngine() != stt.KindLocal || c.DisplayEngine() != stt.KindLocal {
		t.Fatalf("expected local engine, got active=%s display=%s", c.ActiveEngine(), c.DisplayEngine())
	}
	if !c.FellBack() {
		t.Fatal("expected fell back")
	}
	preferred := e.first(stt.KindStreaming).(*stt.MockEngine)
	waitFor(t, "preferred closed", preferred.Closed)

	snap := rec.snapshot()
	if len(snap.warnings) != 1 || !errors.Is(snap.warnings[0], ErrConnectionTimeout) {
		t.Fatalf("expected one timeout warning, got %v", snap.warnings)
	}
	if snap.fatal != nil {
		t.Fatalf("fallback must not be fatal: %v", snap.fatal)
	}
	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestFallbackOnErrorEvent(t *testing.T) {
	f := stt.NewFactory()
	var e engines
	e.register(f, stt.KindStreaming, func() stt.Backend {
		return stt.NewMockEngine(stt.KindStreaming, stt.MockOptions{OpenError: errors.New("handshake refused")})
	})
	e.register(f, stt.KindLocal, func() stt.Backend { return stt.NewMockChunkEngine(stt.KindLocal, stt.MockOptions{}, nil) })

	c := New(baseConfig(), f, Hooks{}, newLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "active on fallback", func() bool { return c.State() == StateActive && c.ActiveEngine() == stt.KindLocal })
	c.Abort()
}

func TestFallsBackAtMostOnce(t *testing.T) {
	f := stt.NewFactory()
	var e engines
	e.register(f, stt.KindStreaming, func() stt.Backend {
		return stt.NewMockEngine(stt.KindStreaming, stt.MockOptions{NeverReady: true})
	})
	e.register(f, stt.KindLocal, func() stt.Backend { return stt.NewMockChunkEngine(stt.KindLocal, stt.MockOptions{}, nil) })
	e.register(f, stt.KindBatch, func() stt.Backend { return stt.NewMockChunkEngine(stt.KindBatch, stt.MockOptions{}, nil) })

	rec := &recorder{}
	c := New(baseConfig(), f, rec.hooks(), newLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "active on fallback", func() bool { return c.State() == StateActive })

	fallback := e.first(stt.KindLocal).(*stt.MockChunkEngine)
	fallback.Emit(stt.Event{Type: stt.EventError, Err: errors.New("model crashed")})

	waitFor(t, "fatal", func() bool { return rec.snapshot().fatal != nil })
	if c.State() != StateIdle {
		t.Fatalf("expected idle after fatal, got %s", c.State())
	}
	if e.count(stt.KindStreaming) != 1 || e.count(stt.KindBatch) != 0 {
		t.Fatalf("unexpected engine builds: streaming=%d batch=%d", e.count(stt.KindStreaming), e.count(stt.KindBatch))
	}
	snap := rec.snapshot()
	if len(snap.engines) != 2 || snap.engines[0] != stt.KindStreaming || snap.engines[1] != stt.KindLocal {
		t.Fatalf("engine must change at most once: %v", snap.engines)
	}
	if c.ActiveEngine() != stt.KindLocal {
		t.Fatalf("active engine reverted to %s", c.ActiveEngine())
	}
	waitFor(t, "fallback closed", fallback.Closed)
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("controller must not be reused")
	}
}

func TestPreferredUnavailableUsesFallbackDirectly(t *testing.T) {
	f := stt.NewFactory()
	var e engines
	e.register(f, stt.KindBatch, func() stt.Backend { return stt.NewMockChunkEngine(stt.KindBatch, stt.MockOptions{}, nil) })

	c := New(baseConfig(), f, Hooks{}, newLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "active", func() bool { return c.State() == StateActive })
	if c.ActiveEngine() != stt.KindBatch {
		t.Fatalf("expected batch when local is unsupported, got %s", c.ActiveEngine())
	}
	c.Abort()
}

func TestNoEngineIsFatal(t *testing.T) {
	rec := &recorder{}
	c := New(baseConfig(), stt.NewFactory(), rec.hooks(), newLogger())
	if err := c.Start(context.Background()); !errors.Is(err, ErrNoEngine) {
		t.Fatalf("expected ErrNoEngine, got %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}
}

func TestRepeatedChunkFailuresTriggerFallback(t *testing.T) {
	f := stt.NewFactory()
	var e engines
	e.register(f, stt.KindLocal, func() stt.Backend {
		return stt.NewMockChunkEngine(stt.KindLocal, stt.MockOptions{}, func(audio.Chunk) (string, error) {
			return "", errors.New("decoder error")
		})
	})
	e.register(f, stt.KindBatch, func() stt.Backend {
		return stt.NewMockChunkEngine(stt.KindBatch, stt.MockOptions{}, func(c audio.Chunk) (string, error) {
			return "recovered", nil
		})
	})

	cfg := baseConfig()
	cfg.Preferred = stt.KindLocal
	cfg.Fallback = stt.KindBatch
	cfg.MaxChunkFailures = 3
	rec := &recorder{}
	c := New(cfg, f, rec.hooks(), newLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.TranscribeChunk(ctx, audio.Chunk{Sequence: uint64(i)}); err == nil {
			t.Fatalf("chunk %d: expected error", i)
		}
	}
	if c.ActiveEngine() != stt.KindBatch {
		t.Fatalf("expected batch after repeated failures, got %s", c.ActiveEngine())
	}
	text, err := c.TranscribeChunk(ctx, audio.Chunk{Sequence: 3})
	if err != nil || text != "recovered" {
		t.Fatalf("fallback transcription: %q %v", text, err)
	}
	if got := rec.snapshot().finals; len(got) != 1 || got[0] != "recovered" {
		t.Fatalf("expected chunk result delivered once, got %v", got)
	}
	c.Abort()
}

func TestStopWhileConnectingCancelsTimer(t *testing.T) {
	f := stt.NewFactory()
	var e engines
	e.register(f, stt.KindStreaming, func() stt.Backend {
		return stt.NewMockEngine(stt.KindStreaming, stt.MockOptions{NeverReady: true})
	})
	e.register(f, stt.KindLocal, func() stt.Backend { return stt.NewMockChunkEngine(stt.KindLocal, stt.MockOptions{}, nil) })

	c := New(baseConfig(), f, Hooks{}, newLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.BeginStop(); err != nil {
		t.Fatalf("begin stop: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if e.count(stt.KindLocal) != 0 {
		t.Fatal("connection timer fired after stop")
	}
	if _, err := c.Complete(context.Background()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if c.State() != StateDone {
		t.Fatalf("expected done, got %s", c.State())
	}
}

func TestPauseRequiresActive(t *testing.T) {
	f := stt.NewFactory()
	var e engines
	e.register(f, stt.KindStreaming, func() stt.Backend {
		return stt.NewMockEngine(stt.KindStreaming, stt.MockOptions{NeverReady: true})
	})
	c := New(Config{Preferred: stt.KindStreaming, ConnectTimeout: time.Second}, f, Hooks{}, newLogger())
	if err := c.Pause(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pause from idle: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Pause(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pause while connecting: %v", err)
	}
	c.Abort()
}

func TestPausedDropsFrames(t *testing.T) {
	f := stt.NewFactory()
	var e engines
	e.register(f, stt.KindStreaming, func() stt.Backend {
		return stt.NewMockEngine(stt.KindStreaming, stt.MockOptions{})
	})
	c := New(baseConfig(), f, Hooks{}, newLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "active", func() bool { return c.State() == StateActive })
	if err := c.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	c.SendFrame([]byte{1})
	engine := e.first(stt.KindStreaming).(*stt.MockEngine)
	if engine.Frames() != 0 {
		t.Fatal("frame forwarded while paused")
	}
	if err := c.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	c.SendFrame([]byte{1})
	if engine.Frames() != 1 {
		t.Fatal("frame not forwarded after resume")
	}
	c.Abort()
}
