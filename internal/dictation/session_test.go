package dictation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/failover"
	"github.com/loqalabs/loqa-dictation/internal/jobs"
	"github.com/loqalabs/loqa-dictation/internal/notes"
	"github.com/loqalabs/loqa-dictation/internal/queue"
	"github.com/loqalabs/loqa-dictation/internal/reconcile"
	"github.com/loqalabs/loqa-dictation/internal/silence"
	"github.com/loqalabs/loqa-dictation/internal/store"
	"github.com/loqalabs/loqa-dictation/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeMic produces 10ms buffers of a square wave, or zeros when silent.
type fakeMic struct {
	silent  bool
	openErr error
	closed  atomic.Bool
}

func (m *fakeMic) Open(context.Context) error { return m.openErr }

func (m *fakeMic) Read() ([]int16, error) {
	time.Sleep(2 * time.Millisecond)
	samples := make([]int16, 160)
	if !m.silent {
		for i := range samples {
			if i%20 < 10 {
				samples[i] = 8000
			} else {
				samples[i] = -8000
			}
		}
	}
	return samples, nil
}

func (m *fakeMic) Close() error {
	m.closed.Store(true)
	return nil
}

func testConfig() Config {
	return Config{
		JobName: "test-job",
		Engines: failover.Config{
			Preferred:       stt.KindLocal,
			ConnectTimeout:  200 * time.Millisecond,
			FinalizeTimeout: 200 * time.Millisecond,
		},
		Capture: audio.CaptureConfig{
			SampleRate:    16000,
			Channels:      1,
			ChunkInterval: 20 * time.Millisecond,
			Encoding:      audio.EncodingWAV,
		},
		Queue:            queue.Config{MinChunkBytes: 1, ChunkTimeout: time.Second},
		DebounceDelay:    5 * time.Millisecond,
		RecorderMaxBytes: 1 << 20,
	}
}

func micDeps(mic *fakeMic, factory *stt.Factory) Deps {
	return Deps{
		Factory: factory,
		Device:  func() (audio.Device, error) { return mic, nil },
	}
}

func chunkFactory(kind stt.EngineKind, opts stt.MockOptions, text string) (*stt.Factory, *atomic.Pointer[stt.MockChunkEngine]) {
	var last atomic.Pointer[stt.MockChunkEngine]
	f := stt.NewFactory()
	f.Register(kind, func() (stt.Backend, error) {
		e := stt.NewMockChunkEngine(kind, opts, func(audio.Chunk) (string, error) { return text, nil })
		last.Store(e)
		return e, nil
	})
	return f, &last
}

func newSession(t *testing.T, cfg Config, deps Deps) *Session {
	t.Helper()
	s := New(cfg, deps, newLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stopSession(t *testing.T, s *Session) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	text, err := s.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	return text
}

func TestSessionRecordsAndStops(t *testing.T) {
	mic := &fakeMic{}
	factory, engine := chunkFactory(stt.KindLocal, stt.MockOptions{Final: "tail"}, "hello")
	s := newSession(t, testConfig(), micDeps(mic, factory))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "recording", func() bool { return s.Status().State == StateRecording })
	waitFor(t, "first segment", func() bool { return s.Transcript() != "" })

	st := s.Status()
	if st.ActiveEngine != stt.KindLocal || st.FellBack {
		t.Fatalf("unexpected engine status %+v", st)
	}

	text := stopSession(t, s)
	if !strings.HasPrefix(text, "hello") || !strings.HasSuffix(text, "tail") {
		t.Fatalf("unexpected transcript %q", text)
	}
	if s.Status().State != StateIdle {
		t.Fatalf("expected idle after stop, got %s", s.Status().State)
	}
	if !mic.closed.Load() {
		t.Fatal("microphone not released")
	}
	if e := engine.Load(); e == nil || !e.Closed() || e.FinalRequests() != 1 {
		t.Fatal("engine not finalized")
	}
	if len(engine.Load().Sequences()) == 0 {
		t.Fatal("expected chunks to be transcribed")
	}
}

func TestSecondSessionIsRejected(t *testing.T) {
	factory, _ := chunkFactory(stt.KindLocal, stt.MockOptions{}, "x")
	first := newSession(t, testConfig(), micDeps(&fakeMic{}, factory))
	second := newSession(t, testConfig(), micDeps(&fakeMic{}, factory))

	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := second.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	if err := first.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive on double start, got %v", err)
	}
	stopSession(t, first)
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("start after release: %v", err)
	}
	stopSession(t, second)
}

func TestPermissionDeniedReturnsToIdle(t *testing.T) {
	factory, engine := chunkFactory(stt.KindLocal, stt.MockOptions{}, "x")
	s := newSession(t, testConfig(), micDeps(&fakeMic{openErr: errors.New("denied by user")}, factory))

	err := s.Start(context.Background())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	st := s.Status()
	if st.State != StateIdle || st.LastError == "" {
		t.Fatalf("unexpected status %+v", st)
	}
	if engine.Load() != nil {
		t.Fatal("engine opened without microphone")
	}

	other := newSession(t, testConfig(), micDeps(&fakeMic{}, factory))
	if err := other.Start(context.Background()); err != nil {
		t.Fatalf("guard not released: %v", err)
	}
	stopSession(t, other)
}

// slowMic holds Open until the caller gives up.
type slowMic struct {
	fakeMic
	opening chan struct{}
}

func (m *slowMic) Open(ctx context.Context) error {
	close(m.opening)
	<-ctx.Done()
	return ctx.Err()
}

func TestStopWhileAwaitingMicrophone(t *testing.T) {
	factory, engine := chunkFactory(stt.KindLocal, stt.MockOptions{}, "x")
	mic := &slowMic{opening: make(chan struct{})}
	s := newSession(t, testConfig(), Deps{
		Factory: factory,
		Device:  func() (audio.Device, error) { return mic, nil },
	})

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background()) }()
	select {
	case <-mic.opening:
	case <-time.After(2 * time.Second):
		t.Fatal("microphone never requested")
	}
	if st := s.Status().State; st != StateConnecting {
		t.Fatalf("expected connecting, got %s", st)
	}

	text, err := s.Stop(context.Background())
	if err != nil || text != "" {
		t.Fatalf("stop during permission wait: %q, %v", text, err)
	}
	select {
	case err := <-started:
		if !errors.Is(err, ErrStartCancelled) {
			t.Fatalf("expected ErrStartCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}
	st := s.Status()
	if st.State != StateIdle || st.LastError != "" {
		t.Fatalf("unexpected status %+v", st)
	}
	if engine.Load() != nil {
		t.Fatal("engine opened for a cancelled start")
	}

	other := newSession(t, testConfig(), micDeps(&fakeMic{}, factory))
	if err := other.Start(context.Background()); err != nil {
		t.Fatalf("guard not released: %v", err)
	}
	stopSession(t, other)
}

func TestStopFlushesPartialChunk(t *testing.T) {
	cfg := testConfig()
	cfg.Capture.ChunkInterval = 10 * time.Second
	factory, engine := chunkFactory(stt.KindLocal, stt.MockOptions{}, "tail words")
	s := newSession(t, cfg, micDeps(&fakeMic{}, factory))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "recording", func() bool { return s.Status().State == StateRecording })
	time.Sleep(50 * time.Millisecond)
	if n := s.DebugInfo().ChunksCaptured; n != 0 {
		t.Fatalf("expected no full chunk yet, got %d", n)
	}

	text := stopSession(t, s)
	if text != "tail words" {
		t.Fatalf("tail chunk not transcribed: %q", text)
	}
	if n := s.DebugInfo().ChunksCaptured; n != 1 {
		t.Fatalf("expected exactly the tail chunk, got %d", n)
	}
	time.Sleep(30 * time.Millisecond)
	if seq := engine.Load().Sequences(); len(seq) != 1 {
		t.Fatalf("expected one transcribed chunk after stop, got %v", seq)
	}
}

func TestFallsBackWhenPreferredNeverConnects(t *testing.T) {
	cfg := testConfig()
	cfg.Engines.Preferred = stt.KindStreaming
	cfg.Engines.Fallback = stt.KindLocal
	cfg.Engines.ConnectTimeout = 30 * time.Millisecond

	factory, _ := chunkFactory(stt.KindLocal, stt.MockOptions{}, "fallback words")
	factory.Register(stt.KindStreaming, func() (stt.Backend, error) {
		return stt.NewMockEngine(stt.KindStreaming, stt.MockOptions{NeverReady: true}), nil
	})
	s := newSession(t, cfg, micDeps(&fakeMic{}, factory))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "fallback engine", func() bool {
		st := s.Status()
		return st.ActiveEngine == stt.KindLocal && st.FellBack && st.State == StateRecording
	})
	waitFor(t, "fallback transcript", func() bool { return s.Transcript() != "" })

	text := stopSession(t, s)
	if !strings.Contains(text, "fallback words") {
		t.Fatalf("unexpected transcript %q", text)
	}
}

func TestFatalEngineErrorReturnsToIdle(t *testing.T) {
	factory := stt.NewFactory()
	factory.Register(stt.KindLocal, func() (stt.Backend, error) {
		return stt.NewMockChunkEngine(stt.KindLocal, stt.MockOptions{OpenError: errors.New("model missing")}, nil), nil
	})
	mic := &fakeMic{}
	s := newSession(t, testConfig(), micDeps(mic, factory))
	updates, cancel := s.Subscribe(64)
	defer cancel()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "idle after fatal", func() bool {
		st := s.Status()
		return st.State == StateIdle && st.LastError != ""
	})

	sawError := false
	for !sawError {
		select {
		case u := <-updates:
			if u.Kind == UpdateError {
				sawError = true
				if strings.Contains(u.Message, "model missing") {
					t.Fatalf("backend detail leaked into user message: %q", u.Message)
				}
			}
		case <-time.After(time.Second):
			t.Fatal("no error update published")
		}
	}
	if !mic.closed.Load() {
		t.Fatal("microphone not released after fatal error")
	}

	other := newSession(t, testConfig(), micDeps(&fakeMic{}, stt.NewFactory()))
	if err := other.Start(context.Background()); !errors.Is(err, failover.ErrNoEngine) {
		t.Fatalf("expected ErrNoEngine, got %v", err)
	}
	if other.Status().State != StateIdle {
		t.Fatal("expected idle after start failure")
	}
}

func TestSilentChunksAreSkippedWithDiagnostic(t *testing.T) {
	gate, err := silence.New(silence.Config{}, newLogger())
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	factory, engine := chunkFactory(stt.KindLocal, stt.MockOptions{}, "never")
	deps := micDeps(&fakeMic{silent: true}, factory)
	deps.Gate = gate
	s := newSession(t, testConfig(), deps)
	updates, cancel := s.Subscribe(64)
	defer cancel()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for diag := false; !diag; {
		select {
		case u := <-updates:
			diag = u.Kind == UpdateDiagnostic
		case <-deadline:
			t.Fatal("no silence diagnostic")
		}
	}
	text := stopSession(t, s)
	if text != "" {
		t.Fatalf("expected empty transcript, got %q", text)
	}
	if n := s.DebugInfo().SilentChunks; n == 0 {
		t.Fatal("expected silent chunks to be counted")
	}
	if seq := engine.Load().Sequences(); len(seq) != 0 {
		t.Fatalf("silent chunks reached the engine: %v", seq)
	}
}

func TestPauseAndResume(t *testing.T) {
	factory, _ := chunkFactory(stt.KindLocal, stt.MockOptions{}, "x")
	s := newSession(t, testConfig(), micDeps(&fakeMic{}, factory))

	if err := s.Pause(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState while idle, got %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "recording", func() bool { return s.Status().State == StateRecording })

	if err := s.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := s.Pause(); err != nil {
		t.Fatalf("second pause: %v", err)
	}
	if s.Status().State != StatePaused {
		t.Fatalf("expected paused, got %s", s.Status().State)
	}
	before := s.Status().ElapsedMS
	time.Sleep(50 * time.Millisecond)
	if after := s.Status().ElapsedMS; after-before > 20 {
		t.Fatalf("elapsed advanced while paused: %d -> %d", before, after)
	}
	if err := s.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if s.Status().State != StateRecording {
		t.Fatalf("expected recording, got %s", s.Status().State)
	}
	stopSession(t, s)
	if err := s.Resume(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after stop, got %v", err)
	}
}

func TestToggleStartsAndStops(t *testing.T) {
	factory, _ := chunkFactory(stt.KindLocal, stt.MockOptions{Final: "end"}, "x")
	s := newSession(t, testConfig(), micDeps(&fakeMic{}, factory))

	if _, err := s.Toggle(context.Background()); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if s.Status().State == StateIdle {
		t.Fatal("expected running session")
	}
	text, err := s.Toggle(context.Background())
	if err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if !strings.HasSuffix(text, "end") || s.Status().State != StateIdle {
		t.Fatalf("unexpected result %q state %s", text, s.Status().State)
	}
}

func TestDebugInfoOmitsTranscript(t *testing.T) {
	factory, _ := chunkFactory(stt.KindLocal, stt.MockOptions{}, "confidential diagnosis")
	s := newSession(t, testConfig(), micDeps(&fakeMic{}, factory))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "transcript", func() bool { return s.Transcript() != "" })
	stopSession(t, s)

	info := s.DebugInfo()
	if info.Segments == 0 || info.TranscriptChars == 0 || info.ChunksCaptured == 0 {
		t.Fatalf("expected counters, got %+v", info)
	}
	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "confidential") {
		t.Fatalf("debug info leaked transcript: %s", data)
	}
}

type countingGenerator struct {
	calls atomic.Int32
}

func (g *countingGenerator) Generate(_ context.Context, transcript string, _ notes.Preferences) (reconcile.Note, error) {
	n := g.calls.Add(1)
	return reconcile.Note{"subjective": transcript, "plan": fmt.Sprintf("draft %d", n)}, nil
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), config.StoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func recordOnce(t *testing.T, s *Session) string {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "transcript", func() bool { return s.Transcript() != "" })
	return stopSession(t, s)
}

func TestDraftConflictKeepsEdits(t *testing.T) {
	factory, _ := chunkFactory(stt.KindLocal, stt.MockOptions{}, "sore throat")
	deps := micDeps(&fakeMic{}, factory)
	deps.Generator = &countingGenerator{}
	s := newSession(t, testConfig(), deps)

	if _, err := s.GenerateDraft(context.Background()); !errors.Is(err, ErrNoTranscript) {
		t.Fatalf("expected ErrNoTranscript, got %v", err)
	}
	recordOnce(t, s)

	out, err := s.GenerateDraft(context.Background())
	if err != nil || out != reconcile.Replaced {
		t.Fatalf("first draft: %v %v", out, err)
	}
	edited := s.Draft().Edited.Clone()
	edited["plan"] = "my own plan"
	s.EditDraft(edited)

	out, err = s.GenerateDraft(context.Background())
	if err != nil || out != reconcile.Conflicted {
		t.Fatalf("second draft: %v %v", out, err)
	}
	d := s.Draft()
	if d.Edited["plan"] != "my own plan" || d.Pending["plan"] != "draft 2" || !s.Status().DraftConflict {
		t.Fatalf("edits not protected: %+v", d)
	}

	if err := s.KeepEdits(); err != nil {
		t.Fatalf("keep edits: %v", err)
	}
	d = s.Draft()
	if d.Edited["plan"] != "my own plan" || d.Generated["plan"] != "draft 2" || d.Conflict() {
		t.Fatalf("unexpected draft after keep: %+v", d)
	}
	if err := s.AcceptNew(); !errors.Is(err, reconcile.ErrNoConflict) {
		t.Fatalf("expected ErrNoConflict, got %v", err)
	}
}

func TestRestoreLoadsPersistedSession(t *testing.T) {
	st := openStore(t)
	factory, _ := chunkFactory(stt.KindLocal, stt.MockOptions{}, "persist me")
	deps := micDeps(&fakeMic{}, factory)
	deps.Store = st
	deps.Generator = &countingGenerator{}

	first := newSession(t, testConfig(), deps)
	text := recordOnce(t, first)
	if _, err := first.GenerateDraft(context.Background()); err != nil {
		t.Fatalf("draft: %v", err)
	}
	if err := first.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	second := newSession(t, testConfig(), deps)
	if err := second.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if second.Transcript() != text {
		t.Fatalf("expected %q, got %q", text, second.Transcript())
	}
	if second.Draft().Generated["plan"] != "draft 1" {
		t.Fatalf("draft not restored: %+v", second.Draft())
	}

	events, err := st.ListEvents(context.Background(), second.Status().SessionID, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected timeline events")
	}
}

type refineService struct {
	mu        sync.Mutex
	submitted []byte
}

func (r *refineService) Submit(_ context.Context, data []byte, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted = data
	return "job-1", nil
}

func (r *refineService) Status(context.Context, string) (jobs.Report, error) {
	return jobs.Report{Status: jobs.StatusCompleted, Text: "  refined   transcript "}, nil
}

func TestRefineReplacesTranscript(t *testing.T) {
	svc := &refineService{}
	factory, _ := chunkFactory(stt.KindLocal, stt.MockOptions{}, "rough")
	deps := micDeps(&fakeMic{}, factory)
	deps.Refiner = jobs.NewPoller(svc, jobs.PollerConfig{
		MinPayloadBytes: 1,
		BaseInterval:    time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Timeout:         time.Second,
	}, newLogger())
	s := newSession(t, testConfig(), deps)

	if err := s.Refine(context.Background()); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected ErrNoAudio before recording, got %v", err)
	}
	recordOnce(t, s)
	updates, cancel := s.Subscribe(64)
	defer cancel()

	if err := s.Refine(context.Background()); err != nil {
		t.Fatalf("refine: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case u := <-updates:
			done = u.Kind == UpdateRefined
		case <-deadline:
			t.Fatal("no refined update")
		}
	}
	if got := s.Transcript(); got != "refined transcript" {
		t.Fatalf("unexpected refined transcript %q", got)
	}
	rs, ok := s.RefineStatus()
	if !ok || rs.Status != jobs.StatusCompleted || rs.JobID != "job-1" {
		t.Fatalf("unexpected refine status %+v", rs)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.submitted) == 0 {
		t.Fatal("no audio submitted")
	}
}

func TestUserMessageHidesDetails(t *testing.T) {
	cases := []error{
		fmt.Errorf("%w: upstream said 'patient has flu'", stt.ErrBackend),
		fmt.Errorf("%w: token expired", jobs.ErrJobFailed),
		errors.New("raw socket failure: patient has flu"),
	}
	for _, err := range cases {
		msg := UserMessage(err)
		if msg == "" || strings.Contains(msg, "flu") || strings.Contains(msg, "token") {
			t.Fatalf("unsafe message %q for %v", msg, err)
		}
	}
	if UserMessage(nil) != "" {
		t.Fatal("expected empty message for nil")
	}
}
