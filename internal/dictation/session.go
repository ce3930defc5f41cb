package dictation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/failover"
	"github.com/loqalabs/loqa-dictation/internal/queue"
	"github.com/loqalabs/loqa-dictation/internal/reconcile"
	"github.com/loqalabs/loqa-dictation/internal/store"
	"github.com/loqalabs/loqa-dictation/internal/stt"
)

// active is the process-wide single-recording guard.
var active atomic.Bool

// State is the caller-visible session state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateRecording  State = "recording"
	StatePaused     State = "paused"
	StateStopping   State = "stopping"
)

// Session is the dictation aggregate: it owns capture, the chunk queue, and
// the engine controller for at most one recording at a time.
type Session struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	target atomic.Bool
	recon  *reconcile.Reconciler
	saver  *store.Debouncer

	mu           sync.Mutex
	state        State
	id           string
	startedAt    time.Time
	stoppedAt    time.Time
	pausedAt     time.Time
	pausedTotal  time.Duration
	activeEngine stt.EngineKind
	segments     []string
	partial      string
	lastErr      error
	run          *recording
	pending      *pendingStart
	recorder     *audio.Recorder
	diag         diagnostics
	lastInfo     failover.Info
	lastQueue    queue.Stats
	refine       *refinement

	subMu  sync.Mutex
	subs   map[int]chan Update
	nextID int
}

// recording holds the resources of one capture run.
type recording struct {
	ctx     context.Context
	cancel  context.CancelFunc
	capture *audio.Capture
	ctrl    *failover.Controller
	queue   *queue.Queue
	pumps   sync.WaitGroup
	ended   chan struct{}
}

// pendingStart lets Stop abandon a start that is still waiting for the
// microphone.
type pendingStart struct {
	cancel  context.CancelFunc
	aborted bool
	done    chan struct{}
}

func New(cfg Config, deps Deps, log *slog.Logger) *Session {
	if cfg.JobName == "" {
		cfg.JobName = "dictation"
	}
	s := &Session{
		cfg:   cfg,
		deps:  deps,
		log:   log.With(slog.String("component", "dictation")),
		recon: reconcile.New(),
		state: StateIdle,
		subs:  make(map[int]chan Update),
	}
	s.target.Store(true)
	if deps.Store != nil {
		s.saver = store.NewDebouncer(cfg.DebounceDelay, deps.Store.Save, s.log)
	}
	return s
}

// SetTarget records whether a capture destination exists. Without one,
// queued chunks are discarded instead of transcribed.
func (s *Session) SetTarget(present bool) {
	s.target.Store(present)
}

// Start begins a recording. A second concurrent session anywhere in the
// process gets ErrSessionActive.
func (s *Session) Start(ctx context.Context) error {
	if !active.CompareAndSwap(false, true) {
		return ErrSessionActive
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		active.Store(false)
		return fmt.Errorf("%w: start from %s", ErrInvalidState, s.state)
	}
	if s.refine != nil {
		s.refine.cancel()
		s.refine = nil
	}
	s.state = StateConnecting
	s.id = uuid.NewString()
	s.startedAt = time.Now()
	s.stoppedAt = time.Time{}
	s.pausedAt = time.Time{}
	s.pausedTotal = 0
	s.activeEngine = ""
	s.segments = nil
	s.partial = ""
	s.lastErr = nil
	s.diag = diagnostics{}
	s.lastInfo = failover.Info{}
	s.lastQueue = queue.Stats{}
	s.recorder = audio.NewRecorder(s.cfg.RecorderMaxBytes)
	recorder := s.recorder
	id := s.id
	startCtx, cancelStart := context.WithCancel(ctx)
	p := &pendingStart{cancel: cancelStart, done: make(chan struct{})}
	s.pending = p
	s.mu.Unlock()
	defer close(p.done)
	defer cancelStart()

	s.log.Info("session starting", slog.String("session_id", id))
	s.timeline("state", string(StateConnecting))
	s.emit(UpdateState, "", "")

	err := s.begin(startCtx, recorder, p)
	s.mu.Lock()
	s.pending = nil
	if err == nil {
		s.mu.Unlock()
		return nil
	}
	if p.aborted {
		s.state = StateIdle
		s.stoppedAt = time.Now()
		s.mu.Unlock()
		active.Store(false)
		s.log.Info("session start cancelled", slog.String("session_id", id))
		s.timeline("state", string(StateIdle))
		s.emit(UpdateState, "", "")
		return ErrStartCancelled
	}
	// A run that reached the controller has already been torn down.
	if s.state == StateIdle {
		s.mu.Unlock()
		s.log.Warn("session failed to start", slog.String("session_id", id), slogError(err))
		return err
	}
	s.state = StateIdle
	s.stoppedAt = time.Now()
	s.lastErr = err
	s.diag.recordError(err)
	s.mu.Unlock()
	active.Store(false)
	s.log.Warn("session failed to start", slog.String("session_id", id), slogError(err))
	s.timeline("error", err.Error())
	s.emit(UpdateError, "", UserMessage(err))
	s.emit(UpdateState, "", "")
	return err
}

// begin acquires the microphone, then builds the queue, starts the pumps,
// and opens the engines. The run is installed before the controller starts so
// that an immediate fatal error tears it down. A start abandoned by Stop is
// unwound before anything reaches the engines.
func (s *Session) begin(ctx context.Context, recorder *audio.Recorder, p *pendingStart) error {
	if s.deps.Device == nil || s.deps.Factory == nil {
		return errors.New("session requires an audio device and engine factory")
	}
	dev, err := s.deps.Device()
	if err != nil {
		return fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
	}
	capture := audio.NewCapture(dev, s.cfg.Capture, s.log)
	if err := capture.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &recording{ctx: runCtx, cancel: cancel, capture: capture, ended: make(chan struct{})}

	r.queue = queue.New(runCtx, s.cfg.Queue, func(ctx context.Context, c audio.Chunk) error {
		s.mu.Lock()
		s.diag.LastCallAt = time.Now()
		s.mu.Unlock()
		_, err := r.ctrl.TranscribeChunk(ctx, c)
		return err
	}, s.log)
	r.queue.SetTarget(s.target.Load)
	if gate := s.deps.Gate; gate != nil {
		r.queue.SetGate(func(c audio.Chunk) bool {
			return gate.Silent(gate.Evaluate(c))
		})
	}
	r.queue.SetHooks(queue.Hooks{
		OnSkipped: func(c audio.Chunk) {
			s.mu.Lock()
			s.diag.SilentChunks++
			s.mu.Unlock()
			s.emit(UpdateDiagnostic, "", "No speech detected. Check that the microphone is working.")
		},
		OnDiscarded: func(n int) {
			s.mu.Lock()
			s.diag.DiscardedChunks += n
			s.mu.Unlock()
		},
		OnError: func(c audio.Chunk, err error) {
			s.mu.Lock()
			s.diag.recordError(err)
			s.mu.Unlock()
		},
	})
	r.ctrl = failover.New(s.cfg.Engines, s.deps.Factory, s.controllerHooks(r), s.log)

	r.pumps.Add(2)
	go func() {
		defer r.pumps.Done()
		for frame := range capture.Frames() {
			r.ctrl.SendFrame(frame)
		}
	}()
	go func() {
		defer r.pumps.Done()
		for c := range capture.Chunks() {
			recorder.Write(c)
			s.mu.Lock()
			s.diag.ChunksCaptured++
			s.diag.LastChunkAt = c.CapturedAt
			s.mu.Unlock()
			if err := r.queue.Push(c); err != nil && !errors.Is(err, queue.ErrClosed) {
				s.log.Warn("chunk push failed", slogError(err))
			}
		}
	}()

	s.mu.Lock()
	if p.aborted {
		s.mu.Unlock()
		r.queue.Close()
		capture.Stop(false)
		r.pumps.Wait()
		cancel()
		return ErrStartCancelled
	}
	s.run = r
	s.mu.Unlock()

	if err := r.ctrl.Start(runCtx); err != nil {
		s.teardown(r, err)
		<-r.ended
		return err
	}
	return nil
}

func (s *Session) controllerHooks(r *recording) failover.Hooks {
	return failover.Hooks{
		OnState: func(_, to failover.State) {
			if to != failover.StateActive {
				return
			}
			s.mu.Lock()
			changed := s.state == StateConnecting && s.run == r
			if changed {
				s.state = StateRecording
			}
			s.mu.Unlock()
			if changed {
				s.timeline("state", string(StateRecording))
				s.emit(UpdateState, "", "")
			}
		},
		OnEngine: func(kind stt.EngineKind) {
			s.mu.Lock()
			s.activeEngine = kind
			s.mu.Unlock()
			s.timeline("engine", string(kind))
			s.emit(UpdateState, "", "")
		},
		OnPartial: func(text string) {
			s.mu.Lock()
			s.partial = text
			s.mu.Unlock()
			s.emit(UpdatePartial, text, "")
		},
		OnFinal: func(text string) {
			text = strings.TrimSpace(text)
			if text == "" {
				return
			}
			s.mu.Lock()
			s.segments = append(s.segments, text)
			s.partial = ""
			s.diag.Segments++
			s.diag.LastTranscriptAt = time.Now()
			s.mu.Unlock()
			s.emit(UpdateFinal, text, "")
			s.persist()
		},
		OnWarning: func(err error) {
			s.mu.Lock()
			s.diag.Warnings++
			s.diag.recordError(err)
			s.mu.Unlock()
			s.timeline("warning", err.Error())
			s.emit(UpdateDiagnostic, "", "Using backup transcription. Accuracy may be reduced.")
		},
		OnFatal: func(err error) {
			// Hooks run on controller goroutines that teardown waits for.
			go s.teardown(r, err)
		},
	}
}

// teardown ends a run after an unrecoverable error and returns the session
// to idle. During a graceful stop the error is only recorded.
func (s *Session) teardown(r *recording, err error) {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}
	s.lastErr = err
	s.diag.recordError(err)
	if s.state == StateStopping {
		s.mu.Unlock()
		return
	}
	s.run = nil
	s.state = StateIdle
	s.stoppedAt = time.Now()
	s.mu.Unlock()

	r.ctrl.Abort()
	r.queue.Close()
	r.capture.Stop(false)
	r.pumps.Wait()
	r.cancel()
	s.retire(r)
	active.Store(false)
	close(r.ended)

	s.log.Error("session ended by engine failure", slogError(err))
	s.timeline("error", err.Error())
	s.persist()
	s.emit(UpdateError, "", UserMessage(err))
	s.emit(UpdateState, "", "")
}

// Pause suspends capture without releasing the engine connection.
func (s *Session) Pause() error {
	s.mu.Lock()
	switch s.state {
	case StatePaused:
		s.mu.Unlock()
		return nil
	case StateRecording:
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: pause from %s", ErrInvalidState, st)
	}
	r := s.run
	s.state = StatePaused
	s.pausedAt = time.Now()
	s.mu.Unlock()

	r.capture.SetPaused(true)
	if err := r.ctrl.Pause(); err != nil {
		s.log.Warn("engine pause failed", slogError(err))
	}
	s.timeline("state", string(StatePaused))
	s.emit(UpdateState, "", "")
	return nil
}

func (s *Session) Resume() error {
	s.mu.Lock()
	switch s.state {
	case StateRecording:
		s.mu.Unlock()
		return nil
	case StatePaused:
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", ErrInvalidState, st)
	}
	r := s.run
	s.state = StateRecording
	s.pausedTotal += time.Since(s.pausedAt)
	s.pausedAt = time.Time{}
	s.mu.Unlock()

	if err := r.ctrl.Resume(); err != nil {
		s.log.Warn("engine resume failed", slogError(err))
	}
	r.capture.SetPaused(false)
	s.timeline("state", string(StateRecording))
	s.emit(UpdateState, "", "")
	return nil
}

// Stop finishes the recording: the connection timer is cancelled, the tail
// chunk is flushed and transcribed, the engine delivers its final results,
// and the microphone is released. It returns the full transcript.
func (s *Session) Stop(ctx context.Context) (string, error) {
	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateRecording, StatePaused:
	default:
		st := s.state
		s.mu.Unlock()
		return "", fmt.Errorf("%w: stop from %s", ErrInvalidState, st)
	}
	r := s.run
	if r == nil {
		// Still waiting for the microphone; Start unwinds and goes idle.
		p := s.pending
		if p == nil {
			s.mu.Unlock()
			return "", fmt.Errorf("%w: no recording to stop", ErrInvalidState)
		}
		p.aborted = true
		s.mu.Unlock()
		p.cancel()
		<-p.done
		return "", nil
	}
	if !s.pausedAt.IsZero() {
		s.pausedTotal += time.Since(s.pausedAt)
		s.pausedAt = time.Time{}
	}
	s.state = StateStopping
	s.mu.Unlock()
	s.emit(UpdateState, "", "")

	var stopErr error
	if err := r.ctrl.BeginStop(); err != nil {
		// The controller already failed; tear down without flushing.
		stopErr = err
		r.queue.Close()
		r.capture.Stop(false)
		r.pumps.Wait()
	} else {
		r.capture.Stop(true)
		r.pumps.Wait()
		if err := r.queue.Drain(ctx); err != nil {
			s.log.Warn("queue drain incomplete", slogError(err))
		}
		if _, err := r.ctrl.Complete(ctx); err != nil {
			s.log.Warn("engine finalize failed", slogError(err))
		}
		r.queue.Close()
	}
	r.cancel()
	s.retire(r)

	s.mu.Lock()
	s.run = nil
	s.state = StateIdle
	s.stoppedAt = time.Now()
	transcript := joinSegments(s.segments)
	if s.lastErr != nil {
		stopErr = s.lastErr
	}
	id := s.id
	s.mu.Unlock()
	active.Store(false)

	s.log.Info("session stopped", slog.String("session_id", id), slog.Int("chars", len(transcript)))
	s.timeline("state", string(StateIdle))
	s.persist()
	s.emit(UpdateState, "", "")

	if s.cfg.AutoRefine && s.deps.Refiner != nil {
		if err := s.Refine(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, ErrNoAudio) {
			s.log.Warn("deferred refinement not started", slogError(err))
		}
	}
	if stopErr != nil {
		return transcript, stopErr
	}
	return transcript, nil
}

// Toggle starts an idle session or stops a running one.
func (s *Session) Toggle(ctx context.Context) (string, error) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	switch st {
	case StateIdle:
		return "", s.Start(ctx)
	case StateStopping:
		return "", fmt.Errorf("%w: toggle while stopping", ErrInvalidState)
	default:
		return s.Stop(ctx)
	}
}

// Close stops a running session and flushes pending writes.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	running := s.state != StateIdle && s.state != StateStopping
	s.mu.Unlock()
	if running {
		if _, err := s.Stop(ctx); err != nil {
			s.log.Warn("stop on close failed", slogError(err))
		}
	}
	s.CancelRefine()
	if s.saver != nil {
		return s.saver.Close(ctx)
	}
	return nil
}

func (s *Session) timeline(kind, detail string) {
	if s.deps.Store == nil {
		return
	}
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()
	if id == "" {
		return
	}
	if err := s.deps.Store.AppendEvent(context.Background(), store.Event{SessionID: id, Type: kind, Detail: detail}); err != nil {
		s.log.Debug("timeline append failed", slogError(err))
	}
}

// retire keeps the final engine and queue snapshots for diagnostics.
func (s *Session) retire(r *recording) {
	info := r.ctrl.Info()
	stats := r.queue.Stats()
	s.mu.Lock()
	s.lastInfo = info
	s.lastQueue = stats
	s.mu.Unlock()
}

func joinSegments(segments []string) string {
	return strings.Join(segments, " ")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
