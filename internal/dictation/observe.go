package dictation

import (
	"time"

	"github.com/loqalabs/loqa-dictation/internal/failover"
	"github.com/loqalabs/loqa-dictation/internal/queue"
	"github.com/loqalabs/loqa-dictation/internal/stt"
)

type UpdateKind string

const (
	UpdateState      UpdateKind = "state"
	UpdatePartial    UpdateKind = "partial"
	UpdateFinal      UpdateKind = "final"
	UpdateDiagnostic UpdateKind = "diagnostic"
	UpdateError      UpdateKind = "error"
	UpdateDraft      UpdateKind = "draft"
	UpdateRefined    UpdateKind = "refined"
)

// Update is pushed to subscribers on every observable change. Text carries
// the transcript fragment for partial, final and refined updates; Message
// carries a user-safe notice for diagnostic and error updates.
type Update struct {
	Kind    UpdateKind `json:"kind"`
	Status  Status     `json:"status"`
	Text    string     `json:"text,omitempty"`
	Message string     `json:"message,omitempty"`
	At      time.Time  `json:"at"`
}

// Status is the observable session snapshot.
type Status struct {
	SessionID         string         `json:"session_id,omitempty"`
	State             State          `json:"state"`
	StartedAt         time.Time      `json:"started_at,omitempty"`
	ElapsedMS         int64          `json:"elapsed_ms"`
	ActiveEngine      stt.EngineKind `json:"active_engine,omitempty"`
	DisplayEngine     stt.EngineKind `json:"display_engine,omitempty"`
	FellBack          bool           `json:"fell_back"`
	Transcript        string         `json:"transcript"`
	PartialTranscript string         `json:"partial_transcript,omitempty"`
	DraftConflict     bool           `json:"draft_conflict"`
	Refining          bool           `json:"refining"`
	LastError         string         `json:"last_error,omitempty"`
}

// diagnostics are counters and timestamps only.
type diagnostics struct {
	ChunksCaptured   int
	SilentChunks     int
	DiscardedChunks  int
	Segments         int
	Warnings         int
	Errors           int
	LastChunkAt      time.Time
	LastCallAt       time.Time
	LastTranscriptAt time.Time
	LastError        string
}

func (d *diagnostics) recordError(err error) {
	if err == nil {
		return
	}
	d.Errors++
	d.LastError = err.Error()
}

// DebugInfo is a support snapshot. It carries counts, timestamps, engine
// states and error strings; it never includes transcript or note content.
type DebugInfo struct {
	SessionID        string        `json:"session_id,omitempty"`
	State            State         `json:"state"`
	StartedAt        time.Time     `json:"started_at,omitempty"`
	StoppedAt        time.Time     `json:"stopped_at,omitempty"`
	ElapsedMS        int64         `json:"elapsed_ms"`
	TargetPresent    bool          `json:"target_present"`
	Engine           failover.Info `json:"engine"`
	Queue            queue.Stats   `json:"queue"`
	ChunksCaptured   int           `json:"chunks_captured"`
	SilentChunks     int           `json:"silent_chunks"`
	DiscardedChunks  int           `json:"discarded_chunks"`
	Segments         int           `json:"segments"`
	TranscriptChars  int           `json:"transcript_chars"`
	RecordedBytes    int           `json:"recorded_bytes"`
	Warnings         int           `json:"warnings"`
	Errors           int           `json:"errors"`
	LastChunkAt      time.Time     `json:"last_chunk_at,omitempty"`
	LastCallAt       time.Time     `json:"last_call_at,omitempty"`
	LastTranscriptAt time.Time     `json:"last_transcript_at,omitempty"`
	LastError        string        `json:"last_error,omitempty"`
	DraftConflict    bool          `json:"draft_conflict"`
	Refine           *RefineStatus `json:"refine,omitempty"`
}

// Subscribe registers an observer. Updates are dropped for a subscriber whose
// buffer is full. The returned func unsubscribes and closes the channel.
func (s *Session) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Update, buffer)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Session) emit(kind UpdateKind, text, message string) {
	u := Update{Kind: kind, Status: s.Status(), Text: text, Message: message, At: time.Now()}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// Status returns the current snapshot.
func (s *Session) Status() Status {
	s.mu.Lock()
	r := s.run
	st := Status{
		SessionID:         s.id,
		State:             s.state,
		StartedAt:         s.startedAt,
		ElapsedMS:         s.elapsedLocked().Milliseconds(),
		ActiveEngine:      s.activeEngine,
		Transcript:        joinSegments(s.segments),
		PartialTranscript: s.partial,
		Refining:          s.refine != nil && s.refine.pending(),
		LastError:         UserMessage(s.lastErr),
		DisplayEngine:     s.lastInfo.DisplayEngine,
		FellBack:          s.lastInfo.FellBack,
	}
	s.mu.Unlock()

	if r != nil {
		st.DisplayEngine = r.ctrl.DisplayEngine()
		st.FellBack = r.ctrl.FellBack()
	}
	st.DraftConflict = s.recon.Snapshot().Conflict()
	return st
}

// DebugInfo returns diagnostics suitable for support bundles.
func (s *Session) DebugInfo() DebugInfo {
	s.mu.Lock()
	r := s.run
	d := DebugInfo{
		SessionID:        s.id,
		State:            s.state,
		StartedAt:        s.startedAt,
		StoppedAt:        s.stoppedAt,
		ElapsedMS:        s.elapsedLocked().Milliseconds(),
		TargetPresent:    s.target.Load(),
		Engine:           s.lastInfo,
		Queue:            s.lastQueue,
		ChunksCaptured:   s.diag.ChunksCaptured,
		SilentChunks:     s.diag.SilentChunks,
		DiscardedChunks:  s.diag.DiscardedChunks,
		Segments:         s.diag.Segments,
		TranscriptChars:  len(joinSegments(s.segments)),
		Warnings:         s.diag.Warnings,
		Errors:           s.diag.Errors,
		LastChunkAt:      s.diag.LastChunkAt,
		LastCallAt:       s.diag.LastCallAt,
		LastTranscriptAt: s.diag.LastTranscriptAt,
		LastError:        s.diag.LastError,
	}
	if s.recorder != nil {
		d.RecordedBytes = s.recorder.Len()
	}
	if s.refine != nil {
		rs := s.refine.status()
		d.Refine = &rs
	}
	s.mu.Unlock()

	if r != nil {
		d.Engine = r.ctrl.Info()
		d.Queue = r.queue.Stats()
	}
	d.DraftConflict = s.recon.Snapshot().Conflict()
	return d
}

// elapsedLocked is recording time excluding pauses.
func (s *Session) elapsedLocked() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	end := time.Now()
	if !s.stoppedAt.IsZero() {
		end = s.stoppedAt
	}
	elapsed := end.Sub(s.startedAt) - s.pausedTotal
	if !s.pausedAt.IsZero() {
		elapsed -= end.Sub(s.pausedAt)
	}
	if elapsed < 0 {
		return 0
	}
	return elapsed
}
