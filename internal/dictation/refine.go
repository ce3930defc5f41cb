package dictation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/jobs"
)

// RefineStatus describes the deferred high-accuracy transcription job.
type RefineStatus struct {
	JobID      string      `json:"job_id"`
	Status     jobs.Status `json:"status"`
	Polls      int         `json:"polls"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type refinement struct {
	handle     *jobs.Handle
	startedAt  time.Time
	finishedAt time.Time
	err        error
}

func (r *refinement) pending() bool {
	select {
	case <-r.handle.Done():
		return false
	default:
		return true
	}
}

func (r *refinement) cancel() { r.handle.Cancel() }

func (r *refinement) status() RefineStatus {
	job := r.handle.Job()
	st := RefineStatus{
		JobID:      job.ID,
		Status:     job.Status,
		Polls:      job.Polls,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
	}
	if r.err != nil {
		st.Error = r.err.Error()
	}
	return st
}

// Refine submits the recorded audio of the last session as a batch job.
// It returns once the job is accepted; the refined transcript replaces the
// live one when the job completes.
func (s *Session) Refine(ctx context.Context) error {
	if s.deps.Refiner == nil {
		return ErrNoRefiner
	}
	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: refine while %s", ErrInvalidState, st)
	}
	rec := s.recorder
	prev := s.refine
	s.mu.Unlock()
	if rec == nil || rec.Len() == 0 {
		return ErrNoAudio
	}
	if prev != nil && prev.pending() {
		prev.cancel()
	}

	wav, err := audio.EncodeWAV(rec.Bytes(), s.cfg.Capture.SampleRate, s.cfg.Capture.Channels)
	if err != nil {
		return fmt.Errorf("encode session audio: %w", err)
	}
	h, err := s.deps.Refiner.Start(context.WithoutCancel(ctx), wav, "audio/wav")
	if err != nil {
		s.mu.Lock()
		s.diag.recordError(err)
		s.mu.Unlock()
		return err
	}
	ref := &refinement{handle: h, startedAt: time.Now()}

	s.mu.Lock()
	s.refine = ref
	s.mu.Unlock()
	s.timeline("refine", "submitted")
	s.emit(UpdateState, "", "")

	go s.awaitRefine(ref)
	return nil
}

func (s *Session) awaitRefine(ref *refinement) {
	text, err := ref.handle.Wait(context.Background())

	s.mu.Lock()
	ref.finishedAt = time.Now()
	ref.err = err
	current := s.refine == ref && s.state == StateIdle
	if err == nil && current && text != "" {
		s.segments = []string{text}
		s.partial = ""
	}
	if err != nil {
		s.diag.recordError(err)
	}
	s.mu.Unlock()

	switch {
	case err == nil && current:
		s.log.Info("refined transcript applied", slog.String("job_id", ref.handle.Job().ID))
		s.timeline("refine", "completed")
		s.persist()
		s.emit(UpdateRefined, text, "")
	case errors.Is(err, jobs.ErrCancelled):
		s.timeline("refine", "cancelled")
		s.emit(UpdateState, "", "")
	case err != nil:
		s.timeline("refine", err.Error())
		s.emit(UpdateError, "", UserMessage(err))
	}
}

// CancelRefine stops polling the pending refinement job, if any.
func (s *Session) CancelRefine() {
	s.mu.Lock()
	ref := s.refine
	s.mu.Unlock()
	if ref != nil && ref.pending() {
		ref.cancel()
	}
}

// RefineStatus reports the latest refinement job, if one was started.
func (s *Session) RefineStatus() (RefineStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refine == nil {
		return RefineStatus{}, false
	}
	return s.refine.status(), true
}
