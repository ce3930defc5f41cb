package dictation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/reconcile"
	"github.com/loqalabs/loqa-dictation/internal/store"
)

// record is the persisted form of a session.
type record struct {
	JobName    string         `json:"job_name"`
	SessionID  string         `json:"session_id,omitempty"`
	Transcript string         `json:"transcript"`
	Generated  reconcile.Note `json:"generated,omitempty"`
	Edited     reconcile.Note `json:"edited,omitempty"`
	Pending    reconcile.Note `json:"pending,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (s *Session) recordKey() string {
	return "session/" + s.cfg.JobName
}

// persist schedules a debounced write of transcript and notes.
func (s *Session) persist() {
	if s.saver == nil {
		return
	}
	draft := s.recon.Snapshot()
	s.mu.Lock()
	rec := record{
		JobName:    s.cfg.JobName,
		SessionID:  s.id,
		Transcript: joinSegments(s.segments),
		Generated:  draft.Generated,
		Edited:     draft.Edited,
		Pending:    draft.Pending,
		UpdatedAt:  time.Now().UTC(),
	}
	s.mu.Unlock()
	data, err := json.Marshal(rec)
	if err != nil {
		s.log.Warn("encode session record failed", slogError(err))
		return
	}
	s.saver.Schedule(s.recordKey(), data)
}

// Flush writes any pending debounced state immediately.
func (s *Session) Flush(ctx context.Context) error {
	if s.saver == nil {
		return nil
	}
	return s.saver.Flush(ctx)
}

// Restore loads the persisted transcript and notes for this job. A missing
// record is not an error.
func (s *Session) Restore(ctx context.Context) error {
	if s.deps.Store == nil {
		return nil
	}
	data, err := s.deps.Store.Load(ctx, s.recordKey())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("%w: restore while %s", ErrInvalidState, s.state)
	}
	s.id = rec.SessionID
	s.segments = nil
	if rec.Transcript != "" {
		s.segments = []string{rec.Transcript}
	}
	s.mu.Unlock()

	s.recon.Restore(reconcile.Draft{Generated: rec.Generated, Edited: rec.Edited, Pending: rec.Pending})
	s.log.Info("session restored", slog.String("job", rec.JobName), slog.Time("updated_at", rec.UpdatedAt))
	s.emit(UpdateDraft, "", "")
	return nil
}

// Transcript returns the accumulated final transcript.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return joinSegments(s.segments)
}

// GenerateDraft turns the transcript into a structured note. When the user
// has edited the previous draft the new one is held as pending.
func (s *Session) GenerateDraft(ctx context.Context) (reconcile.Outcome, error) {
	if s.deps.Generator == nil {
		return 0, ErrNoGenerator
	}
	transcript := s.Transcript()
	if transcript == "" {
		return 0, ErrNoTranscript
	}
	if s.cfg.NotesTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.NotesTimeout)
		defer cancel()
	}
	note, err := s.deps.Generator.Generate(ctx, transcript, s.cfg.Preferences)
	if err != nil {
		s.mu.Lock()
		s.diag.recordError(err)
		s.mu.Unlock()
		s.timeline("draft_error", err.Error())
		return 0, err
	}
	out := s.recon.OnNewDraft(note)
	if out == reconcile.Conflicted {
		s.timeline("draft", "conflict")
		s.emit(UpdateDraft, "", "A new draft is ready. Your edits were kept until you choose.")
	} else {
		s.timeline("draft", "replaced")
		s.emit(UpdateDraft, "", "")
	}
	s.persist()
	return out, nil
}

// Draft returns the current notes and any pending draft.
func (s *Session) Draft() reconcile.Draft {
	return s.recon.Snapshot()
}

// EditDraft stores the user's version of the note.
func (s *Session) EditDraft(edited reconcile.Note) {
	s.recon.Edit(edited)
	s.persist()
	s.emit(UpdateDraft, "", "")
}

// AcceptNew resolves a conflict in favor of the pending draft.
func (s *Session) AcceptNew() error {
	if err := s.recon.AcceptNew(); err != nil {
		return err
	}
	s.timeline("draft", "accept_new")
	s.persist()
	s.emit(UpdateDraft, "", "")
	return nil
}

// KeepEdits resolves a conflict by keeping the user's edits.
func (s *Session) KeepEdits() error {
	if err := s.recon.KeepEdits(); err != nil {
		return err
	}
	s.timeline("draft", "keep_edits")
	s.persist()
	s.emit(UpdateDraft, "", "")
	return nil
}
