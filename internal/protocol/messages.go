package protocol

import (
	"strings"
	"time"
)

// Subject suffixes, joined to the configured prefix with Subject.
const (
	SubjectState             = "state"
	SubjectTranscriptPartial = "transcript.partial"
	SubjectTranscriptFinal   = "transcript.final"
	SubjectTranscriptRefined = "transcript.refined"
	SubjectDiagnostic        = "diagnostic"
	SubjectDraft             = "draft"
	SubjectControl           = "control"
	SubjectAnnounce          = "presence.announce"
	SubjectHeartbeat         = "presence.heartbeat"
)

// StreamName is the JetStream stream holding final and refined transcripts.
const StreamName = "DICTATION_TRANSCRIPTS"

// Subject joins a prefix and suffix, e.g. "dictation" + "state".
func Subject(prefix, suffix string) string {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}

// SessionState is broadcast on every state or engine change.
type SessionState struct {
	SessionID     string    `json:"session_id,omitempty"`
	State         string    `json:"state"`
	ActiveEngine  string    `json:"active_engine,omitempty"`
	DisplayEngine string    `json:"display_engine,omitempty"`
	FellBack      bool      `json:"fell_back"`
	ElapsedMS     int64     `json:"elapsed_ms"`
	Refining      bool      `json:"refining"`
	LastError     string    `json:"last_error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Transcript carries recognized text.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Refined   bool      `json:"refined,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Diagnostic is a user-safe notice. Severity is "warning" or "error".
type Diagnostic struct {
	SessionID string    `json:"session_id,omitempty"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// DraftChanged signals that notes changed; clients fetch the draft itself.
type DraftChanged struct {
	SessionID string    `json:"session_id,omitempty"`
	Conflict  bool      `json:"conflict"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Control actions accepted on the control subject.
const (
	ActionStart        = "start"
	ActionPause        = "pause"
	ActionResume       = "resume"
	ActionStop         = "stop"
	ActionToggle       = "toggle"
	ActionStatus       = "status"
	ActionDebug        = "debug"
	ActionGenerate     = "generate_draft"
	ActionAcceptNew    = "accept_new"
	ActionKeepEdits    = "keep_edits"
	ActionCancelRefine = "cancel_refine"
)

type ControlRequest struct {
	Action string `json:"action"`
}

// ControlResponse answers a control request. Error is a user-safe message.
type ControlResponse struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	Status     any    `json:"status,omitempty"`
}
