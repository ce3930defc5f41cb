package dictation

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/failover"
	"github.com/loqalabs/loqa-dictation/internal/jobs"
	"github.com/loqalabs/loqa-dictation/internal/notes"
	"github.com/loqalabs/loqa-dictation/internal/reconcile"
	"github.com/loqalabs/loqa-dictation/internal/stt"
)

var (
	ErrSessionActive = errors.New("a dictation session is already active")
	ErrInvalidState  = errors.New("operation not valid in the current session state")
	ErrNoTranscript  = errors.New("no transcript available")
	ErrNoRefiner     = errors.New("deferred refinement is not configured")
	ErrNoAudio       = errors.New("no recorded audio available")
	ErrNoGenerator   = errors.New("note generation is not configured")
	// ErrStartCancelled is returned by Start when Stop arrives before the
	// microphone opens.
	ErrStartCancelled = errors.New("dictation start was cancelled")
)

// UserMessage maps an error to a short message that is safe to show. It never
// includes backend responses or transcript content.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, audio.ErrPermissionDenied):
		return "Microphone access was denied. Check permissions and try again."
	case errors.Is(err, ErrStartCancelled):
		return "Dictation was cancelled."
	case errors.Is(err, ErrSessionActive):
		return "A dictation session is already running."
	case errors.Is(err, ErrInvalidState):
		return "That action is not available right now."
	case errors.Is(err, ErrNoTranscript):
		return "There is no dictation to work with yet."
	case errors.Is(err, ErrNoGenerator):
		return "Note generation is not available."
	case errors.Is(err, reconcile.ErrNoConflict):
		return "There is no new draft to resolve."
	case errors.Is(err, jobs.ErrPayloadTooSmall):
		return "The recording is too short to transcribe."
	case errors.Is(err, ErrNoRefiner), errors.Is(err, ErrNoAudio):
		return "High-accuracy transcription is not available for this session."
	case errors.Is(err, failover.ErrNoEngine):
		return "No transcription engine is available."
	case errors.Is(err, jobs.ErrJobTimedOut):
		return "Transcription took too long and was stopped."
	case errors.Is(err, jobs.ErrJobFailed), errors.Is(err, jobs.ErrJobNotFound):
		return "Transcription failed. Please try again."
	case errors.Is(err, jobs.ErrCancelled), errors.Is(err, context.Canceled):
		return "Transcription was cancelled."
	case errors.Is(err, notes.ErrMalformedResult):
		return "The note could not be generated from this dictation."
	case errors.Is(err, failover.ErrConnectionTimeout), errors.Is(err, stt.ErrBackend):
		return "Transcription stopped unexpectedly. Please start again."
	default:
		return "Something went wrong. Please try again."
	}
}
