package jobs

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrPayloadTooSmall = errors.New("audio payload below minimum size")
	ErrTransientPoll   = errors.New("job status check failed")
	ErrJobFailed       = errors.New("transcription job failed")
	ErrJobNotFound     = errors.New("transcription job not found")
	ErrJobTimedOut     = errors.New("transcription job timed out")
	ErrCancelled       = errors.New("transcription job polling cancelled")
)

// Status is the lifecycle position of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusNotFound   Status = "not_found"
	StatusTimedOut   Status = "timed_out"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether polling stops at this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNotFound, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus maps vendor status strings onto Status. Unknown values count as
// still processing.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "pending", "submitted", "created":
		return StatusQueued
	case "completed", "complete", "succeeded", "success", "done":
		return StatusCompleted
	case "failed", "error", "errored", "cancelled", "canceled":
		return StatusFailed
	case "not_found", "notfound", "missing":
		return StatusNotFound
	default:
		return StatusProcessing
	}
}

// Report is one status response from the job service.
type Report struct {
	Status        Status
	Text          string
	FailureReason string
}

// Service is a job-style transcription backend.
type Service interface {
	Submit(ctx context.Context, audio []byte, mimeType string) (string, error)
	Status(ctx context.Context, jobID string) (Report, error)
}

// Job tracks one submitted transcription job.
type Job struct {
	ID           string
	SubmittedAt  time.Time
	Status       Status
	PollInterval time.Duration
	Polls        int
	Result       *string
}

// NormalizeText trims the result and collapses internal whitespace.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
