package notes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/reconcile"
)

// ErrMalformedResult marks generator output that does not parse as a note.
// Retrying the same input is not expected to help.
var ErrMalformedResult = errors.New("note generator returned malformed result")

// Preferences shape the generated note.
type Preferences struct {
	Style        string   `json:"style,omitempty"`
	Language     string   `json:"language,omitempty"`
	Sections     []string `json:"sections,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// Generator turns a transcript into a structured note.
type Generator interface {
	Generate(ctx context.Context, transcript string, prefs Preferences) (reconcile.Note, error)
}

// FromConfig builds the generator selected by notes.mode.
func FromConfig(cfg config.NotesConfig) (Generator, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model, cfg.Temperature, time.Duration(cfg.TimeoutMS)*time.Millisecond), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown notes mode %q", cfg.Mode)
	}
}

// ParseNote decodes a JSON object, tolerating a surrounding markdown fence.
func ParseNote(raw []byte) (reconcile.Note, error) {
	trimmed := bytes.TrimSpace(raw)
	if bytes.HasPrefix(trimmed, []byte("```")) {
		trimmed = bytes.TrimPrefix(trimmed, []byte("```json"))
		trimmed = bytes.TrimPrefix(trimmed, []byte("```"))
		trimmed = bytes.TrimSuffix(bytes.TrimSpace(trimmed), []byte("```"))
		trimmed = bytes.TrimSpace(trimmed)
	}
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrMalformedResult)
	}
	var note reconcile.Note
	if err := json.Unmarshal(trimmed, &note); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if len(note) == 0 {
		return nil, fmt.Errorf("%w: empty note", ErrMalformedResult)
	}
	return note, nil
}

func defaultSections(prefs Preferences) []string {
	if len(prefs.Sections) > 0 {
		return prefs.Sections
	}
	return []string{"subjective", "objective", "assessment", "plan"}
}

func buildPrompt(transcript string, prefs Preferences) (system, prompt string) {
	sections := defaultSections(prefs)
	var sb strings.Builder
	sb.WriteString("You write structured clinical notes from dictation. ")
	sb.WriteString("Respond with a single JSON object whose keys are: ")
	sb.WriteString(strings.Join(sections, ", "))
	sb.WriteString(". Use empty strings for sections the dictation does not cover.")
	if prefs.Style != "" {
		sb.WriteString(" Style: " + prefs.Style + ".")
	}
	if prefs.Language != "" {
		sb.WriteString(" Write in " + prefs.Language + ".")
	}
	if prefs.Instructions != "" {
		sb.WriteString(" " + prefs.Instructions)
	}
	return sb.String(), "Dictation:\n" + transcript
}
