package notes

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/reconcile"
)

type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

// Generate files the whole transcript under the first section.
func (m *mockGenerator) Generate(ctx context.Context, transcript string, prefs Preferences) (reconcile.Note, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	sections := defaultSections(prefs)
	note := make(reconcile.Note, len(sections))
	for i, s := range sections {
		if i == 0 {
			note[s] = strings.TrimSpace(transcript)
			continue
		}
		note[s] = ""
	}
	return note, nil
}
