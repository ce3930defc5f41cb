package notes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-dictation/internal/reconcile"
)

// execGenerator pipes {"transcript", "preferences"} to a command and reads a
// JSON note from stdout.
type execGenerator struct {
	cmd []string
	mu  sync.Mutex
}

func NewExecGenerator(command string) (Generator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse notes command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("notes command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, transcript string, prefs Preferences) (reconcile.Note, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	input, err := json.Marshal(map[string]any{
		"transcript":  transcript,
		"preferences": prefs,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("notes command failed: %w", err)
	}
	return ParseNote(output)
}
