package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-dictation/internal/audio"
)

type LocalConfig struct {
	Command   string
	ModelPath string
	Language  string
}

// LocalEngine runs an on-device recognizer command per chunk. The command
// receives a WAV file via --audio and prints {"text": "..."} on stdout.
type LocalEngine struct {
	cmd    []string
	cfg    LocalConfig
	log    *slog.Logger
	events *emitter
	mu     sync.Mutex
}

type localResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewLocalEngine(cfg LocalConfig, log *slog.Logger) (*LocalEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse local recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("local recognizer command is empty")
	}
	return &LocalEngine{
		cmd:    args,
		cfg:    cfg,
		log:    log.With(slog.String("component", "stt.local")),
		events: newEmitter(),
	}, nil
}

func (e *LocalEngine) Kind() EngineKind { return KindLocal }

func (e *LocalEngine) Events() <-chan Event { return e.events.events() }

// Open checks the recognizer binary is runnable; there is no connection.
func (e *LocalEngine) Open(ctx context.Context) error {
	if _, err := exec.LookPath(e.cmd[0]); err != nil {
		e.events.emit(Event{Type: EventError, Err: fmt.Errorf("%w: %v", ErrBackend, err)})
		return nil
	}
	e.events.emit(Event{Type: EventReady})
	return nil
}

func (e *LocalEngine) SendFrame([]byte) error { return nil }

// RequestFinal has nothing buffered; chunk results are returned as they finish.
func (e *LocalEngine) RequestFinal(context.Context) (string, error) { return "", nil }

func (e *LocalEngine) TranscribeChunk(ctx context.Context, chunk audio.Chunk) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wavData := chunk.Data
	if chunk.Encoding != audio.EncodingWAV {
		encoded, err := audio.EncodeWAV(chunk.Data, chunk.SampleRate, chunk.Channels)
		if err != nil {
			return "", err
		}
		wavData = encoded
	}

	file, err := os.CreateTemp("", "loqa_dictation_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	if _, err := file.Write(wavData); err != nil {
		file.Close()
		return "", fmt.Errorf("write wav: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close wav: %w", err)
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if e.cfg.ModelPath != "" {
		args = append(args, "--model", e.cfg.ModelPath)
	}
	if e.cfg.Language != "" {
		args = append(args, "--language", e.cfg.Language)
	}

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		// stderr may echo recognized speech, so only its size is logged.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			e.log.Debug("recognizer exited", slog.Int("exit_code", exitErr.ExitCode()), slog.Int("stderr_bytes", stderr.Len()))
			return "", fmt.Errorf("%w: recognizer exited with code %d", ErrBackend, exitErr.ExitCode())
		}
		return "", fmt.Errorf("%w: run recognizer: %v", ErrBackend, err)
	}

	var resp localResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		e.log.Debug("recognizer output not json", slog.Int("stdout_bytes", stdout.Len()))
		return "", fmt.Errorf("%w: recognizer output is not valid json", ErrBackend)
	}
	e.log.Debug("chunk transcribed", slog.Uint64("sequence", chunk.Sequence), slog.Int("chars", len(resp.Text)))
	return strings.TrimSpace(resp.Text), nil
}

func (e *LocalEngine) Close() error {
	e.events.close()
	return nil
}
