package dictation

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/failover"
	"github.com/loqalabs/loqa-dictation/internal/jobs"
	"github.com/loqalabs/loqa-dictation/internal/notes"
	"github.com/loqalabs/loqa-dictation/internal/queue"
	"github.com/loqalabs/loqa-dictation/internal/silence"
	"github.com/loqalabs/loqa-dictation/internal/store"
	"github.com/loqalabs/loqa-dictation/internal/stt"
)

// Config is the session's view of the runtime configuration.
type Config struct {
	JobName          string
	Engines          failover.Config
	Capture          audio.CaptureConfig
	Queue            queue.Config
	DebounceDelay    time.Duration
	RecorderMaxBytes int
	Preferences      notes.Preferences
	AutoRefine       bool
	NotesTimeout     time.Duration
}

// Persistence is the key-value store and diagnostic timeline a session writes to.
type Persistence interface {
	Save(ctx context.Context, name string, data []byte) error
	Load(ctx context.Context, name string) ([]byte, error)
	AppendEvent(ctx context.Context, evt store.Event) error
}

// Deps are the collaborators a session drives. Only Factory and Device are
// required.
type Deps struct {
	Factory   failover.EngineFactory
	Device    func() (audio.Device, error)
	Gate      *silence.Gate
	Generator notes.Generator
	Store     Persistence
	Refiner   *jobs.Poller
}

// ConfigFrom derives session settings from the runtime configuration.
func ConfigFrom(cfg config.Config) (Config, error) {
	preferred, err := stt.ParseKind(cfg.Engines.Preferred)
	if err != nil {
		return Config{}, fmt.Errorf("engines.preferred: %w", err)
	}
	var fallback stt.EngineKind
	if cfg.Engines.Fallback != "" {
		if fallback, err = stt.ParseKind(cfg.Engines.Fallback); err != nil {
			return Config{}, fmt.Errorf("engines.fallback: %w", err)
		}
	}
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }

	// Keep up to thirty minutes of session audio for refinement.
	recorderMax := cfg.Audio.SampleRate * cfg.Audio.Channels * 2 * 60 * 30

	return Config{
		JobName: cfg.RuntimeName,
		Engines: failover.Config{
			Preferred:       preferred,
			Fallback:        fallback,
			ConnectTimeout:  ms(cfg.Engines.ConnectTimeoutMS),
			FinalizeTimeout: ms(cfg.Engines.FinalizeTimeoutMS),
		},
		Capture: audio.CaptureConfig{
			SampleRate:        cfg.Audio.SampleRate,
			Channels:          cfg.Audio.Channels,
			ChunkInterval:     ms(cfg.Audio.ChunkIntervalMS),
			PermissionTimeout: ms(cfg.Audio.PermissionTimeoutMS),
			Encoding:          cfg.Audio.ChunkEncoding,
		},
		Queue: queue.Config{
			MinChunkBytes: cfg.Queue.MinChunkBytes,
			ChunkTimeout:  ms(cfg.Queue.ChunkTimeoutMS),
		},
		DebounceDelay:    ms(cfg.Store.DebounceMS),
		RecorderMaxBytes: recorderMax,
		AutoRefine:       cfg.Refine.Enabled,
		NotesTimeout:     ms(cfg.Notes.TimeoutMS),
	}, nil
}
