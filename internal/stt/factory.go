package stt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/jobs"
)

// Builder constructs a fresh backend instance.
type Builder func() (Backend, error)

// Factory builds only the engine kind that is asked for.
type Factory struct {
	mu       sync.RWMutex
	builders map[EngineKind]Builder
}

func NewFactory() *Factory {
	return &Factory{builders: make(map[EngineKind]Builder)}
}

// NewFactoryFromConfig registers every engine kind that has enough
// configuration to run. The mock engine is always available.
func NewFactoryFromConfig(ctx context.Context, cfg config.Config, log *slog.Logger) (*Factory, error) {
	f := NewFactory()

	if cfg.Streaming.URL != "" {
		sc := StreamingConfig{
			URL:              cfg.Streaming.URL,
			Token:            cfg.Streaming.Token,
			Language:         cfg.Streaming.Language,
			SampleRate:       cfg.Streaming.SampleRate,
			HandshakeTimeout: time.Duration(cfg.Engines.ConnectTimeoutMS) * time.Millisecond,
		}
		if sc.SampleRate == 0 {
			sc.SampleRate = cfg.Audio.SampleRate
		}
		f.Register(KindStreaming, func() (Backend, error) {
			return NewStreamingEngine(sc, log), nil
		})
	}

	if cfg.Local.Command != "" {
		lc := LocalConfig{
			Command:   cfg.Local.Command,
			ModelPath: cfg.Local.ModelPath,
			Language:  cfg.Local.Language,
		}
		if _, err := NewLocalEngine(lc, log); err != nil {
			return nil, err
		}
		f.Register(KindLocal, func() (Backend, error) {
			return NewLocalEngine(lc, log)
		})
	}

	if cfg.Batch.Endpoint != "" {
		poller, err := NewBatchPoller(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		f.Register(KindBatch, func() (Backend, error) {
			return NewBatchEngine(poller, log), nil
		})
	}

	f.Register(KindMock, func() (Backend, error) {
		return NewMockChunkEngine(KindMock, MockOptions{}, nil), nil
	})
	return f, nil
}

// NewBatchPoller wires the job service, optional S3 staging, and the
// backoff schedule from configuration.
func NewBatchPoller(ctx context.Context, cfg config.Config, log *slog.Logger) (*jobs.Poller, error) {
	var opts []jobs.HTTPServiceOption
	if cfg.Batch.S3.Enabled {
		stager, err := jobs.NewS3Stager(ctx, cfg.Batch.S3, log)
		if err != nil {
			return nil, fmt.Errorf("s3 stager: %w", err)
		}
		opts = append(opts, jobs.WithStager(stager))
	}
	svc := jobs.NewHTTPService(cfg.Batch.Endpoint, cfg.Batch.APIKey, cfg.Batch.Language, opts...)
	return jobs.NewPoller(svc, jobs.PollerConfig{
		MinPayloadBytes: cfg.Batch.MinPayloadBytes,
		BaseInterval:    time.Duration(cfg.Batch.PollBaseMS) * time.Millisecond,
		Growth:          cfg.Batch.PollGrowth,
		MaxInterval:     time.Duration(cfg.Batch.PollMaxMS) * time.Millisecond,
		Timeout:         time.Duration(cfg.Batch.TimeoutMS) * time.Millisecond,
	}, log), nil
}

func (f *Factory) Register(kind EngineKind, b Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[kind] = b
}

func (f *Factory) Available(kind EngineKind) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.builders[kind]
	return ok
}

// New constructs one backend of the given kind.
func (f *Factory) New(kind EngineKind) (Backend, error) {
	f.mu.RLock()
	b, ok := f.builders[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, kind)
	}
	backend, err := b()
	if err != nil {
		return nil, fmt.Errorf("build %s engine: %w", kind, err)
	}
	return backend, nil
}
