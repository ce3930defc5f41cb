package stt

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/jobs"
)

// BatchEngine submits every chunk as a job and waits for the poller.
type BatchEngine struct {
	poller *jobs.Poller
	log    *slog.Logger
	events *emitter

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func NewBatchEngine(poller *jobs.Poller, log *slog.Logger) *BatchEngine {
	ctx, cancel := context.WithCancel(context.Background())
	return &BatchEngine{
		poller: poller,
		log:    log.With(slog.String("component", "stt.batch")),
		events: newEmitter(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (e *BatchEngine) Kind() EngineKind { return KindBatch }

func (e *BatchEngine) Events() <-chan Event { return e.events.events() }

func (e *BatchEngine) Open(context.Context) error {
	e.events.emit(Event{Type: EventReady})
	return nil
}

func (e *BatchEngine) SendFrame([]byte) error { return nil }

func (e *BatchEngine) RequestFinal(context.Context) (string, error) { return "", nil }

// TranscribeChunk returns an empty result for chunks too small to submit.
func (e *BatchEngine) TranscribeChunk(ctx context.Context, chunk audio.Chunk) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	data := chunk.Data
	mime := chunk.Encoding
	if chunk.Encoding != audio.EncodingWAV {
		encoded, err := audio.EncodeWAV(chunk.Data, chunk.SampleRate, chunk.Channels)
		if err != nil {
			return "", err
		}
		data, mime = encoded, audio.EncodingWAV
	}

	text, err := e.poller.Await(ctx, data, mime)
	if errors.Is(err, jobs.ErrPayloadTooSmall) {
		e.log.Debug("chunk below job minimum", slog.Uint64("sequence", chunk.Sequence), slog.Int("bytes", len(data)))
		return "", nil
	}
	return text, err
}

func (e *BatchEngine) Close() error {
	e.once.Do(func() {
		e.cancel()
		e.events.close()
	})
	return nil
}
