package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPermissionDenied is returned when the microphone cannot be opened.
var ErrPermissionDenied = errors.New("microphone access denied")

// Device is a microphone handle producing interleaved 16-bit samples.
type Device interface {
	Open(ctx context.Context) error
	// Read blocks until one buffer of samples is available.
	Read() ([]int16, error)
	Close() error
}

type CaptureConfig struct {
	SampleRate        int
	Channels          int
	ChunkInterval     time.Duration
	PermissionTimeout time.Duration
	Encoding          string
	FrameBuffer       int
}

// Capture owns the microphone device for one session. It emits a continuous
// frame stream and fixed-interval chunks.
type Capture struct {
	dev   Device
	cfg   CaptureConfig
	log   *slog.Logger
	clock func() time.Time

	frames chan []byte
	chunks chan Chunk
	paused atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	flush   atomic.Bool

	seq          uint64
	pending      []byte
	pendingStart time.Time
	dropped      atomic.Int64
}

func NewCapture(dev Device, cfg CaptureConfig, log *slog.Logger) *Capture {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 100
	}
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingWAV
	}
	return &Capture{
		dev:    dev,
		cfg:    cfg,
		log:    log.With(slog.String("component", "audio.capture")),
		clock:  time.Now,
		frames: make(chan []byte, cfg.FrameBuffer),
		chunks: make(chan Chunk, 16),
	}
}

// Start opens the device, bounded by the permission timeout, and begins reading.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("capture already running")
	}

	openCtx := ctx
	if c.cfg.PermissionTimeout > 0 {
		var cancel context.CancelFunc
		openCtx, cancel = context.WithTimeout(ctx, c.cfg.PermissionTimeout)
		defer cancel()
	}
	opened := make(chan error, 1)
	go func() { opened <- c.dev.Open(openCtx) }()
	select {
	case err := <-opened:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
	case <-openCtx.Done():
		go func() {
			if err := <-opened; err == nil {
				_ = c.dev.Close()
			}
		}()
		return fmt.Errorf("%w: timed out waiting for microphone", ErrPermissionDenied)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.pendingStart = c.clock()
	go c.loop(loopCtx)
	c.log.Info("audio capture started", slog.Int("sample_rate", c.cfg.SampleRate), slog.Int("channels", c.cfg.Channels))
	return nil
}

// Frames returns the continuous frame stream. Frames are dropped when the
// consumer falls behind.
func (c *Capture) Frames() <-chan []byte { return c.frames }

// Chunks returns fixed-interval chunks. The channel is closed after Stop.
func (c *Capture) Chunks() <-chan Chunk { return c.chunks }

// SetPaused stops frame and chunk emission without releasing the device.
func (c *Capture) SetPaused(paused bool) { c.paused.Store(paused) }

func (c *Capture) Paused() bool { return c.paused.Load() }

// Dropped reports frames discarded because the frame consumer was slow.
func (c *Capture) Dropped() int64 { return c.dropped.Load() }

// Stop ends the read loop and releases the device. With flush set the
// partially filled chunk is emitted before the channels close.
func (c *Capture) Stop(flush bool) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.flush.Store(flush)
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	<-done
	c.log.Info("audio capture stopped", slog.Int64("dropped_frames", c.dropped.Load()))
}

func (c *Capture) loop(ctx context.Context) {
	defer close(c.done)
	defer close(c.chunks)
	defer close(c.frames)
	defer func() {
		if err := c.dev.Close(); err != nil {
			c.log.Warn("close audio device failed", slogError(err))
		}
	}()

	chunkBytes := c.chunkBytes()
	for {
		if ctx.Err() != nil {
			if c.flush.Load() {
				c.emitPending(ctx, true)
			}
			return
		}
		samples, err := c.dev.Read()
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.log.Warn("audio read failed", slogError(err))
			time.Sleep(20 * time.Millisecond)
			continue
		}
		if c.paused.Load() || len(samples) == 0 {
			continue
		}
		frame := Int16ToBytes(samples)
		select {
		case c.frames <- frame:
		default:
			c.dropped.Add(1)
		}

		if len(c.pending) == 0 {
			c.pendingStart = c.clock()
		}
		c.pending = append(c.pending, frame...)
		if len(c.pending) >= chunkBytes {
			c.emitPending(ctx, false)
		}
	}
}

func (c *Capture) emitPending(ctx context.Context, final bool) {
	if len(c.pending) == 0 {
		return
	}
	chunk, err := NewChunk(c.seq, c.pending, c.cfg.Encoding, c.cfg.SampleRate, c.cfg.Channels, c.pendingStart)
	c.pending = nil
	if err != nil {
		c.log.Warn("encode chunk failed", slogError(err))
		return
	}
	c.seq++
	if final {
		c.chunks <- chunk
		return
	}
	select {
	case c.chunks <- chunk:
	case <-ctx.Done():
		if c.flush.Load() {
			c.chunks <- chunk
		}
	}
}

func (c *Capture) chunkBytes() int {
	n := int(int64(c.cfg.SampleRate) * int64(c.cfg.Channels) * 2 * int64(c.cfg.ChunkInterval) / int64(time.Second))
	if n <= 0 {
		n = 2
	}
	return n
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
