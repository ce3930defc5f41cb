package silence

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/loqalabs/loqa-dictation/internal/audio"
)

// DefaultPeakThreshold is the normalized peak amplitude below which a chunk is
// considered near-silent.
const DefaultPeakThreshold = 0.01

// Verdict is the derived loudness of one chunk.
type Verdict struct {
	DecodeOK bool
	RMS      float64
	Peak     float64
	// Speech is only meaningful when the gate runs a voice activity detector.
	Speech bool
}

type Config struct {
	PeakThreshold float64
	RequireSpeech bool
	VADMode       int
}

// Gate decides whether a chunk is worth transcribing.
type Gate struct {
	cfg Config
	log *slog.Logger

	mu  sync.Mutex
	vad *webrtcvad.VAD
}

func New(cfg Config, log *slog.Logger) (*Gate, error) {
	if cfg.PeakThreshold <= 0 {
		cfg.PeakThreshold = DefaultPeakThreshold
	}
	g := &Gate{cfg: cfg, log: log.With(slog.String("component", "silence"))}
	if cfg.RequireSpeech {
		vad, err := webrtcvad.New()
		if err != nil {
			return nil, fmt.Errorf("create vad: %w", err)
		}
		mode := cfg.VADMode
		if mode < 0 {
			mode = 0
		}
		if mode > 3 {
			mode = 3
		}
		if err := vad.SetMode(mode); err != nil {
			return nil, fmt.Errorf("set vad mode: %w", err)
		}
		g.vad = vad
	}
	return g, nil
}

// Evaluate decodes the chunk and measures RMS and peak amplitude in [0, 1].
func (g *Gate) Evaluate(c audio.Chunk) Verdict {
	samples, err := audio.PCM16(c)
	if err != nil {
		return Verdict{DecodeOK: false}
	}
	v := Verdict{DecodeOK: true}
	v.RMS, v.Peak = Measure(samples)
	if g.vad != nil {
		v.Speech = g.detectSpeech(samples, c.SampleRate, c.Channels)
	}
	return v
}

// Silent applies the skip policy. Undecodable chunks are never silent.
func (g *Gate) Silent(v Verdict) bool {
	if !v.DecodeOK {
		return false
	}
	if v.Peak < g.cfg.PeakThreshold {
		return true
	}
	return g.vad != nil && !v.Speech
}

// Measure returns RMS and peak of 16-bit samples normalized to full scale.
func Measure(samples []int16) (rms, peak float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768.0
		sum += f * f
		if a := math.Abs(f); a > peak {
			peak = a
		}
	}
	return math.Sqrt(sum / float64(len(samples))), peak
}

func (g *Gate) detectSpeech(samples []int16, sampleRate, channels int) bool {
	if channels > 1 {
		samples = downmix(samples, channels)
	}
	frameSize := sampleRate / 100
	if frameSize <= 0 || !g.vad.ValidRateAndFrameLength(sampleRate, frameSize) {
		// Rate unsupported by the detector; defer to the amplitude check.
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for i := 0; i+frameSize <= len(samples); i += frameSize {
		active, err := g.vad.Process(sampleRate, audio.Int16ToBytes(samples[i:i+frameSize]))
		if err != nil {
			g.log.Debug("vad frame rejected", slog.String("error", err.Error()))
			return true
		}
		if active {
			return true
		}
	}
	return false
}

func downmix(samples []int16, channels int) []int16 {
	out := make([]int16, len(samples)/channels)
	for i := range out {
		var sum int
		for ch := 0; ch < channels; ch++ {
			sum += int(samples[i*channels+ch])
		}
		out[i] = int16(sum / channels)
	}
	return out
}
