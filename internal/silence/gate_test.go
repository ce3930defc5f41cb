package silence

import (
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/audio"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func toneChunk(t *testing.T, amplitude float64, seconds float64) audio.Chunk {
	t.Helper()
	n := int(16000 * seconds)
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(amplitude * 32767 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	c, err := audio.NewChunk(0, audio.Int16ToBytes(samples), audio.EncodingWAV, 16000, 1, time.Now())
	if err != nil {
		t.Fatalf("new chunk: %v", err)
	}
	return c
}

func TestNearSilentChunkIsSkipped(t *testing.T) {
	gate, err := New(Config{PeakThreshold: 0.01}, newLogger())
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	v := gate.Evaluate(toneChunk(t, 0.001, 1))
	if !v.DecodeOK {
		t.Fatal("expected decode ok")
	}
	if v.Peak > 0.0011 {
		t.Fatalf("unexpected peak %f", v.Peak)
	}
	if !gate.Silent(v) {
		t.Fatal("expected near-silent chunk to be skipped")
	}
}

func TestAudibleChunkPasses(t *testing.T) {
	gate, _ := New(Config{PeakThreshold: 0.01}, newLogger())
	v := gate.Evaluate(toneChunk(t, 0.5, 0.5))
	if gate.Silent(v) {
		t.Fatalf("expected audible chunk to pass, peak=%f", v.Peak)
	}
	if v.RMS <= 0 || v.RMS > v.Peak {
		t.Fatalf("unexpected rms %f for peak %f", v.RMS, v.Peak)
	}
}

func TestDecodeFailureFailsOpen(t *testing.T) {
	gate, _ := New(Config{PeakThreshold: 0.01}, newLogger())
	v := gate.Evaluate(audio.Chunk{Encoding: audio.EncodingWAV, Data: []byte("garbage")})
	if v.DecodeOK {
		t.Fatal("expected decode failure")
	}
	if gate.Silent(v) {
		t.Fatal("undecodable chunk must not be treated as silent")
	}
}

func TestMeasureEmpty(t *testing.T) {
	rms, peak := Measure(nil)
	if rms != 0 || peak != 0 {
		t.Fatalf("expected zeros, got %f %f", rms, peak)
	}
}

func squareChunk(t *testing.T, rate int, amplitude int16, seconds float64) audio.Chunk {
	t.Helper()
	samples := make([]int16, int(float64(rate)*seconds))
	period := rate / 200
	for i := range samples {
		if i%period < period/2 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	c, err := audio.NewChunk(0, audio.Int16ToBytes(samples), audio.EncodingWAV, rate, 1, time.Now())
	if err != nil {
		t.Fatalf("new chunk: %v", err)
	}
	return c
}

func TestSpeechDetectorGate(t *testing.T) {
	gate, err := New(Config{PeakThreshold: 0.01, RequireSpeech: true, VADMode: 0}, newLogger())
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}

	v := gate.Evaluate(squareChunk(t, 16000, 8000, 0.5))
	if !v.Speech || gate.Silent(v) {
		t.Fatalf("expected voiced chunk to pass, got %+v", v)
	}

	v = gate.Evaluate(squareChunk(t, 16000, 0, 0.5))
	if v.Speech || !gate.Silent(v) {
		t.Fatalf("expected empty chunk to be skipped, got %+v", v)
	}

	// Loud enough for the amplitude check but without speech.
	if !gate.Silent(Verdict{DecodeOK: true, RMS: 0.2, Peak: 0.3, Speech: false}) {
		t.Fatal("expected non-speech chunk to be skipped when speech is required")
	}
}

func TestSpeechDetectorDefersOnUnsupportedRate(t *testing.T) {
	gate, err := New(Config{PeakThreshold: 0.01, RequireSpeech: true}, newLogger())
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	v := gate.Evaluate(squareChunk(t, 22050, 8000, 0.2))
	if !v.Speech || gate.Silent(v) {
		t.Fatalf("expected unsupported rate to fall back to amplitude, got %+v", v)
	}
}
