package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	EncodingWAV   = "audio/wav"
	EncodingPCM16 = "audio/L16"
)

var ErrFormatMismatch = errors.New("audio chunks have different formats")

// Chunk is one bounded slice of captured audio. Data is never mutated after capture.
type Chunk struct {
	Sequence   uint64
	Data       []byte
	Encoding   string
	SampleRate int
	Channels   int
	CapturedAt time.Time
}

// Len reports the payload size in bytes.
func (c Chunk) Len() int { return len(c.Data) }

// Duration estimates the audio length from the payload size.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	n := len(c.Data)
	if c.Encoding == EncodingWAV && n > wavHeaderSize {
		n -= wavHeaderSize
	}
	samples := n / 2 / c.Channels
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}

const wavHeaderSize = 44

// NewChunk builds a chunk from little-endian 16-bit PCM in the requested encoding.
func NewChunk(seq uint64, pcm []byte, encoding string, sampleRate, channels int, capturedAt time.Time) (Chunk, error) {
	c := Chunk{
		Sequence:   seq,
		Encoding:   encoding,
		SampleRate: sampleRate,
		Channels:   channels,
		CapturedAt: capturedAt,
	}
	switch encoding {
	case EncodingPCM16:
		c.Data = append([]byte(nil), pcm...)
	case EncodingWAV:
		data, err := EncodeWAV(pcm, sampleRate, channels)
		if err != nil {
			return Chunk{}, err
		}
		c.Data = data
	default:
		return Chunk{}, fmt.Errorf("unsupported chunk encoding %q", encoding)
	}
	return c, nil
}

// PCM16 returns the chunk payload as interleaved 16-bit samples.
func PCM16(c Chunk) ([]int16, error) {
	switch c.Encoding {
	case EncodingPCM16:
		return BytesToInt16(c.Data)
	case EncodingWAV:
		buf, depth, err := decodeWAV(c.Data)
		if err != nil {
			return nil, err
		}
		shift := depth - 16
		out := make([]int16, len(buf.Data))
		for i, s := range buf.Data {
			if shift > 0 {
				s >>= shift
			} else if shift < 0 {
				s <<= -shift
			}
			out[i] = int16(s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported chunk encoding %q", c.Encoding)
}

// RawPCM returns the chunk payload as little-endian 16-bit PCM bytes.
func RawPCM(c Chunk) ([]byte, error) {
	if c.Encoding == EncodingPCM16 {
		if len(c.Data)%2 != 0 {
			return nil, errors.New("pcm payload not aligned")
		}
		return c.Data, nil
	}
	samples, err := PCM16(c)
	if err != nil {
		return nil, err
	}
	return Int16ToBytes(samples), nil
}

// Concat joins two chunks of the same format into one. The result keeps a's
// sequence number and capture time.
func Concat(a, b Chunk) (Chunk, error) {
	if a.Encoding != b.Encoding || a.SampleRate != b.SampleRate || a.Channels != b.Channels {
		return Chunk{}, ErrFormatMismatch
	}
	out := a
	switch a.Encoding {
	case EncodingPCM16:
		out.Data = append(append(make([]byte, 0, len(a.Data)+len(b.Data)), a.Data...), b.Data...)
		return out, nil
	case EncodingWAV:
		left, err := RawPCM(a)
		if err != nil {
			return Chunk{}, fmt.Errorf("decode head chunk: %w", err)
		}
		right, err := RawPCM(b)
		if err != nil {
			return Chunk{}, fmt.Errorf("decode next chunk: %w", err)
		}
		pcm := append(append(make([]byte, 0, len(left)+len(right)), left...), right...)
		data, err := EncodeWAV(pcm, a.SampleRate, a.Channels)
		if err != nil {
			return Chunk{}, err
		}
		out.Data = data
		return out, nil
	}
	return Chunk{}, fmt.Errorf("unsupported chunk encoding %q", a.Encoding)
}

// EncodeWAV wraps 16-bit little-endian PCM in a WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	samples, err := BytesToInt16(pcm)
	if err != nil {
		return nil, err
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, s := range samples {
		buffer.Data[i] = int(s)
	}

	out := &memFile{}
	enc := wav.NewEncoder(out, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.Bytes(), nil
}

func decodeWAV(data []byte) (*goaudio.IntBuffer, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, errors.New("invalid wav payload")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	depth := int(dec.BitDepth)
	if depth <= 0 {
		return nil, 0, errors.New("wav payload has no bit depth")
	}
	return buf, depth, nil
}

// BytesToInt16 interprets little-endian 16-bit PCM.
func BytesToInt16(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.New("pcm payload not aligned")
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out, nil
}

// Int16ToBytes converts samples to little-endian 16-bit PCM.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// memFile is an in-memory io.WriteSeeker for the wav encoder.
type memFile struct {
	buf []byte
	pos int
}

func (m *memFile) Write(p []byte) (int, error) {
	end := m.pos + len(p)
	if end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	copy(m.buf[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(m.pos) + offset
	case io.SeekEnd:
		next = int64(len(m.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	m.pos = int(next)
	return next, nil
}

func (m *memFile) Bytes() []byte { return m.buf }
