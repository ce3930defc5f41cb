package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// DeviceInfo describes an input device.
type DeviceInfo struct {
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
	Default           bool
}

// PortAudioDevice reads 16-bit samples from a PortAudio input stream.
type PortAudioDevice struct {
	name            string
	sampleRate      int
	channels        int
	framesPerBuffer int

	mu     sync.Mutex
	stream *portaudio.Stream
	buffer []int16
}

func NewPortAudioDevice(name string, sampleRate, channels, framesPerBuffer int) *PortAudioDevice {
	return &PortAudioDevice{
		name:            name,
		sampleRate:      sampleRate,
		channels:        channels,
		framesPerBuffer: framesPerBuffer,
	}
}

func (d *PortAudioDevice) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		return errors.New("device already open")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}

	d.buffer = make([]int16, d.framesPerBuffer*d.channels)
	var (
		stream *portaudio.Stream
		err    error
	)
	if d.name != "" && d.name != "default" {
		info, findErr := findInputDevice(d.name)
		if findErr != nil {
			portaudio.Terminate()
			return findErr
		}
		params := portaudio.StreamParameters{
			Input: portaudio.StreamDeviceParameters{
				Device:   info,
				Channels: d.channels,
				Latency:  info.DefaultLowInputLatency,
			},
			SampleRate:      float64(d.sampleRate),
			FramesPerBuffer: d.framesPerBuffer,
		}
		stream, err = portaudio.OpenStream(params, d.buffer)
	} else {
		stream, err = portaudio.OpenDefaultStream(d.channels, 0, float64(d.sampleRate), d.framesPerBuffer, d.buffer)
	}
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("open audio stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("start audio stream: %w", err)
	}
	d.stream = stream
	return nil
}

func (d *PortAudioDevice) Read() ([]int16, error) {
	d.mu.Lock()
	stream := d.stream
	d.mu.Unlock()
	if stream == nil {
		return nil, errors.New("device not open")
	}
	if err := stream.Read(); err != nil {
		if errors.Is(err, portaudio.InputOverflowed) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]int16, len(d.buffer))
	copy(out, d.buffer)
	return out, nil
}

func (d *PortAudioDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil
	}
	stream := d.stream
	d.stream = nil
	var errs []error
	if err := stream.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := stream.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if dev.Name == name && dev.MaxInputChannels > 0 {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("input device not found: %s", name)
}

// ListDevices enumerates input-capable devices.
func ListDevices() ([]DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	var defaultName string
	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		defaultName = def.Name
	}
	var out []DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels <= 0 {
			continue
		}
		out = append(out, DeviceInfo{
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			Default:           dev.Name == defaultName,
		})
	}
	return out, nil
}
