// Package portaudio implements the capture device and the speaker on top of
// PortAudio. [Initialize] must be called once before opening either.
package portaudio

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/audio/capture"
)

// Initialize starts the PortAudio library and returns a function that
// terminates it.
func Initialize() (terminate func() error, err error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return portaudio.Terminate, nil
}

// classify maps a PortAudio failure onto the capture error taxonomy.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not authorized") {
		return fmt.Errorf("%w: %v", capture.ErrPermission, err)
	}
	return fmt.Errorf("%w: %v", capture.ErrNoDevice, err)
}

// ─── Microphone ──────────────────────────────────────────────────────────────

var _ capture.Device = (*Microphone)(nil)

// Microphone captures mono float32 samples from the default input device.
type Microphone struct {
	mu     sync.Mutex
	stream *portaudio.Stream
}

// Open implements [capture.Device].
func (m *Microphone) Open(sampleRate, framesPerBuffer int, onFrame func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != nil {
		return nil
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return fmt.Errorf("%w: %v", capture.ErrNoDevice, err)
	}
	if dev == nil || dev.MaxInputChannels < 1 {
		return capture.ErrNoDevice
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: framesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, func(in []float32) {
		onFrame(in)
	})
	if err != nil {
		return classify(err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return classify(err)
	}
	m.stream = stream
	return nil
}

// Close implements [capture.Device].
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil
	}
	stream := m.stream
	m.stream = nil
	if err := stream.Stop(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("portaudio: stop input: %w", err)
	}
	return stream.Close()
}

// ─── Speaker ─────────────────────────────────────────────────────────────────

// Speaker plays mono float32 samples on the default output device, pulling
// each block from a render callback.
type Speaker struct {
	mu     sync.Mutex
	stream *portaudio.Stream
}

// Open starts the output stream. render fills each block and runs on the
// audio thread.
func (s *Speaker) Open(sampleRate, framesPerBuffer int, render func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return nil
	}

	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return fmt.Errorf("portaudio: default output device: %w", err)
	}
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: framesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, func(out []float32) {
		render(out)
	})
	if err != nil {
		return fmt.Errorf("portaudio: open output: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("portaudio: start output: %w", err)
	}
	s.stream = stream
	return nil
}

// Close stops playback.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	stream := s.stream
	s.stream = nil
	if err := stream.Stop(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("portaudio: stop output: %w", err)
	}
	return stream.Close()
}
