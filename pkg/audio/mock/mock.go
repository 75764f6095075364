// Package mock provides in-memory test doubles for the capture device, the
// capture sink and the speaker.
//
// All mocks are safe for concurrent use. They record calls so tests can
// assert on counts and arguments, and expose fields to control results.
//
// Typical usage:
//
//	dev := &mock.Device{}
//	p := capture.New(dev)
//	_ = p.Start(ctx)
//	dev.Emit(make([]float32, 4096))
package mock

import (
	"sync"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/audio"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/audio/capture"
)

// ─── Device ──────────────────────────────────────────────────────────────────

var _ capture.Device = (*Device)(nil)

// Device is a mock [capture.Device]. Call Emit to simulate a device callback.
type Device struct {
	mu sync.Mutex

	// OpenErr is returned by Open when set.
	OpenErr error

	// CloseErr is returned by Close when set.
	CloseErr error

	OpenCalls       int
	CloseCalls      int
	SampleRate      int
	FramesPerBuffer int

	onFrame func([]float32)
}

// Open implements [capture.Device].
func (d *Device) Open(sampleRate, framesPerBuffer int, onFrame func([]float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls++
	if d.OpenErr != nil {
		return d.OpenErr
	}
	d.SampleRate = sampleRate
	d.FramesPerBuffer = framesPerBuffer
	d.onFrame = onFrame
	return nil
}

// Close implements [capture.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCalls++
	d.onFrame = nil
	return d.CloseErr
}

// Emit delivers samples to the registered callback as the audio thread would.
// It reports false when the device is not open.
func (d *Device) Emit(samples []float32) bool {
	d.mu.Lock()
	fn := d.onFrame
	d.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(samples)
	return true
}

// ─── Sink ────────────────────────────────────────────────────────────────────

var _ capture.Sink = (*Sink)(nil)

// Sink is a mock [capture.Sink] recording every blob it receives.
type Sink struct {
	mu sync.Mutex

	// Inactive makes Active report false.
	Inactive bool

	// SendErr is returned by Send when set.
	SendErr error

	Blobs []audio.Blob

	// Received, when non-nil, gets a value for every Send call.
	Received chan audio.Blob
}

// Active implements [capture.Sink].
func (s *Sink) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.Inactive
}

// Send implements [capture.Sink].
func (s *Sink) Send(b audio.Blob) error {
	s.mu.Lock()
	s.Blobs = append(s.Blobs, b)
	err := s.SendErr
	ch := s.Received
	s.mu.Unlock()
	if ch != nil {
		ch <- b
	}
	return err
}

// Count returns how many blobs were received.
func (s *Sink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Blobs)
}

// SetInactive toggles the Active result.
func (s *Sink) SetInactive(v bool) {
	s.mu.Lock()
	s.Inactive = v
	s.mu.Unlock()
}

// ─── Speaker ─────────────────────────────────────────────────────────────────

// Speaker is a mock output device. Call Pull to simulate a render callback.
type Speaker struct {
	mu     sync.Mutex
	render func([]float32)

	OpenErr    error
	OpenCalls  int
	CloseCalls int
}

// Open registers the render callback.
func (s *Speaker) Open(sampleRate, framesPerBuffer int, render func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls++
	if s.OpenErr != nil {
		return s.OpenErr
	}
	s.render = render
	return nil
}

// Close releases the callback.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	s.render = nil
	return nil
}

// Pull renders n samples through the registered callback.
func (s *Speaker) Pull(n int) []float32 {
	s.mu.Lock()
	fn := s.render
	s.mu.Unlock()
	out := make([]float32, n)
	if fn != nil {
		fn(out)
	}
	return out
}
