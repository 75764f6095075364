// Package capture acquires the microphone and forwards fixed-size encoded
// frames to the active live session while recording is on.
//
// Frames are never buffered for later: a frame captured while recording is
// off, or while no session is attached and open, is dropped on the spot. The
// device callback hands frames to a sender goroutine through a small
// non-blocking channel so a slow network write never stalls the audio thread;
// when that channel is full the frame is dropped and counted.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/audio"
)

var (
	// ErrPermission is returned by Start when microphone access is denied.
	ErrPermission = errors.New("capture: microphone permission denied")

	// ErrNoDevice is returned by Start when no input device is available.
	ErrNoDevice = errors.New("capture: no input device available")
)

const (
	// DefaultFrameSize is the number of 16 kHz samples per outbound frame.
	DefaultFrameSize = 4096

	// DefaultHandoffDepth is the capacity of the callback-to-sender channel.
	DefaultHandoffDepth = 4
)

// Device is a mono input device delivering float samples.
type Device interface {
	// Open starts capture at sampleRate, calling onFrame from the audio
	// thread with framesPerBuffer samples each time. The slice is only valid
	// for the duration of the call.
	Open(sampleRate, framesPerBuffer int, onFrame func([]float32)) error

	// Close stops capture and releases the device.
	Close() error
}

// Sink receives encoded frames. The live session controller is the sink in
// production.
type Sink interface {
	Active() bool
	Send(audio.Blob) error
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFrameSize sets the number of 16 kHz samples per frame.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithDeviceRate sets the rate the device is opened at. Frames are resampled
// to 16 kHz before encoding when it differs.
func WithDeviceRate(rate int) Option {
	return func(p *Pipeline) {
		if rate > 0 {
			p.deviceRate = rate
		}
	}
}

// WithHandoffDepth sets the capacity of the callback-to-sender channel.
func WithHandoffDepth(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.depth = n
		}
	}
}

// WithTap mirrors every captured block into tap, whether or not recording.
func WithTap(tap *audio.Tap) Option {
	return func(p *Pipeline) {
		p.tap = tap
	}
}

// Stats counts frames since the pipeline was created.
type Stats struct {
	Sent       int64
	Dropped    int64
	SendErrors int64
}

type sinkRef struct{ Sink }

// Pipeline wires a [Device] to a [Sink]. All methods are safe for concurrent
// use.
type Pipeline struct {
	device     Device
	frameSize  int
	deviceRate int
	depth      int
	tap        *audio.Tap

	recording atomic.Bool
	sink      atomic.Pointer[sinkRef]

	sent       atomic.Int64
	dropped    atomic.Int64
	sendErrors atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns a stopped Pipeline reading from device.
func New(device Device, opts ...Option) *Pipeline {
	p := &Pipeline{
		device:     device,
		frameSize:  DefaultFrameSize,
		deviceRate: audio.InputSampleRate,
		depth:      DefaultHandoffDepth,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start opens the device. It fails with an error wrapping [ErrPermission] or
// [ErrNoDevice] when the microphone cannot be acquired. Starting a running
// pipeline is a no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	frames := make(chan []float32, p.depth)
	devFrames := p.frameSize * p.deviceRate / audio.InputSampleRate
	if err := p.device.Open(p.deviceRate, devFrames, p.callback(frames)); err != nil {
		return fmt.Errorf("capture: start: %w", err)
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	go p.forward(workerCtx, frames, p.done)

	slog.Debug("capture started", "device_rate", p.deviceRate, "frame_size", p.frameSize)
	return nil
}

// Stop releases the device and stops the sender. It is idempotent.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.running = false

	err := p.device.Close()
	p.cancel()
	<-p.done
	if err != nil {
		return fmt.Errorf("capture: stop: %w", err)
	}
	slog.Debug("capture stopped")
	return nil
}

// Running reports whether the device is open.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SetRecording toggles forwarding. While off, every captured frame is a
// no-op apart from the tap.
func (p *Pipeline) SetRecording(on bool) { p.recording.Store(on) }

// Recording reports the recording flag.
func (p *Pipeline) Recording() bool { return p.recording.Load() }

// Attach sets the sink frames are sent to. A nil sink detaches.
func (p *Pipeline) Attach(s Sink) {
	if s == nil {
		p.sink.Store(nil)
		return
	}
	p.sink.Store(&sinkRef{s})
}

// Stats returns a snapshot of the frame counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Sent:       p.sent.Load(),
		Dropped:    p.dropped.Load(),
		SendErrors: p.sendErrors.Load(),
	}
}

func (p *Pipeline) callback(frames chan<- []float32) func([]float32) {
	return func(in []float32) {
		if p.tap != nil {
			p.tap.Write(in)
		}
		if !p.recording.Load() {
			return
		}
		ref := p.sink.Load()
		if ref == nil || !ref.Active() {
			return
		}
		select {
		case frames <- slices.Clone(in):
		default:
			p.dropped.Add(1)
		}
	}
}

func (p *Pipeline) forward(ctx context.Context, frames <-chan []float32, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-frames:
			if !p.recording.Load() {
				continue
			}
			ref := p.sink.Load()
			if ref == nil || !ref.Active() {
				continue
			}
			frame = audio.ResampleMono(frame, p.deviceRate, audio.InputSampleRate)
			if err := ref.Send(audio.EncodeFrame(frame)); err != nil {
				p.sendErrors.Add(1)
				slog.Debug("capture: send frame failed", "err", err)
				continue
			}
			p.sent.Add(1)
		}
	}
}
