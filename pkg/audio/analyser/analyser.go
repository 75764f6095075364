// Package analyser turns the recent history of an audio node into a byte
// spectrum suitable for level meters and visualisers.
//
// The mapping follows the familiar browser analyser node: a Blackman window,
// an FFT over the latest FFT-size samples, exponential smoothing across
// updates, then decibels scaled linearly from [MinDecibels, MaxDecibels] onto
// 0–255.
package analyser

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/audio"
)

const (
	// DefaultFFTSize is the transform length when none is configured.
	DefaultFFTSize = 256

	// DefaultSmoothing is the time constant blending successive spectra.
	DefaultSmoothing = 0.8

	// DefaultMinDecibels maps to byte value 0.
	DefaultMinDecibels = -100.0

	// DefaultMaxDecibels maps to byte value 255.
	DefaultMaxDecibels = -30.0
)

// Option configures an [Analyser].
type Option func(*Analyser)

// WithFFTSize sets the transform length. Values that are not a power of two
// between 32 and 32768 are ignored.
func WithFFTSize(n int) Option {
	return func(a *Analyser) {
		if n >= 32 && n <= 32768 && n&(n-1) == 0 {
			a.fftSize = n
		}
	}
}

// WithSmoothing sets the smoothing time constant in [0, 1).
func WithSmoothing(tc float64) Option {
	return func(a *Analyser) {
		if tc >= 0 && tc < 1 {
			a.smoothing = tc
		}
	}
}

// WithDecibelRange overrides the byte mapping range.
func WithDecibelRange(minDB, maxDB float64) Option {
	return func(a *Analyser) {
		if minDB < maxDB {
			a.minDB, a.maxDB = minDB, maxDB
		}
	}
}

// Analyser holds a non-owning reference to one node and an owned snapshot.
// It is not safe for concurrent use; one goroutine should call Update and
// read Data.
type Analyser struct {
	node      audio.Node
	fftSize   int
	smoothing float64
	minDB     float64
	maxDB     float64

	fft      *fourier.FFT
	window   []float64
	samples  []float32
	input    []float64
	coeffs   []complex128
	smoothed []float64
	data     []byte
}

// New returns an Analyser reading from node.
func New(node audio.Node, opts ...Option) *Analyser {
	a := &Analyser{
		node:      node,
		fftSize:   DefaultFFTSize,
		smoothing: DefaultSmoothing,
		minDB:     DefaultMinDecibels,
		maxDB:     DefaultMaxDecibels,
	}
	for _, o := range opts {
		o(a)
	}

	n := a.fftSize
	a.fft = fourier.NewFFT(n)
	a.window = blackman(n)
	a.samples = make([]float32, n)
	a.input = make([]float64, n)
	a.coeffs = make([]complex128, n/2+1)
	a.smoothed = make([]float64, n/2)
	a.data = make([]byte, n/2)
	return a
}

// FrequencyBinCount is the snapshot length, half the FFT size.
func (a *Analyser) FrequencyBinCount() int { return a.fftSize / 2 }

// Update pulls the node's latest samples and recomputes the snapshot in
// place. The slice previously returned by [Analyser.Data] is overwritten.
func (a *Analyser) Update() {
	a.node.Latest(a.samples)
	for i, s := range a.samples {
		a.input[i] = float64(s) * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.input)

	scale := 1 / float64(a.fftSize)
	span := a.maxDB - a.minDB
	for k := range a.smoothed {
		c := a.coeffs[k]
		mag := math.Hypot(real(c), imag(c)) * scale
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag

		db := 20 * math.Log10(a.smoothed[k])
		v := 255 * (db - a.minDB) / span
		switch {
		case math.IsNaN(v) || v <= 0:
			a.data[k] = 0
		case v >= 255:
			a.data[k] = 255
		default:
			a.data[k] = byte(v)
		}
	}
}

// Data returns the current snapshot. Callers must not retain it across
// calls to Update.
func (a *Analyser) Data() []byte { return a.data }

// Level returns the mean of the snapshot normalised to [0, 1].
func (a *Analyser) Level() float64 {
	if len(a.data) == 0 {
		return 0
	}
	var sum int
	for _, b := range a.data {
		sum += int(b)
	}
	return float64(sum) / float64(len(a.data)) / 255
}

func blackman(n int) []float64 {
	const alpha = 0.16
	a0 := 0.5 * (1 - alpha)
	a1 := 0.5
	a2 := 0.5 * alpha
	w := make([]float64, n)
	for i := range w {
		x := float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return w
}
