// Package audio defines the sample containers shared by the capture and
// playback paths together with the PCM codec used on the wire.
//
// Samples are float32 values in [-1, 1]. The realtime model consumes 16 kHz
// mono PCM and produces 24 kHz mono PCM; both rates are fixed by the service.
package audio

import "time"

const (
	// InputSampleRate is the rate of frames sent to the model.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of audio returned by the model.
	OutputSampleRate = 24000

	// OutputChannels is the channel count of audio returned by the model.
	OutputChannels = 1
)

// Blob is the wire representation of one outbound audio frame: base64 of
// little-endian 16-bit PCM plus a MIME descriptor carrying the sample rate.
type Blob struct {
	MIMEType string
	Data     string
}

// Buffer is a decoded, playback-ready block of audio. Channels holds one
// slice per channel; all slices have the same length.
type Buffer struct {
	SampleRate int
	Channels   [][]float32
}

// Frames returns the number of samples per channel.
func (b *Buffer) Frames() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Mono returns the buffer down-mixed to a single channel. A mono buffer is
// returned as-is without copying.
func (b *Buffer) Mono() []float32 {
	switch len(b.Channels) {
	case 0:
		return nil
	case 1:
		return b.Channels[0]
	}
	n := b.Frames()
	out := make([]float32, n)
	scale := 1 / float32(len(b.Channels))
	for _, ch := range b.Channels {
		for i := range n {
			out[i] += ch[i] * scale
		}
	}
	return out
}

// Node is a point in the audio graph whose most recent samples can be read.
// Implementations must be safe for concurrent use with the writer side.
type Node interface {
	// Latest copies the most recent len(dst) samples into dst, oldest first,
	// and returns how many were available. Missing history is zero-filled.
	Latest(dst []float32) int
}
