// Package playback provides the output clock for scheduled audio: a
// sample-accurate software timeline that a speaker callback renders from.
package playback

import (
	"sync"
	"time"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/audio"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/audio/scheduler"
)

var _ scheduler.Output = (*Timeline)(nil)

// Option configures a [Timeline].
type Option func(*Timeline)

// WithTap mirrors every rendered block into tap for visualisation.
func WithTap(tap *audio.Tap) Option {
	return func(t *Timeline) {
		t.tap = tap
	}
}

// Timeline is a mono mixing clock. Its position advances only when Render is
// called, so the clock is the device clock of whatever drives it.
type Timeline struct {
	rate int
	tap  *audio.Tap

	mu     sync.Mutex
	pos    int64
	voices []*voice
}

type voice struct {
	tl      *Timeline
	samples []float32
	start   int64
	stopped bool
	onEnded func()
}

// Stop implements [scheduler.Source]. The end callback fires on the next
// render.
func (v *voice) Stop() {
	v.tl.mu.Lock()
	v.stopped = true
	v.tl.mu.Unlock()
}

// NewTimeline returns a Timeline running at sampleRate.
func NewTimeline(sampleRate int, opts ...Option) *Timeline {
	t := &Timeline{rate: sampleRate}
	for _, o := range opts {
		o(t)
	}
	return t
}

// SampleRate returns the timeline rate.
func (t *Timeline) SampleRate() int { return t.rate }

// Now implements [scheduler.Output].
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toDuration(t.pos)
}

// Play implements [scheduler.Output]. Buffers at a different rate are
// resampled and multi-channel buffers are down-mixed.
func (t *Timeline) Play(buf *audio.Buffer, at time.Duration, onEnded func()) scheduler.Source {
	samples := audio.ResampleMono(buf.Mono(), buf.SampleRate, t.rate)
	v := &voice{
		tl:      t,
		samples: samples,
		start:   t.toSamples(at),
		onEnded: onEnded,
	}

	t.mu.Lock()
	t.voices = append(t.voices, v)
	t.mu.Unlock()
	return v
}

// Pending returns the number of voices not yet finished.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voices)
}

// Render mixes every voice overlapping the next len(out) samples into out and
// advances the clock. End callbacks run after the clock advances, outside the
// timeline lock.
func (t *Timeline) Render(out []float32) {
	clear(out)

	t.mu.Lock()
	from := t.pos
	to := from + int64(len(out))

	var ended []func()
	keep := t.voices[:0]
	for _, v := range t.voices {
		if v.stopped {
			ended = append(ended, v.onEnded)
			continue
		}
		vEnd := v.start + int64(len(v.samples))
		for i := max(v.start, from); i < min(vEnd, to); i++ {
			out[i-from] += v.samples[i-v.start]
		}
		if vEnd <= to {
			ended = append(ended, v.onEnded)
			continue
		}
		keep = append(keep, v)
	}
	clear(t.voices[len(keep):])
	t.voices = keep
	t.pos = to
	t.mu.Unlock()

	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}
	if t.tap != nil {
		t.tap.Write(out)
	}
	for _, fn := range ended {
		if fn != nil {
			fn()
		}
	}
}

// toSamples and toDuration round to the nearest unit so a position survives
// the round trip and chained buffer durations land on whole samples.
func (t *Timeline) toSamples(d time.Duration) int64 {
	return (int64(d)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
}

func (t *Timeline) toDuration(n int64) time.Duration {
	if t.rate <= 0 {
		return 0
	}
	return time.Duration((n*int64(time.Second) + int64(t.rate)/2) / int64(t.rate))
}
