package audio

import "sync"

// Tap is a fixed-capacity ring of the most recently written samples. It sits
// on the capture or playback path and feeds analysers without affecting the
// signal. Writes never block beyond a short critical section.
type Tap struct {
	mu    sync.Mutex
	ring  []float32
	pos   int
	count int
}

var _ Node = (*Tap)(nil)

// NewTap returns a Tap holding the last capacity samples.
func NewTap(capacity int) *Tap {
	if capacity <= 0 {
		capacity = 2048
	}
	return &Tap{ring: make([]float32, capacity)}
}

// Write appends samples, overwriting the oldest history.
func (t *Tap) Write(samples []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(samples) >= len(t.ring) {
		copy(t.ring, samples[len(samples)-len(t.ring):])
		t.pos = 0
		t.count = len(t.ring)
		return
	}
	for _, s := range samples {
		t.ring[t.pos] = s
		t.pos = (t.pos + 1) % len(t.ring)
	}
	t.count = min(t.count+len(samples), len(t.ring))
}

// Latest implements [Node].
func (t *Tap) Latest(dst []float32) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	avail := min(t.count, len(dst), len(t.ring))
	pad := len(dst) - avail
	clear(dst[:pad])

	start := (t.pos - avail + len(t.ring)) % len(t.ring)
	for i := range avail {
		dst[pad+i] = t.ring[(start+i)%len(t.ring)]
	}
	return avail
}

// Reset discards all history.
func (t *Tap) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.ring)
	t.pos = 0
	t.count = 0
}
