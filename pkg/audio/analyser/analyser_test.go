package analyser_test

import (
	"math"
	"testing"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/audio"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/audio/analyser"
)

func TestAnalyser_SilenceIsZero(t *testing.T) {
	t.Parallel()
	tap := audio.NewTap(1024)
	tap.Write(make([]float32, 1024))

	a := analyser.New(tap)
	a.Update()
	if len(a.Data()) != a.FrequencyBinCount() {
		t.Fatalf("len(Data()) = %d, want %d", len(a.Data()), a.FrequencyBinCount())
	}
	for i, b := range a.Data() {
		if b != 0 {
			t.Fatalf("bin %d = %d, want 0 for silence", i, b)
		}
	}
	if a.Level() != 0 {
		t.Errorf("Level() = %v, want 0", a.Level())
	}
}

func TestAnalyser_SinePeaksAtItsBin(t *testing.T) {
	t.Parallel()
	const (
		size = 256
		bin  = 32
	)
	tap := audio.NewTap(size)
	sine := make([]float32, size)
	for i := range sine {
		sine[i] = float32(0.8 * math.Sin(2*math.Pi*bin*float64(i)/size))
	}
	tap.Write(sine)

	a := analyser.New(tap,
		analyser.WithFFTSize(size),
		analyser.WithSmoothing(0),
		analyser.WithDecibelRange(-100, 0),
	)
	a.Update()

	data := a.Data()
	peak := 0
	for i := range data {
		if data[i] > data[peak] {
			peak = i
		}
	}
	if peak != bin {
		t.Errorf("peak bin = %d, want %d", peak, bin)
	}
	if data[bin] == 0 {
		t.Error("peak bin should be non-zero")
	}
	if data[bin+20] >= data[bin] {
		t.Errorf("distant bin %d (%d) should be below peak (%d)", bin+20, data[bin+20], data[bin])
	}
}

func TestAnalyser_DataIsOverwrittenInPlace(t *testing.T) {
	t.Parallel()
	tap := audio.NewTap(256)
	a := analyser.New(tap, analyser.WithSmoothing(0))
	a.Update()
	first := a.Data()

	loud := make([]float32, 256)
	for i := range loud {
		loud[i] = float32(math.Sin(float64(i)))
	}
	tap.Write(loud)
	a.Update()

	if &first[0] != &a.Data()[0] {
		t.Error("Update should reuse the snapshot buffer")
	}
	if a.Level() == 0 {
		t.Error("Level() should rise after loud input")
	}
}

func TestWithFFTSize_IgnoresInvalid(t *testing.T) {
	t.Parallel()
	a := analyser.New(audio.NewTap(8), analyser.WithFFTSize(300))
	if a.FrequencyBinCount() != analyser.DefaultFFTSize/2 {
		t.Errorf("FrequencyBinCount() = %d, want %d", a.FrequencyBinCount(), analyser.DefaultFFTSize/2)
	}
}
