package spectro

import (
	"math"
	"testing"
)

const (
	testWindow     = 512
	testSampleRate = 384000
	testFloorDB    = -120
)

// tone synthesizes a cosine of amplitude amp centered exactly on the given
// FFT bucket.
func tone(amp float64, bucket, n int) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(math.Round(amp * math.Cos(2*math.Pi*float64(bucket)*float64(i)/float64(n))))
	}
	return s
}

func TestProcessZeroInputYieldsFloor(t *testing.T) {
	p, err := NewProcessor(testWindow, testSampleRate, testFloorDB, Hann)
	if err != nil {
		t.Fatal(err)
	}

	dst := make([]float64, p.Buckets())
	triggered := p.Process(make([]int16, testWindow), dst)
	if triggered {
		t.Error("zero input must not trigger")
	}
	for i, db := range dst {
		if db != testFloorDB {
			t.Errorf("bucket %d = %g dB, want floor %g", i, db, float64(testFloorDB))
		}
	}
}

func TestProcessSingleBinAmplitude(t *testing.T) {
	// With a rectangular window, a cosine of amplitude A on bin k carries
	// A·N/2 in that bin, which must come out as 20·log10(A) dB.
	p, err := NewProcessor(testWindow, testSampleRate, testFloorDB, Rectangular)
	if err != nil {
		t.Fatal(err)
	}

	const amp = 1000.0
	const bucket = 32
	dst := make([]float64, p.Buckets())
	p.Process(tone(amp, bucket, testWindow), dst)

	want := 20 * math.Log10(amp)
	if got := dst[bucket]; math.Abs(got-want) > 0.1 {
		t.Errorf("bucket %d = %g dB, want %g ± 0.1", bucket, got, want)
	}

	// Neighbouring buckets stay far below the peak.
	if dst[bucket-2] > want-40 || dst[bucket+2] > want-40 {
		t.Errorf("leakage too high: %g / %g dB around peak %g",
			dst[bucket-2], dst[bucket+2], want)
	}
}

func TestTriggerBand(t *testing.T) {
	p, err := NewProcessor(testWindow, testSampleRate, testFloorDB, Rectangular)
	if err != nil {
		t.Fatal(err)
	}

	binWidth := float64(testSampleRate) / testWindow
	const bucket = 40
	freq := float64(bucket) * binWidth
	in := tone(2000, bucket, testWindow) // ~66 dB
	dst := make([]float64, p.Buckets())

	tests := []struct {
		desc      string
		lowHz     float64
		highHz    float64
		threshold float64
		want      bool
	}{
		{"in band, below threshold level", freq - binWidth, freq + binWidth, 80, false},
		{"in band, above threshold level", freq - binWidth, freq + binWidth, 40, true},
		{"out of band", freq + 10*binWidth, freq + 20*binWidth, 40, false},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			p.SetTriggerBand(tt.lowHz, tt.highHz, tt.threshold)
			if got := p.Process(in, dst); got != tt.want {
				t.Errorf("triggered = %v, want %v", got, tt.want)
			}
		})
	}

	p.ClearTriggerBand()
	if p.Process(in, dst) {
		t.Error("cleared trigger band must not trigger")
	}
}

func TestProcessHotPath(t *testing.T) {
	p, err := NewProcessor(testWindow, testSampleRate, testFloorDB, Hann)
	if err != nil {
		t.Fatal(err)
	}

	in := tone(1000, 16, testWindow)
	dst := make([]float64, p.Buckets())

	// Warm-up call before counting.
	p.Process(in, dst)
	allocs := testing.AllocsPerRun(100, func() {
		p.Process(in, dst)
	})
	if allocs > 0 {
		t.Errorf("expected zero allocations in Process, got %.1f", allocs)
	}
}

func TestParseWindowFunc(t *testing.T) {
	tests := []struct {
		name    string
		want    WindowFunc
		wantErr bool
	}{
		{"Hann", Hann, false},
		{"hanning", Hann, false},
		{"HAMMING", Hamming, false},
		{"blackman", Blackman, false},
		{"nuttall", Nuttall, false},
		{"rectangular", Rectangular, false},
		{"sinc", Hann, true},
	}

	for _, tt := range tests {
		got, err := ParseWindowFunc(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseWindowFunc(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseWindowFunc(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func BenchmarkProcess(b *testing.B) {
	p, err := NewProcessor(testWindow, testSampleRate, testFloorDB, Hann)
	if err != nil {
		b.Fatal(err)
	}
	in := tone(1000, 16, testWindow)
	dst := make([]float64, p.Buckets())

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		p.Process(in, dst)
	}
}
