// Package spectro turns contiguous ranges of the sample buffer into dB
// spectral slices for live display, and raises trigger events when energy
// appears in the configured detection band.
package spectro

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	applog "batmon/internal/log"
	"batmon/pkg/bitint"
)

// WindowFunc selects the FFT window function.
type WindowFunc int

const (
	Hann WindowFunc = iota
	Hamming
	Blackman
	BlackmanNuttall
	Nuttall
	Lanczos
	Rectangular
)

// dB is 10·log10(power). The magnitude is squared already, and log2 is
// cheaper than log10, so fold the base change into the factor.
var dbFactor = 10.0 / math.Log2(10)

// Workspace guard value; a mismatch after a transform means the FFT wrote
// past its buckets.
const canaryValue = -1.0

// workspace holds the pre-allocated buffers for one FFT evaluation.
type workspace struct {
	input  []float64    // windowed input samples
	coeffs []complex128 // FFT output plus one canary slot
	window []float64    // window coefficients
}

// Processor performs one FFT evaluation per slice: window, transform,
// magnitude-to-dB conversion and the trigger band check. Process performs
// no allocations.
type Processor struct {
	windowSamples int
	sampleRate    float64
	floorDB       float64

	mu               sync.Mutex // guards the trigger parameters below
	minTriggerBucket int
	maxTriggerBucket int
	thresholdDB      float64

	fftObj    *fourier.FFT
	workspace workspace
}

// NewProcessor creates a processor for the given window size. The window
// function coefficients and all scratch buffers are allocated up front.
func NewProcessor(windowSamples int, sampleRate float64, floorDB float64, wf WindowFunc) (*Processor, error) {
	if !bitint.IsPowerOfTwo(windowSamples) {
		return nil, fmt.Errorf("spectro: window size must be a power of 2, got %d", windowSamples)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("spectro: sample rate must be positive, got %f", sampleRate)
	}

	buckets := windowSamples/2 + 1

	coeffs := make([]complex128, buckets+1)
	coeffs[buckets] = complex(canaryValue, canaryValue)

	windowCoeffs := make([]float64, windowSamples)
	applyWindow(windowCoeffs, wf)

	return &Processor{
		windowSamples:    windowSamples,
		sampleRate:       sampleRate,
		floorDB:          floorDB,
		maxTriggerBucket: -1, // No trigger band until SetTriggerBand.
		fftObj:           fourier.NewFFT(windowSamples),
		workspace: workspace{
			input:  make([]float64, windowSamples),
			coeffs: coeffs,
			window: windowCoeffs,
		},
	}, nil
}

// Buckets returns the number of frequency buckets per slice.
func (p *Processor) Buckets() int { return p.windowSamples/2 + 1 }

// BucketFrequency returns the center frequency in Hz for a bucket index.
func (p *Processor) BucketFrequency(bucket int) float64 {
	return float64(bucket) * p.sampleRate / float64(p.windowSamples)
}

// SetTriggerBand configures auto-trigger detection: a slice triggers when
// any bucket within [lowHz, highHz] reaches thresholdDB. Safe to call while
// the pipeline is running.
func (p *Processor) SetTriggerBand(lowHz, highHz, thresholdDB float64) {
	binWidth := p.sampleRate / float64(p.windowSamples)
	minBucket := int(math.Ceil(lowHz / binWidth))
	maxBucket := int(math.Floor(highHz / binWidth))
	if minBucket < 0 {
		minBucket = 0
	}
	if maxBucket > p.Buckets()-1 {
		maxBucket = p.Buckets() - 1
	}

	p.mu.Lock()
	p.minTriggerBucket = minBucket
	p.maxTriggerBucket = maxBucket
	p.thresholdDB = thresholdDB
	p.mu.Unlock()
}

// ClearTriggerBand disables trigger detection.
func (p *Processor) ClearTriggerBand() {
	p.mu.Lock()
	p.minTriggerBucket = 0
	p.maxTriggerBucket = -1
	p.mu.Unlock()
}

// Process windows and transforms one slice of samples into dB values in
// dst, which must hold Buckets() values. Returns whether the slice fired
// the trigger.
func (p *Processor) Process(samples []int16, dst []float64) bool {
	for i := range p.workspace.input {
		var s float64
		if i < len(samples) {
			s = float64(samples[i])
		}
		p.workspace.input[i] = s * p.workspace.window[i]
	}

	buckets := p.Buckets()
	p.fftObj.Coefficients(p.workspace.coeffs[:buckets], p.workspace.input)
	if p.workspace.coeffs[buckets] != complex(canaryValue, canaryValue) {
		applog.Fatalf("spectro: FFT workspace guard overwritten")
	}

	p.mu.Lock()
	minBucket, maxBucket, threshold := p.minTriggerBucket, p.maxTriggerBucket, p.thresholdDB
	p.mu.Unlock()

	// The peak bin for a sinusoid of amplitude A holds A·N/2, so 2/N
	// normalizes slice values independently of the window size.
	norm := 2.0 / float64(p.windowSamples)
	norm2 := norm * norm

	triggered := false
	for j := 0; j < buckets; j++ {
		re := real(p.workspace.coeffs[j])
		im := imag(p.workspace.coeffs[j])
		mag2 := (re*re + im*im) * norm2

		db := p.floorDB
		if mag2 > 0 {
			db = dbFactor * math.Log2(mag2)
		}
		dst[j] = db

		if j >= minBucket && j <= maxBucket && db >= threshold {
			triggered = true
		}
	}
	return triggered
}

// ParseWindowFunc converts a window function name (case-insensitive) to its
// enum value, defaulting to Hann with an error for unknown names.
func ParseWindowFunc(name string) (WindowFunc, error) {
	switch strings.ToLower(name) {
	case "hann", "hanning":
		return Hann, nil
	case "hamming":
		return Hamming, nil
	case "blackman":
		return Blackman, nil
	case "blackmannuttall":
		return BlackmanNuttall, nil
	case "nuttall":
		return Nuttall, nil
	case "lanczos":
		return Lanczos, nil
	case "rectangular", "none":
		return Rectangular, nil
	default:
		return Hann, fmt.Errorf("spectro: unknown window function %q", name)
	}
}

// applyWindow fills coeffs with the selected window function. The slice is
// seeded with ones because the gonum functions multiply in place.
func applyWindow(coeffs []float64, wf WindowFunc) {
	for i := range coeffs {
		coeffs[i] = 1.0
	}
	switch wf {
	case Hamming:
		window.Hamming(coeffs)
	case Blackman:
		window.Blackman(coeffs)
	case BlackmanNuttall:
		window.BlackmanNuttall(coeffs)
	case Nuttall:
		window.Nuttall(coeffs)
	case Lanczos:
		window.Lanczos(coeffs)
	case Rectangular:
		// Already all ones.
	default:
		window.Hann(coeffs)
	}
}
