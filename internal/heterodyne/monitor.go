// Package heterodyne shifts the ultrasonic band into audible range. Each
// incoming sample is multiplied with one or two cosine reference tones,
// low-pass filtered and decimated to the playback rate, the classic
// bat-detector heterodyne chain done in fixed point.
package heterodyne

import (
	"fmt"
	"math"
	"sync"

	"batmon/internal/config"
	applog "batmon/internal/log"
)

const (
	// referenceScale is the amplitude of the cosine table entries.
	referenceScale = 0x7FFE
	// tableGuard marks the slot past the end of the reference table.
	tableGuard = -0x0532
	// cutoffHz is the post-mix low-pass corner.
	cutoffHz = config.DownsamplingCutoffHz
	// filterStages is the number of cascaded single-pole sections.
	filterStages = config.DownsamplingStages
	// outputRate is the playback rate the decimator targets.
	outputRate = config.TargetAudioOutRate
	// maxBoost caps the output gain shift.
	maxBoost = 8
)

// Output consumes audible-rate PCM from the monitor. Write must not block;
// the monitor calls it from the capture path.
type Output interface {
	Write(samples []int16) error
	Close() error
}

// Monitor is the real-time heterodyne mixer. Process is driven by the USB
// capture path; tuning setters may be called concurrently from the control
// plane and take effect between samples.
type Monitor struct {
	sampleRate int
	decimation int
	coeff      int64

	// table holds one millisecond of a 1 kHz cosine plus a guard slot.
	// Stepping the index by k each sample reads out a k kHz reference.
	table []int32

	mu     sync.Mutex
	freq1  int
	freq2  int // 0 disables the second reference
	boost  int
	idx1   int
	idx2   int
	stages [filterStages]int64
	count  int

	out     Output
	pending []int16
}

// NewMonitor builds the reference table and filter for the capture rate.
// freq2 may be zero to run a single reference.
func NewMonitor(sampleRate, freq1, freq2, boost int, out Output) (*Monitor, error) {
	if sampleRate < outputRate || sampleRate%1000 != 0 {
		return nil, fmt.Errorf("heterodyne: unsupported sample rate %d", sampleRate)
	}
	m := &Monitor{
		sampleRate: sampleRate,
		decimation: int(math.Round(float64(sampleRate) / outputRate)),
		coeff:      filterCoefficient(sampleRate),
		table:      referenceTable(sampleRate),
		out:        out,
	}
	if m.decimation < 1 {
		m.decimation = 1
	}
	m.pending = make([]int16, 0, outputRate/40)
	if err := m.SetReferences(freq1, freq2); err != nil {
		return nil, err
	}
	if err := m.SetBoost(boost); err != nil {
		return nil, err
	}
	return m, nil
}

// referenceTable is one cycle of a cosine spanning a millisecond of input
// samples, scaled to referenceScale, with a guard slot appended.
func referenceTable(sampleRate int) []int32 {
	n := sampleRate / 1000
	table := make([]int32, n+1)
	for i := 0; i < n; i++ {
		table[i] = int32(math.Round(math.Cos(2*math.Pi*float64(i)/float64(n)) * referenceScale))
	}
	table[n] = tableGuard
	return table
}

// filterCoefficient returns the single-pole low-pass coefficient scaled to
// 2^31 for the given input rate.
func filterCoefficient(sampleRate int) int64 {
	a := 1 - math.Exp(-2*math.Pi*cutoffHz/float64(sampleRate))
	return int64(math.Round(a * float64(int64(1)<<31)))
}

// OutputRate returns the decimated playback rate.
func (m *Monitor) OutputRate() int { return m.sampleRate / m.decimation }

// SetReferences tunes the reference frequencies in kHz. freq2 of zero
// disables the second reference.
func (m *Monitor) SetReferences(freq1, freq2 int) error {
	nyquist := m.sampleRate / 2000
	if freq1 < 1 || freq1 > nyquist {
		return fmt.Errorf("heterodyne: reference 1 out of range: %d kHz", freq1)
	}
	if freq2 < 0 || freq2 > nyquist {
		return fmt.Errorf("heterodyne: reference 2 out of range: %d kHz", freq2)
	}
	m.mu.Lock()
	m.freq1 = freq1
	m.freq2 = freq2
	m.idx1 = 0
	m.idx2 = 0
	m.mu.Unlock()
	return nil
}

// SetBoost sets the output gain shift, 0 through maxBoost.
func (m *Monitor) SetBoost(boost int) error {
	if boost < 0 || boost > maxBoost {
		return fmt.Errorf("heterodyne: boost out of range: %d", boost)
	}
	m.mu.Lock()
	m.boost = boost
	m.mu.Unlock()
	return nil
}

// Process mixes, filters and decimates one burst of capture samples,
// handing audible-rate PCM to the output as it accumulates.
func (m *Monitor) Process(samples []int16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkGuard()
	tableLen := len(m.table) - 1
	shift := uint(15 - m.boost)

	for _, s := range samples {
		mixed := int64(s) * int64(m.table[m.idx1])
		if m.freq2 > 0 {
			mixed = (mixed + int64(s)*int64(m.table[m.idx2])) / 2
		}
		m.idx1 += m.freq1
		if m.idx1 >= tableLen {
			m.idx1 -= tableLen
		}
		m.idx2 += m.freq2
		if m.idx2 >= tableLen {
			m.idx2 -= tableLen
		}

		for stage := range m.stages {
			prev := m.stages[stage]
			m.stages[stage] = (m.coeff*mixed + ((int64(1)<<31)-m.coeff)*prev) >> 31
			mixed = m.stages[stage]
		}

		m.count++
		if m.count < m.decimation {
			continue
		}
		m.count = 0
		m.pending = append(m.pending, saturate(mixed>>shift))
		if len(m.pending) == cap(m.pending) {
			m.flushLocked()
		}
	}
}

func (m *Monitor) flushLocked() {
	if len(m.pending) == 0 {
		return
	}
	if m.out != nil {
		if err := m.out.Write(m.pending); err != nil {
			applog.Warnf("heterodyne: output write: %v", err)
		}
	}
	m.pending = m.pending[:0]
}

// Flush pushes any buffered output samples, used at shutdown.
func (m *Monitor) Flush() {
	m.mu.Lock()
	m.flushLocked()
	m.mu.Unlock()
}

func (m *Monitor) checkGuard() {
	if m.table[len(m.table)-1] != tableGuard {
		applog.Fatalf("heterodyne: reference table overwritten (guard slot corrupted)")
	}
}

func saturate(v int64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
