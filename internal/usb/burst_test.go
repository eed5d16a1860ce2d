package usb

import "testing"

func TestCompactPacketsNoGaps(t *testing.T) {
	// Three packets, all fully delivered: compaction is a no-op.
	data := []int16{1, 2, 3, 4, 5, 6}
	descs := []isoPacketDesc{
		{Length: 4, ActualLength: 4},
		{Length: 4, ActualLength: 4},
		{Length: 4, ActualLength: 4},
	}
	n := compactPackets(data, descs)
	if n != 6 {
		t.Fatalf("compacted to %d samples, want 6", n)
	}
	for i, want := range []int16{1, 2, 3, 4, 5, 6} {
		if data[i] != want {
			t.Errorf("data[%d] = %d, want %d", i, data[i], want)
		}
	}
}

func TestCompactPacketsWithPadding(t *testing.T) {
	// Each packet requested 3 samples (6 bytes) but delivered 2, leaving a
	// one-sample gap at the end of each packet slot.
	data := []int16{1, 2, 99, 3, 4, 99, 5, 6, 99}
	descs := []isoPacketDesc{
		{Length: 6, ActualLength: 4},
		{Length: 6, ActualLength: 4},
		{Length: 6, ActualLength: 4},
	}
	n := compactPackets(data, descs)
	if n != 6 {
		t.Fatalf("compacted to %d samples, want 6", n)
	}
	for i, want := range []int16{1, 2, 3, 4, 5, 6} {
		if data[i] != want {
			t.Errorf("data[%d] = %d, want %d", i, data[i], want)
		}
	}
}

func TestCompactPacketsEmptyPackets(t *testing.T) {
	// Underrun: middle packet delivered nothing.
	data := []int16{1, 2, 99, 99, 3, 4}
	descs := []isoPacketDesc{
		{Length: 4, ActualLength: 4},
		{Length: 4, ActualLength: 0},
		{Length: 4, ActualLength: 4},
	}
	n := compactPackets(data, descs)
	if n != 4 {
		t.Fatalf("compacted to %d samples, want 4", n)
	}
	for i, want := range []int16{1, 2, 3, 4} {
		if data[i] != want {
			t.Errorf("data[%d] = %d, want %d", i, data[i], want)
		}
	}
}

func TestCompactPacketsAllEmpty(t *testing.T) {
	data := []int16{9, 9, 9, 9}
	descs := []isoPacketDesc{
		{Length: 4, ActualLength: 0},
		{Length: 4, ActualLength: 0},
	}
	if n := compactPackets(data, descs); n != 0 {
		t.Errorf("compacted to %d samples, want 0", n)
	}
}

func TestDownmixStereo(t *testing.T) {
	tests := []struct {
		desc    string
		input   []int16
		samples int
		want    []int16
	}{
		{"simple average", []int16{100, 200, -100, -200}, 4, []int16{150, -150}},
		{"identical channels", []int16{500, 500, -500, -500}, 4, []int16{500, -500}},
		{"full scale", []int16{32767, 32767, -32768, -32768}, 4, []int16{32767, -32768}},
		{"odd rounding", []int16{1, 2, -1, -2}, 4, []int16{1, -2}}, // Arithmetic shift floors
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			data := make([]int16, len(tt.input))
			copy(data, tt.input)
			n := downmixStereo(data, tt.samples)
			if n != tt.samples/2 {
				t.Fatalf("mono count %d, want %d", n, tt.samples/2)
			}
			for i, want := range tt.want {
				if data[i] != want {
					t.Errorf("data[%d] = %d, want %d", i, data[i], want)
				}
			}
		})
	}
}
