// Package guano builds and parses GUANO metadata chunks, the text-based
// metadata standard embedded in bat-acoustic WAV files.
//
// A chunk is UTF-8 "Key: Value" lines separated by newlines. RIFF requires
// even chunk payloads, so a single padding byte is appended when needed.
package guano

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Well-known keys written by the recorder.
const (
	KeyVersion     = "GUANO|Version"
	KeyMake        = "Make"
	KeyModel       = "Model"
	KeySamplerate  = "Samplerate"
	KeyTimestamp   = "Timestamp"
	KeyLocPosition = "Loc Position"
	KeySoftware    = "Software"
	KeyTrigger     = "BAT|Trigger"
	KeyPreTrigger  = "BAT|Pre Trigger"
	KeyPostTrigger = "BAT|Post Trigger"
)

// Version is the GUANO specification version written to every file.
const Version = "1.0"

// TimestampLayout is the local-time layout GUANO prescribes.
const TimestampLayout = "2006-01-02T15:04:05"

// Metadata is an ordered set of key/value pairs. Insertion order is
// preserved so files are written deterministically.
type Metadata struct {
	keys   []string
	values map[string]string
}

// New returns empty metadata with the mandatory version pair already set.
func New() *Metadata {
	m := &Metadata{values: make(map[string]string)}
	m.Set(KeyVersion, Version)
	return m
}

// Set adds or replaces a pair. Replacing keeps the original position.
func (m *Metadata) Set(key, value string) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// SetTimestamp stores t under the Timestamp key in GUANO layout.
func (m *Metadata) SetTimestamp(t time.Time) {
	m.Set(KeyTimestamp, t.Format(TimestampLayout))
}

// Get returns the value for key and whether it is present.
func (m *Metadata) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Len returns the number of pairs.
func (m *Metadata) Len() int { return len(m.keys) }

// Bytes renders the chunk payload: newline-separated "Key: Value" lines,
// padded to an even byte count.
func (m *Metadata) Bytes() []byte {
	var sb strings.Builder
	for i, k := range m.keys {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(m.values[k])
	}
	out := []byte(sb.String())
	if len(out)%2 != 0 {
		out = append(out, '\n')
	}
	return out
}

// Parse decodes a chunk payload into metadata. Lines without a colon and
// blank lines (including the padding byte) are skipped. Values spanning
// multiple physical lines are not supported.
func Parse(data []byte) (*Metadata, error) {
	m := &Metadata{values: make(map[string]string)}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r\x00")
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("guano: malformed line %q", line)
		}
		m.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	if _, ok := m.values[KeyVersion]; !ok {
		return nil, fmt.Errorf("guano: missing %s", KeyVersion)
	}
	return m, nil
}

// Pairs returns all pairs sorted by key, for comparison in tests and
// diagnostics.
func (m *Metadata) Pairs() []string {
	out := make([]string, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k+": "+m.values[k])
	}
	sort.Strings(out)
	return out
}
