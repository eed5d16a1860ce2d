package recorder

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-audio/riff"

	"batmon/internal/guano"
)

// guanID identifies the GUANO metadata chunk.
var guanID = [4]byte{'g', 'u', 'a', 'n'}

const (
	wavAudioFormatPCM = 1
	wavBitDepth       = 16
)

// wavFile accumulates PCM samples in a private scratch stream. The public
// WAV file is produced only at finalize time, when the exact data length is
// known, so the header never needs patching and no file is ever visible
// with an invalid header.
type wavFile struct {
	scratch    *os.File
	dir        string
	baseName   string
	sampleRate int
	meta       *guano.Metadata

	samplesWritten int64
	byteScratch    []byte
}

// newWavFile opens the scratch stream for a recording segment.
func newWavFile(dir, baseName string, sampleRate int, meta *guano.Metadata) (*wavFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create output dir: %w", err)
	}
	scratch, err := os.CreateTemp(dir, ".batmon-scratch-*")
	if err != nil {
		return nil, fmt.Errorf("recorder: create scratch file: %w", err)
	}
	return &wavFile{
		scratch:    scratch,
		dir:        dir,
		baseName:   baseName,
		sampleRate: sampleRate,
		meta:       meta,
	}, nil
}

// writeSamples appends PCM samples to the scratch stream.
func (w *wavFile) writeSamples(samples []int16) error {
	need := len(samples) * 2
	if cap(w.byteScratch) < need {
		w.byteScratch = make([]byte, need)
	}
	buf := w.byteScratch[:need]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	if _, err := w.scratch.Write(buf); err != nil {
		return fmt.Errorf("recorder: scratch write: %w", err)
	}
	w.samplesWritten += int64(len(samples))
	return nil
}

// finalize closes the data segment: it computes the header from the exact
// sample count, prepends header and GUANO chunk and moves the completed
// bytes into a uniquely named public file. Returns the public path.
func (w *wavFile) finalize() (string, error) {
	defer w.cleanupScratch()

	if _, err := w.scratch.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("recorder: rewind scratch: %w", err)
	}

	path, out, err := createUnique(w.dir, w.baseName)
	if err != nil {
		return "", err
	}

	if err := w.writeHeader(out); err != nil {
		out.Close()
		os.Remove(path)
		return "", err
	}
	if _, err := io.Copy(out, w.scratch); err != nil {
		out.Close()
		os.Remove(path)
		return "", fmt.Errorf("recorder: copy payload: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("recorder: close %s: %w", path, err)
	}
	return path, nil
}

// discard drops the scratch data without producing a public file.
func (w *wavFile) discard() {
	w.cleanupScratch()
}

func (w *wavFile) cleanupScratch() {
	if w.scratch == nil {
		return
	}
	name := w.scratch.Name()
	w.scratch.Close()
	os.Remove(name)
	w.scratch = nil
}

// writeHeader emits RIFF/WAVE, `fmt `, `guan` and the `data` chunk header.
func (w *wavFile) writeHeader(out io.Writer) error {
	guanoPayload := w.meta.Bytes()
	dataLen := uint32(w.samplesWritten * 2)

	// RIFF size: WAVE id + three complete sub-chunks.
	riffLen := uint32(4 + (8 + 16) + (8 + len(guanoPayload)) + 8 + int(dataLen))

	blockAlign := uint16(wavBitDepth / 8) // mono
	byteRate := uint32(w.sampleRate) * uint32(blockAlign)

	var hdr []interface{}
	hdr = append(hdr,
		riff.RiffID, riffLen, riff.WavFormatID,
		riff.FmtID, uint32(16),
		uint16(wavAudioFormatPCM), uint16(1), // PCM, mono
		uint32(w.sampleRate), byteRate, blockAlign, uint16(wavBitDepth),
		guanID, uint32(len(guanoPayload)), guanoPayload,
		riff.DataFormatID, dataLen,
	)
	for _, v := range hdr {
		if err := binary.Write(out, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("recorder: write header: %w", err)
		}
	}
	return nil
}

// createUnique opens baseName.wav in dir, probing numeric suffixes until an
// unused name is found.
func createUnique(dir, baseName string) (string, *os.File, error) {
	for i := 0; ; i++ {
		name := baseName + ".wav"
		if i > 0 {
			name = fmt.Sprintf("%s_%d.wav", baseName, i)
		}
		path := filepath.Join(dir, name)
		out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return path, out, nil
		}
		if !os.IsExist(err) {
			return "", nil, fmt.Errorf("recorder: create %s: %w", path, err)
		}
	}
}
