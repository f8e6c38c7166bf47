package audio

import (
	"errors"
	"fmt"
	"time"

	"github.com/lissahyacinth/audia/internal/sample"
)

// WAVE format tags as they appear in a fmt chunk
const (
	WaveFormatPCM        uint16 = 0x0001
	WaveFormatIEEEFloat  uint16 = 0x0003
	WaveFormatExtensible uint16 = 0xFFFE
)

// StreamFormat describes a negotiated capture stream. It is immutable once a
// session starts.
type StreamFormat struct {
	Channels       int           `json:"channels"`
	SampleRate     int           `json:"sample_rate"`
	AvgBytesPerSec int           `json:"avg_bytes_per_sec"`
	BlockAlign     int           `json:"block_align"`
	BitsPerSample  int           `json:"bits_per_sample"`
	Sample         sample.Format `json:"sample_format"`
}

// NewStreamFormat derives the byte-level fields from a representation
func NewStreamFormat(f sample.Format, channels, sampleRate int) StreamFormat {
	block := channels * f.Size()
	return StreamFormat{
		Channels:       channels,
		SampleRate:     sampleRate,
		AvgBytesPerSec: block * sampleRate,
		BlockAlign:     block,
		BitsPerSample:  f.Bits(),
		Sample:         f,
	}
}

// Validate checks internal consistency
func (f StreamFormat) Validate() error {
	if !f.Sample.Valid() {
		return errors.New("sample representation is not set")
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channels must be positive (got %d)", f.Channels)
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive (got %d)", f.SampleRate)
	}
	if f.BitsPerSample != f.Sample.Bits() {
		return fmt.Errorf("bits per sample %d does not match %s", f.BitsPerSample, f.Sample)
	}
	if f.BlockAlign != f.Channels*f.Sample.Size() {
		return fmt.Errorf("block align %d does not match %d channels of %s", f.BlockAlign, f.Channels, f.Sample)
	}
	return nil
}

// SamplesPerFrames returns the number of interleaved samples in frames
func (f StreamFormat) SamplesPerFrames(frames int) int {
	return frames * f.Channels
}

// FrameDuration returns the playback time of frames
func (f StreamFormat) FrameDuration(frames int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// WakeInterval is half the hardware buffer duration. Polling at this rate
// drains a buffer before the device overwrites it.
func (f StreamFormat) WakeInterval(bufferFrames int) time.Duration {
	return f.FrameDuration(bufferFrames) / 2
}

func (f StreamFormat) String() string {
	return fmt.Sprintf("%s %dch %dHz", f.Sample, f.Channels, f.SampleRate)
}

// WaveFormat mirrors the fields of a WAVE fmt chunk, which is also how
// capture devices announce their native mix format.
type WaveFormat struct {
	Tag            uint16
	Channels       uint16
	SampleRate     uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16
	// SubFormat is the effective tag when Tag is WaveFormatExtensible
	SubFormat uint16
}

// StreamFormat maps a native mix format to a sample representation:
// PCM/16 is I16, PCM/32 is I32 and IEEE float/32 is F32. Anything else is
// rejected.
func (w WaveFormat) StreamFormat() (StreamFormat, error) {
	tag := w.Tag
	if tag == WaveFormatExtensible {
		tag = w.SubFormat
	}

	var f sample.Format
	switch {
	case tag == WaveFormatPCM && w.BitsPerSample == 16:
		f = sample.I16
	case tag == WaveFormatPCM && w.BitsPerSample == 32:
		f = sample.I32
	case tag == WaveFormatIEEEFloat && w.BitsPerSample == 32:
		f = sample.F32
	default:
		return StreamFormat{}, fmt.Errorf("unsupported wave format: tag 0x%04x, %d bits", w.Tag, w.BitsPerSample)
	}

	sf := StreamFormat{
		Channels:       int(w.Channels),
		SampleRate:     int(w.SampleRate),
		AvgBytesPerSec: int(w.AvgBytesPerSec),
		BlockAlign:     int(w.BlockAlign),
		BitsPerSample:  int(w.BitsPerSample),
		Sample:         f,
	}
	if sf.BlockAlign == 0 {
		sf.BlockAlign = sf.Channels * f.Size()
	}
	if sf.AvgBytesPerSec == 0 {
		sf.AvgBytesPerSec = sf.BlockAlign * sf.SampleRate
	}
	if err := sf.Validate(); err != nil {
		return StreamFormat{}, fmt.Errorf("invalid wave format: %w", err)
	}
	return sf, nil
}
