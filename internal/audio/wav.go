package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lissahyacinth/audia/internal/sample"
)

// WAVHeader represents the canonical 44-byte header of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16
	AudioFormat   uint16  // 1 for PCM, 3 for IEEE float
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * BlockAlign
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

const wavHeaderSize = 44

// WAVInfo returns basic information about a WAV payload
type WAVInfo struct {
	Format     StreamFormat `json:"format"`
	Duration   float64      `json:"duration_seconds"`
	DataSize   uint32       `json:"data_size_bytes"`
	NumSamples uint32       `json:"num_samples"`
}

// StoredFormat returns the representation a WAV container holds for f.
// WAV has no unsigned 16-bit encoding, so U16 is stored as I16.
func StoredFormat(f sample.Format) sample.Format {
	if f == sample.U16 {
		return sample.I16
	}
	return f
}

// EncodeWAV encodes interleaved samples into an in-memory WAV payload
// described by format. Channel count and rate come from format; the sample
// encoding follows T.
func EncodeWAV[T sample.Sample](samples []T, format StreamFormat) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}
	if format.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", format.SampleRate)
	}
	if format.Channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", format.Channels)
	}

	stored := StoredFormat(sample.FormatOf[T]())
	header := newWAVHeader(NewStreamFormat(stored, format.Channels, format.SampleRate), len(samples))

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(samples)*stored.Size()))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	var payload []byte
	if u16, ok := any(samples).([]uint16); ok {
		payload = sample.AppendEncode(buf.AvailableBuffer(), sample.ConvertSlice[int16](nil, u16))
	} else {
		payload = sample.AppendEncode(buf.AvailableBuffer(), samples)
	}
	buf.Write(payload)

	return buf.Bytes(), nil
}

func newWAVHeader(f StreamFormat, numSamples int) WAVHeader {
	audioFormat := WaveFormatPCM
	if f.Sample.IsFloat() {
		audioFormat = WaveFormatIEEEFloat
	}
	dataSize := uint32(numSamples * f.Sample.Size())
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   audioFormat,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.AvgBytesPerSec),
		BlockAlign:    uint16(f.BlockAlign),
		BitsPerSample: uint16(f.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// DecodeWAV splits a canonical WAV payload into its format and raw
// little-endian sample bytes.
func DecodeWAV(data []byte) (StreamFormat, []byte, error) {
	if err := ValidateWAV(data); err != nil {
		return StreamFormat{}, nil, err
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return StreamFormat{}, nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	format, err := WaveFormat{
		Tag:            header.AudioFormat,
		Channels:       header.NumChannels,
		SampleRate:     header.SampleRate,
		AvgBytesPerSec: header.ByteRate,
		BlockAlign:     header.BlockAlign,
		BitsPerSample:  header.BitsPerSample,
	}.StreamFormat()
	if err != nil {
		return StreamFormat{}, nil, err
	}

	end := wavHeaderSize + int(header.Subchunk2Size)
	if end > len(data) {
		return StreamFormat{}, nil, fmt.Errorf("WAV data truncated: header declares %d bytes, have %d",
			header.Subchunk2Size, len(data)-wavHeaderSize)
	}
	return format, data[wavHeaderSize:end], nil
}

// ValidateWAV validates the container layout without decoding audio data
func ValidateWAV(data []byte) error {
	if len(data) < wavHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}
	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}
	return nil
}

// GetWAVInfo extracts metadata from a WAV payload
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	format, pcm, err := DecodeWAV(data)
	if err != nil {
		return nil, err
	}

	numSamples := uint32(len(pcm) / format.Sample.Size())
	frames := int(numSamples) / format.Channels
	return &WAVInfo{
		Format:     format,
		Duration:   format.FrameDuration(frames).Seconds(),
		DataSize:   uint32(len(pcm)),
		NumSamples: numSamples,
	}, nil
}
