package sink

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/lissahyacinth/audia/internal/audio"
	"github.com/lissahyacinth/audia/internal/sample"
)

// FileSink persists a capture session as one WAV file. Each Write appends
// only the frames that arrived since the previous Write; Close finalizes the
// container.
type FileSink[T sample.Sample] struct {
	path    string
	format  audio.StreamFormat
	stored  sample.Format
	file    *os.File
	encoder *wav.Encoder
	buf     *goaudio.IntBuffer
	logger  *slog.Logger

	framesWritten uint64
	closed        bool
	mu            sync.Mutex
}

// FileStats represents file sink statistics for monitoring
type FileStats struct {
	Path          string  `json:"path"`
	Format        string  `json:"format"`
	FramesWritten uint64  `json:"frames_written"`
	Seconds       float64 `json:"seconds"`
	Closed        bool    `json:"closed"`
}

// NewFileSink creates path (and its directory) and writes a WAV header for
// format. Channel count and rate come from format; the encoding follows T,
// with U16 stored as I16.
func NewFileSink[T sample.Sample](path string, format audio.StreamFormat, logger *slog.Logger) (*FileSink[T], error) {
	if format.Channels <= 0 || format.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid output format %s", format)
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}

	stored := audio.StoredFormat(sample.FormatOf[T]())
	audioFormat := int(audio.WaveFormatPCM)
	if stored.IsFloat() {
		audioFormat = int(audio.WaveFormatIEEEFloat)
	}

	return &FileSink[T]{
		path:    path,
		format:  format,
		stored:  stored,
		file:    file,
		encoder: wav.NewEncoder(file, format.SampleRate, stored.Bits(), format.Channels, audioFormat),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			SourceBitDepth: stored.Bits(),
		},
		logger: logger,
	}, nil
}

// Write appends the newest frames of view
func (s *FileSink[T]) Write(view []T, frames int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	n := min(frames*s.format.Channels, len(view))
	n -= n % s.format.Channels
	if n <= 0 {
		return nil
	}
	fresh := view[len(view)-n:]

	if cap(s.buf.Data) < n {
		s.buf.Data = make([]int, n)
	}
	s.buf.Data = s.buf.Data[:n]
	toInts(s.buf.Data, fresh)

	if err := s.encoder.Write(s.buf); err != nil {
		return fmt.Errorf("failed to write WAV data: %w", err)
	}
	s.framesWritten += uint64(n / s.format.Channels)
	return nil
}

// toInts widens samples to the integer layout the WAV encoder expects.
// Floats travel as their IEEE bit pattern so a 32-bit float file receives
// the exact sample values.
func toInts[T sample.Sample](dst []int, src []T) {
	switch v := any(src).(type) {
	case []int16:
		for i, x := range v {
			dst[i] = int(x)
		}
	case []int32:
		for i, x := range v {
			dst[i] = int(x)
		}
	case []uint16:
		for i, x := range v {
			dst[i] = int(sample.U16ToI16(x))
		}
	case []float32:
		for i, x := range v {
			dst[i] = int(int32(math.Float32bits(x)))
		}
	}
}

// Close finalizes the WAV header and closes the file. A second Close
// returns ErrClosed.
func (s *FileSink[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.closed = true

	encErr := s.encoder.Close()
	fileErr := s.file.Close()
	if encErr != nil {
		return fmt.Errorf("failed to finalize WAV file: %w", encErr)
	}
	if fileErr != nil {
		return fmt.Errorf("failed to close WAV file: %w", fileErr)
	}

	s.logger.Info("Recording finalized",
		slog.String("path", s.path),
		slog.Uint64("frames", s.framesWritten),
		slog.Duration("duration", s.format.FrameDuration(int(s.framesWritten))),
	)
	return nil
}

// Path returns the output file path
func (s *FileSink[T]) Path() string {
	return s.path
}

// GetStats returns a snapshot of file sink statistics
func (s *FileSink[T]) GetStats() FileStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return FileStats{
		Path:          s.path,
		Format:        s.stored.String(),
		FramesWritten: s.framesWritten,
		Seconds:       s.format.FrameDuration(int(s.framesWritten)).Seconds(),
		Closed:        s.closed,
	}
}
