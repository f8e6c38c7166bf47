// Package wavfile replays a WAV file through the capture source contract.
//
// Without pacing, every packet is one hardware buffer read straight from the
// file. With pacing, frames become available at the file's sample rate and a
// simulated hardware buffer holds at most BufferFrames of them; frames the
// relay fails to drain in time are skipped, as a device overrun would lose
// them.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/wav"

	"github.com/lissahyacinth/audia/internal/audio"
	"github.com/lissahyacinth/audia/internal/capture"
)

// Options configures a Source
type Options struct {
	// Realtime paces delivery at the file's sample rate
	Realtime bool
	// BufferFrames sizes the simulated hardware buffer (default 10ms)
	BufferFrames int
	// Now overrides the clock used for pacing
	Now    func() time.Time
	Logger *slog.Logger
}

// Stats represents replay statistics for monitoring
type Stats struct {
	Path          string `json:"path"`
	TotalFrames   int64  `json:"total_frames"`
	FramesRead    int64  `json:"frames_read"`
	FramesSkipped int64  `json:"frames_skipped"`
	Overruns      uint64 `json:"overruns"`
	Finished      bool   `json:"finished"`
}

// Source replays one WAV file
type Source struct {
	path   string
	opts   Options
	logger *slog.Logger

	mu           sync.Mutex
	file         *os.File
	pcm          io.Reader
	format       audio.StreamFormat
	bufferFrames int
	started      bool
	startedAt    time.Time
	consumed     int64 // frames read or skipped, the replay position
	pending      []byte
	held         bool
	eof          bool

	stats Stats
}

var _ capture.Source = (*Source)(nil)

// New creates a source for path. Activate opens it.
func New(path string, opts Options) *Source {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Source{
		path:   path,
		opts:   opts,
		logger: opts.Logger,
		stats:  Stats{Path: path},
	}
}

// Activate opens the file and reads its format
func (s *Source) Activate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.path, err)
	}

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		f.Close()
		return fmt.Errorf("failed to read WAV header: %w", err)
	}
	if !dec.IsValidFile() {
		f.Close()
		return fmt.Errorf("%s is not a valid WAV file", s.path)
	}

	format, err := audio.WaveFormat{
		Tag:           dec.WavAudioFormat,
		Channels:      dec.NumChans,
		SampleRate:    dec.SampleRate,
		BitsPerSample: dec.BitDepth,
	}.StreamFormat()
	if err != nil {
		f.Close()
		return err
	}

	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return fmt.Errorf("failed to locate PCM data: %w", err)
	}

	bufferFrames := s.opts.BufferFrames
	if bufferFrames <= 0 {
		bufferFrames = format.SampleRate / 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.file = f
	// Trailing chunks after the data chunk are not audio
	s.pcm = io.LimitReader(dec.PCMChunk, dec.PCMLen())
	s.format = format
	s.bufferFrames = bufferFrames
	s.stats.TotalFrames = dec.PCMLen() / int64(format.BlockAlign)

	s.logger.Info("WAV capture source opened",
		slog.String("path", s.path),
		slog.String("format", format.String()),
		slog.Int64("frames", s.stats.TotalFrames),
		slog.Duration("duration", format.FrameDuration(int(s.stats.TotalFrames))),
		slog.Bool("realtime", s.opts.Realtime),
	)
	return nil
}

func (s *Source) Name() string {
	return "file://" + filepath.Base(s.path)
}

func (s *Source) NativeFormat() audio.StreamFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

func (s *Source) BufferFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferFrames
}

func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return capture.ErrNotActivated
	}
	if !s.started {
		s.started = true
		s.startedAt = s.opts.Now()
	}
	return nil
}

func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

func (s *Source) PendingFrames() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fill(); err != nil {
		return 0, err
	}
	if len(s.pending) == 0 && s.eof {
		return 0, capture.ErrEndOfStream
	}
	return len(s.pending) / s.format.BlockAlign, nil
}

func (s *Source) Acquire() (capture.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		return capture.Packet{}, errors.New("wavfile: packet already acquired")
	}
	if err := s.fill(); err != nil {
		return capture.Packet{}, err
	}
	if len(s.pending) == 0 {
		if s.eof {
			return capture.Packet{}, capture.ErrEndOfStream
		}
		return capture.Packet{}, capture.ErrNoData
	}
	s.held = true
	return capture.Packet{Data: s.pending, Frames: len(s.pending) / s.format.BlockAlign}, nil
}

func (s *Source) Release(frames int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held {
		return errors.New("wavfile: nothing to release")
	}
	s.held = false
	s.pending = s.pending[:0]
	return nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.logger.Info("WAV capture source closed",
		slog.String("path", s.path),
		slog.Int64("frames_read", s.stats.FramesRead),
		slog.Int64("frames_skipped", s.stats.FramesSkipped),
	)
	return err
}

// fill reads the next packet when none is pending. Must hold mu.
func (s *Source) fill() error {
	if s.file == nil {
		return capture.ErrNotActivated
	}
	if len(s.pending) > 0 || s.eof || !s.started {
		return nil
	}
	if s.stats.TotalFrames > 0 && s.consumed >= s.stats.TotalFrames {
		s.finish()
		return nil
	}

	frames := s.bufferFrames
	if s.opts.Realtime {
		available := s.available()
		if available > int64(s.bufferFrames) {
			lost := available - int64(s.bufferFrames)
			if err := s.skip(lost); err != nil {
				return err
			}
			available = int64(s.bufferFrames)
		}
		frames = int(available)
	}
	if frames <= 0 || s.eof {
		return nil
	}
	return s.read(frames)
}

// available returns the frames the simulated device has captured but the
// relay has not yet taken
func (s *Source) available() int64 {
	elapsed := s.opts.Now().Sub(s.startedAt)
	captured := int64(elapsed.Seconds() * float64(s.format.SampleRate))
	if s.stats.TotalFrames > 0 {
		captured = min(captured, s.stats.TotalFrames)
	}
	return captured - s.consumed
}

func (s *Source) read(frames int) error {
	size := frames * s.format.BlockAlign
	if cap(s.pending) < size {
		s.pending = make([]byte, size)
	}
	buf := s.pending[:size]

	n, err := io.ReadFull(s.pcm, buf)
	n -= n % s.format.BlockAlign
	s.pending = buf[:n]

	got := int64(n / s.format.BlockAlign)
	s.consumed += got
	s.stats.FramesRead += got

	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		s.finish()
		return nil
	default:
		return &capture.DeviceError{Op: "read", Err: err}
	}
}

// skip discards frames that overflowed the simulated hardware buffer
func (s *Source) skip(frames int64) error {
	s.stats.Overruns++
	size := frames * int64(s.format.BlockAlign)

	n, err := io.CopyN(io.Discard, s.pcm, size)
	got := n / int64(s.format.BlockAlign)
	s.consumed += got
	s.stats.FramesSkipped += got

	s.logger.Debug("Replay overrun, frames lost",
		slog.Int64("frames", got),
	)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		s.finish()
		return nil
	default:
		return &capture.DeviceError{Op: "read", Err: err}
	}
}

func (s *Source) finish() {
	s.eof = true
	s.stats.Finished = true
}

// GetStats returns replay statistics
func (s *Source) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
