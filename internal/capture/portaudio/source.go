// Package portaudio captures from a local input or loopback device through
// PortAudio's blocking read API. A stream is opened with one hardware buffer
// of frames; a packet is pending whenever a full buffer is readable.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/lissahyacinth/audia/internal/audio"
	"github.com/lissahyacinth/audia/internal/capture"
	"github.com/lissahyacinth/audia/internal/config"
	"github.com/lissahyacinth/audia/internal/sample"
)

// Stats represents device capture statistics for monitoring
type Stats struct {
	Device     string `json:"device"`
	HostAPI    string `json:"host_api"`
	Reads      uint64 `json:"reads"`
	FramesRead uint64 `json:"frames_read"`
	Overruns   uint64 `json:"overruns"`
}

// Source captures from one PortAudio input device
type Source struct {
	config config.CaptureConfig
	logger *slog.Logger

	mu           sync.Mutex
	device       Device
	format       audio.StreamFormat
	bufferFrames int
	stream       *pa.Stream
	buffer       streamBuffer
	pending      []byte
	held         bool
	started      bool
	stats        Stats
}

var _ capture.Source = (*Source)(nil)

// New creates a source for the configured device. Activate opens it.
func New(cfg config.CaptureConfig, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{config: cfg, logger: logger}
}

// Activate selects the device, negotiates its format and opens the stream
func (s *Source) Activate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := Initialize(); err != nil {
		return &capture.DeviceError{Op: "activate", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.open(); err != nil {
		Terminate()
		return &capture.DeviceError{Op: "activate", Err: err}
	}

	s.logger.Info("PortAudio capture source opened",
		slog.String("device", s.device.Name),
		slog.String("host_api", s.device.HostAPI),
		slog.String("format", s.format.String()),
		slog.Int("buffer_frames", s.bufferFrames),
	)
	return nil
}

func (s *Source) open() error {
	devices, err := listDevices()
	if err != nil {
		return err
	}
	device, err := selectDevice(devices, s.config.Device)
	if err != nil {
		return err
	}
	format, bufferFrames, err := negotiate(device, s.config)
	if err != nil {
		return err
	}
	buffer, err := newStreamBuffer(format.Sample, format.SamplesPerFrames(bufferFrames))
	if err != nil {
		return err
	}

	params := pa.LowLatencyParameters(device.info, nil)
	params.Input.Channels = format.Channels
	params.SampleRate = float64(format.SampleRate)
	params.FramesPerBuffer = bufferFrames

	stream, err := pa.OpenStream(params, buffer.target())
	if err != nil {
		return fmt.Errorf("failed to open stream on %q: %w", device.Name, err)
	}

	s.device = device
	s.format = format
	s.bufferFrames = bufferFrames
	s.buffer = buffer
	s.stream = stream
	s.stats = Stats{Device: device.Name, HostAPI: device.HostAPI}
	return nil
}

// negotiate resolves the capture format against what the device offers.
// Unset fields fall back to the device defaults: all input channels, its
// default rate, float samples and a 10ms buffer.
func negotiate(device Device, cfg config.CaptureConfig) (audio.StreamFormat, int, error) {
	format := cfg.GetSampleFormat()
	switch format {
	case sample.Unknown:
		format = sample.F32
	case sample.U16:
		return audio.StreamFormat{}, 0, errors.New("portaudio does not deliver u16 samples")
	}

	channels := cfg.Channels
	if channels == 0 {
		channels = device.MaxInputChannels
	}
	if channels > device.MaxInputChannels {
		return audio.StreamFormat{}, 0, fmt.Errorf("device %q has %d input channels, %d requested",
			device.Name, device.MaxInputChannels, channels)
	}

	rate := cfg.SampleRate
	if rate == 0 {
		rate = int(math.Round(device.DefaultSampleRate))
	}

	sf := audio.NewStreamFormat(format, channels, rate)
	if err := sf.Validate(); err != nil {
		return audio.StreamFormat{}, 0, err
	}

	bufferFrames := cfg.BufferFrames
	if bufferFrames == 0 {
		bufferFrames = max(rate/100, 1)
	}
	return sf, bufferFrames, nil
}

func (s *Source) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device.Name == "" {
		return "portaudio"
	}
	return s.device.Name
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
	if s.stream == nil {
		return capture.ErrNotActivated
	}
	if s.started {
		return nil
	}
	if err := s.stream.Start(); err != nil {
		return &capture.DeviceError{Op: "start", Err: classify(err)}
	}
	s.started = true
	return nil
}

func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil || !s.started {
		return nil
	}
	s.started = false
	if err := s.stream.Stop(); err != nil {
		return fmt.Errorf("failed to stop stream: %w", err)
	}
	return nil
}

func (s *Source) PendingFrames() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fill(); err != nil {
		return 0, err
	}
	return len(s.pending) / s.format.BlockAlign, nil
}

func (s *Source) Acquire() (capture.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		return capture.Packet{}, errors.New("portaudio: packet already acquired")
	}
	if err := s.fill(); err != nil {
		return capture.Packet{}, err
	}
	if len(s.pending) == 0 {
		return capture.Packet{}, capture.ErrNoData
	}
	s.held = true
	return capture.Packet{Data: s.pending, Frames: len(s.pending) / s.format.BlockAlign}, nil
}

func (s *Source) Release(frames int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held {
		return errors.New("portaudio: nothing to release")
	}
	s.held = false
	s.pending = s.pending[:0]
	return nil
}

// Close releases the stream and PortAudio itself
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream = nil
	s.started = false
	Terminate()

	s.logger.Info("PortAudio capture source closed",
		slog.String("device", s.device.Name),
		slog.Uint64("frames_read", s.stats.FramesRead),
		slog.Uint64("overruns", s.stats.Overruns),
	)
	if err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	return nil
}

// fill reads one hardware buffer when a full one is available. Must hold mu.
func (s *Source) fill() error {
	if s.stream == nil {
		return capture.ErrNotActivated
	}
	if len(s.pending) > 0 || !s.started {
		return nil
	}

	available, err := s.stream.AvailableToRead()
	if err != nil {
		return &capture.DeviceError{Op: "pending", Err: classify(err)}
	}
	if available < s.bufferFrames {
		return nil
	}

	if err := s.stream.Read(); err != nil {
		// The buffer still holds valid frames after an overflow
		if !errors.Is(err, pa.InputOverflowed) {
			return &capture.DeviceError{Op: "read", Err: classify(err)}
		}
		s.stats.Overruns++
		s.logger.Debug("Input overflow, frames lost", slog.String("device", s.device.Name))
	}

	s.pending = s.buffer.appendTo(s.pending[:0])
	s.stats.Reads++
	s.stats.FramesRead += uint64(s.bufferFrames)
	return nil
}

// classify maps PortAudio errors that mean the device is gone onto
// capture.ErrDeviceInvalidated
func classify(err error) error {
	if errors.Is(err, pa.DeviceUnavailable) || errors.Is(err, pa.InvalidDevice) {
		return fmt.Errorf("%w: %v", capture.ErrDeviceInvalidated, err)
	}
	return err
}

// GetStats returns device capture statistics
func (s *Source) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// streamBuffer is the typed buffer a blocking stream reads into
type streamBuffer interface {
	target() any
	appendTo(dst []byte) []byte
}

type typedBuffer[T sample.Sample] struct {
	buf []T
}

func (b *typedBuffer[T]) target() any {
	return b.buf
}

func (b *typedBuffer[T]) appendTo(dst []byte) []byte {
	return sample.AppendEncode(dst, b.buf)
}

func newStreamBuffer(f sample.Format, samples int) (streamBuffer, error) {
	switch f {
	case sample.I16:
		return &typedBuffer[int16]{buf: make([]int16, samples)}, nil
	case sample.I32:
		return &typedBuffer[int32]{buf: make([]int32, samples)}, nil
	case sample.F32:
		return &typedBuffer[float32]{buf: make([]float32, samples)}, nil
	default:
		return nil, fmt.Errorf("portaudio cannot capture %s samples", f)
	}
}
