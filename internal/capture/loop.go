package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lissahyacinth/audia/internal/audio"
	"github.com/lissahyacinth/audia/internal/sample"
	"github.com/lissahyacinth/audia/internal/sink"
)

// State is the lifecycle stage of a Loop
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrAlreadyStarted is returned when Run is called on a used Loop
var ErrAlreadyStarted = errors.New("capture: loop already started")

// minWakeInterval keeps a misreported buffer size from spinning the loop
const minWakeInterval = time.Millisecond

// Options configures a Loop
type Options struct {
	Logger   *slog.Logger
	Observer Observer
}

// LoopStats represents capture loop statistics for monitoring
type LoopStats struct {
	State         State             `json:"state"`
	StartedAt     time.Time         `json:"started_at"`
	WakeInterval  time.Duration     `json:"wake_interval"`
	Wakeups       uint64            `json:"wakeups"`
	Packets       uint64            `json:"packets"`
	Frames        uint64            `json:"frames"`
	NoDataCycles  uint64            `json:"no_data_cycles"`
	SinkFailures  uint64            `json:"sink_failures"`
	LastSinkError string            `json:"last_sink_error,omitempty"`
	Buffer        audio.BufferStats `json:"buffer"`
}

// Loop drains one source into one ring buffer and hands every updated
// snapshot to one sink. A Loop runs once.
type Loop[T sample.Sample] struct {
	source       Source
	format       audio.StreamFormat
	bufferFrames int
	buffer       *audio.RingBuffer[T]
	sink         sink.Sink[T]
	logger       *slog.Logger
	observer     Observer

	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once

	// scratch receives decoded packet samples; owned by the loop goroutine
	scratch []T

	stats LoopStats
	mu    sync.RWMutex
}

// NewLoop wires an activated source to a buffer and sink. The source's
// native format must carry samples of type T.
func NewLoop[T sample.Sample](source Source, buffer *audio.RingBuffer[T], s sink.Sink[T], opts Options) (*Loop[T], error) {
	format := source.NativeFormat()
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid source format: %w", err)
	}
	if want := sample.FormatOf[T](); format.Sample != want {
		return nil, fmt.Errorf("source delivers %s samples, loop expects %s", format.Sample, want)
	}
	if source.BufferFrames() <= 0 {
		return nil, fmt.Errorf("source buffer must hold at least one frame (got %d)", source.BufferFrames())
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = NopObserver{}
	}

	return &Loop[T]{
		source:       source,
		format:       format,
		bufferFrames: source.BufferFrames(),
		buffer:       buffer,
		sink:         s,
		logger:       logger,
		observer:     observer,
		stopCh:       make(chan struct{}),
	}, nil
}

// Run drives the loop until Stop is called, ctx is cancelled, a finite
// source ends, or the device fails. It returns nil on a clean stop and a
// *DeviceError on a fatal source failure. The sink is closed and the source
// released before Run returns, whatever the outcome.
func (l *Loop[T]) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrAlreadyStarted
	}

	interval := max(l.format.WakeInterval(l.bufferFrames), minWakeInterval)

	l.mu.Lock()
	l.stats.StartedAt = time.Now()
	l.stats.WakeInterval = interval
	l.stats.State = StateRunning
	l.mu.Unlock()
	l.observer.StateChanged(StateRunning)

	l.logger.Info("Capture loop started",
		slog.String("device", l.source.Name()),
		slog.String("format", l.format.String()),
		slog.Int("buffer_frames", l.bufferFrames),
		slog.Duration("wake_interval", interval),
		slog.Int("buffer_capacity", l.buffer.Cap()),
	)

	if err := l.source.Start(); err != nil {
		runErr := asDeviceError("start", err)
		l.teardown(runErr)
		return runErr
	}

	runErr := l.run(ctx, interval)
	if runErr == nil {
		l.setState(StateStopping)
		if err := l.drainFinal(); err != nil && !errors.Is(err, ErrEndOfStream) {
			runErr = err
		}
	}

	l.teardown(runErr)
	return runErr
}

func (l *Loop[T]) run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.stopCh:
			return nil
		case <-ticker.C:
		}

		l.mu.Lock()
		l.stats.Wakeups++
		l.mu.Unlock()

		if err := l.drain(ctx); err != nil {
			if errors.Is(err, ErrEndOfStream) {
				l.logger.Info("Capture source reached end of stream",
					slog.String("device", l.source.Name()),
				)
				return nil
			}
			return err
		}
	}
}

// drain moves every pending packet into the buffer, checking for a stop
// request or cancellation between packets.
func (l *Loop[T]) drain(ctx context.Context) error {
	for !l.stopRequested() && ctx.Err() == nil {
		pending, err := l.source.PendingFrames()
		if err != nil {
			return asDeviceError("pending", err)
		}
		if pending == 0 {
			return nil
		}
		more, err := l.step()
		if err != nil || !more {
			return err
		}
	}
	return nil
}

// drainFinal empties what the source already holds when the stop arrives.
// It takes at most one hardware buffer of frames so a live source cannot keep
// the loop alive.
func (l *Loop[T]) drainFinal() error {
	remaining := l.bufferFrames
	for remaining > 0 {
		frames, err := l.source.PendingFrames()
		if err != nil {
			return asDeviceError("pending", err)
		}
		if frames == 0 {
			return nil
		}
		more, err := l.step()
		if err != nil || !more {
			return err
		}
		remaining -= frames
	}
	return nil
}

// step acquires, ingests and releases one packet. It reports false when the
// source had no data after all.
func (l *Loop[T]) step() (bool, error) {
	packet, err := l.source.Acquire()
	if errors.Is(err, ErrNoData) {
		l.mu.Lock()
		l.stats.NoDataCycles++
		l.mu.Unlock()
		l.observer.NoData()
		return false, nil
	}
	if err != nil {
		return false, asDeviceError("acquire", err)
	}

	l.ingest(packet)

	if err := l.source.Release(packet.Frames); err != nil {
		return false, asDeviceError("release", err)
	}
	return true, nil
}

// ingest copies a packet into owned samples, extends the buffer and hands
// the snapshot to the sink. Sink failures are counted and logged only.
func (l *Loop[T]) ingest(packet Packet) {
	want := l.format.SamplesPerFrames(packet.Frames)
	if cap(l.scratch) < want {
		l.scratch = make([]T, want)
	}
	samples := l.scratch[:want]
	n := sample.Decode(samples, packet.Data)
	if n < want {
		l.logger.Warn("Short capture packet",
			slog.Int("frames", packet.Frames),
			slog.Int("expected_bytes", packet.Frames*l.format.BlockAlign),
			slog.Int("got_bytes", len(packet.Data)),
		)
		samples = samples[:n-n%l.format.Channels]
	}
	frames := len(samples) / l.format.Channels
	if frames == 0 {
		return
	}

	evicted := l.buffer.Extend(samples)
	l.observer.PacketCaptured(frames, len(samples))
	if evicted > 0 {
		l.observer.SamplesEvicted(evicted)
	}

	writeErr := l.sink.Write(l.buffer.View(), frames)

	l.mu.Lock()
	l.stats.Packets++
	l.stats.Frames += uint64(frames)
	l.stats.Buffer = l.buffer.GetStats()
	if writeErr != nil {
		l.stats.SinkFailures++
		l.stats.LastSinkError = writeErr.Error()
	}
	l.mu.Unlock()

	if writeErr != nil {
		l.observer.SinkFailed(writeErr)
		l.logger.Warn("Sink write failed",
			slog.Int("frames", frames),
			slog.Int("buffered_samples", l.buffer.Size()),
			slog.String("error", writeErr.Error()),
		)
	}
}

// teardown closes the sink once and releases the source. Close failures are
// reported but never block the release.
func (l *Loop[T]) teardown(runErr error) {
	if runErr != nil {
		l.setState(StateStopping)
		l.logger.Error("Capture loop failed",
			slog.String("device", l.source.Name()),
			slog.String("error", runErr.Error()),
		)
	}

	if err := l.sink.Close(); err != nil {
		l.logger.Error("Failed to close sink", slog.String("error", err.Error()))
	}
	if err := l.source.Stop(); err != nil {
		l.logger.Warn("Failed to stop capture source", slog.String("error", err.Error()))
	}
	if err := l.source.Close(); err != nil {
		l.logger.Warn("Failed to release capture source", slog.String("error", err.Error()))
	}

	l.setState(StateStopped)

	stats := l.GetStats()
	l.logger.Info("Capture loop stopped",
		slog.String("device", l.source.Name()),
		slog.Duration("duration", time.Since(stats.StartedAt)),
		slog.Uint64("packets", stats.Packets),
		slog.Uint64("frames", stats.Frames),
		slog.Uint64("evicted_samples", stats.Buffer.Evicted),
		slog.Uint64("sink_failures", stats.SinkFailures),
	)
}

// Stop requests a graceful stop. It is safe to call from any goroutine and
// more than once; Run performs the final drain and teardown.
func (l *Loop[T]) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Loop[T]) stopRequested() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

func (l *Loop[T]) setState(s State) {
	if State(l.state.Swap(int32(s))) == s {
		return
	}
	l.mu.Lock()
	l.stats.State = s
	l.mu.Unlock()
	l.observer.StateChanged(s)
}

// State returns the current lifecycle stage
func (l *Loop[T]) State() State {
	return State(l.state.Load())
}

// Format returns the negotiated stream format
func (l *Loop[T]) Format() audio.StreamFormat {
	return l.format
}

// GetStats returns a snapshot of loop statistics
func (l *Loop[T]) GetStats() LoopStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}

func asDeviceError(op string, err error) error {
	if errors.Is(err, ErrEndOfStream) {
		return err
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return err
	}
	return &DeviceError{Op: op, Err: err}
}
