package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lissahyacinth/audia/internal/audio"
	"github.com/lissahyacinth/audia/internal/level"
	"github.com/lissahyacinth/audia/internal/prediction"
	"github.com/lissahyacinth/audia/internal/sample"
)

// Predictor sends an encoded window to the prediction service
type Predictor interface {
	Predict(ctx context.Context, req *prediction.Request) (*prediction.Response, error)
}

// Mode selects how a Forwarding sink waits for the prediction service
type Mode string

const (
	// ModeAsync dispatches to a worker goroutine; Write never waits on the
	// network and a failure surfaces from the next Write.
	ModeAsync Mode = "async"
	// ModeSync performs the call inside Write, bounded by the timeout
	ModeSync Mode = "sync"
)

// Result is the outcome of one forwarded window
type Result struct {
	Seq       uint64        `json:"seq"`
	RequestID string        `json:"request_id,omitempty"`
	Text      string        `json:"text,omitempty"`
	Samples   int           `json:"samples"`
	Latency   time.Duration `json:"latency"`
	Err       error         `json:"-"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}

// ForwardOptions configures a Forwarding sink
type ForwardOptions struct {
	Encoding prediction.Encoding
	Mode     Mode
	// Timeout bounds each request (default 500ms)
	Timeout time.Duration
	// WindowSeconds limits the forwarded window to the newest audio; zero
	// forwards every retained sample
	WindowSeconds float64
	// MinInterval spaces out dispatches
	MinInterval time.Duration
	// Gate, when set, skips windows whose level is below its threshold
	Gate *level.Meter
	// ResultBuffer is the capacity of the Results channel (default 16)
	ResultBuffer int
	Logger       *slog.Logger
}

// ForwardStats represents forwarding sink statistics for monitoring
type ForwardStats struct {
	Mode        Mode    `json:"mode"`
	Encoding    string  `json:"encoding"`
	WindowSize  int     `json:"window_samples"`
	Dispatched  uint64  `json:"dispatched"`
	Succeeded   uint64  `json:"succeeded"`
	Failed      uint64  `json:"failed"`
	SkippedBusy uint64  `json:"skipped_busy"`
	Gated       uint64  `json:"gated"`
	Dropped     uint64  `json:"results_dropped"`
	LastText    string  `json:"last_text,omitempty"`
	LastError   string  `json:"last_error,omitempty"`
	LastLevel   float64 `json:"last_level_dbfs"`
}

type forwardJob[T sample.Sample] struct {
	seq     uint64
	samples []T
}

// Forwarding sends the buffered window to a prediction service
type Forwarding[T sample.Sample] struct {
	predictor Predictor
	format    audio.StreamFormat
	opts      ForwardOptions
	window    int
	logger    *slog.Logger

	jobs    chan forwardJob[T]
	results chan Result
	busy    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	seq          uint64
	lastDispatch time.Time
	closed       bool
	mu           sync.Mutex // serializes Write and Close

	pendingErr error
	stats      ForwardStats
	statsMu    sync.Mutex
}

// NewForwarding creates a forwarding sink for windows in format
func NewForwarding[T sample.Sample](predictor Predictor, format audio.StreamFormat, opts ForwardOptions) (*Forwarding[T], error) {
	if predictor == nil {
		return nil, errors.New("predictor cannot be nil")
	}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid forwarding format: %w", err)
	}
	if opts.Mode == "" {
		opts.Mode = ModeAsync
	}
	if opts.Mode != ModeAsync && opts.Mode != ModeSync {
		return nil, fmt.Errorf("unknown forwarding mode %q", opts.Mode)
	}
	if opts.Encoding == "" {
		opts.Encoding = prediction.EncodingJSON
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 500 * time.Millisecond
	}
	if opts.WindowSeconds < 0 {
		return nil, fmt.Errorf("window seconds cannot be negative (got %.2f)", opts.WindowSeconds)
	}
	if opts.ResultBuffer <= 0 {
		opts.ResultBuffer = 16
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	window := 0
	if opts.WindowSeconds > 0 {
		window = format.SamplesPerFrames(int(opts.WindowSeconds * float64(format.SampleRate)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Forwarding[T]{
		predictor: predictor,
		format:    format,
		opts:      opts,
		window:    window,
		logger:    opts.Logger,
		jobs:      make(chan forwardJob[T], 1),
		results:   make(chan Result, opts.ResultBuffer),
		ctx:       ctx,
		cancel:    cancel,
		stats: ForwardStats{
			Mode:       opts.Mode,
			Encoding:   string(opts.Encoding),
			WindowSize: window,
			LastLevel:  level.Floor,
		},
	}

	if opts.Mode == ModeAsync {
		f.wg.Add(1)
		go f.worker()
	}
	return f, nil
}

// Results delivers the outcome of every forwarded window. When nobody reads,
// the oldest undelivered result is dropped. The channel is closed by Close.
func (f *Forwarding[T]) Results() <-chan Result {
	return f.results
}

// Write forwards the newest window of view when the sink is free to.
// In async mode it returns the error of the previous request, if any.
func (f *Forwarding[T]) Write(view []T, frames int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	prevErr := f.takeError()

	if len(view) == 0 {
		return prevErr
	}
	if f.opts.Mode == ModeAsync && f.busy.Load() {
		f.updateStats(func(s *ForwardStats) { s.SkippedBusy++ })
		return prevErr
	}
	if f.opts.MinInterval > 0 && time.Since(f.lastDispatch) < f.opts.MinInterval {
		return prevErr
	}

	window := view
	if f.window > 0 && len(window) > f.window {
		window = window[len(window)-f.window:]
	}

	if f.opts.Gate != nil {
		lvl := level.Measure(f.opts.Gate, window)
		f.updateStats(func(s *ForwardStats) { s.LastLevel = lvl.Level })
		if !lvl.Active {
			f.updateStats(func(s *ForwardStats) { s.Gated++ })
			return prevErr
		}
	}

	f.seq++
	f.lastDispatch = time.Now()
	f.updateStats(func(s *ForwardStats) { s.Dispatched++ })

	if f.opts.Mode == ModeSync {
		res := f.forward(f.ctx, forwardJob[T]{seq: f.seq, samples: window})
		f.publish(res)
		return res.Err
	}

	// The loop reuses the buffer, so the worker gets its own copy.
	snapshot := make([]T, len(window))
	copy(snapshot, window)
	f.busy.Store(true)
	f.jobs <- forwardJob[T]{seq: f.seq, samples: snapshot}
	return prevErr
}

func (f *Forwarding[T]) worker() {
	defer f.wg.Done()
	for job := range f.jobs {
		res := f.forward(f.ctx, job)
		if res.Err != nil {
			f.statsMu.Lock()
			f.pendingErr = res.Err
			f.statsMu.Unlock()
		}
		f.busy.Store(false)
		f.publish(res)
	}
}

// forward performs one request bounded by the sink timeout
func (f *Forwarding[T]) forward(ctx context.Context, job forwardJob[T]) Result {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	res := Result{Seq: job.seq, Samples: len(job.samples), At: time.Now()}

	req, err := prediction.NewRequest(f.opts.Encoding, job.samples, f.format)
	if err == nil {
		res.RequestID = req.ID
		var resp *prediction.Response
		resp, err = f.predictor.Predict(ctx, req)
		if err == nil {
			res.Text = resp.Text
			res.Latency = resp.Latency
		}
	}
	if err != nil {
		res.Err = fmt.Errorf("forward window %d: %w", job.seq, err)
		res.Error = res.Err.Error()
	}

	f.updateStats(func(s *ForwardStats) {
		if err != nil {
			s.Failed++
			s.LastError = res.Error
		} else {
			s.Succeeded++
			s.LastText = res.Text
		}
	})

	if err != nil {
		f.logger.Warn("Prediction request failed",
			slog.Uint64("seq", job.seq),
			slog.Int("samples", res.Samples),
			slog.String("error", err.Error()),
		)
	} else {
		f.logger.Debug("Prediction received",
			slog.Uint64("seq", job.seq),
			slog.String("request_id", res.RequestID),
			slog.String("text", res.Text),
			slog.Duration("latency", res.Latency),
		)
	}

	return res
}

func (f *Forwarding[T]) publish(res Result) {
	select {
	case f.results <- res:
		return
	default:
	}
	// Full: drop the oldest and retry once.
	select {
	case <-f.results:
		f.updateStats(func(s *ForwardStats) { s.Dropped++ })
	default:
	}
	select {
	case f.results <- res:
	default:
		f.updateStats(func(s *ForwardStats) { s.Dropped++ })
	}
}

func (f *Forwarding[T]) takeError() error {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	err := f.pendingErr
	f.pendingErr = nil
	return err
}

func (f *Forwarding[T]) updateStats(update func(*ForwardStats)) {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	update(&f.stats)
}

// Close waits for an in-flight request, which is bounded by the timeout,
// then closes the Results channel. It returns the error of the last async
// request if no Write reported it.
func (f *Forwarding[T]) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	f.closed = true

	close(f.jobs)
	f.wg.Wait()
	f.cancel()
	close(f.results)
	return f.takeError()
}

// GetStats returns a snapshot of forwarding statistics
func (f *Forwarding[T]) GetStats() ForwardStats {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	return f.stats
}
