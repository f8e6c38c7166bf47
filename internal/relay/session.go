package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lissahyacinth/audia/internal/audio"
	"github.com/lissahyacinth/audia/internal/capture"
	"github.com/lissahyacinth/audia/internal/level"
	"github.com/lissahyacinth/audia/internal/prediction"
	"github.com/lissahyacinth/audia/internal/sample"
	"github.com/lissahyacinth/audia/internal/sink"
)

// liveSession exposes the running loop to the manager without its type
// parameter
type liveSession struct {
	stop  func()
	state func() capture.State
	fill  func(*Stats)
}

// recording tracks the file output of a session
type recording struct {
	path    string
	key     string
	file    func() sink.FileStats
	archive func() sink.ArchiveStats
}

// runSession builds the sinks for samples of type T and runs the capture
// loop to completion. It owns src from here on.
func runSession[T sample.Sample](ctx context.Context, m *Manager, src capture.Source, info *SessionInfo) error {
	format := src.NativeFormat()
	logger := m.logger.With(slog.String("session_id", info.ID))

	buffer, err := audio.NewRingBuffer[T](info.BufferCapacity)
	if err != nil {
		src.Close()
		return err
	}

	var sinks []sink.Sink[T]
	abort := func(err error) error {
		for _, s := range sinks {
			s.Close()
		}
		src.Close()
		return err
	}

	var rec *recording
	if m.config.Output.Enabled {
		path := m.config.Output.FileName(info.ID, info.StartedAt)
		s, r, err := recordingSink[T](m, path, format, info.BufferCapacity, logger)
		if err != nil {
			return abort(fmt.Errorf("failed to create recording: %w", err))
		}
		sinks = append(sinks, s)
		rec = r
		info.Recording = r.path
		info.ArchiveKey = r.key
	}

	var fwd *sink.Forwarding[T]
	if m.config.Prediction.Enabled {
		fwd, err = newForwarding[T](m, format, logger)
		if err != nil {
			return abort(fmt.Errorf("failed to create forwarding sink: %w", err))
		}
		sinks = append(sinks, fwd)
	}

	var out sink.Sink[T]
	switch len(sinks) {
	case 0:
		out = &sink.Discard[T]{}
	case 1:
		out = sinks[0]
	default:
		out = sink.NewMulti(sinks...)
	}

	observers := capture.Observers{sessionObserver{manager: m}}
	if m.metrics != nil {
		observers = append(observers, m.metrics)
	}

	loop, err := capture.NewLoop[T](src, buffer, out, capture.Options{
		Logger:   logger,
		Observer: observers,
	})
	if err != nil {
		return abort(err)
	}

	var consumers sync.WaitGroup
	if fwd != nil {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			m.consumeResults(info.ID, fwd.Results())
		}()
	}

	live := &liveSession{
		stop:  loop.Stop,
		state: loop.State,
		fill: func(s *Stats) {
			ls := loop.GetStats()
			s.Loop = &ls
			if rec != nil {
				fs := rec.file()
				s.Recording = &fs
				if rec.archive != nil {
					as := rec.archive()
					s.Archive = &as
				}
			}
			if fwd != nil {
				fs := fwd.GetStats()
				s.Forwarding = &fs
			}
			s.Source = sourceStats(src)
		},
	}

	m.mu.Lock()
	m.session = info
	m.live = live
	m.sessions++
	stopping := m.stopping
	m.mu.Unlock()

	if stopping {
		loop.Stop()
	}

	if m.metrics != nil {
		m.metrics.RecordSessionStarted()
	}
	logger.Info("Capture session started",
		slog.String("device", info.Device),
		slog.String("format", info.Format),
		slog.Duration("buffer_duration", info.BufferDuration),
		slog.Int("sinks", len(sinks)),
		slog.String("recording", info.Recording),
	)
	m.publish(Event{Type: EventSessionStarted, SessionID: info.ID, Session: m.GetSessionInfo(), At: time.Now()})

	runErr := loop.Run(ctx)
	consumers.Wait()

	ended := time.Now()
	m.updateSession(func(s *SessionInfo) {
		s.State = loop.State()
		s.EndedAt = &ended
		if runErr != nil {
			s.Error = runErr.Error()
		}
	})

	if m.metrics != nil {
		m.metrics.RecordSessionEnded(ended.Sub(info.StartedAt), runErr != nil)
		if fwd != nil {
			fs := fwd.GetStats()
			m.metrics.RecordPredictionSkipped("busy", fs.SkippedBusy)
			m.metrics.RecordPredictionSkipped("gated", fs.Gated)
		}
		if rec != nil && rec.archive != nil {
			as := rec.archive()
			var uploadErr error
			if !as.Uploaded {
				uploadErr = errors.New(as.LastError)
			}
			m.metrics.RecordUpload(as.Duration, as.Bytes, uploadErr)
		}
	}

	stats := loop.GetStats()
	logger.Info("Capture session ended",
		slog.Duration("duration", ended.Sub(info.StartedAt)),
		slog.Uint64("frames", stats.Frames),
		slog.Uint64("sink_failures", stats.SinkFailures),
		slog.Bool("failed", runErr != nil),
	)
	m.publish(Event{Type: EventSessionEnded, SessionID: info.ID, Session: m.GetSessionInfo(), At: ended})

	return runErr
}

// recordingSink creates the session's WAV output in the configured
// representation, archived on close when an archive is configured
func recordingSink[T sample.Sample](m *Manager, path string, format audio.StreamFormat, capacity int, logger *slog.Logger) (sink.Sink[T], *recording, error) {
	out := m.config.Output.GetSampleFormat()
	if out == sample.Unknown {
		out = format.Sample
	}

	switch out {
	case sample.I16:
		return convertedRecording[T, int16](m, path, format, capacity, logger)
	case sample.I32:
		return convertedRecording[T, int32](m, path, format, capacity, logger)
	case sample.U16:
		return convertedRecording[T, uint16](m, path, format, capacity, logger)
	case sample.F32:
		return convertedRecording[T, float32](m, path, format, capacity, logger)
	default:
		return nil, nil, fmt.Errorf("unsupported output format %s", out)
	}
}

func convertedRecording[From, To sample.Sample](m *Manager, path string, format audio.StreamFormat, capacity int, logger *slog.Logger) (sink.Sink[From], *recording, error) {
	outFormat := audio.NewStreamFormat(sample.FormatOf[To](), format.Channels, format.SampleRate)
	file, err := sink.NewFileSink[To](path, outFormat, logger)
	if err != nil {
		return nil, nil, err
	}

	rec := &recording{path: path, file: file.GetStats}
	var s sink.Sink[To] = file

	if m.config.Output.Archive.Enabled {
		archiving, err := sink.NewArchiving(file, m.uploader, archiveConfig(m.config.Output.Archive), logger)
		if err != nil {
			file.Close()
			return nil, nil, err
		}
		rec.key = archiving.Key()
		rec.archive = archiving.GetStats
		s = archiving
	}

	if same, ok := s.(sink.Sink[From]); ok {
		return same, rec, nil
	}

	conv, err := sink.NewConverter[From, To](s, format.Channels, capacity)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return conv, rec, nil
}

func newForwarding[T sample.Sample](m *Manager, format audio.StreamFormat, logger *slog.Logger) (*sink.Forwarding[T], error) {
	cfg := m.config.Prediction
	if m.predictor == nil {
		return nil, errors.New("no prediction client configured")
	}

	encoding, err := prediction.ParseEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	opts := sink.ForwardOptions{
		Encoding:      encoding,
		Mode:          sink.Mode(cfg.Mode),
		Timeout:       cfg.GetTimeoutDuration(),
		WindowSeconds: cfg.WindowSeconds,
		MinInterval:   cfg.GetMinInterval(),
		Logger:        logger,
	}
	if cfg.SilenceThresholdDB != 0 {
		gate, err := level.NewMeter(cfg.SilenceThresholdDB)
		if err != nil {
			return nil, err
		}
		opts.Gate = gate
	}

	return sink.NewForwarding[T](m.predictor, format, opts)
}

// consumeResults publishes prediction outcomes until the forwarding sink
// closes its results channel
func (m *Manager) consumeResults(sessionID string, results <-chan sink.Result) {
	for res := range results {
		if m.metrics != nil {
			m.metrics.RecordPrediction(res.Latency, res.Err)
		}
		if res.Err == nil {
			m.updateSession(func(s *SessionInfo) { s.LastPrediction = &res })
		} else {
			m.logger.Debug("Prediction failed",
				slog.String("session_id", sessionID),
				slog.Uint64("seq", res.Seq),
				slog.String("error", res.Err.Error()),
			)
		}
		m.publish(Event{Type: EventPrediction, SessionID: sessionID, Prediction: &res, At: res.At})
	}
}

// sessionObserver mirrors the loop state into the session info
type sessionObserver struct {
	capture.NopObserver
	manager *Manager
}

func (o sessionObserver) StateChanged(state capture.State) {
	o.manager.updateSession(func(s *SessionInfo) { s.State = state })
}
