package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lissahyacinth/audia/internal/audio"
	"github.com/lissahyacinth/audia/internal/capture"
	"github.com/lissahyacinth/audia/internal/capture/portaudio"
	"github.com/lissahyacinth/audia/internal/capture/udp"
	"github.com/lissahyacinth/audia/internal/capture/wavfile"
	"github.com/lissahyacinth/audia/internal/config"
	"github.com/lissahyacinth/audia/internal/metrics"
	"github.com/lissahyacinth/audia/internal/prediction"
	"github.com/lissahyacinth/audia/internal/sample"
	"github.com/lissahyacinth/audia/internal/sink"
)

// ErrSessionRunning is returned when Run is called while a session is active
var ErrSessionRunning = errors.New("relay: a capture session is already running")

// Event types published to the live feed
const (
	EventSessionStarted = "session_started"
	EventPrediction     = "prediction"
	EventSessionEnded   = "session_ended"
)

// Event is one live feed message
type Event struct {
	Type       string       `json:"type"`
	SessionID  string       `json:"session_id"`
	Session    *SessionInfo `json:"session,omitempty"`
	Prediction *sink.Result `json:"prediction,omitempty"`
	At         time.Time    `json:"at"`
}

// Broadcaster receives live feed events. Broadcast must not block.
type Broadcaster interface {
	Broadcast(event Event)
}

// SourceFactory builds the capture source for a session
type SourceFactory func(cfg *config.Config, logger *slog.Logger) (capture.Source, error)

// SessionInfo describes the current or most recent capture session
type SessionInfo struct {
	ID             string        `json:"id"`
	Device         string        `json:"device"`
	Source         string        `json:"source"`
	Format         string        `json:"format"`
	SampleFormat   sample.Format `json:"sample_format"`
	Channels       int           `json:"channels"`
	SampleRate     int           `json:"sample_rate"`
	BufferFrames   int           `json:"buffer_frames"`
	BufferDuration time.Duration `json:"buffer_duration"`
	BufferCapacity int           `json:"buffer_capacity"`
	State          capture.State `json:"state"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	Recording      string        `json:"recording,omitempty"`
	ArchiveKey     string        `json:"archive_key,omitempty"`
	LastPrediction *sink.Result  `json:"last_prediction,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Stats represents relay statistics for monitoring
type Stats struct {
	Session    *SessionInfo            `json:"session,omitempty"`
	Sessions   uint64                  `json:"sessions"`
	Loop       *capture.LoopStats      `json:"loop,omitempty"`
	Recording  *sink.FileStats         `json:"recording,omitempty"`
	Archive    *sink.ArchiveStats      `json:"archive,omitempty"`
	Forwarding *sink.ForwardStats      `json:"forwarding,omitempty"`
	Prediction *prediction.ClientStats `json:"prediction,omitempty"`
	Source     any                     `json:"source,omitempty"`
}

// Manager runs capture sessions: it activates the configured source, builds
// the sinks for the negotiated format, drives the capture loop and publishes
// session state.
type Manager struct {
	config      *config.Config
	logger      *slog.Logger
	metrics     *metrics.Metrics
	newSource   SourceFactory
	predictor   sink.Predictor
	client      *prediction.Client
	uploader    sink.Uploader
	broadcaster Broadcaster

	mu       sync.RWMutex
	session  *SessionInfo
	live     *liveSession
	running  bool
	stopping bool // Stop arrived before the loop was built
	sessions uint64
}

// Option customizes a Manager
type Option func(*Manager)

// WithMetrics records session, loop and prediction metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithSourceFactory replaces the configured capture source
func WithSourceFactory(f SourceFactory) Option {
	return func(mgr *Manager) { mgr.newSource = f }
}

// WithPredictor replaces the HTTP prediction client
func WithPredictor(p sink.Predictor) Option {
	return func(mgr *Manager) { mgr.predictor = p }
}

// WithUploader replaces the S3 client used for archiving
func WithUploader(u sink.Uploader) Option {
	return func(mgr *Manager) { mgr.uploader = u }
}

// WithBroadcaster publishes live feed events
func WithBroadcaster(b Broadcaster) Option {
	return func(mgr *Manager) { mgr.broadcaster = b }
}

// NewManager creates a relay manager for cfg
func NewManager(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	mgr := &Manager{
		config:    cfg,
		logger:    logger,
		newSource: NewSource,
	}
	for _, opt := range opts {
		opt(mgr)
	}

	if cfg.Prediction.Enabled && mgr.predictor == nil {
		client, err := prediction.NewClient(prediction.Config{
			Endpoint:      cfg.Prediction.Endpoint,
			APIKey:        cfg.Prediction.APIKey,
			Timeout:       cfg.Prediction.GetTimeoutDuration(),
			MaxConcurrent: cfg.Prediction.MaxConcurrent,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create prediction client: %w", err)
		}
		mgr.client = client
		mgr.predictor = client
	}

	if cfg.Output.Enabled && cfg.Output.Archive.Enabled && mgr.uploader == nil {
		mgr.uploader = sink.NewS3Client(archiveConfig(cfg.Output.Archive))
	}

	return mgr, nil
}

// NewSource builds the capture source named by the configuration
func NewSource(cfg *config.Config, logger *slog.Logger) (capture.Source, error) {
	switch cfg.Capture.Source {
	case config.SourcePortAudio:
		return portaudio.New(cfg.Capture, logger), nil
	case config.SourceUDP:
		return udp.New(&cfg.UDP, logger), nil
	case config.SourceFile:
		return wavfile.New(cfg.Capture.FilePath, wavfile.Options{
			Realtime:     cfg.Capture.Realtime,
			BufferFrames: cfg.Capture.BufferFrames,
			Logger:       logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown capture source %q", cfg.Capture.Source)
	}
}

func archiveConfig(a config.ArchiveConfig) sink.ArchiveConfig {
	return sink.ArchiveConfig{
		Bucket:          a.Bucket,
		Endpoint:        a.Endpoint,
		Region:          a.Region,
		AccessKeyID:     a.AccessKeyID,
		SecretAccessKey: a.SecretAccessKey,
		Prefix:          a.Prefix,
		KeepLocal:       a.KeepLocal,
	}
}

// Run activates the source and runs one capture session until ctx is
// cancelled, Stop is called, a finite source ends or the device fails.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrSessionRunning
	}
	m.running = true
	m.stopping = false
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.stopping = false
		m.live = nil
		m.mu.Unlock()
	}()

	src, err := m.newSource(m.config, m.logger)
	if err != nil {
		return err
	}

	m.logger.Info("Activating capture source",
		slog.String("source", m.config.Capture.Source),
		slog.String("device", src.Name()),
	)
	if err := src.Activate(ctx); err != nil {
		src.Close()
		return fmt.Errorf("failed to activate capture source: %w", err)
	}

	format := src.NativeFormat()
	if err := format.Validate(); err != nil {
		src.Close()
		return fmt.Errorf("capture source negotiated an invalid format: %w", err)
	}

	info := &SessionInfo{
		ID:             uuid.NewString(),
		Device:         src.Name(),
		Source:         m.config.Capture.Source,
		Format:         format.String(),
		SampleFormat:   format.Sample,
		Channels:       format.Channels,
		SampleRate:     format.SampleRate,
		BufferFrames:   src.BufferFrames(),
		BufferDuration: capture.BufferDuration(src),
		BufferCapacity: m.bufferCapacity(),
		State:          capture.StateIdle,
		StartedAt:      time.Now(),
	}

	switch format.Sample {
	case sample.I16:
		return runSession[int16](ctx, m, src, info)
	case sample.I32:
		return runSession[int32](ctx, m, src, info)
	case sample.U16:
		return runSession[uint16](ctx, m, src, info)
	case sample.F32:
		return runSession[float32](ctx, m, src, info)
	default:
		src.Close()
		return fmt.Errorf("unsupported sample format %s", format.Sample)
	}
}

// Stop asks the running session to finish. A Stop during activation or sink
// setup is held until the loop exists. It is a no-op when idle.
func (m *Manager) Stop() {
	m.mu.Lock()
	live := m.live
	if m.running && live == nil {
		m.stopping = true
	}
	m.mu.Unlock()
	if live != nil {
		live.stop()
	}
}

func (m *Manager) bufferCapacity() int {
	if m.config.Capture.BufferCapacity > 0 {
		return m.config.Capture.BufferCapacity
	}
	return audio.DefaultCapacity
}

// GetSessionInfo returns the current or most recent session, or nil
func (m *Manager) GetSessionInfo() *SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil
	}
	info := *m.session
	if m.live != nil {
		info.State = m.live.state()
	}
	return &info
}

// IsRunning reports whether a session is active
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// GetStats returns relay statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	live := m.live
	stats := Stats{Sessions: m.sessions}
	m.mu.RUnlock()

	stats.Session = m.GetSessionInfo()
	if live != nil {
		live.fill(&stats)
	}
	if m.client != nil {
		cs := m.client.GetStats()
		stats.Prediction = &cs
	}
	return stats
}

// Close releases the prediction client
func (m *Manager) Close() error {
	m.Stop()
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

func (m *Manager) publish(event Event) {
	if m.broadcaster != nil {
		m.broadcaster.Broadcast(event)
	}
}

func (m *Manager) updateSession(update func(*SessionInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		update(m.session)
	}
}

// statsSource is implemented by capture sources that report their own stats
type statsSource[S any] interface {
	GetStats() S
}

func sourceStats(src capture.Source) any {
	switch s := src.(type) {
	case statsSource[udp.Stats]:
		return s.GetStats()
	case statsSource[wavfile.Stats]:
		return s.GetStats()
	case statsSource[portaudio.Stats]:
		return s.GetStats()
	default:
		return nil
	}
}
