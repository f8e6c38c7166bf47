// Package udp implements a capture source fed by a remote capture agent over
// UDP. The agent announces its format, then streams sequenced PCM packets;
// the source queues them like a hardware ring, dropping the oldest when the
// relay falls behind.
package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/lissahyacinth/audia/internal/audio"
	"github.com/lissahyacinth/audia/internal/capture"
	"github.com/lissahyacinth/audia/internal/config"
	"github.com/lissahyacinth/audia/internal/protocol"
)

// ErrFormatTimeout is returned by Activate when no format announcement
// arrives in time
var ErrFormatTimeout = errors.New("udp: no format announcement received")

// Source receives TLV packets from one capture agent
type Source struct {
	config *config.UDPConfig
	logger *slog.Logger
	conn   *net.UDPConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	announced chan struct{}

	mu           sync.Mutex
	format       audio.StreamFormat
	bufferFrames int
	device       string
	streamID     uint32
	remote       *net.UDPAddr
	hasFormat    bool
	started      bool
	queue        [][]byte
	held         bool
	ended        bool
	fatal        error
	lastSeq      uint32
	haveSeq      bool

	stats Stats
}

// Stats represents receiver statistics for monitoring
type Stats struct {
	PacketsReceived uint64 `json:"packets_received"`
	PacketsQueued   uint64 `json:"packets_queued"`
	PacketsDropped  uint64 `json:"packets_dropped"`
	ParseErrors     uint64 `json:"parse_errors"`
	ForeignPackets  uint64 `json:"foreign_packets"`
	SequenceGaps    uint64 `json:"sequence_gaps"`
	QueueSize       int    `json:"queue_size"`
	QueueCapacity   int    `json:"queue_capacity"`
	StreamID        uint32 `json:"stream_id"`
	RemoteAddr      string `json:"remote_addr,omitempty"`
}

var _ capture.Source = (*Source)(nil)

// New creates an inactive source. Activate binds the socket.
func New(cfg *config.UDPConfig, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Source{
		config:    cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		announced: make(chan struct{}),
	}
}

// Listen binds the socket and starts receiving. Activate calls it when the
// source is not yet bound.
func (s *Source) Listen() error {
	if s.conn != nil {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.Port)))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.ReadBuffer); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.ReadBuffer),
			slog.String("error", err.Error()),
		)
	}

	s.wg.Add(1)
	go s.receiveLoop()
	return nil
}

// Activate waits for the agent's format announcement
func (s *Source) Activate(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.logger.Info("Waiting for capture agent",
		slog.String("address", s.conn.LocalAddr().String()),
		slog.Duration("format_timeout", s.config.GetFormatTimeout()),
	)

	timer := time.NewTimer(s.config.GetFormatTimeout())
	defer timer.Stop()

	select {
	case <-s.announced:
	case <-timer.C:
		s.Close()
		return ErrFormatTimeout
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("Capture agent announced format",
		slog.String("device", s.device),
		slog.String("format", s.format.String()),
		slog.Int("buffer_frames", s.bufferFrames),
		slog.Uint64("stream_id", uint64(s.streamID)),
		slog.String("remote_addr", s.remote.String()),
	)
	return nil
}

// Addr returns the bound listener address, or nil before Listen
func (s *Source) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *Source) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
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

// Start begins queueing audio. Packets that arrive before Start are dropped.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasFormat {
		return capture.ErrNotActivated
	}
	s.started = true
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
	if s.fatal != nil {
		return 0, s.fatal
	}
	if len(s.queue) == 0 {
		if s.ended {
			return 0, capture.ErrEndOfStream
		}
		return 0, nil
	}
	return len(s.queue[0]) / s.format.BlockAlign, nil
}

func (s *Source) Acquire() (capture.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal != nil {
		return capture.Packet{}, s.fatal
	}
	if s.held {
		return capture.Packet{}, errors.New("udp: packet already acquired")
	}
	if len(s.queue) == 0 {
		if s.ended {
			return capture.Packet{}, capture.ErrEndOfStream
		}
		return capture.Packet{}, capture.ErrNoData
	}
	s.held = true
	pcm := s.queue[0]
	return capture.Packet{Data: pcm, Frames: len(pcm) / s.format.BlockAlign}, nil
}

func (s *Source) Release(frames int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held {
		return errors.New("udp: nothing to release")
	}
	s.held = false
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return nil
}

// Close stops the receiver and releases the socket
func (s *Source) Close() error {
	s.cancel()

	var err error
	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	s.wg.Wait()

	stats := s.GetStats()
	s.logger.Info("UDP capture source closed",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_dropped", stats.PacketsDropped),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("sequence_gaps", stats.SequenceGaps),
	)
	return err
}

// receiveLoop reads datagrams until Close
func (s *Source) receiveLoop() {
	defer s.wg.Done()

	buffer := make([]byte, protocol.MaxPacketSize)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		// Wake up periodically to observe cancellation
		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
			s.fail(&capture.DeviceError{Op: "receive", Err: err})
			return
		}

		s.mu.Lock()
		s.stats.PacketsReceived++
		s.mu.Unlock()

		s.handlePacket(buffer[:n], remoteAddr)
	}
}

// handlePacket parses one datagram. ParsePacket copies the PCM, so the read
// buffer can be reused.
func (s *Source) handlePacket(data []byte, remoteAddr *net.UDPAddr) {
	packet, err := protocol.ParsePacket(data)
	if err != nil {
		s.mu.Lock()
		s.stats.ParseErrors++
		s.mu.Unlock()

		s.logger.Warn("Failed to parse packet",
			slog.String("remote_addr", remoteAddr.String()),
			slog.Int("packet_size", len(data)),
			slog.String("error", err.Error()),
		)
		return
	}

	switch packet.Header.PacketType {
	case protocol.PacketTypeFormat:
		s.processFormatPacket(packet.Header, packet.Format, remoteAddr)
	case protocol.PacketTypeAudio:
		s.processAudioPacket(packet.Header, packet.Audio)
	}
}

// processFormatPacket adopts the first announcement. A repeated announcement
// of the same format is ignored; a different one invalidates the device.
func (s *Source) processFormatPacket(header *protocol.Header, payload *protocol.FormatPayload, remoteAddr *net.UDPAddr) {
	format := audio.NewStreamFormat(payload.SampleFormat, int(payload.Channels), int(payload.SampleRate))
	if err := format.Validate(); err != nil {
		s.logger.Warn("Rejected format announcement",
			slog.String("remote_addr", remoteAddr.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasFormat {
		if header.StreamID == s.streamID && format == s.format {
			return
		}
		s.logger.Warn("Capture agent changed format",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.String("format", format.String()),
			slog.String("previous", s.format.String()),
		)
		s.fatal = &capture.DeviceError{Op: "format", Err: capture.ErrDeviceInvalidated}
		return
	}

	bufferFrames := int(payload.BufferFrames)
	if bufferFrames == 0 {
		// 10ms, the usual shared-mode period
		bufferFrames = format.SampleRate / 100
	}

	s.format = format
	s.bufferFrames = bufferFrames
	s.device = payload.GetDeviceName()
	if s.device == "" {
		s.device = "udp://" + remoteAddr.String()
	}
	s.streamID = header.StreamID
	s.remote = remoteAddr
	s.hasFormat = true
	s.stats.StreamID = header.StreamID
	s.stats.RemoteAddr = remoteAddr.String()
	close(s.announced)
}

func (s *Source) processAudioPacket(header *protocol.Header, payload *protocol.AudioPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasFormat || header.StreamID != s.streamID {
		s.stats.ForeignPackets++
		return
	}

	if s.haveSeq && payload.Sequence != s.lastSeq+1 {
		s.stats.SequenceGaps++
		s.logger.Debug("Sequence gap",
			slog.Uint64("expected", uint64(s.lastSeq+1)),
			slog.Uint64("got", uint64(payload.Sequence)),
		)
	}
	s.lastSeq = payload.Sequence
	s.haveSeq = true

	if header.EndOfStream() {
		s.ended = true
	}

	whole := len(payload.PCM) - len(payload.PCM)%s.format.BlockAlign
	if whole == 0 {
		return
	}
	if !s.started {
		s.stats.PacketsDropped++
		return
	}

	// The held packet is at the front and must survive until Release
	limit := s.config.QueuePackets
	for len(s.queue) >= limit {
		victim := 0
		if s.held {
			victim = 1
		}
		if victim >= len(s.queue) {
			break
		}
		s.queue = append(s.queue[:victim], s.queue[victim+1:]...)
		s.stats.PacketsDropped++
	}

	s.queue = append(s.queue, payload.PCM[:whole])
	s.stats.PacketsQueued++
}

func (s *Source) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal == nil {
		s.fatal = err
	}
}

// GetStats returns current receiver statistics
func (s *Source) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.QueueSize = len(s.queue)
	stats.QueueCapacity = s.config.QueuePackets
	return stats
}
