// Package capturetest provides a scripted capture source and a recording sink
// for exercising capture loops without a device.
package capturetest

import (
	"context"
	"errors"
	"sync"

	"github.com/lissahyacinth/audia/internal/audio"
	"github.com/lissahyacinth/audia/internal/capture"
	"github.com/lissahyacinth/audia/internal/sample"
)

// Step is one scripted Acquire outcome: a packet, or an error when Err is set
type Step struct {
	Data   []byte
	Frames int
	Err    error
}

// PacketOf builds a packet step from interleaved samples
func PacketOf[T sample.Sample](channels int, samples ...T) Step {
	return Step{
		Data:   sample.AppendEncode(nil, samples),
		Frames: len(samples) / channels,
	}
}

// Source replays scripted steps through the capture.Source contract
type Source struct {
	Format       audio.StreamFormat
	Frames       int
	DeviceName   string
	EndWhenEmpty bool

	ActivateErr error
	StartErr    error

	// OnAcquire runs after every successful Acquire, outside the lock
	OnAcquire func(acquired int)

	mu       sync.Mutex
	steps    []Step
	held     int
	active   bool
	acquired int
	released []int
	starts   int
	stops    int
	closes   int
	misuse   []string
}

var _ capture.Source = (*Source)(nil)

// New creates a source announcing format with a hardware buffer of frames
func New(format audio.StreamFormat, frames int) *Source {
	return &Source{Format: format, Frames: frames, DeviceName: "scripted", held: -1}
}

// Push queues steps for later Acquire calls
func (s *Source) Push(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

func (s *Source) Activate(ctx context.Context) error {
	if s.ActivateErr != nil {
		return s.ActivateErr
	}
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	return ctx.Err()
}

func (s *Source) Name() string                     { return s.DeviceName }
func (s *Source) NativeFormat() audio.StreamFormat { return s.Format }
func (s *Source) BufferFrames() int                { return s.Frames }

func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return s.StartErr
}

func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *Source) PendingFrames() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		if s.EndWhenEmpty {
			return 0, capture.ErrEndOfStream
		}
		return 0, nil
	}
	if s.steps[0].Err != nil {
		return 1, nil
	}
	return s.steps[0].Frames, nil
}

func (s *Source) Acquire() (capture.Packet, error) {
	s.mu.Lock()
	if s.held >= 0 {
		s.misuse = append(s.misuse, "acquire while holding a packet")
	}
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return capture.Packet{}, capture.ErrNoData
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	if step.Err != nil {
		s.mu.Unlock()
		return capture.Packet{}, step.Err
	}
	s.held = step.Frames
	s.acquired++
	n := s.acquired
	hook := s.OnAcquire
	s.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return capture.Packet{Data: step.Data, Frames: step.Frames}, nil
}

func (s *Source) Release(frames int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held < 0 {
		s.misuse = append(s.misuse, "release without a held packet")
		return errors.New("capturetest: nothing to release")
	}
	if frames != s.held {
		s.misuse = append(s.misuse, "release frame count mismatch")
	}
	s.released = append(s.released, frames)
	s.held = -1
	return nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.active = false
	return nil
}

// Acquired returns the number of packets handed out
func (s *Source) Acquired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}

// Released returns the frame counts passed to Release, in order
func (s *Source) Released() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.released...)
}

// Holding reports whether a packet is acquired but not released
func (s *Source) Holding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held >= 0
}

// Remaining returns the number of steps not yet consumed
func (s *Source) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Lifecycle returns how many times Start, Stop and Close ran
func (s *Source) Lifecycle() (starts, stops, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops, s.closes
}

// Misuse lists protocol violations observed, if any
func (s *Source) Misuse() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.misuse...)
}
