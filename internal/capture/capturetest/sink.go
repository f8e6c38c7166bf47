package capturetest

import (
	"sync"

	"github.com/lissahyacinth/audia/internal/sample"
	"github.com/lissahyacinth/audia/internal/sink"
)

// Write is one recorded Sink.Write call
type Write[T sample.Sample] struct {
	View   []T
	Frames int
}

// Sink records every snapshot it receives
type Sink[T sample.Sample] struct {
	// WriteErr, when set, decides the error returned for the n-th write (1-based)
	WriteErr func(n int) error
	// OnWrite runs after each recorded write
	OnWrite  func(n int)
	CloseErr error

	mu     sync.Mutex
	writes []Write[T]
	closes int
}

var _ sink.Sink[int16] = (*Sink[int16])(nil)

func (s *Sink[T]) Write(view []T, frames int) error {
	s.mu.Lock()
	s.writes = append(s.writes, Write[T]{View: append([]T(nil), view...), Frames: frames})
	n := len(s.writes)
	s.mu.Unlock()

	if s.OnWrite != nil {
		s.OnWrite(n)
	}
	if s.WriteErr != nil {
		return s.WriteErr(n)
	}
	return nil
}

func (s *Sink[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closes > 1 {
		return sink.ErrClosed
	}
	return s.CloseErr
}

// Writes returns the recorded writes
func (s *Sink[T]) Writes() []Write[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Write[T](nil), s.writes...)
}

// Closes returns how many times Close ran
func (s *Sink[T]) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
