package sink

import (
	"errors"
	"sync"

	"github.com/lissahyacinth/audia/internal/sample"
)

// Multi hands each snapshot to several sinks in order. Every sink sees every
// write even when an earlier one fails; the failures are joined.
type Multi[T sample.Sample] struct {
	sinks  []Sink[T]
	closed bool
	mu     sync.Mutex
}

// NewMulti fans out to sinks
func NewMulti[T sample.Sample](sinks ...Sink[T]) *Multi[T] {
	return &Multi[T]{sinks: sinks}
}

// Len returns the number of wrapped sinks
func (m *Multi[T]) Len() int {
	return len(m.sinks)
}

func (m *Multi[T]) Write(view []T, frames int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(view, frames); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink exactly once, even if some fail
func (m *Multi[T]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true

	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard accepts and drops every write
type Discard[T sample.Sample] struct {
	closed bool
	mu     sync.Mutex
}

func (d *Discard[T]) Write([]T, int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

func (d *Discard[T]) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.closed = true
	return nil
}
