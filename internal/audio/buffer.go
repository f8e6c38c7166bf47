package audio

import (
	"fmt"

	"github.com/lissahyacinth/audia/internal/sample"
)

// DefaultCapacity holds roughly two seconds of stereo audio at 96 kHz
const DefaultCapacity = 192_000 * 2

// RingBuffer is a bounded accumulator of samples of a single representation.
// Once full, every new sample evicts the oldest retained one.
//
// Storage is mirrored: each sample is written at index i and i+capacity, so
// the retained window is always one contiguous slice regardless of where the
// head sits. A RingBuffer is not safe for concurrent use; it belongs to the
// goroutine that drives capture.
type RingBuffer[T sample.Sample] struct {
	data     []T
	capacity int
	head     int // index of the oldest retained sample, in [0, capacity)
	length   int

	totalSamples uint64
	evicted      uint64
	overflows    uint64
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	Format       string  `json:"format"`
	Capacity     int     `json:"capacity_samples"`
	Size         int     `json:"size_samples"`
	FillRatio    float64 `json:"fill_ratio"`
	TotalSamples uint64  `json:"total_samples"`
	Evicted      uint64  `json:"evicted_samples"`
	Overflows    uint64  `json:"oversize_bursts"`
}

// NewRingBuffer creates a ring buffer holding at most capacity samples
func NewRingBuffer[T sample.Sample](capacity int) (*RingBuffer[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring buffer capacity must be positive (got %d)", capacity)
	}
	return &RingBuffer[T]{
		data:     make([]T, 2*capacity),
		capacity: capacity,
	}, nil
}

// Extend appends samples, evicting the oldest retained samples to make room,
// and returns how many samples were dropped.
//
// A burst longer than the capacity keeps only its last Cap() samples; the
// discarded prefix counts as evicted.
func (b *RingBuffer[T]) Extend(samples []T) int {
	count := len(samples)
	if count == 0 {
		return 0
	}
	b.totalSamples += uint64(count)

	evicted := 0
	if count > b.capacity {
		evicted = count - b.capacity
		samples = samples[evicted:]
		b.overflows++
	}

	// Direct append into free space.
	usable := min(len(samples), b.capacity-b.length)
	if usable > 0 {
		b.write(b.head+b.length, samples[:usable])
		b.length += usable
		samples = samples[usable:]
	}

	// Buffer is full: the tail position is the head, so writing there and
	// advancing the head drops exactly one oldest sample per new sample.
	if rest := len(samples); rest > 0 {
		b.write(b.head, samples)
		b.head = (b.head + rest) % b.capacity
		evicted += rest
	}

	b.evicted += uint64(evicted)
	return evicted
}

// write copies src into both halves of the mirrored store starting at the
// logical position pos. len(src) never exceeds capacity.
func (b *RingBuffer[T]) write(pos int, src []T) {
	pos %= b.capacity
	first := min(len(src), b.capacity-pos)
	copy(b.data[pos:], src[:first])
	copy(b.data[pos+b.capacity:], src[:first])
	if rest := src[first:]; len(rest) > 0 {
		copy(b.data, rest)
		copy(b.data[b.capacity:], rest)
	}
}

// View returns the retained samples, oldest first. The slice aliases the
// buffer and is only valid until the next Extend; callers that keep it must
// copy.
func (b *RingBuffer[T]) View() []T {
	end := b.head + b.length
	if b.length > b.capacity || end > len(b.data) {
		panic(fmt.Sprintf("audio: ring buffer corrupted (head=%d len=%d cap=%d)", b.head, b.length, b.capacity))
	}
	return b.data[b.head:end:end]
}

// Tail returns the most recent n retained samples, or all of them when fewer
// are held.
func (b *RingBuffer[T]) Tail(n int) []T {
	v := b.View()
	if n >= len(v) || n < 0 {
		return v
	}
	return v[len(v)-n:]
}

// Size returns the number of retained samples
func (b *RingBuffer[T]) Size() int {
	return b.length
}

// Cap returns the fixed capacity in samples
func (b *RingBuffer[T]) Cap() int {
	return b.capacity
}

// Reset discards every retained sample but keeps counters
func (b *RingBuffer[T]) Reset() {
	b.head = 0
	b.length = 0
}

// GetStats returns a snapshot of the buffer counters
func (b *RingBuffer[T]) GetStats() BufferStats {
	return BufferStats{
		Format:       sample.FormatOf[T]().String(),
		Capacity:     b.capacity,
		Size:         b.length,
		FillRatio:    float64(b.length) / float64(b.capacity),
		TotalSamples: b.totalSamples,
		Evicted:      b.evicted,
		Overflows:    b.overflows,
	}
}
