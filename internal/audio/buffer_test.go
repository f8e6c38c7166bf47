package audio

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(from, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(from + i)
	}
	return out
}

func TestNewRingBuffer(t *testing.T) {
	buffer, err := NewRingBuffer[float32](DefaultCapacity)
	if err != nil {
		t.Fatalf("NewRingBuffer failed: %v", err)
	}

	if buffer.Cap() != 384000 {
		t.Errorf("Expected capacity 384000, got %d", buffer.Cap())
	}
	if buffer.Size() != 0 {
		t.Errorf("Expected initial size 0, got %d", buffer.Size())
	}
	if len(buffer.View()) != 0 {
		t.Errorf("Expected empty view, got %d samples", len(buffer.View()))
	}

	for _, capacity := range []int{0, -1} {
		if _, err := NewRingBuffer[int16](capacity); err == nil {
			t.Errorf("Expected error for capacity %d", capacity)
		}
	}
}

func TestExtendBursts(t *testing.T) {
	buffer, err := NewRingBuffer[int16](10)
	require.NoError(t, err)

	assert.Equal(t, 0, buffer.Extend(seq(1, 4)))
	assert.Equal(t, seq(1, 4), buffer.View())

	assert.Equal(t, 0, buffer.Extend(seq(5, 4)))
	assert.Equal(t, seq(1, 8), buffer.View())

	// Two slots free, four arriving: the two oldest go.
	assert.Equal(t, 2, buffer.Extend(seq(9, 4)))
	assert.Equal(t, seq(3, 10), buffer.View())
	assert.Equal(t, 10, buffer.Size())

	stats := buffer.GetStats()
	assert.Equal(t, uint64(12), stats.TotalSamples)
	assert.Equal(t, uint64(2), stats.Evicted)
	assert.Equal(t, uint64(0), stats.Overflows)
	assert.Equal(t, 1.0, stats.FillRatio)
	assert.Equal(t, "i16", stats.Format)
}

func TestExtendEmptyIsNoop(t *testing.T) {
	buffer, err := NewRingBuffer[int32](4)
	require.NoError(t, err)

	buffer.Extend([]int32{7, 8, 9})
	before := append([]int32(nil), buffer.View()...)

	assert.Equal(t, 0, buffer.Extend(nil))
	assert.Equal(t, 0, buffer.Extend([]int32{}))
	assert.Equal(t, before, buffer.View())
	assert.Equal(t, uint64(3), buffer.GetStats().TotalSamples)
}

func TestExtendFullBufferWraps(t *testing.T) {
	buffer, err := NewRingBuffer[int16](5)
	require.NoError(t, err)

	buffer.Extend(seq(1, 5))
	for i := 0; i < 12; i++ {
		evicted := buffer.Extend(seq(6+i*3, 3))
		require.Equal(t, 3, evicted)
		require.Equal(t, seq(6+i*3-2, 5), buffer.View(), "iteration %d", i)
	}
}

func TestExtendOversizeBurst(t *testing.T) {
	buffer, err := NewRingBuffer[int16](4)
	require.NoError(t, err)

	buffer.Extend(seq(1, 2))

	// The whole prior content plus the first six samples of the burst go.
	evicted := buffer.Extend(seq(100, 10))
	assert.Equal(t, 8, evicted)
	assert.Equal(t, seq(106, 4), buffer.View())
	assert.Equal(t, uint64(1), buffer.GetStats().Overflows)
	assert.Equal(t, uint64(8), buffer.GetStats().Evicted)
}

func TestRingBufferMatchesReference(t *testing.T) {
	const capacity = 37
	rng := rand.New(rand.NewSource(42))

	buffer, err := NewRingBuffer[int16](capacity)
	require.NoError(t, err)

	var all []int16
	next := 0
	for i := 0; i < 500; i++ {
		burst := seq(next, rng.Intn(2*capacity))
		next += len(burst)
		all = append(all, burst...)

		buffer.Extend(burst)

		want := all
		if len(want) > capacity {
			want = want[len(want)-capacity:]
		}
		require.Equal(t, len(want), buffer.Size())
		require.LessOrEqual(t, buffer.Size(), buffer.Cap())
		if len(want) > 0 {
			require.Equal(t, want, buffer.View(), "after burst %d", i)
		}
	}
}

func TestViewIsCapacityLimited(t *testing.T) {
	buffer, err := NewRingBuffer[int16](4)
	require.NoError(t, err)
	buffer.Extend(seq(1, 6))

	view := buffer.View()
	_ = append(view, 99)

	assert.Equal(t, seq(3, 4), buffer.View(), "appending to a view must not reach the store")
}

func TestTail(t *testing.T) {
	buffer, err := NewRingBuffer[int16](8)
	require.NoError(t, err)
	buffer.Extend(seq(1, 11))

	assert.Equal(t, seq(9, 3), buffer.Tail(3))
	assert.Equal(t, seq(4, 8), buffer.Tail(100))
	assert.Equal(t, seq(4, 8), buffer.Tail(-1))
}

func TestReset(t *testing.T) {
	buffer, err := NewRingBuffer[uint16](3)
	require.NoError(t, err)
	buffer.Extend([]uint16{1, 2, 3, 4})
	buffer.Reset()

	assert.Equal(t, 0, buffer.Size())
	assert.Empty(t, buffer.View())
	assert.Equal(t, uint64(4), buffer.GetStats().TotalSamples)

	buffer.Extend([]uint16{5})
	assert.Equal(t, []uint16{5}, buffer.View())
}

func TestViewPanicsOnCorruption(t *testing.T) {
	buffer, err := NewRingBuffer[int16](4)
	require.NoError(t, err)
	buffer.length = 5

	assert.Panics(t, func() { buffer.View() })
}
