package wavfile_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lissahyacinth/audia/internal/audio"
	"github.com/lissahyacinth/audia/internal/capture"
	"github.com/lissahyacinth/audia/internal/capture/capturetest"
	"github.com/lissahyacinth/audia/internal/capture/wavfile"
	"github.com/lissahyacinth/audia/internal/sample"
)

func writeWAV[T sample.Sample](t *testing.T, samples []T, format audio.StreamFormat) string {
	t.Helper()
	data, err := audio.EncodeWAV(samples, format)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "input.wav")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func ramp(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(i)
	}
	return out
}

func decode(p capture.Packet) []int16 {
	out := make([]int16, p.Frames)
	sample.Decode(out, p.Data)
	return out
}

// fakeClock is advanced by hand
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestReplayPacketsAndEndOfStream(t *testing.T) {
	path := writeWAV(t, ramp(1000), audio.NewStreamFormat(sample.I16, 1, 8000))

	src := wavfile.New(path, wavfile.Options{BufferFrames: 300})
	require.NoError(t, src.Activate(context.Background()))
	defer src.Close()

	format := src.NativeFormat()
	assert.Equal(t, sample.I16, format.Sample)
	assert.Equal(t, 8000, format.SampleRate)
	assert.Equal(t, 300, src.BufferFrames())
	assert.Equal(t, "file://input.wav", src.Name())

	// Nothing is delivered before Start
	frames, err := src.PendingFrames()
	require.NoError(t, err)
	assert.Zero(t, frames)

	require.NoError(t, src.Start())

	var sizes []int
	var got []int16
	for {
		pending, err := src.PendingFrames()
		if err != nil {
			assert.ErrorIs(t, err, capture.ErrEndOfStream)
			break
		}
		packet, err := src.Acquire()
		require.NoError(t, err)
		assert.Equal(t, pending, packet.Frames)
		sizes = append(sizes, packet.Frames)
		got = append(got, decode(packet)...)
		require.NoError(t, src.Release(packet.Frames))
	}

	assert.Equal(t, []int{300, 300, 300, 100}, sizes)
	assert.Equal(t, ramp(1000), got)

	stats := src.GetStats()
	assert.Equal(t, int64(1000), stats.TotalFrames)
	assert.Equal(t, int64(1000), stats.FramesRead)
	assert.True(t, stats.Finished)
}

func TestReplayRealtimeOverrun(t *testing.T) {
	path := writeWAV(t, ramp(1000), audio.NewStreamFormat(sample.I16, 1, 8000))
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	src := wavfile.New(path, wavfile.Options{Realtime: true, BufferFrames: 80, Now: clock.Now})
	require.NoError(t, src.Activate(context.Background()))
	defer src.Close()
	require.NoError(t, src.Start())

	// No time has passed, so nothing has been captured
	_, err := src.Acquire()
	assert.ErrorIs(t, err, capture.ErrNoData)

	clock.Advance(5 * time.Millisecond)
	packet, err := src.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 40, packet.Frames)
	assert.Equal(t, ramp(40), decode(packet))
	require.NoError(t, src.Release(packet.Frames))

	// 45ms later the device has captured 360 more frames but only holds 80
	clock.Advance(45 * time.Millisecond)
	packet, err = src.Acquire()
	require.NoError(t, err)
	require.Equal(t, 80, packet.Frames)
	assert.Equal(t, int16(320), decode(packet)[0])
	assert.Equal(t, int16(399), decode(packet)[79])
	require.NoError(t, src.Release(packet.Frames))

	stats := src.GetStats()
	assert.Equal(t, int64(280), stats.FramesSkipped)
	assert.Equal(t, uint64(1), stats.Overruns)

	// Far past the end of the file: the last buffer survives, then EOS
	clock.Advance(time.Second)
	packet, err = src.Acquire()
	require.NoError(t, err)
	assert.Equal(t, int16(920), decode(packet)[0])
	require.NoError(t, src.Release(packet.Frames))

	_, err = src.PendingFrames()
	assert.ErrorIs(t, err, capture.ErrEndOfStream)
}

func TestReplayLongStallStreamsSkippedFrames(t *testing.T) {
	const total = 2_000_000
	samples := ramp(total)
	path := writeWAV(t, samples, audio.NewStreamFormat(sample.I16, 1, 8000))
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	src := wavfile.New(path, wavfile.Options{Realtime: true, BufferFrames: 80, Now: clock.Now})
	require.NoError(t, src.Activate(context.Background()))
	defer src.Close()
	require.NoError(t, src.Start())

	// 200s stall: 1,599,920 frames (about 3MB) overflow the device buffer
	clock.Advance(200 * time.Second)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	packet, err := src.Acquire()
	runtime.ReadMemStats(&after)
	require.NoError(t, err)

	require.Equal(t, 80, packet.Frames)
	assert.Equal(t, samples[1_599_920:1_600_000], decode(packet))
	assert.Equal(t, int64(1_599_920), src.GetStats().FramesSkipped)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20),
		"skipped frames should be discarded without buffering them")
}

func TestReplayThroughLoop(t *testing.T) {
	path := writeWAV(t, ramp(2000), audio.NewStreamFormat(sample.I16, 1, 8000))

	src := wavfile.New(path, wavfile.Options{BufferFrames: 160})
	require.NoError(t, src.Activate(context.Background()))

	buffer, err := audio.NewRingBuffer[int16](500)
	require.NoError(t, err)
	sink := &capturetest.Sink[int16]{}

	loop, err := capture.NewLoop[int16](src, buffer, sink, capture.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, loop.Run(ctx))

	writes := sink.Writes()
	require.NotEmpty(t, writes)
	total := 0
	for _, w := range writes {
		total += w.Frames
	}
	assert.Equal(t, 2000, total)

	last := writes[len(writes)-1].View
	assert.Equal(t, ramp(2000)[1500:], last)
	assert.Equal(t, 1, sink.Closes())
	assert.Equal(t, capture.StateStopped, loop.State())
}

func TestReplayFloatStereo(t *testing.T) {
	samples := []float32{0.5, -0.5, 0.25, -0.25}
	path := writeWAV(t, samples, audio.NewStreamFormat(sample.F32, 2, 48000))

	src := wavfile.New(path, wavfile.Options{})
	require.NoError(t, src.Activate(context.Background()))
	defer src.Close()
	require.NoError(t, src.Start())

	format := src.NativeFormat()
	assert.Equal(t, sample.F32, format.Sample)
	assert.Equal(t, 2, format.Channels)
	assert.Equal(t, 480, src.BufferFrames())

	packet, err := src.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 2, packet.Frames)
	got := make([]float32, 4)
	sample.Decode(got, packet.Data)
	assert.Equal(t, samples, got)
}

func TestReplayErrors(t *testing.T) {
	garbage := filepath.Join(t.TempDir(), "garbage.wav")
	require.NoError(t, os.WriteFile(garbage, []byte("not a wav file at all, just text"), 0o644))

	assert.Error(t, wavfile.New(garbage, wavfile.Options{}).Activate(context.Background()))
	assert.Error(t, wavfile.New(filepath.Join(t.TempDir(), "missing.wav"), wavfile.Options{}).Activate(context.Background()))

	src := wavfile.New(garbage, wavfile.Options{})
	assert.ErrorIs(t, src.Start(), capture.ErrNotActivated)
	_, err := src.PendingFrames()
	assert.ErrorIs(t, err, capture.ErrNotActivated)
}
