package portaudio

import (
	"errors"
	"testing"

	pa "github.com/gordonklaus/portaudio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lissahyacinth/audia/internal/capture"
	"github.com/lissahyacinth/audia/internal/config"
	"github.com/lissahyacinth/audia/internal/sample"
)

var testDevices = []Device{
	{Name: "Built-in Microphone", HostAPI: "Core Audio", MaxInputChannels: 1, DefaultSampleRate: 44100},
	{Name: "BlackHole 2ch", HostAPI: "Core Audio", MaxInputChannels: 2, DefaultSampleRate: 48000, IsDefault: true},
	{Name: "Monitor of Speakers", HostAPI: "PulseAudio", MaxInputChannels: 2, DefaultSampleRate: 48000},
}

func TestSelectDevice(t *testing.T) {
	tests := []struct {
		name     string
		request  string
		expected string
	}{
		{"default device", "", "BlackHole 2ch"},
		{"exact match", "Built-in Microphone", "Built-in Microphone"},
		{"partial match", "monitor", "Monitor of Speakers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, err := selectDevice(testDevices, tt.request)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, dev.Name)
		})
	}

	_, err := selectDevice(testDevices, "USB Interface")
	assert.ErrorIs(t, err, ErrNoDevice)

	_, err = selectDevice(nil, "")
	assert.ErrorIs(t, err, ErrNoDevice)

	// Without a flagged default the first device wins
	dev, err := selectDevice(testDevices[2:], "")
	require.NoError(t, err)
	assert.Equal(t, "Monitor of Speakers", dev.Name)
}

func TestNegotiate(t *testing.T) {
	device := testDevices[1]

	format, bufferFrames, err := negotiate(device, config.CaptureConfig{})
	require.NoError(t, err)
	assert.Equal(t, sample.F32, format.Sample)
	assert.Equal(t, 2, format.Channels)
	assert.Equal(t, 48000, format.SampleRate)
	assert.Equal(t, 480, bufferFrames)

	format, bufferFrames, err = negotiate(device, config.CaptureConfig{
		SampleFormat: "i16", Channels: 1, SampleRate: 16000, BufferFrames: 320,
	})
	require.NoError(t, err)
	assert.Equal(t, sample.I16, format.Sample)
	assert.Equal(t, 1, format.Channels)
	assert.Equal(t, 16000, format.SampleRate)
	assert.Equal(t, 320, bufferFrames)

	_, _, err = negotiate(device, config.CaptureConfig{SampleFormat: "u16"})
	assert.Error(t, err)

	_, _, err = negotiate(device, config.CaptureConfig{Channels: 4})
	assert.ErrorContains(t, err, "2 input channels")
}

func TestStreamBuffer(t *testing.T) {
	buf, err := newStreamBuffer(sample.I16, 4)
	require.NoError(t, err)
	typed := buf.target().([]int16)
	copy(typed, []int16{1, -1, 256, 0})
	assert.Equal(t, []byte{1, 0, 0xFF, 0xFF, 0, 1, 0, 0}, buf.appendTo(nil))

	buf, err = newStreamBuffer(sample.F32, 2)
	require.NoError(t, err)
	assert.Len(t, buf.target().([]float32), 2)
	assert.Len(t, buf.appendTo(nil), 8)

	_, err = newStreamBuffer(sample.U16, 2)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(pa.DeviceUnavailable), capture.ErrDeviceInvalidated)
	assert.NotErrorIs(t, classify(pa.TimedOut), capture.ErrDeviceInvalidated)
	assert.ErrorIs(t, classify(pa.TimedOut), pa.TimedOut)
}

func TestSourceBeforeActivate(t *testing.T) {
	s := New(config.CaptureConfig{}, nil)
	assert.Equal(t, "portaudio", s.Name())
	assert.ErrorIs(t, s.Start(), capture.ErrNotActivated)

	_, err := s.PendingFrames()
	assert.ErrorIs(t, err, capture.ErrNotActivated)
	_, err = s.Acquire()
	assert.True(t, errors.Is(err, capture.ErrNotActivated))
	assert.NoError(t, s.Stop())
	assert.NoError(t, s.Close())
}
