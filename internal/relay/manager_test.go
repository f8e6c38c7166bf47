package relay_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lissahyacinth/audia/internal/audio"
	"github.com/lissahyacinth/audia/internal/capture"
	"github.com/lissahyacinth/audia/internal/capture/capturetest"
	"github.com/lissahyacinth/audia/internal/capture/udp"
	"github.com/lissahyacinth/audia/internal/capture/wavfile"
	"github.com/lissahyacinth/audia/internal/config"
	"github.com/lissahyacinth/audia/internal/metrics"
	"github.com/lissahyacinth/audia/internal/prediction"
	"github.com/lissahyacinth/audia/internal/relay"
	"github.com/lissahyacinth/audia/internal/sample"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePredictor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *fakePredictor) Predict(_ context.Context, req *prediction.Request) (*prediction.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &prediction.Response{Text: "hello", RequestID: req.ID, Latency: time.Millisecond}, nil
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []relay.Event
}

func (b *recordingBroadcaster) Broadcast(e relay.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, e := range b.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeUploader struct {
	mu   sync.Mutex
	key  string
	size int
}

func (u *fakeUploader) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.key = aws.ToString(in.Key)
	u.size = len(body)
	return &s3.PutObjectOutput{}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()
	cfg.Output.FilePattern = "{session}.wav"
	cfg.Prediction.Enabled = false
	return &cfg
}

func scripted(src capture.Source) relay.SourceFactory {
	return func(*config.Config, *slog.Logger) (capture.Source, error) {
		return src, nil
	}
}

func decodeRecording(t *testing.T, path string) (audio.StreamFormat, []byte) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	format, pcm, err := audio.DecodeWAV(data)
	require.NoError(t, err)
	return format, pcm
}

func TestSessionRecordsAndForwards(t *testing.T) {
	cfg := testConfig(t)
	cfg.Prediction.Enabled = true
	cfg.Prediction.Mode = "sync"

	src := capturetest.New(audio.NewStreamFormat(sample.I16, 1, 8000), 160)
	src.EndWhenEmpty = true
	src.Push(
		capturetest.PacketOf[int16](1, 1, 2, 3),
		capturetest.PacketOf[int16](1, 4, 5),
	)

	predictor := &fakePredictor{}
	feed := &recordingBroadcaster{}
	m := metrics.NewMetrics(prometheus.NewRegistry())

	mgr, err := relay.NewManager(cfg, quietLogger(),
		relay.WithSourceFactory(scripted(src)),
		relay.WithPredictor(predictor),
		relay.WithBroadcaster(feed),
		relay.WithMetrics(m),
	)
	require.NoError(t, err)
	defer mgr.Close()

	require.NoError(t, mgr.Run(context.Background()))
	assert.False(t, mgr.IsRunning())

	info := mgr.GetSessionInfo()
	require.NotNil(t, info)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "scripted", info.Device)
	assert.Equal(t, sample.I16, info.SampleFormat)
	assert.Equal(t, 20*time.Millisecond, info.BufferDuration)
	assert.Equal(t, capture.StateStopped, info.State)
	assert.NotNil(t, info.EndedAt)
	assert.Empty(t, info.Error)
	require.NotNil(t, info.LastPrediction)
	assert.Equal(t, "hello", info.LastPrediction.Text)
	assert.Equal(t, filepath.Join(cfg.Output.Directory, info.ID+".wav"), info.Recording)

	format, pcm := decodeRecording(t, info.Recording)
	assert.Equal(t, sample.I16, format.Sample)
	got := make([]int16, len(pcm)/2)
	sample.Decode(got, pcm)
	assert.Equal(t, []int16{1, 2, 3, 4, 5}, got)

	assert.Equal(t, 2, predictor.calls)
	assert.Equal(t, []string{
		relay.EventSessionStarted,
		relay.EventPrediction,
		relay.EventPrediction,
		relay.EventSessionEnded,
	}, feed.types())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsStarted))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Frames))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Predictions.WithLabelValues("success")))

	stats := mgr.GetStats()
	assert.Equal(t, uint64(1), stats.Sessions)
}

func TestSessionConvertsRecording(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.SampleFormat = "i16"

	src := capturetest.New(audio.NewStreamFormat(sample.F32, 2, 48000), 480)
	src.EndWhenEmpty = true
	src.Push(capturetest.PacketOf[float32](2, 1, -0.5, 0, 1))

	mgr, err := relay.NewManager(cfg, quietLogger(), relay.WithSourceFactory(scripted(src)))
	require.NoError(t, err)
	require.NoError(t, mgr.Run(context.Background()))

	format, pcm := decodeRecording(t, mgr.GetSessionInfo().Recording)
	assert.Equal(t, sample.I16, format.Sample)
	assert.Equal(t, 2, format.Channels)
	got := make([]int16, len(pcm)/2)
	sample.Decode(got, pcm)
	assert.Equal(t, []int16{32767, -16384, 0, 32767}, got)
}

func TestSessionArchivesRecording(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.Archive = config.ArchiveConfig{
		Enabled: true, Bucket: "recordings", Prefix: "relay",
		AccessKeyID: "id", SecretAccessKey: "secret",
	}

	src := capturetest.New(audio.NewStreamFormat(sample.U16, 1, 8000), 160)
	src.EndWhenEmpty = true
	src.Push(capturetest.PacketOf[uint16](1, 32768, 65535))

	uploader := &fakeUploader{}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	mgr, err := relay.NewManager(cfg, quietLogger(),
		relay.WithSourceFactory(scripted(src)),
		relay.WithUploader(uploader),
		relay.WithMetrics(m),
	)
	require.NoError(t, err)
	require.NoError(t, mgr.Run(context.Background()))

	info := mgr.GetSessionInfo()
	assert.Equal(t, "relay/"+info.ID+".wav", info.ArchiveKey)
	assert.Equal(t, info.ArchiveKey, uploader.key)
	assert.Equal(t, 44+4, uploader.size)

	_, err = os.Stat(info.Recording)
	assert.True(t, os.IsNotExist(err), "archived recording should be removed locally")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Uploads.WithLabelValues("success")))
}

func TestSessionDeviceFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.Enabled = false

	src := capturetest.New(audio.NewStreamFormat(sample.I32, 1, 8000), 160)
	src.Push(
		capturetest.PacketOf[int32](1, 7),
		capturetest.Step{Err: capture.ErrDeviceInvalidated},
	)

	m := metrics.NewMetrics(prometheus.NewRegistry())
	mgr, err := relay.NewManager(cfg, quietLogger(), relay.WithSourceFactory(scripted(src)), relay.WithMetrics(m))
	require.NoError(t, err)

	err = mgr.Run(context.Background())
	assert.ErrorIs(t, err, capture.ErrDeviceInvalidated)

	info := mgr.GetSessionInfo()
	assert.Contains(t, info.Error, "device invalidated")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsFailed))

	_, _, closes := src.Lifecycle()
	assert.Equal(t, 1, closes)
}

func TestRunRejectsSecondSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.Enabled = false

	src := capturetest.New(audio.NewStreamFormat(sample.I16, 1, 8000), 160)
	mgr, err := relay.NewManager(cfg, quietLogger(), relay.WithSourceFactory(scripted(src)))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- mgr.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		info := mgr.GetSessionInfo()
		return info != nil && info.State == capture.StateRunning
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, mgr.Run(context.Background()), relay.ErrSessionRunning)

	mgr.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	assert.False(t, mgr.IsRunning())
}

// stopDuringActivation asks the manager to stop while the source is
// still being activated
type stopDuringActivation struct {
	*capturetest.Source
	stop func()
}

func (s *stopDuringActivation) Activate(ctx context.Context) error {
	s.stop()
	return s.Source.Activate(ctx)
}

func TestStopDuringActivationIsHonoured(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.Enabled = false

	src := capturetest.New(audio.NewStreamFormat(sample.I16, 1, 8000), 160)
	src.Push(capturetest.PacketOf[int16](1, 1, 2))

	var mgr *relay.Manager
	factory := func(*config.Config, *slog.Logger) (capture.Source, error) {
		return &stopDuringActivation{Source: src, stop: func() { mgr.Stop() }}, nil
	}
	mgr, err := relay.NewManager(cfg, quietLogger(), relay.WithSourceFactory(factory))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- mgr.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		mgr.Stop()
		t.Fatal("stop requested during activation was lost")
	}

	info := mgr.GetSessionInfo()
	require.NotNil(t, info)
	assert.Equal(t, capture.StateStopped, info.State)
	assert.False(t, mgr.IsRunning())

	_, _, closes := src.Lifecycle()
	assert.Equal(t, 1, closes)
}

func TestRunActivationFailure(t *testing.T) {
	cfg := testConfig(t)
	src := capturetest.New(audio.NewStreamFormat(sample.I16, 1, 8000), 160)
	src.ActivateErr = errors.New("no device")

	mgr, err := relay.NewManager(cfg, quietLogger(), relay.WithSourceFactory(scripted(src)))
	require.NoError(t, err)

	err = mgr.Run(context.Background())
	assert.ErrorContains(t, err, "failed to activate capture source")
	assert.Nil(t, mgr.GetSessionInfo())
	assert.False(t, mgr.IsRunning())
}

func TestNewSource(t *testing.T) {
	cfg := config.Default()

	cfg.Capture.Source = config.SourceUDP
	src, err := relay.NewSource(&cfg, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &udp.Source{}, src)

	cfg.Capture.Source = config.SourceFile
	cfg.Capture.FilePath = "input.wav"
	src, err = relay.NewSource(&cfg, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &wavfile.Source{}, src)

	cfg.Capture.Source = "alsa"
	_, err = relay.NewSource(&cfg, quietLogger())
	assert.Error(t, err)
}
