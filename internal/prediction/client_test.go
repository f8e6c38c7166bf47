package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lissahyacinth/audia/internal/audio"
	"github.com/lissahyacinth/audia/internal/sample"
)

func TestPredictJSON(t *testing.T) {
	received := make(chan Payload[int16], 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		var payload Payload[int16]
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload
		w.Write([]byte(`{"text":"hello world"}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{Endpoint: server.URL, APIKey: "secret", Timeout: time.Second})
	require.NoError(t, err)

	format := audio.NewStreamFormat(sample.I16, 2, 16000)
	req, err := NewRequest(EncodingJSON, []int16{1, -1, 2, -2}, format)
	require.NoError(t, err)
	assert.Equal(t, 2, req.Channels)
	assert.Equal(t, 4, req.Samples)

	resp, err := client.Predict(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Text)
	assert.Equal(t, req.ID, resp.RequestID)
	assert.Positive(t, resp.Latency)

	got := <-received
	assert.Equal(t, []int16{1, -1, 2, -2}, got.Samples)
	assert.Equal(t, 4, got.Count)
	assert.Equal(t, 2, got.Channels)

	stats := client.GetStats()
	assert.Equal(t, uint64(1), stats.TotalRequests)
	assert.Equal(t, uint64(1), stats.SuccessRequests)
	assert.Equal(t, 100.0, stats.SuccessRate)
	assert.Equal(t, uint64(req.Size()), stats.BytesSent)
	assert.Equal(t, 0, stats.ActiveRequests)
}

func TestPredictWAVMultipart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "1", r.FormValue("channels"))
		assert.Equal(t, "48000", r.FormValue("sample_rate"))
		assert.Equal(t, "f32", r.FormValue("sample_format"))
		assert.Equal(t, "3", r.FormValue("data_size"))

		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		assert.Equal(t, r.FormValue("request_id")+".wav", header.Filename)

		data, _ := io.ReadAll(file)
		info, err := audio.GetWAVInfo(data)
		if !assert.NoError(t, err) {
			return
		}

		json.NewEncoder(w).Encode(map[string]string{"text": strconv.Itoa(int(info.NumSamples)) + " samples"})
	}))
	defer server.Close()

	client, err := NewClient(Config{Endpoint: server.URL, Timeout: time.Second})
	require.NoError(t, err)

	req, err := NewRequest(EncodingWAV, []float32{0.1, 0.2, 0.3}, audio.NewStreamFormat(sample.F32, 1, 48000))
	require.NoError(t, err)
	assert.Contains(t, req.ContentType(), "multipart/form-data")

	resp, err := client.Predict(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "3 samples", resp.Text)
}

func TestPredictTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client, err := NewClient(Config{Endpoint: server.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	req, err := NewRequest(EncodingJSON, []uint16{1, 2}, audio.NewStreamFormat(sample.U16, 1, 8000))
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Predict(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	stats := client.GetStats()
	assert.Equal(t, uint64(1), stats.FailedRequests)
	assert.Equal(t, uint64(1), stats.Timeouts)
	assert.NotEmpty(t, stats.LastError)
}

func TestPredictHTTPError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := NewClient(Config{Endpoint: server.URL})
	require.NoError(t, err)

	req, err := NewRequest(EncodingJSON, []int32{5}, audio.NewStreamFormat(sample.I32, 1, 8000))
	require.NoError(t, err)

	_, err = client.Predict(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP error 503")
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, int32(1), calls.Load(), "requests are not retried")
}

func TestPredictBadJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	client, err := NewClient(Config{Endpoint: server.URL})
	require.NoError(t, err)
	req, err := NewRequest(EncodingJSON, []int16{1}, audio.NewStreamFormat(sample.I16, 1, 8000))
	require.NoError(t, err)

	_, err = client.Predict(context.Background(), req)
	assert.ErrorContains(t, err, "failed to parse response JSON")
}

func TestNewClientDefaults(t *testing.T) {
	client, err := NewClient(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultEndpoint, client.config.Endpoint)
	assert.Equal(t, 500*time.Millisecond, client.Timeout())
	assert.Equal(t, 1, cap(client.semaphore))
}

func TestNewRequestNonFiniteFloats(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	samples := []float32{0.5, nan, inf, -inf}

	req, err := NewRequest(EncodingJSON, samples, audio.NewStreamFormat(sample.F32, 1, 48000))
	require.NoError(t, err)

	var payload Payload[float32]
	require.NoError(t, json.Unmarshal(req.body, &payload))
	assert.Equal(t, []float32{0.5, 0, 1, -1}, payload.Samples)
	assert.Equal(t, 4, payload.Count)

	// The caller's window is left untouched
	assert.True(t, math.IsNaN(float64(samples[1])))
}

func TestNewRequestValidation(t *testing.T) {
	format := audio.NewStreamFormat(sample.I16, 1, 8000)

	_, err := NewRequest[int16](EncodingJSON, nil, format)
	assert.Error(t, err)

	_, err = NewRequest(Encoding("flac"), []int16{1}, format)
	assert.Error(t, err)

	enc, err := ParseEncoding("")
	require.NoError(t, err)
	assert.Equal(t, EncodingJSON, enc)
	_, err = ParseEncoding("mp3")
	assert.Error(t, err)
}
