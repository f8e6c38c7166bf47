package prediction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"mime/multipart"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lissahyacinth/audia/internal/audio"
	"github.com/lissahyacinth/audia/internal/sample"
)

// Encoding selects the request body format
type Encoding string

const (
	// EncodingJSON posts {data_packet, data_size, channels}
	EncodingJSON Encoding = "json"
	// EncodingWAV posts a multipart form with a WAV file and metadata fields
	EncodingWAV Encoding = "wav"
)

// ParseEncoding validates a configured encoding name
func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(s); e {
	case EncodingJSON, EncodingWAV:
		return e, nil
	case "":
		return EncodingJSON, nil
	default:
		return "", fmt.Errorf("unknown prediction encoding %q", s)
	}
}

// Payload is the JSON body of a prediction request
type Payload[T sample.Sample] struct {
	Samples  []T `json:"data_packet"`
	Count    int `json:"data_size"`
	Channels int `json:"channels"`
}

// Request is an encoded prediction call, ready to send
type Request struct {
	ID        string
	Samples   int
	Channels  int
	Duration  time.Duration
	CreatedAt time.Time

	body        []byte
	contentType string
}

// NewRequest encodes a window of interleaved samples
func NewRequest[T sample.Sample](enc Encoding, samples []T, format audio.StreamFormat) (*Request, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio window")
	}

	req := &Request{
		ID:        uuid.NewString(),
		Samples:   len(samples),
		Channels:  format.Channels,
		Duration:  format.FrameDuration(len(samples) / max(format.Channels, 1)),
		CreatedAt: time.Now(),
	}

	switch enc {
	case EncodingJSON, "":
		body, err := json.Marshal(Payload[T]{
			Samples:  finite(samples),
			Count:    len(samples),
			Channels: format.Channels,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		req.body = body
		req.contentType = "application/json"
	case EncodingWAV:
		body, contentType, err := multipartWAV(req, samples, format)
		if err != nil {
			return nil, fmt.Errorf("failed to create multipart request: %w", err)
		}
		req.body = body
		req.contentType = contentType
	default:
		return nil, fmt.Errorf("unknown prediction encoding %q", enc)
	}
	return req, nil
}

// finite replaces NaN with silence and infinities with full scale, which JSON
// cannot carry. Integer samples are returned as is.
func finite[T sample.Sample](samples []T) []T {
	floats, ok := any(samples).([]float32)
	if !ok {
		return samples
	}
	var out []float32
	for i, v := range floats {
		f := float64(v)
		if !math.IsNaN(f) && !math.IsInf(f, 0) {
			continue
		}
		if out == nil {
			out = append([]float32(nil), floats...)
		}
		switch {
		case math.IsNaN(f):
			out[i] = 0
		case f > 0:
			out[i] = 1
		default:
			out[i] = -1
		}
	}
	if out == nil {
		return samples
	}
	return any(out).([]T)
}

func multipartWAV[T sample.Sample](req *Request, samples []T, format audio.StreamFormat) ([]byte, string, error) {
	wavData, err := audio.EncodeWAV(samples, format)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", req.ID+".wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(wavData); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{
		{"request_id", req.ID},
		{"channels", strconv.Itoa(format.Channels)},
		{"sample_rate", strconv.Itoa(format.SampleRate)},
		{"data_size", strconv.Itoa(len(samples))},
		{"sample_format", format.Sample.String()},
		{"duration", fmt.Sprintf("%.3f", req.Duration.Seconds())},
		{"request_timestamp", req.CreatedAt.Format(time.RFC3339)},
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

// ContentType returns the MIME type of the encoded body
func (r *Request) ContentType() string {
	return r.contentType
}

// Size returns the encoded body size in bytes
func (r *Request) Size() int {
	return len(r.body)
}
