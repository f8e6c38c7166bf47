package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lissahyacinth/audia/internal/audio"
	"github.com/lissahyacinth/audia/internal/prediction"
)

const maxPredictionBody = 64 << 20

// predictorServer answers prediction requests with a description of the
// audio it received. It stands in for a real model during development.
type predictorServer struct {
	logger *slog.Logger
	delay  time.Duration
}

type predictionPayload struct {
	Samples  []float64 `json:"data_packet"`
	Count    int       `json:"data_size"`
	Channels int       `json:"channels"`
}

func newPredictorCmd() *cobra.Command {
	var (
		address string
		port    int
		delay   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "predictor",
		Short: "Serve a mock prediction endpoint for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
			p := &predictorServer{logger: logger, delay: delay}

			mux := http.NewServeMux()
			mux.Handle("/uncompressed", p)

			srv := &http.Server{
				Addr:              net.JoinHostPort(address, strconv.Itoa(port)),
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			logger.Info("Mock predictor listening",
				slog.String("endpoint", "http://"+srv.Addr+"/uncompressed"),
			)
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&address, "address", "127.0.0.1", "Listen address")
	cmd.Flags().IntVar(&port, "port", 8000, "Listen port")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Simulated inference time")
	return cmd
}

func (p *predictorServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	r.Body = http.MaxBytesReader(w, r.Body, maxPredictionBody)

	var (
		text string
		err  error
	)
	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		text, err = describeJSON(r.Body)
	case strings.HasPrefix(contentType, "multipart/form-data"):
		text, err = describeWAV(r)
	default:
		http.Error(w, "Unsupported content type", http.StatusUnsupportedMediaType)
		return
	}
	if err != nil {
		p.logger.Warn("Rejected prediction request", slog.String("error", err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-r.Context().Done():
			return
		}
	}

	resp := prediction.Response{
		Text:      text,
		RequestID: r.Header.Get("X-Request-ID"),
		Latency:   time.Since(start),
	}
	p.logger.Info("Prediction served",
		slog.String("request_id", resp.RequestID),
		slog.String("text", resp.Text),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func describeJSON(body io.Reader) (string, error) {
	var payload predictionPayload
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return "", fmt.Errorf("invalid JSON body: %w", err)
	}
	if payload.Count != len(payload.Samples) {
		return "", fmt.Errorf("data_size %d does not match %d samples", payload.Count, len(payload.Samples))
	}
	if payload.Channels < 1 {
		return "", fmt.Errorf("channels must be positive")
	}

	var peak float64
	for _, v := range payload.Samples {
		peak = math.Max(peak, math.Abs(v))
	}
	return fmt.Sprintf("%d frames x %d ch, peak %g",
		len(payload.Samples)/payload.Channels, payload.Channels, peak), nil
}

func describeWAV(r *http.Request) (string, error) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		return "", fmt.Errorf("invalid multipart body: %w", err)
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return "", fmt.Errorf("missing audio file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return "", fmt.Errorf("failed to read audio file: %w", err)
	}
	format, pcm, err := audio.DecodeWAV(data)
	if err != nil {
		return "", err
	}

	frames := len(pcm) / (format.Sample.Size() * format.Channels)
	return fmt.Sprintf("%d frames of %s", frames, format), nil
}
