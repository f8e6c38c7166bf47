package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// DefaultEndpoint is where a locally running prediction service listens
const DefaultEndpoint = "http://127.0.0.1:8000/uncompressed"

// ErrTimeout is returned when the service does not answer within the
// request deadline
var ErrTimeout = errors.New("prediction: request timed out")

// Client provides HTTP client functionality for prediction requests.
// Requests are never retried: a window that misses its deadline is stale by
// the time a retry could land.
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{}

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	timeouts        uint64
	bytesSent       uint64
	avgResponseTime time.Duration
	lastError       string

	mu sync.RWMutex
}

// Config contains prediction client configuration
type Config struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxConcurrent int
	UserAgent     string
}

// Response represents the answer of the prediction service
type Response struct {
	Text      string        `json:"text"`
	RequestID string        `json:"request_id,omitempty"`
	Latency   time.Duration `json:"latency"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	Timeouts        uint64        `json:"timeouts"`
	SuccessRate     float64       `json:"success_rate"`
	BytesSent       uint64        `json:"bytes_sent"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
	LastError       string        `json:"last_error,omitempty"`
}

// NewClient creates a new prediction HTTP client
func NewClient(config Config) (*Client, error) {
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.Timeout <= 0 {
		config.Timeout = 500 * time.Millisecond
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	if config.UserAgent == "" {
		config.UserAgent = "audia/1.0"
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Timeout returns the per-request deadline
func (c *Client) Timeout() time.Duration {
	return c.config.Timeout
}

// Predict sends an encoded window and returns the predicted text. The
// request is bounded by both ctx and the configured timeout.
func (c *Client) Predict(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, c.fail(classify(ctx.Err()))
	}

	startTime := time.Now()
	c.recordRequest(req.Size())

	resp, err := c.doRequest(ctx, req)
	if err != nil {
		return nil, c.fail(classify(err))
	}

	resp.Latency = time.Since(startTime)
	if resp.RequestID == "" {
		resp.RequestID = req.ID
	}
	c.recordSuccess(resp.Latency)
	return resp, nil
}

// doRequest performs a single HTTP request to the prediction service
func (c *Client) doRequest(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(req.body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", req.contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set("X-Request-ID", req.ID)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var predictionResp Response
	if err := json.Unmarshal(respBody, &predictionResp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return &predictionResp, nil
}

// classify maps deadline failures onto ErrTimeout, keeping the cause
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// Statistics methods
func (c *Client) recordRequest(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	c.bytesSent += uint64(size)
}

func (c *Client) recordSuccess(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

func (c *Client) fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
	if errors.Is(err, ErrTimeout) {
		c.timeouts++
	}
	c.lastError = err.Error()
	return err
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		Timeouts:        c.timeouts,
		SuccessRate:     successRate,
		BytesSent:       c.bytesSent,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
		LastError:       c.lastError,
	}
}

// Close waits for in-flight requests to complete
func (c *Client) Close() error {
	for i := 0; i < cap(c.semaphore); i++ {
		c.semaphore <- struct{}{}
	}
	c.httpClient.CloseIdleConnections()
	return nil
}
