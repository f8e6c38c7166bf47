package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lissahyacinth/audia/internal/sample"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "defaults are valid",
			modify: func(*Config) {},
		},
		{
			name:        "unknown capture source",
			modify:      func(c *Config) { c.Capture.Source = "alsa" },
			expectError: true,
			errorMsg:    "capture.source must be one of",
		},
		{
			name:        "unknown sample format",
			modify:      func(c *Config) { c.Capture.SampleFormat = "i24" },
			expectError: true,
			errorMsg:    "capture.sample_format",
		},
		{
			name: "file source without path",
			modify: func(c *Config) {
				c.Capture.Source = SourceFile
			},
			expectError: true,
			errorMsg:    "file_path cannot be empty",
		},
		{
			name: "sample format on udp source",
			modify: func(c *Config) {
				c.Capture.Source = SourceUDP
				c.Capture.SampleFormat = "f32"
			},
			expectError: true,
			errorMsg:    "sample_format only applies",
		},
		{
			name: "invalid udp port",
			modify: func(c *Config) {
				c.Capture.Source = SourceUDP
				c.UDP.Port = 70000
			},
			expectError: true,
			errorMsg:    "port must be between 1 and 65535",
		},
		{
			name: "udp settings ignored for other sources",
			modify: func(c *Config) {
				c.UDP.Port = 0
			},
		},
		{
			name:        "invalid prediction encoding",
			modify:      func(c *Config) { c.Prediction.Encoding = "flac" },
			expectError: true,
			errorMsg:    "prediction.encoding must be one of",
		},
		{
			name:        "invalid prediction mode",
			modify:      func(c *Config) { c.Prediction.Mode = "batch" },
			expectError: true,
			errorMsg:    "prediction.mode",
		},
		{
			name: "prediction endpoint required when enabled",
			modify: func(c *Config) {
				c.Prediction.Enabled = true
				c.Prediction.Endpoint = ""
			},
			expectError: true,
			errorMsg:    "prediction.endpoint is required",
		},
		{
			name:        "invalid prediction endpoint",
			modify:      func(c *Config) { c.Prediction.Endpoint = "not a url" },
			expectError: true,
			errorMsg:    "endpoint must be a valid URL",
		},
		{
			name:        "positive silence threshold",
			modify:      func(c *Config) { c.Prediction.SilenceThresholdDB = 6 },
			expectError: true,
			errorMsg:    "silence_threshold_db",
		},
		{
			name: "archive requires credentials",
			modify: func(c *Config) {
				c.Output.Archive.Enabled = true
				c.Output.Archive.Bucket = "recordings"
			},
			expectError: true,
			errorMsg:    "output.archive.access_key_id is required",
		},
		{
			name: "archive requires output",
			modify: func(c *Config) {
				c.Output.Enabled = false
				c.Output.Archive = ArchiveConfig{
					Enabled: true, Bucket: "b", AccessKeyID: "id", SecretAccessKey: "secret",
				}
			},
			expectError: true,
			errorMsg:    "archive requires output",
		},
		{
			name:        "unknown output sample format",
			modify:      func(c *Config) { c.Output.SampleFormat = "f64" },
			expectError: true,
			errorMsg:    "output.sample_format",
		},
		{
			name:        "output pattern must be wav",
			modify:      func(c *Config) { c.Output.FilePattern = "capture.mp3" },
			expectError: true,
			errorMsg:    "file_pattern must end in .wav",
		},
		{
			name:        "invalid log level",
			modify:      func(c *Config) { c.Logging.Level = "verbose" },
			expectError: true,
			errorMsg:    "logging.level",
		},
		{
			name:        "invalid http port",
			modify:      func(c *Config) { c.HTTP.Port = 0 },
			expectError: true,
			errorMsg:    "http port must be between 1 and 65535",
		},
		{
			name: "http port ignored when disabled",
			modify: func(c *Config) {
				c.HTTP.Enabled = false
				c.HTTP.Port = 0
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.modify(&config)
			err := config.Validate()

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
capture:
  source: udp
  buffer_capacity: 96000
udp:
  bind_address: "127.0.0.1"
  port: 5555
  read_buffer: 65536
  queue_packets: 32
  format_timeout: 2000
output:
  enabled: true
  directory: "./out"
  file_pattern: "{session}.wav"
prediction:
  enabled: true
  endpoint: "http://127.0.0.1:8000/uncompressed"
  timeout: 500
  encoding: wav
  mode: sync
  window_seconds: 2.5
  max_concurrent: 1
logging:
  level: debug
  format: text
  output: stderr
`,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
udp:
  port: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "empty bind address",
			configYAML: `
capture:
  source: udp
udp:
  bind_address: ""
`,
			expectError: true,
			errorMsg:    "bind_address cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if config.UDP.Port != 5555 || config.UDP.QueuePackets != 32 {
				t.Errorf("UDP section not applied: %+v", config.UDP)
			}
			if config.Prediction.Mode != "sync" || config.Prediction.WindowSeconds != 2.5 {
				t.Errorf("Prediction section not applied: %+v", config.Prediction)
			}
			// Omitted fields keep their defaults
			if config.HTTP.Port != 8080 {
				t.Errorf("Expected default HTTP port 8080, got %d", config.HTTP.Port)
			}
		})
	}
}

func TestConfigLoadExpandsEnv(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("AUDIA_TEST_KEY", "from-env")

	dotenv := "AUDIA_TEST_BUCKET=from-dotenv\n"
	if err := os.WriteFile(filepath.Join(tempDir, ".env"), []byte(dotenv), 0644); err != nil {
		t.Fatalf("Failed to write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("AUDIA_TEST_BUCKET") })

	configYAML := `
prediction:
  api_key: "${AUDIA_TEST_KEY}"
output:
  archive:
    enabled: true
    bucket: "${AUDIA_TEST_BUCKET}"
    access_key_id: "id"
    secret_access_key: "pa$word"
`
	configPath := filepath.Join(tempDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}
	if config.Prediction.APIKey != "from-env" {
		t.Errorf("Expected api_key from environment, got %q", config.Prediction.APIKey)
	}
	if config.Output.Archive.Bucket != "from-dotenv" {
		t.Errorf("Expected bucket from .env, got %q", config.Output.Archive.Bucket)
	}
	if config.Output.Archive.SecretAccessKey != "pa$word" {
		t.Errorf("Expected bare $ to survive, got %q", config.Output.Archive.SecretAccessKey)
	}

	sanitized := config.Sanitized()
	if sanitized.Prediction.APIKey != "***" || sanitized.Output.Archive.SecretAccessKey != "***" {
		t.Errorf("Expected secrets masked, got %+v", sanitized.Output.Archive)
	}
	if config.Prediction.APIKey != "from-env" {
		t.Error("Sanitized must not modify the original")
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	udp := UDPConfig{FormatTimeout: 2500}
	if udp.GetFormatTimeout() != 2500*time.Millisecond {
		t.Errorf("Expected 2.5 seconds, got %v", udp.GetFormatTimeout())
	}

	prediction := PredictionConfig{Timeout: 500, MinInterval: 250}
	if prediction.GetTimeoutDuration() != 500*time.Millisecond {
		t.Errorf("Expected 500ms, got %v", prediction.GetTimeoutDuration())
	}
	if prediction.GetMinInterval() != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", prediction.GetMinInterval())
	}
}

func TestCaptureSampleFormat(t *testing.T) {
	tests := []struct {
		input    string
		expected sample.Format
	}{
		{"", sample.Unknown},
		{"i16", sample.I16},
		{"u16", sample.U16},
		{"f32", sample.F32},
		{"bogus", sample.Unknown},
	}
	for _, tt := range tests {
		c := CaptureConfig{SampleFormat: tt.input}
		if got := c.GetSampleFormat(); got != tt.expected {
			t.Errorf("GetSampleFormat(%q) = %v, expected %v", tt.input, got, tt.expected)
		}
		o := OutputConfig{SampleFormat: tt.input}
		if got := o.GetSampleFormat(); got != tt.expected {
			t.Errorf("output GetSampleFormat(%q) = %v, expected %v", tt.input, got, tt.expected)
		}
	}
}

func TestOutputFileName(t *testing.T) {
	o := OutputConfig{Directory: "rec", FilePattern: "{session}-{time}.wav"}
	at := time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)

	got := o.FileName("abc", at)
	expected := filepath.Join("rec", "abc-20260301-123045.wav")
	if got != expected {
		t.Errorf("Expected %q, got %q", expected, got)
	}
}

func TestUDPConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config UDPConfig
		valid  bool
	}{
		{"valid", UDPConfig{BindAddress: "0.0.0.0", Port: 4444, ReadBuffer: 65536, QueuePackets: 64, FormatTimeout: 5000}, true},
		{"small read buffer", UDPConfig{BindAddress: "0.0.0.0", Port: 4444, ReadBuffer: 512, QueuePackets: 64, FormatTimeout: 5000}, false},
		{"zero queue", UDPConfig{BindAddress: "0.0.0.0", Port: 4444, ReadBuffer: 65536, QueuePackets: 0, FormatTimeout: 5000}, false},
		{"zero format timeout", UDPConfig{BindAddress: "0.0.0.0", Port: 4444, ReadBuffer: 65536, QueuePackets: 64}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid config, got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("Expected error for invalid config")
			}
		})
	}
}
