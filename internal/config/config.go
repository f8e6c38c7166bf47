package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lissahyacinth/audia/internal/sample"
)

// Capture source kinds
const (
	SourcePortAudio = "portaudio"
	SourceUDP       = "udp"
	SourceFile      = "file"
)

// Config represents the complete relay configuration
type Config struct {
	Capture    CaptureConfig    `yaml:"capture"`
	UDP        UDPConfig        `yaml:"udp"`
	Output     OutputConfig     `yaml:"output"`
	Prediction PredictionConfig `yaml:"prediction"`
	HTTP       HTTPConfig       `yaml:"http"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// CaptureConfig selects and sizes the capture source
type CaptureConfig struct {
	Source         string `yaml:"source" validate:"oneof=portaudio udp file"`
	Device         string `yaml:"device"` // empty = default device
	SampleFormat   string `yaml:"sample_format" validate:"omitempty,oneof=i16 i32 u16 f32"`
	Channels       int    `yaml:"channels" validate:"gte=0,lte=32"`        // 0 = device default
	SampleRate     int    `yaml:"sample_rate" validate:"gte=0,lte=384000"` // 0 = device default
	BufferFrames   int    `yaml:"buffer_frames" validate:"gte=0"`          // 0 = device default
	BufferCapacity int    `yaml:"buffer_capacity" validate:"gte=0"`        // samples, 0 = default
	FilePath       string `yaml:"file_path"`
	Realtime       bool   `yaml:"realtime"`
}

// UDPConfig contains the network capture listener configuration
type UDPConfig struct {
	BindAddress   string `yaml:"bind_address"`
	Port          int    `yaml:"port"`
	ReadBuffer    int    `yaml:"read_buffer"`
	QueuePackets  int    `yaml:"queue_packets"`
	FormatTimeout int    `yaml:"format_timeout"` // milliseconds
}

// OutputConfig contains recording configuration
type OutputConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Directory   string `yaml:"directory"`
	FilePattern string `yaml:"file_pattern"` // {time} and {session} are substituted
	// SampleFormat converts recordings to another representation; empty
	// records the capture format
	SampleFormat string        `yaml:"sample_format" validate:"omitempty,oneof=i16 i32 u16 f32"`
	Archive      ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig contains S3-compatible upload configuration
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket" validate:"required_if=Enabled true"`
	Endpoint        string `yaml:"endpoint" validate:"omitempty,url"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id" validate:"required_if=Enabled true"`
	SecretAccessKey string `yaml:"secret_access_key" validate:"required_if=Enabled true"`
	Prefix          string `yaml:"prefix"`
	KeepLocal       bool   `yaml:"keep_local"`
}

// PredictionConfig contains prediction service configuration
type PredictionConfig struct {
	Enabled            bool    `yaml:"enabled"`
	Endpoint           string  `yaml:"endpoint" validate:"required_if=Enabled true"`
	APIKey             string  `yaml:"api_key"`
	Timeout            int     `yaml:"timeout" validate:"gte=0"` // milliseconds
	Encoding           string  `yaml:"encoding" validate:"oneof=json wav"`
	Mode               string  `yaml:"mode" validate:"oneof=async sync"`
	WindowSeconds      float64 `yaml:"window_seconds" validate:"gte=0"`
	MaxConcurrent      int     `yaml:"max_concurrent" validate:"gte=1"`
	MinInterval        int     `yaml:"min_interval" validate:"gte=0"` // milliseconds
	SilenceThresholdDB float64 `yaml:"silence_threshold_db"`          // 0 disables the gate
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
	Output string `yaml:"output"`
}

var validate = newValidator()

// newValidator reports fields by their yaml names
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Default returns the configuration used for any field the file omits
func Default() Config {
	return Config{
		Capture: CaptureConfig{
			Source: SourcePortAudio,
		},
		UDP: UDPConfig{
			BindAddress:   "0.0.0.0",
			Port:          4444,
			ReadBuffer:    65536,
			QueuePackets:  64,
			FormatTimeout: 5000,
		},
		Output: OutputConfig{
			Enabled:     true,
			Directory:   "./recordings",
			FilePattern: "capture-{time}.wav",
		},
		Prediction: PredictionConfig{
			Endpoint:      "http://127.0.0.1:8000/uncompressed",
			Timeout:       500,
			Encoding:      "json",
			Mode:          "async",
			MaxConcurrent: 1,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. A .env file next to it is
// loaded first, then ${VAR} references in the file are expanded.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return config, nil
}

// Parse expands environment references in data, decodes it over the
// defaults and validates the result
func Parse(data []byte) (*Config, error) {
	expanded := ExpandEnv(string(data))

	config := Default()
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// ExpandEnv replaces ${VAR} with the value of the environment variable VAR.
// Bare $VAR is left alone so values such as passwords survive.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return describe(err)
	}

	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if c.Capture.Source == SourceUDP {
		if err := c.UDP.Validate(); err != nil {
			return fmt.Errorf("udp config: %w", err)
		}
	}

	if err := c.Output.Validate(); err != nil {
		return fmt.Errorf("output config: %w", err)
	}

	if err := c.Prediction.Validate(); err != nil {
		return fmt.Errorf("prediction config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	return nil
}

// describe turns validator errors into one message naming the yaml fields
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		switch fe.Tag() {
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s], got '%v'", field, fe.Param(), fe.Value()))
		case "required_if":
			msgs = append(msgs, fmt.Sprintf("%s is required when enabled", field))
		case "url":
			msgs = append(msgs, fmt.Sprintf("%s must be a valid URL, got '%v'", field, fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s, got '%v'", field, fe.Tag(), fe.Param(), fe.Value()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	if c.Source == SourceFile && c.FilePath == "" {
		return fmt.Errorf("file_path cannot be empty when source is 'file'")
	}
	if c.SampleFormat != "" && c.Source != SourcePortAudio {
		return fmt.Errorf("sample_format only applies to the portaudio source")
	}
	return nil
}

// Validate validates UDP listener configuration
func (u *UDPConfig) Validate() error {
	if u.Port < 1 || u.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", u.Port)
	}

	if u.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if u.ReadBuffer < 1024 {
		return fmt.Errorf("read_buffer must be at least 1024 bytes, got %d", u.ReadBuffer)
	}

	if u.QueuePackets < 1 {
		return fmt.Errorf("queue_packets must be at least 1, got %d", u.QueuePackets)
	}

	if u.FormatTimeout < 1 {
		return fmt.Errorf("format_timeout must be at least 1 ms, got %d", u.FormatTimeout)
	}

	return nil
}

// Validate validates output configuration
func (o *OutputConfig) Validate() error {
	if !o.Enabled {
		if o.Archive.Enabled {
			return fmt.Errorf("archive requires output to be enabled")
		}
		return nil
	}
	if o.Directory == "" {
		return fmt.Errorf("directory cannot be empty when output is enabled")
	}
	if !strings.HasSuffix(strings.ToLower(o.FilePattern), ".wav") {
		return fmt.Errorf("file_pattern must end in .wav, got '%s'", o.FilePattern)
	}
	return nil
}

// Validate validates prediction configuration
func (p *PredictionConfig) Validate() error {
	if p.Endpoint != "" {
		if err := validate.Var(p.Endpoint, "url"); err != nil {
			return fmt.Errorf("endpoint must be a valid URL, got '%s'", p.Endpoint)
		}
	}
	if p.SilenceThresholdDB > 0 || p.SilenceThresholdDB < -120 {
		return fmt.Errorf("silence_threshold_db must be between -120 and 0, got %.1f", p.SilenceThresholdDB)
	}
	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// GetSampleFormat returns the requested capture representation, or
// sample.Unknown to take the device's native one
func (c *CaptureConfig) GetSampleFormat() sample.Format {
	f, err := sample.ParseFormat(c.SampleFormat)
	if err != nil {
		return sample.Unknown
	}
	return f
}

// GetSampleFormat returns the recording representation, or sample.Unknown
// to record the capture format
func (o *OutputConfig) GetSampleFormat() sample.Format {
	f, err := sample.ParseFormat(o.SampleFormat)
	if err != nil {
		return sample.Unknown
	}
	return f
}

// GetFormatTimeout returns the format announcement timeout as a time.Duration
func (u *UDPConfig) GetFormatTimeout() time.Duration {
	return time.Duration(u.FormatTimeout) * time.Millisecond
}

// GetTimeoutDuration returns the prediction timeout as a time.Duration
func (p *PredictionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Millisecond
}

// GetMinInterval returns the minimum spacing between prediction requests
func (p *PredictionConfig) GetMinInterval() time.Duration {
	return time.Duration(p.MinInterval) * time.Millisecond
}

// FileName expands the output file pattern for a session
func (o *OutputConfig) FileName(session string, at time.Time) string {
	name := strings.NewReplacer(
		"{time}", at.UTC().Format("20060102-150405"),
		"{session}", session,
	).Replace(o.FilePattern)
	return filepath.Join(o.Directory, name)
}

// Sanitized returns a copy with secrets masked, for the HTTP API
func (c Config) Sanitized() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	c.Prediction.APIKey = mask(c.Prediction.APIKey)
	c.Output.Archive.AccessKeyID = mask(c.Output.Archive.AccessKeyID)
	c.Output.Archive.SecretAccessKey = mask(c.Output.Archive.SecretAccessKey)
	return c
}
