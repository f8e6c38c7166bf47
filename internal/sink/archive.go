package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lissahyacinth/audia/internal/sample"
)

// ArchiveConfig describes an S3-compatible bucket for finished recordings
type ArchiveConfig struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	// Timeout bounds a single upload (default 5m)
	Timeout time.Duration
	// KeepLocal leaves the file on disk after a successful upload
	KeepLocal bool
}

// IsConfigured reports whether enough settings are present to upload
func (c ArchiveConfig) IsConfigured() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// Uploader is the subset of the S3 client used for archiving
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client creates an S3 client with static credentials. A custom endpoint
// switches to path-style addressing, which most S3-compatible stores expect.
func NewS3Client(cfg ArchiveConfig) *s3.Client {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	return s3.New(s3.Options{}, func(o *s3.Options) {
		o.Credentials = creds
		o.Region = region
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
}

// ArchiveStats represents archive upload state for monitoring
type ArchiveStats struct {
	Bucket     string        `json:"bucket"`
	Key        string        `json:"key"`
	Uploaded   bool          `json:"uploaded"`
	Bytes      int64         `json:"bytes"`
	Duration   time.Duration `json:"duration"`
	UploadedAt *time.Time    `json:"uploaded_at,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
}

// Archiving records through a FileSink and uploads the finished file when
// closed. A failed upload leaves the local file in place.
type Archiving[T sample.Sample] struct {
	file     *FileSink[T]
	uploader Uploader
	cfg      ArchiveConfig
	key      string
	logger   *slog.Logger

	stats ArchiveStats
	mu    sync.Mutex
}

// NewArchiving wraps file. uploader is usually NewS3Client(cfg).
func NewArchiving[T sample.Sample](file *FileSink[T], uploader Uploader, cfg ArchiveConfig, logger *slog.Logger) (*Archiving[T], error) {
	if file == nil {
		return nil, errors.New("file sink cannot be nil")
	}
	if uploader == nil {
		return nil, errors.New("uploader cannot be nil")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	key := path.Join(cfg.Prefix, filepath.Base(file.Path()))
	return &Archiving[T]{
		file:     file,
		uploader: uploader,
		cfg:      cfg,
		key:      key,
		logger:   logger,
		stats:    ArchiveStats{Bucket: cfg.Bucket, Key: key},
	}, nil
}

// Key returns the object key the recording is uploaded to
func (a *Archiving[T]) Key() string {
	return a.key
}

func (a *Archiving[T]) Write(view []T, frames int) error {
	return a.file.Write(view, frames)
}

// Close finalizes the recording and uploads it
func (a *Archiving[T]) Close() error {
	if err := a.file.Close(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()

	if err := a.upload(ctx); err != nil {
		a.mu.Lock()
		a.stats.LastError = err.Error()
		a.mu.Unlock()
		a.logger.Error("Archive upload failed",
			slog.String("bucket", a.cfg.Bucket),
			slog.String("key", a.key),
			slog.String("path", a.file.Path()),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func (a *Archiving[T]) upload(ctx context.Context) error {
	start := time.Now()
	localPath := a.file.Path()
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("failed to stat recording: %w", err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open recording for upload: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			a.logger.Warn("Failed to close recording after upload", slog.String("error", err.Error()))
		}
	}()

	_, err = a.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(a.key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("audio/wav"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", a.key, err)
	}

	now := time.Now()
	a.mu.Lock()
	a.stats.Uploaded = true
	a.stats.Bytes = info.Size()
	a.stats.Duration = now.Sub(start)
	a.stats.UploadedAt = &now
	a.stats.LastError = ""
	a.mu.Unlock()

	a.logger.Info("Recording archived",
		slog.String("bucket", a.cfg.Bucket),
		slog.String("key", a.key),
		slog.Int64("bytes", info.Size()),
	)

	if !a.cfg.KeepLocal {
		if err := os.Remove(localPath); err != nil {
			a.logger.Warn("Failed to remove archived recording",
				slog.String("path", localPath),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// GetStats returns a snapshot of archive statistics
func (a *Archiving[T]) GetStats() ArchiveStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
