package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"peertube-live/internal/models"
)

const defaultRequestTimeout = 5 * time.Minute

// Archiver stores the recording of a finished broadcast and returns the URL
// viewers use to watch the replay.
type Archiver interface {
	Archive(ctx context.Context, video models.LiveVideo) (string, error)
}

// ObjectStorageConfig describes an S3 compatible bucket.
type ObjectStorageConfig struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	Prefix         string
	PublicEndpoint string
	RequestTimeout time.Duration
}

// Enabled reports whether a bucket is configured.
func (c ObjectStorageConfig) Enabled() bool {
	return strings.TrimSpace(c.Bucket) != ""
}

// S3Archiver uploads recordings with the s3manager uploader.
type S3Archiver struct {
	cfg      ObjectStorageConfig
	uploader *s3manager.Uploader
}

func NewS3Archiver(cfg ObjectStorageConfig) (*S3Archiver, error) {
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	if cfg.Bucket == "" {
		return nil, errors.New("replay bucket is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	awsCfg := &aws.Config{
		Region:     aws.String(region),
		DisableSSL: aws.Bool(!cfg.UseSSL),
	}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		awsCfg.Endpoint = aws.String(endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := awssession.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return &S3Archiver{cfg: cfg, uploader: s3manager.NewUploader(sess)}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, video models.LiveVideo) (string, error) {
	file, err := openRecording(video)
	if err != nil {
		return "", err
	}
	defer file.Close()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	key := a.objectKey(video)
	input := &s3manager.UploadInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
		Body:   file,
	}
	if contentType := mime.TypeByExtension(filepath.Ext(video.RecordingPath)); contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	result, err := a.uploader.UploadWithContext(ctx, input)
	if err != nil {
		return "", fmt.Errorf("upload replay %s: %w", key, err)
	}
	if public := strings.TrimRight(strings.TrimSpace(a.cfg.PublicEndpoint), "/"); public != "" {
		return public + "/" + key, nil
	}
	return result.Location, nil
}

func (a *S3Archiver) objectKey(video models.LiveVideo) string {
	name := path.Join("replays", video.UUID, filepath.Base(video.RecordingPath))
	prefix := strings.Trim(strings.TrimSpace(a.cfg.Prefix), "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// LocalArchiver copies recordings into Dir and serves them under BaseURL.
type LocalArchiver struct {
	Dir     string
	BaseURL string
}

func (a LocalArchiver) Archive(ctx context.Context, video models.LiveVideo) (string, error) {
	if strings.TrimSpace(a.Dir) == "" {
		return "", errors.New("replay directory not configured")
	}
	src, err := openRecording(video)
	if err != nil {
		return "", err
	}
	defer src.Close()

	rel := filepath.Join(video.UUID, filepath.Base(video.RecordingPath))
	target := filepath.Join(a.Dir, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create replay dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".replay-*")
	if err != nil {
		return "", fmt.Errorf("create replay file: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("copy replay: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close replay: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store replay: %w", err)
	}
	base := strings.TrimRight(strings.TrimSpace(a.BaseURL), "/")
	if base == "" {
		return target, nil
	}
	return base + "/" + filepath.ToSlash(rel), nil
}

func openRecording(video models.LiveVideo) (*os.File, error) {
	if strings.TrimSpace(video.RecordingPath) == "" {
		return nil, fmt.Errorf("live %d has no recording", video.ID)
	}
	file, err := os.Open(filepath.Clean(video.RecordingPath))
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	return file, nil
}
