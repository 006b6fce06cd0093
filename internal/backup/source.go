// Package backup verifies that the most recent database backup can be
// restored and matches its recorded checksum.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// Backup describes one backup artifact as recorded by the backup
// pipeline's manifest.
type Backup struct {
	ID       string    `json:"backup_id"`
	Key      string    `json:"key"`
	TakenAt  time.Time `json:"taken_at"`
	Checksum string    `json:"sha256"`
}

// Source yields the newest backup and a reader over its contents.
type Source interface {
	Latest(ctx context.Context) (Backup, io.ReadCloser, error)
}

// S3Config configures the S3-compatible backup store.
type S3Config struct {
	Endpoint    string `yaml:"endpoint"`
	Region      string `yaml:"region"`
	Bucket      string `yaml:"bucket"`
	ManifestKey string `yaml:"manifest_key"`
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
}

// S3Source reads backups from an S3-compatible object store. The
// pipeline writes a manifest object pointing at the newest backup.
type S3Source struct {
	client *s3.Client
	config S3Config
	logger *zap.Logger
}

// NewS3Source creates a source for the configured bucket.
func NewS3Source(cfg S3Config, logger *zap.Logger) (*S3Source, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("backup: bucket required")
	}
	if cfg.ManifestKey == "" {
		cfg.ManifestKey = "manifests/latest.json"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("backup: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Source{client: client, config: cfg, logger: logger}, nil
}

// Latest implements Source.
func (s *S3Source) Latest(ctx context.Context) (Backup, io.ReadCloser, error) {
	manifest, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.config.ManifestKey),
	})
	if err != nil {
		return Backup{}, nil, fmt.Errorf("backup: fetch manifest: %w", err)
	}
	defer func() { _ = manifest.Body.Close() }()

	var b Backup
	if err := json.NewDecoder(manifest.Body).Decode(&b); err != nil {
		return Backup{}, nil, fmt.Errorf("backup: decode manifest: %w", err)
	}
	if b.ID == "" || b.Key == "" || b.Checksum == "" {
		return Backup{}, nil, fmt.Errorf("backup: manifest incomplete")
	}

	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(b.Key),
	})
	if err != nil {
		return Backup{}, nil, fmt.Errorf("backup: fetch %s: %w", b.Key, err)
	}
	return b, obj.Body, nil
}

// ScratchTarget restores backup contents somewhere disposable and
// returns the checksum of what was restored.
type ScratchTarget interface {
	Restore(ctx context.Context, backupID string, contents io.Reader) (checksum string, err error)
}

// DirTarget restores into a scratch directory, hashing the stream as
// it lands on disk.
type DirTarget struct {
	Dir string
}

// Restore implements ScratchTarget.
func (d *DirTarget) Restore(_ context.Context, backupID string, contents io.Reader) (string, error) {
	if err := os.MkdirAll(d.Dir, 0750); err != nil {
		return "", fmt.Errorf("backup: create scratch dir: %w", err)
	}

	path := filepath.Join(d.Dir, backupID+".restore")
	f, err := os.Create(path) // #nosec G304 - scratch path is operator config
	if err != nil {
		return "", fmt.Errorf("backup: create restore file: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, h), contents); err != nil {
		return "", fmt.Errorf("backup: restore %s: %w", backupID, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
