package export

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	minioCreds "github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// ArchiveConfig describes the S3-compatible object store receiving exports.
type ArchiveConfig struct {
	Endpoint  string
	UseSSL    bool
	AccessKey string
	SecretKey string

	// Bucket is the object store bucket, not a storage bucket.
	Bucket string
	Prefix string

	Timeout time.Duration
}

// Archiver uploads exports to object storage.
type Archiver struct {
	cfg      ArchiveConfig
	client   *minio.Client
	exporter *Exporter
	log      *zap.Logger
}

// NewArchiver creates an archiver. No request is made until Archive.
func NewArchiver(cfg ArchiveConfig, exporter *Exporter, log *zap.Logger) (*Archiver, error) {
	if strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("object storage credentials are not configured")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Minute
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = "minio:9000"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  minioCreds.NewStaticV4(strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey), ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object storage client: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Archiver{cfg: cfg, client: client, exporter: exporter, log: log.Named("archive")}, nil
}

// ObjectKey names the archive of one export:
// <prefix>/<bucket>/<start>_<end>.<format>.
func ObjectKey(prefix string, opts ExportOptions) string {
	format := opts.Format
	if format == "" {
		format = "json"
	}
	name := fmt.Sprintf("%s_%s.%s",
		opts.Start.UTC().Format("20060102T150405Z"), opts.End.UTC().Format("20060102T150405Z"), format)
	return path.Join(prefix, opts.Bucket, name)
}

// Archive exports opts and uploads the result. It returns the object key.
func (a *Archiver) Archive(ctx context.Context, opts ExportOptions) (string, *ExportResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	var buf bytes.Buffer
	result, err := a.exporter.Export(ctx, &buf, opts)
	if err != nil {
		return "", nil, err
	}

	exists, err := a.client.BucketExists(ctx, a.cfg.Bucket)
	if err != nil {
		return "", nil, fmt.Errorf("check archive bucket: %w", err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return "", nil, fmt.Errorf("create archive bucket: %w", err)
		}
	}

	key := ObjectKey(a.cfg.Prefix, opts)
	contentType := "application/json"
	if result.Format == "csv" {
		contentType = "text/csv"
	}
	if _, err := a.client.PutObject(ctx, a.cfg.Bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()),
		minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return "", nil, fmt.Errorf("upload %s: %w", key, err)
	}

	a.log.Info("export archived",
		zap.String("object", key), zap.Int("rows", result.RowsExported), zap.Int("bytes", buf.Len()))
	return key, result, nil
}
