// Package transfer moves a working directory to and from the blob store.
// The Transferrer packs the tree, stores it under a fresh random key,
// and returns a presigned download URL with a fixed TTL. The Retriever
// downloads such a URL and unpacks it at a destination.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	"github.com/ferry-ci/ferry/internal/archive"
)

const blobContentType = "application/gzip"

// Store is the object-store surface Upload depends on. Probe errors are
// forwarded raw so this package can apply its classification policy.
type Store interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket, region string) error
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

type Config struct {
	Bucket     string
	Region     string
	PresignTTL time.Duration

	// StrictProbe makes forbidden and redirect probe answers fatal.
	// The default treats them like not-found: the bucket is assumed
	// absent and a create is attempted. That hides real permission
	// problems behind a create failure, so strict mode is offered for
	// deployments that would rather fail fast.
	StrictProbe bool
}

func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}
	if c.Region == "" {
		return errors.New("region is required")
	}
	if c.PresignTTL <= 0 {
		return errors.New("presign ttl must be positive")
	}
	return nil
}

// Upload describes one stored snapshot. The URL is presigned exactly
// once; ExpiresAt is GeneratedAt plus the configured TTL.
type Upload struct {
	URL         string
	Key         string
	GeneratedAt time.Time
	ExpiresAt   time.Time
}

type Transferrer struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(store Store, cfg Config, logger *slog.Logger) (*Transferrer, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transferrer{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Upload packs dir, stores the blob under a fresh key, and presigns one
// download URL for it. Keys are never reused and the URL is never
// regenerated.
func (t *Transferrer) Upload(ctx context.Context, dir string) (Upload, error) {
	if err := t.ensureBucket(ctx); err != nil {
		return Upload{}, err
	}

	tmp, err := os.CreateTemp("", "ferry-pack-*.tar.gz")
	if err != nil {
		return Upload{}, fmt.Errorf("stage blob: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := archive.Pack(dir, tmp); err != nil {
		return Upload{}, fmt.Errorf("pack %s: %w", dir, err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return Upload{}, fmt.Errorf("stage blob: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return Upload{}, fmt.Errorf("stage blob: %w", err)
	}

	key := uuid.NewString() + ".tar.gz"
	if err := t.store.Put(ctx, t.cfg.Bucket, key, tmp, info.Size(), blobContentType); err != nil {
		return Upload{}, fmt.Errorf("put blob %s: %w", key, err)
	}

	generatedAt := t.now()
	rawURL, err := t.store.PresignGet(ctx, t.cfg.Bucket, key, t.cfg.PresignTTL)
	if err != nil {
		return Upload{}, fmt.Errorf("presign blob %s: %w", key, err)
	}

	up := Upload{
		URL:         rawURL,
		Key:         key,
		GeneratedAt: generatedAt,
		ExpiresAt:   generatedAt.Add(t.cfg.PresignTTL),
	}
	t.logger.Info("workdir uploaded",
		"bucket", t.cfg.Bucket,
		"blob_key", key,
		"size_bytes", info.Size(),
		"expires_at", up.ExpiresAt)
	return up, nil
}

// Retriever downloads and unpacks snapshots by their presigned URL. It
// carries no store credentials: the URL is the authorization, which is
// what lets the remote side run without object-store configuration.
type Retriever struct {
	http   *http.Client
	logger *slog.Logger
}

func NewRetriever(logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{http: &http.Client{}, logger: logger}
}

// Retrieve downloads the blob at rawURL to a private temp file and
// unpacks it into dest. Any transport failure propagates to the caller.
func (rt *Retriever) Retrieve(ctx context.Context, rawURL, dest string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("download request: %w", err)
	}
	resp, err := rt.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download blob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("download blob: status %d: %s", resp.StatusCode, detail)
	}

	tmp, err := os.CreateTemp("", "ferry-fetch-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("stage download: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return "", fmt.Errorf("download blob: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("stage download: %w", err)
	}
	if err := archive.Unpack(tmp, dest); err != nil {
		return "", fmt.Errorf("extract blob: %w", err)
	}

	rt.logger.Info("workdir retrieved", "destination", dest)
	return dest, nil
}

func (t *Transferrer) ensureBucket(ctx context.Context) error {
	exists, err := t.store.BucketExists(ctx, t.cfg.Bucket)
	if err != nil {
		if !probeMeansAbsent(err, t.cfg.StrictProbe) {
			return fmt.Errorf("probe bucket %s: %w", t.cfg.Bucket, err)
		}
		t.logger.Warn("bucket probe ambiguous, treating as absent",
			"bucket", t.cfg.Bucket,
			"probe_error", err.Error())
		exists = false
	}
	if exists {
		return nil
	}

	if err := t.store.MakeBucket(ctx, t.cfg.Bucket, t.cfg.Region); err != nil {
		if minio.ToErrorResponse(err).Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", t.cfg.Bucket, err)
	}
	t.logger.Info("bucket created", "bucket", t.cfg.Bucket, "region", t.cfg.Region)
	return nil
}

// probeMeansAbsent classifies an existence-probe error. Not-found always
// reads as absent. Forbidden and redirect answers also read as absent
// unless strict mode is on. Everything else is fatal.
func probeMeansAbsent(err error, strict bool) bool {
	status := minio.ToErrorResponse(err).StatusCode
	switch {
	case status == http.StatusNotFound:
		return true
	case strict:
		return false
	case status == http.StatusForbidden:
		return true
	case status >= 300 && status < 400:
		return true
	default:
		return false
	}
}
