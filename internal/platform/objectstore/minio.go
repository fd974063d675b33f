// Package objectstore provides the MinIO-backed blob store client used
// for working-directory snapshots.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Client struct {
	mc *minio.Client
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	mc, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Client{mc: mc}, nil
}

func NewWithClient(mc *minio.Client) (*Client, error) {
	if mc == nil {
		return nil, errors.New("minio client is required")
	}
	return &Client{mc: mc}, nil
}

// BucketExists forwards the probe answer untranslated: callers decide
// how to classify probe errors.
func (c *Client) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if c == nil || c.mc == nil {
		return false, errors.New("object store not initialized")
	}
	return c.mc.BucketExists(ctx, bucket)
}

func (c *Client) MakeBucket(ctx context.Context, bucket, region string) error {
	if c == nil || c.mc == nil {
		return errors.New("object store not initialized")
	}
	return c.mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

// Put stores one object and returns only after the write is acknowledged.
func (c *Client) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if c == nil || c.mc == nil {
		return errors.New("object store not initialized")
	}
	_, err := c.mc.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (c *Client) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if c == nil || c.mc == nil {
		return "", errors.New("object store not initialized")
	}
	u, err := c.mc.PresignedGetObject(ctx, bucket, key, ttl, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
