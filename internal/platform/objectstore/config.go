package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ferry-ci/ferry/internal/platform/env"
)

type Config struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Region       string
	UseSSL       bool
	BucketPrefix string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("FERRY_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:     env.String("FERRY_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:    env.String("FERRY_MINIO_ACCESS_KEY", "ferry"),
		SecretKey:    env.String("FERRY_MINIO_SECRET_KEY", "ferryminio"),
		Region:       env.String("FERRY_MINIO_REGION", "us-east-1"),
		UseSSL:       useSSL,
		BucketPrefix: env.String("FERRY_MINIO_BUCKET_PREFIX", "ferry-workdirs"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketPrefix) == "" {
		return errors.New("bucket prefix is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

// Bucket returns the region-scoped bucket name snapshots are stored in.
func (c Config) Bucket() string {
	return c.BucketPrefix + "-" + c.Region
}
