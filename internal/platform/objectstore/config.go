// Package objectstore connects to the S3-compatible store holding archived
// run records.
package objectstore

import (
	"errors"

	"github.com/converge-bio/converge-go/internal/platform/env"
)

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	Region        string
	BucketArchive string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("OBJECTSTORE_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:      env.String("OBJECTSTORE_ENDPOINT", "localhost:9000"),
		AccessKey:     env.String("OBJECTSTORE_ACCESS_KEY", "converge"),
		SecretKey:     env.String("OBJECTSTORE_SECRET_KEY", "converge-secret"),
		UseSSL:        useSSL,
		Region:        env.String("OBJECTSTORE_REGION", "us-east-1"),
		BucketArchive: env.String("OBJECTSTORE_BUCKET_ARCHIVE", "run-archive"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("OBJECTSTORE_ENDPOINT is required")
	}
	if c.AccessKey == "" {
		return errors.New("OBJECTSTORE_ACCESS_KEY is required")
	}
	if c.SecretKey == "" {
		return errors.New("OBJECTSTORE_SECRET_KEY is required")
	}
	if c.BucketArchive == "" {
		return errors.New("OBJECTSTORE_BUCKET_ARCHIVE is required")
	}
	return nil
}
