package storage

import (
	"context"
	"fmt"
	"strings"
)

// Options selects and configures an ObjectStore backend.
type Options struct {
	// Backend is "minio", "gcs" or "memory".
	Backend string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioRegion    string

	GCSBucket          string
	GCSCredentialsFile string
}

// Open builds the ObjectStore named by opts.Backend.
func Open(ctx context.Context, opts Options) (ObjectStore, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "minio":
		return NewMinioStore(ctx, MinioConfig{
			Endpoint:  opts.MinioEndpoint,
			AccessKey: opts.MinioAccessKey,
			SecretKey: opts.MinioSecretKey,
			Bucket:    opts.MinioBucket,
			UseSSL:    opts.MinioUseSSL,
			Region:    opts.MinioRegion,
		})
	case "gcs":
		return NewGCSStore(ctx, opts.GCSBucket, opts.GCSCredentialsFile)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", opts.Backend)
	}
}
