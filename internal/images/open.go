package images

import (
	"context"
	"fmt"

	"github.com/dpup/trailblog/server/internal/config"
)

// Open creates the image store selected by cfg.Backend
func Open(ctx context.Context, cfg config.ImagesConfig) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.Root, cfg.BaseURL, cfg.MaxBytes)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("images.bucket is required for the gcs backend")
		}
		return ConnectGCS(ctx, cfg.Bucket, cfg.Prefix, cfg.BaseURL, cfg.CredentialsFile, cfg.MaxBytes)
	default:
		return nil, fmt.Errorf("unknown image backend %q", cfg.Backend)
	}
}
