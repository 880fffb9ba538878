package services

import (
	"context"
	"time"

	"github.com/classvault/backend/internal/apierr"
	"github.com/classvault/backend/internal/config"
)

// retryStorage retries transient object storage failures a bounded number of
// times with linear backoff before surfacing StorageUnavailable. Any other
// error kind returns immediately.
func retryStorage(ctx context.Context, cfg *config.Config, fn func() error) error {
	attempts := cfg.StorageRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !apierr.IsKind(err, apierr.KindStorageUnavailable) {
			return err
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(cfg.StorageRetryBackoff * time.Duration(i+1)):
			}
		}
	}
	return err
}
