package history

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStorage reports an unreachable store or a failed write.
	// The operation is not retried internally.
	ErrStorage = errors.New("history storage error")

	// ErrStorageTimeout reports that a bounded wait elapsed. Safe to retry.
	ErrStorageTimeout = errors.New("history storage timeout")

	// ErrConfig reports an out-of-range setting. No state was changed.
	ErrConfig = errors.New("history config error")

	// ErrInvalidScope reports an empty or malformed scope name.
	ErrInvalidScope = errors.New("invalid scope")
)

// storageErr classifies a store or embedder failure.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) || errors.Is(err, ErrStorageTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrStorageTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
