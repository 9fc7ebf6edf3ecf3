package chainclient

import (
	"context"
	"errors"
	"time"

	"github.com/eladmint/ziggurat-gateway/pkg/xerrors"
)

// RetryPolicy governs the escalating-backoff retry loop every adapter runs
// its I/O through: doubling delays, capped, with non-retryable errors
// stopping the loop immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is the default retry policy: up to 3 attempts, backoff
// capped at 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Retry runs fn up to p.MaxAttempts times, doubling the delay each attempt
// (capped at MaxDelay), stopping early on a non-retryable error or on
// context cancellation. AuthError and StorageFull never retry.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	delay := p.BaseDelay
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, xerrors.Wrap(xerrors.CodeCancelled, "context cancelled during retry", err)
		}
		result, err := fn(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryableChainError(err) {
			return zero, err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return zero, xerrors.Wrap(xerrors.CodeCancelled, "context cancelled during retry backoff", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return zero, lastErr
}

func isRetryableChainError(err error) bool {
	var xerr *xerrors.Error
	if errors.As(err, &xerr) {
		switch xerr.Code {
		case xerrors.CodeAuthError, xerrors.CodeStorageFull:
			return false
		case xerrors.CodeNetworkError, xerrors.CodeChainDegraded, xerrors.CodeRemoteTimeout:
			return true
		}
		return false
	}
	// An unclassified error (e.g. raw transport error) is treated as
	// transient, retrying on any error the RPC call returns.
	return true
}
