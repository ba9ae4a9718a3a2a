package openai

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/lumora-ai/grounding/internal/domain"
)

const (
	// DefaultMaxAttempts bounds embedding retries.
	DefaultMaxAttempts = 3
	// DefaultBackoffBase is the first retry delay; later delays double.
	DefaultBackoffBase = 200 * time.Millisecond
)

// RetryEmbedder decorates an embedder with bounded retries and
// exponential backoff before surfacing ErrEmbeddingUnavailable.
type RetryEmbedder struct {
	inner       domain.Embedder
	maxAttempts int
	backoffBase time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *zap.Logger
}

// NewRetryEmbedder creates a retry decorator. Zero values fall back to
// defaults.
func NewRetryEmbedder(inner domain.Embedder, maxAttempts int, backoffBase time.Duration, logger *zap.Logger) *RetryEmbedder {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}
	return &RetryEmbedder{
		inner:       inner,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		sleep:       sleepCtx,
		logger:      logger,
	}
}

// Embed retries transient provider failures with exponential backoff and
// jitter. Context cancellation stops retrying immediately.
func (r *RetryEmbedder) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	var lastErr error
	delay := r.backoffBase

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		res, err := r.inner.Embed(ctx, text)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return domain.EmbeddingResult{}, ctx.Err()
		}
		if attempt == r.maxAttempts {
			break
		}

		jittered := delay + time.Duration(rand.Int63n(int64(delay)/2+1)) //nolint:gosec // backoff jitter
		r.logger.Warn("embedding attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", jittered),
			zap.Error(err),
		)
		if err := r.sleep(ctx, jittered); err != nil {
			return domain.EmbeddingResult{}, err
		}
		delay *= 2
	}

	if errors.Is(lastErr, domain.ErrEmbeddingUnavailable) {
		return domain.EmbeddingResult{}, fmt.Errorf("after %d attempts: %w", r.maxAttempts, lastErr)
	}
	return domain.EmbeddingResult{}, fmt.Errorf(
		"after %d attempts: %v: %w", r.maxAttempts, lastErr, domain.ErrEmbeddingUnavailable,
	)
}

// HealthCheck delegates to the inner embedder when supported.
func (r *RetryEmbedder) HealthCheck(ctx context.Context) error {
	if hc, ok := r.inner.(domain.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
