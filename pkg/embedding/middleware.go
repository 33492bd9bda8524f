package embedding

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"docuvector-go/pkg/errs"
	"docuvector-go/pkg/log"
)

type rateLimited struct {
	Embedder
	limiter *rate.Limiter
}

// WithRateLimit limits calls to rps requests per second.
func WithRateLimit(e Embedder, rps float64) Embedder {
	return &rateLimited{Embedder: e, limiter: rate.NewLimiter(rate.Limit(rps), 1)}
}

func (r *rateLimited) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, errs.E(errs.Other, "embedding.rate_limit", err)
	}
	return r.Embedder.Embed(ctx, text)
}

type retrying struct {
	Embedder
	attempts int
	backoff  time.Duration
}

// WithRetry retries transient failures up to attempts extra times with exponential backoff.
// Permanent failures return immediately.
func WithRetry(e Embedder, attempts int, backoff time.Duration) Embedder {
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return &retrying{Embedder: e, attempts: attempts, backoff: backoff}
}

func (r *retrying) Embed(ctx context.Context, text string) ([]float32, error) {
	wait := r.backoff
	for attempt := 0; ; attempt++ {
		vec, err := r.Embedder.Embed(ctx, text)
		if err == nil || !errs.IsRetryable(err) || attempt >= r.attempts {
			return vec, err
		}
		log.Warnf("[EmbeddingClient] 第 %d 次调用失败，%s 后重试: %v", attempt+1, wait, err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errs.E(errs.Other, "embedding.retry", ctx.Err())
		case <-timer.C:
		}
		wait *= 2
	}
}
