package consuming

import (
	"context"
	"time"

	"github.com/ruslanjabari/soketi/internal/metrics"

	"github.com/cenkalti/backoff/v4"
)

const (
	minBackoffDuration = 10 * time.Millisecond
	maxBackoffDuration = 5 * time.Second
)

// newRetryBackoff never gives up, callers stop retrying on ctx cancellation.
func newRetryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minBackoffDuration
	b.MaxInterval = maxBackoffDuration
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryForever calls op until it succeeds or ctx is done.
func (c *consumerCommon) retryForever(ctx context.Context, what string, op func() error) error {
	return backoff.RetryNotify(op, backoff.WithContext(newRetryBackoff(), ctx), func(err error, next time.Duration) {
		c.log.Error().Err(err).Str("next_attempt_in", next.String()).Msg("error " + what)
	})
}

// dispatchWithRetry dispatches payload until success, ctx cancellation or
// maxRetries exhausted (0 means retry forever). Reports whether dispatch succeeded.
func (c *consumerCommon) dispatchWithRetry(ctx context.Context, dispatcher Dispatcher, data []byte, maxRetries int) bool {
	b := newRetryBackoff()
	for retries := 0; ; retries++ {
		err := c.dispatch(ctx, dispatcher, data)
		if err == nil {
			if retries > 0 {
				c.log.Info().Int("retries", retries).Msg("message processed after errors")
			}
			metrics.ConsumerProcessedTotal.WithLabelValues(c.name).Inc()
			return true
		}
		metrics.ConsumerErrorsTotal.WithLabelValues(c.name).Inc()
		if ctx.Err() != nil {
			return false
		}
		if maxRetries > 0 && retries >= maxRetries {
			c.log.Error().Err(err).Int("retries", maxRetries).Msg("max retries reached processing message")
			return false
		}
		next := b.NextBackOff()
		c.log.Error().Err(err).Str("next_attempt_in", next.String()).Msg("error processing message")
		if sleepCtx(ctx, next) != nil {
			return false
		}
	}
}
