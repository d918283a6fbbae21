package extraction

import (
	"context"
	"time"

	"github.com/acres-platform/tessera/internal/engine"
)

// RetryPolicy bounds retries around transient model failures. Backoff
// doubles per attempt, capped at MaxBackoff.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy allows two retries after the initial attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// chatWithRetry invokes the model, retrying only errors the engine
// classifies as transient. The last error is returned once attempts run
// out or a permanent error appears.
func (e *Extractor) chatWithRetry(ctx context.Context, messages []engine.Message) (string, error) {
	backoff := e.retry.InitialBackoff
	var lastErr error
	for attempt := 0; attempt < e.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > e.retry.MaxBackoff {
				backoff = e.retry.MaxBackoff
			}
		}

		raw, err := e.client.Chat(ctx, e.model, messages, resultSchema())
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !engine.Retryable(err) {
			break
		}
	}
	return "", lastErr
}
