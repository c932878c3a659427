package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// RetryPolicy governs state-changing calls: fixed delay, bounded attempts.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy is three attempts two seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: 2 * time.Second}
}

// Do runs fn until it succeeds or attempts are exhausted. The returned error names
// the operation, the attempt count and the last underlying error.
func (p RetryPolicy) Do(ctx context.Context, logger zerolog.Logger, op string, fn func(ctx context.Context) (common.Hash, error)) (common.Hash, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		hash, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info().Str("op", op).Int("attempt", attempt).Msg("succeeded after retry")
			}
			return hash, nil
		}
		lastErr = err
		logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Int("max_attempts", attempts).Msg("state-changing call failed")

		if attempt == attempts {
			break
		}
		if err := sleep(ctx, p.Delay); err != nil {
			return common.Hash{}, fmt.Errorf("%s aborted after %d attempt(s): %w", op, attempt, err)
		}
	}
	return common.Hash{}, fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
