package exchange

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ReconnectPolicy is the backoff shared by every stream subscription.
type ReconnectPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Cooldown is waited once MaxRetries consecutive sessions failed, before
	// the retry counter starts over.
	Cooldown time.Duration
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		Cooldown:   30 * time.Second,
	}
}

// Delay returns min(BaseDelay*2^attempt, MaxDelay) for a 0-based attempt.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := p.BaseDelay << uint(attempt)
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Session runs one connection until it ends. It calls connected once the
// stream is established, which resets the retry counter.
type Session func(ctx context.Context, connected func()) error

// Run keeps a stream alive until ctx is cancelled.
func (p ReconnectPolicy) Run(ctx context.Context, name string, logger *zap.Logger, session Session) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := session(ctx, func() {
			if failures > 0 {
				logger.Info("Stream reconnected", zap.String("stream", name), zap.Int("attempts", failures))
			}
			failures = 0
		})
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		var wait time.Duration
		if failures >= p.MaxRetries {
			logger.Error("Stream retries exhausted, cooling down",
				zap.String("stream", name),
				zap.Int("retries", failures),
				zap.Duration("cooldown", p.Cooldown),
				zap.Error(err))
			wait = p.Cooldown
			failures = 0
		} else {
			wait = p.Delay(failures)
			failures++
			logger.Warn("Stream disconnected, retrying",
				zap.String("stream", name),
				zap.Int("attempt", failures),
				zap.Duration("delay", wait),
				zap.Error(err))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
