package limits

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"blackai/internal/modes"
	"blackai/internal/redis"
)

// ResetWindow is how long a daily counter lives after its first increment.
const ResetWindow = 24 * time.Hour

// Counter is the subset of the redis client the limiter needs.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Limiter enforces per-user daily request quotas per mode. A nil redis
// client, or any redis failure, fails open: quota enforcement is a
// best-effort guard, never an availability dependency.
type Limiter struct {
	counter Counter
	logger  *zap.Logger
}

// NewLimiter builds a Limiter. counter may be nil to disable enforcement.
func NewLimiter(counter Counter, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{counter: counter, logger: logger.With(zap.String("module", "limits"))}
}

// NewRedisLimiter adapts the shared redis wrapper.
func NewRedisLimiter(client *redis.Client, logger *zap.Logger) *Limiter {
	if client == nil {
		return NewLimiter(nil, logger)
	}
	return NewLimiter(client, logger)
}

// Allow consumes one request from the user's daily budget for the mode and
// reports whether it was within the limit.
func (l *Limiter) Allow(ctx context.Context, userID int64, mode modes.Mode) bool {
	if l == nil || l.counter == nil {
		return true
	}
	if mode.DailyLimit <= 0 {
		return true
	}
	key := fmt.Sprintf("quota:%d:%s:%s", userID, mode.ID, time.Now().UTC().Format("2006-01-02"))
	n, err := l.counter.Incr(ctx, key, ResetWindow)
	if err != nil {
		l.logger.Warn("quota check failed, allowing request", zap.Error(err))
		return true
	}
	return n <= int64(mode.DailyLimit)
}
