package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"entitle/internal/errors"
)

// Redis is a fixed-window Limiter shared across service instances. Each
// caller/operation pair gets one counter keyed by the current window; INCR
// plus a first-write EXPIRE makes the count atomic without a lock.
type Redis struct {
	client  *redis.Client
	budgets Budgets
	prefix  string
	logger  *slog.Logger
}

// NewRedis creates a Redis-backed limiter.
func NewRedis(client *redis.Client, budgets Budgets, logger *slog.Logger) *Redis {
	if budgets == nil {
		budgets = DefaultBudgets()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:  client,
		budgets: budgets,
		prefix:  "entitle:rl",
		logger:  logger.With(slog.String("component", "ratelimit.redis")),
	}
}

// Allow increments the caller's counter for the current window and denies
// once the budget is exceeded. Redis outages fail open: a limiter outage
// must not take license checks down with it.
func (r *Redis) Allow(ctx context.Context, caller string, op Op) error {
	budget, ok := r.budgets[op]
	if !ok {
		return nil
	}

	window := time.Now().Unix() / int64(budget.Window.Seconds())
	key := fmt.Sprintf("%s:%s:%s:%d", r.prefix, op, caller, window)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, budget.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.WarnContext(ctx, "rate limit check failed, allowing request",
			slog.String("caller", caller),
			slog.String("op", string(op)),
			slog.String("error", err.Error()))
		return nil
	}

	if incr.Val() > int64(budget.Requests) {
		return errors.E(errors.KindRateLimited,
			"%s budget exhausted for caller %s: %d per %s", op, caller, budget.Requests, budget.Window)
	}
	return nil
}
