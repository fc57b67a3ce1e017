package store

import (
	"context"
	"log/slog"
	"time"

	"entitle/internal/domain"
	"entitle/internal/errors"
)

// Retry decorates a Store with bounded retries for persistence failures.
// Expected outcomes (NotFound, Conflict, LimitExceeded, Validation,
// ErrNoMatch) pass through untouched; only KindPersistence is retried,
// with exponential backoff, before being surfaced to the caller.
type Retry struct {
	inner    Store
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// NewRetry wraps inner. attempts is the total number of tries; backoff is
// the initial delay, doubled between tries.
func NewRetry(inner Store, attempts int, backoff time.Duration, logger *slog.Logger) *Retry {
	if attempts < 1 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retry{
		inner:    inner,
		attempts: attempts,
		backoff:  backoff,
		logger:   logger.With(slog.String("component", "store.retry")),
	}
}

// do runs op, retrying persistence failures until the attempt budget or the
// context runs out.
func (r *Retry) do(ctx context.Context, name string, op func() error) error {
	delay := r.backoff
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = op()
		if err == nil || !errors.IsKind(err, errors.KindPersistence) {
			return err
		}
		if attempt == r.attempts {
			break
		}
		r.logger.WarnContext(ctx, "store operation failed, retrying",
			slog.String("operation", name),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return errors.Wrap(errors.KindPersistence, ctx.Err(), "%s cancelled during retry", name)
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func (r *Retry) Create(ctx context.Context, lic *domain.License) error {
	return r.do(ctx, "create", func() error { return r.inner.Create(ctx, lic) })
}

func (r *Retry) FindByKey(ctx context.Context, key string) (*domain.License, error) {
	var lic *domain.License
	err := r.do(ctx, "find_by_key", func() (err error) {
		lic, err = r.inner.FindByKey(ctx, key)
		return err
	})
	return lic, err
}

func (r *Retry) FindActiveByClient(ctx context.Context, clientID string, now time.Time) (*domain.License, error) {
	var lic *domain.License
	err := r.do(ctx, "find_active_by_client", func() (err error) {
		lic, err = r.inner.FindActiveByClient(ctx, clientID, now)
		return err
	})
	return lic, err
}

func (r *Retry) Update(ctx context.Context, key string, patch Patch) (*domain.License, error) {
	var lic *domain.License
	err := r.do(ctx, "update", func() (err error) {
		lic, err = r.inner.Update(ctx, key, patch)
		return err
	})
	return lic, err
}

func (r *Retry) UpdateWhereStatus(ctx context.Context, key string, allowed []domain.Status, patch Patch) (*domain.License, error) {
	var lic *domain.License
	err := r.do(ctx, "update_where_status", func() (err error) {
		lic, err = r.inner.UpdateWhereStatus(ctx, key, allowed, patch)
		return err
	})
	return lic, err
}

func (r *Retry) ConsumeModule(ctx context.Context, key, module string, dayStart, now time.Time) (*domain.License, error) {
	// Not retried: a persistence failure after the increment committed would
	// double-consume usage on replay.
	return r.inner.ConsumeModule(ctx, key, module, dayStart, now)
}

func (r *Retry) MarkWarned(ctx context.Context, key string) (bool, error) {
	var flagged bool
	err := r.do(ctx, "mark_warned", func() (err error) {
		flagged, err = r.inner.MarkWarned(ctx, key)
		return err
	})
	return flagged, err
}

func (r *Retry) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "delete", func() error { return r.inner.Delete(ctx, key) })
}

func (r *Retry) List(ctx context.Context, f Filter) (*Page, error) {
	var page *Page
	err := r.do(ctx, "list", func() (err error) {
		page, err = r.inner.List(ctx, f)
		return err
	})
	return page, err
}

func (r *Retry) AggregateStats(ctx context.Context) (*Stats, error) {
	var stats *Stats
	err := r.do(ctx, "aggregate_stats", func() (err error) {
		stats, err = r.inner.AggregateStats(ctx)
		return err
	})
	return stats, err
}

func (r *Retry) FindExpiringWithin(ctx context.Context, from, until time.Time) ([]*domain.License, error) {
	var out []*domain.License
	err := r.do(ctx, "find_expiring_within", func() (err error) {
		out, err = r.inner.FindExpiringWithin(ctx, from, until)
		return err
	})
	return out, err
}

func (r *Retry) FindExpired(ctx context.Context, asOf time.Time) ([]*domain.License, error) {
	var out []*domain.License
	err := r.do(ctx, "find_expired", func() (err error) {
		out, err = r.inner.FindExpired(ctx, asOf)
		return err
	})
	return out, err
}
