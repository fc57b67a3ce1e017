// Package ratelimit guards operation classes with per-caller request
// budgets, independent of license usage limits. Two implementations share
// one contract: a process-local limiter on golang.org/x/time/rate and a
// Redis fixed-window limiter for multi-instance deployments.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"entitle/internal/errors"
)

// Op names an operation class with its own budget.
type Op string

const (
	OpIssue Op = "issue"
	OpCheck Op = "check"
	OpAdmin Op = "admin"
)

// Budget is the request allowance for one operation class.
type Budget struct {
	Requests int
	Window   time.Duration
}

// Budgets maps operation classes to allowances. Classes without an entry
// are not limited.
type Budgets map[Op]Budget

// DefaultBudgets mirror the documented operation budgets: issuance is
// tightly bounded, checks are generous, admin actions sit in between.
func DefaultBudgets() Budgets {
	return Budgets{
		OpIssue: {Requests: 10, Window: 15 * time.Minute},
		OpCheck: {Requests: 60, Window: time.Minute},
		OpAdmin: {Requests: 30, Window: time.Minute},
	}
}

// Limiter answers whether a caller may perform one more operation of the
// given class. A denial is a typed RateLimited error and never mutates
// license state.
type Limiter interface {
	Allow(ctx context.Context, caller string, op Op) error
}

// Local is a per-process Limiter holding one token bucket per caller and
// operation class. Buckets idle past the eviction horizon are dropped to
// bound memory under churny callers.
type Local struct {
	budgets Budgets

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const evictAfter = time.Hour

// NewLocal creates a Local limiter with the given budgets.
func NewLocal(budgets Budgets) *Local {
	if budgets == nil {
		budgets = DefaultBudgets()
	}
	return &Local{
		budgets: budgets,
		buckets: make(map[string]*bucket),
	}
}

// Allow consumes one token from the caller's bucket for the operation
// class. Synchronized so concurrent requests from the same caller cannot
// undercount.
func (l *Local) Allow(ctx context.Context, caller string, op Op) error {
	budget, ok := l.budgets[op]
	if !ok {
		return nil
	}

	key := caller + "|" + string(op)
	now := time.Now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		limit := rate.Limit(float64(budget.Requests) / budget.Window.Seconds())
		b = &bucket{limiter: rate.NewLimiter(limit, budget.Requests)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.evictIdleLocked(now)
	l.mu.Unlock()

	if !b.limiter.Allow() {
		return errors.E(errors.KindRateLimited,
			"%s budget exhausted for caller %s: %d per %s", op, caller, budget.Requests, budget.Window)
	}
	return nil
}

// evictIdleLocked drops buckets unused for longer than the eviction horizon.
func (l *Local) evictIdleLocked(now time.Time) {
	if len(l.buckets) < 1024 {
		return
	}
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > evictAfter {
			delete(l.buckets, key)
		}
	}
}
