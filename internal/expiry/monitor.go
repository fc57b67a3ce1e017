// Package expiry runs the periodic sweep that warns about licenses nearing
// their expiry and transitions overdue ones to expired. Both passes are
// idempotent: the persisted warning flag makes warnings one-time, and
// re-expiring an already expired license is a no-op in the state machine.
package expiry

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"entitle/internal/core"
	"entitle/internal/metrics"
	"entitle/internal/store"
)

// Monitor is the scheduled expiry sweep.
type Monitor struct {
	store    store.Store
	service  *core.Service
	interval time.Duration
	horizon  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// leader, when set, gates each sweep behind a distributed lease so only
	// one instance of a multi-instance deployment sweeps.
	leader *LeaderLease

	now func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the monitor's time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLeaderLease gates sweeps behind a distributed lease.
func WithLeaderLease(l *LeaderLease) Option {
	return func(m *Monitor) { m.leader = l }
}

// WithMetrics wires sweep counters.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mx }
}

// NewMonitor creates a Monitor sweeping at the given interval with the
// given warning horizon (default 24h / 7 days).
func NewMonitor(st store.Store, svc *core.Service, interval, horizon time.Duration, logger *slog.Logger, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if horizon <= 0 {
		horizon = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		store:    st,
		service:  svc,
		interval: interval,
		horizon:  horizon,
		logger:   logger.With(slog.String("component", "expiry.monitor")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run sweeps immediately and then on every tick until the context is
// cancelled. A sweep aborts mid-scan cleanly on cancellation; the
// conditional writes it has already made stay idempotent for the next run.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("expiry monitor started",
		slog.Duration("interval", m.interval),
		slog.Duration("horizon", m.horizon))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("expiry monitor stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// Sweep runs one warn+expire pass. Exported for tests and for manual
// triggering.
func (m *Monitor) Sweep(ctx context.Context) {
	m.sweep(ctx)
}

func (m *Monitor) sweep(ctx context.Context) {
	if m.leader != nil {
		held, err := m.leader.Acquire(ctx)
		if err != nil {
			m.logger.WarnContext(ctx, "leader lease check failed, skipping sweep",
				slog.String("error", err.Error()))
			return
		}
		if !held {
			m.logger.DebugContext(ctx, "not leader, skipping sweep")
			return
		}
	}

	if m.metrics != nil {
		m.metrics.SweepsTotal.Inc()
	}
	now := m.now()
	warned := m.warnPass(ctx, now)
	expired := m.expirePass(ctx, now)
	m.logger.InfoContext(ctx, "sweep finished",
		slog.Int("warned", warned),
		slog.Int("expired", expired))
}

// warnPass flags active licenses expiring inside the horizon that have not
// been warned yet. The flag write is conditional, so a concurrent sweep or
// a rerun cannot produce a second warning for the same license.
func (m *Monitor) warnPass(ctx context.Context, now time.Time) int {
	due, err := m.store.FindExpiringWithin(ctx, now, now.Add(m.horizon))
	if err != nil {
		m.logger.ErrorContext(ctx, "warning scan failed", slog.String("error", err.Error()))
		return 0
	}

	warned := 0
	for _, lic := range due {
		if ctx.Err() != nil {
			return warned
		}
		flagged, err := m.service.WarnExpiry(ctx, lic)
		if err != nil {
			m.logger.ErrorContext(ctx, "warning failed",
				slog.String("license_key", lic.Key),
				slog.String("error", err.Error()))
			continue
		}
		if flagged {
			warned++
			if m.metrics != nil {
				m.metrics.SweepWarned.Inc()
			}
		}
	}
	return warned
}

// expirePass transitions overdue actives to expired through the state
// machine, which also broadcasts the change.
func (m *Monitor) expirePass(ctx context.Context, now time.Time) int {
	due, err := m.store.FindExpired(ctx, now)
	if err != nil {
		m.logger.ErrorContext(ctx, "expiry scan failed", slog.String("error", err.Error()))
		return 0
	}

	expired := 0
	for _, lic := range due {
		if ctx.Err() != nil {
			return expired
		}
		if _, err := m.service.ExpireDue(ctx, lic); err != nil {
			m.logger.ErrorContext(ctx, "expire transition failed",
				slog.String("license_key", lic.Key),
				slog.String("error", err.Error()))
			continue
		}
		expired++
		if m.metrics != nil {
			m.metrics.SweepExpired.Inc()
		}
	}
	return expired
}

// LeaderLease is a redis SET NX lease giving one instance the right to
// sweep. The lease outlives one interval slightly so a healthy leader
// renews before anyone else can take over.
type LeaderLease struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

// NewLeaderLease creates a lease with the given TTL. The TTL should exceed
// the sweep interval.
func NewLeaderLease(client *redis.Client, ttl time.Duration) *LeaderLease {
	return &LeaderLease{
		client:     client,
		key:        "entitle:expiry:leader",
		instanceID: uuid.New().String(),
		ttl:        ttl,
	}
}

// Acquire takes or renews the lease. Returns true when this instance holds
// leadership for the current sweep.
func (l *LeaderLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	holder, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if holder != l.instanceID {
		return false, nil
	}
	// Still the holder: renew.
	return true, l.client.Expire(ctx, l.key, l.ttl).Err()
}
