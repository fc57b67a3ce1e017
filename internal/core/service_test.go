package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitle/internal/core"
	"entitle/internal/domain"
	"entitle/internal/errors"
	"entitle/internal/ratelimit"
	"entitle/internal/store"
	"entitle/internal/token"
	"entitle/internal/ws"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// recorder captures broadcast events in publish order.
type recorder struct {
	mu     sync.Mutex
	events []ws.Event
}

func (r *recorder) Publish(_ context.Context, ev ws.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []ws.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ws.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) last() ws.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fixture struct {
	svc   *core.Service
	store *store.Memory
	hub   *recorder
	clock *time.Time
}

func newFixture(t *testing.T, opts ...core.Option) *fixture {
	t.Helper()
	mem := store.NewMemory()
	rec := &recorder{}
	now := baseTime
	iss, err := token.NewIssuer([]byte("test-secret-at-least-32-bytes-long"), "",
		token.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	all := append([]core.Option{core.WithClock(func() time.Time { return now })}, opts...)
	svc := core.NewService(mem, rec, iss, nil, all...)
	return &fixture{svc: svc, store: mem, hub: rec, clock: &now}
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func (f *fixture) issue(t *testing.T, clientID string, plan string, days int) *domain.License {
	t.Helper()
	lic, err := f.svc.Issue(context.Background(), "admin", core.IssueRequest{
		ClientID:     clientID,
		Plan:         plan,
		DurationDays: days,
	})
	require.NoError(t, err)
	return lic
}

func TestIssue(t *testing.T) {
	f := newFixture(t)
	lic, err := f.svc.Issue(context.Background(), "10.0.0.1", core.IssueRequest{
		ClientID:     "client-1",
		Plan:         "basic",
		DurationDays: 30,
		Metadata:     map[string]string{"env": "prod"},
		Actor:        "support",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusActive, lic.Status)
	assert.Equal(t, domain.PlanBasic, lic.Plan)
	assert.Equal(t, baseTime.Add(30*24*time.Hour), lic.ExpiresAt)
	assert.Equal(t, "prod", lic.Metadata["env"])
	require.Len(t, lic.ActivityLog, 1)
	assert.Equal(t, "created", lic.ActivityLog[0].Action)
	assert.Equal(t, "support", lic.ActivityLog[0].Actor)

	// Persisted, not just returned.
	stored, err := f.store.FindByKey(context.Background(), lic.Key)
	require.NoError(t, err)
	assert.Equal(t, lic.Key, stored.Key)

	assert.Equal(t, []ws.EventType{ws.EventCreated}, f.hub.types())
}

func TestIssueValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  core.IssueRequest
	}{
		{name: "unknown plan", req: core.IssueRequest{ClientID: "c", Plan: "platinum", DurationDays: 30}},
		{name: "zero duration", req: core.IssueRequest{ClientID: "c", Plan: "demo", DurationDays: 0}},
		{name: "negative duration", req: core.IssueRequest{ClientID: "c", Plan: "demo", DurationDays: -5}},
		{name: "empty client", req: core.IssueRequest{Plan: "demo", DurationDays: 30}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Issue(context.Background(), "admin", tt.req)
			assert.True(t, errors.IsKind(err, errors.KindValidation), "got %v", err)
		})
	}
	assert.Empty(t, f.hub.types(), "failed issues must not broadcast")
}

func TestIssueConflictOnActiveHolding(t *testing.T) {
	f := newFixture(t)
	f.issue(t, "client-1", "demo", 30)

	_, err := f.svc.Issue(context.Background(), "admin", core.IssueRequest{
		ClientID: "client-1", Plan: "premium", DurationDays: 30,
	})
	assert.True(t, errors.IsKind(err, errors.KindConflict))
}

func TestIssueAllowedAfterHoldingExpires(t *testing.T) {
	f := newFixture(t)
	f.issue(t, "client-1", "demo", 1)
	f.advance(48 * time.Hour)

	lic, err := f.svc.Issue(context.Background(), "admin", core.IssueRequest{
		ClientID: "client-1", Plan: "basic", DurationDays: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PlanBasic, lic.Plan)
}

func TestCheckConsumesModuleUsage(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "demo", 30)

	result, err := f.svc.Check(context.Background(), "10.0.0.1", lic.Key, "analytics")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, int64(1), result.License.Module("analytics").UsageCount)
	assert.Equal(t, int64(1), result.License.Usage.TotalRequests)
	assert.Equal(t, int64(1), result.License.Usage.DailyRequests)
	assert.Equal(t, baseTime, result.License.LastChecked)
}

func TestCheckWithoutModule(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "demo", 30)

	result, err := f.svc.Check(context.Background(), "10.0.0.1", lic.Key, "")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, int64(1), result.License.Usage.TotalRequests)
	assert.Zero(t, result.License.Module("analytics").UsageCount)
}

func TestCheckModuleLimitExhaustion(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "demo", 30)

	// Demo analytics allows exactly 100 uses.
	for i := 0; i < 100; i++ {
		result, err := f.svc.Check(context.Background(), "10.0.0.1", lic.Key, "analytics")
		require.NoError(t, err, "check %d", i+1)
		require.True(t, result.Valid)
	}

	_, err := f.svc.Check(context.Background(), "10.0.0.1", lic.Key, "analytics")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindLimitExceeded))

	// The denied check consumed nothing.
	stored, err := f.store.FindByKey(context.Background(), lic.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(100), stored.Module("analytics").UsageCount)
	assert.Equal(t, int64(100), stored.Usage.TotalRequests)

	// Other modules remain usable.
	result, err := f.svc.Check(context.Background(), "10.0.0.1", lic.Key, "reports")
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestCheckUnknownModule(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "demo", 30)

	_, err := f.svc.Check(context.Background(), "10.0.0.1", lic.Key, "integrations")
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestCheckUnknownKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Check(context.Background(), "10.0.0.1", "LIC-MISSING", "")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestCheckLazyExpiry(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "demo", 1)
	f.advance(48 * time.Hour)

	result, err := f.svc.Check(context.Background(), "10.0.0.1", lic.Key, "analytics")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, domain.StatusExpired, result.License.Status)

	// The read triggered a persisted transition with its audit entry.
	stored, err := f.store.FindByKey(context.Background(), lic.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, stored.Status)
	last := stored.ActivityLog[len(stored.ActivityLog)-1]
	assert.Equal(t, "expired", last.Action)
	assert.Equal(t, "system", last.Actor)

	assert.Equal(t, []ws.EventType{ws.EventCreated, ws.EventExpired}, f.hub.types())

	// A second check finds it already expired: no second transition or event.
	_, err = f.svc.Check(context.Background(), "10.0.0.1", lic.Key, "")
	require.NoError(t, err)
	assert.Equal(t, []ws.EventType{ws.EventCreated, ws.EventExpired}, f.hub.types())
}

func TestCheckSuspendedIsInvalidWithoutConsuming(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "demo", 30)
	_, err := f.svc.Toggle(context.Background(), "admin", lic.Key, "suspended", "payment overdue")
	require.NoError(t, err)

	result, err := f.svc.Check(context.Background(), "10.0.0.1", lic.Key, "analytics")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, domain.StatusSuspended, result.License.Status)
	assert.Zero(t, result.License.Usage.TotalRequests)
}

func TestCheckDailyCounterRollover(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "basic", 30)

	for i := 0; i < 3; i++ {
		_, err := f.svc.Check(context.Background(), "10.0.0.1", lic.Key, "")
		require.NoError(t, err)
	}

	// Cross midnight in the reference timezone.
	f.advance(13 * time.Hour)
	result, err := f.svc.Check(context.Background(), "10.0.0.1", lic.Key, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.License.Usage.DailyRequests)
	assert.Equal(t, int64(4), result.License.Usage.TotalRequests)
}

func TestToggle(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "demo", 30)

	updated, err := f.svc.Toggle(context.Background(), "admin", lic.Key, "suspended", "abuse report")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuspended, updated.Status)
	last := updated.ActivityLog[len(updated.ActivityLog)-1]
	assert.Equal(t, "status_changed", last.Action)
	assert.Equal(t, "active -> suspended: abuse report", last.Details)

	// And back.
	updated, err = f.svc.Toggle(context.Background(), "admin", lic.Key, "active", "resolved")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, updated.Status)

	assert.Equal(t, []ws.EventType{
		ws.EventCreated, ws.EventStatusChanged, ws.EventStatusChanged,
	}, f.hub.types())
}

func TestToggleRejectsNonToggleTargets(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "demo", 30)

	for _, target := range []string{"expired", "revoked", "frozen", ""} {
		_, err := f.svc.Toggle(context.Background(), "admin", lic.Key, target, "nope")
		assert.True(t, errors.IsKind(err, errors.KindInvalidTransition), "target %q", target)
	}
}

func TestToggleRejectsExpiredAndRevoked(t *testing.T) {
	f := newFixture(t)

	expired := f.issue(t, "client-1", "demo", 1)
	f.advance(48 * time.Hour)
	_, err := f.svc.Check(context.Background(), "10.0.0.1", expired.Key, "")
	require.NoError(t, err)
	_, err = f.svc.Toggle(context.Background(), "admin", expired.Key, "active", "wake up")
	assert.True(t, errors.IsKind(err, errors.KindInvalidTransition))

	revoked := f.issue(t, "client-2", "demo", 30)
	_, err = f.svc.Revoke(context.Background(), "admin", revoked.Key, "fraud")
	require.NoError(t, err)
	_, err = f.svc.Toggle(context.Background(), "admin", revoked.Key, "inactive", "try")
	assert.True(t, errors.IsKind(err, errors.KindInvalidTransition))
}

func TestExtend(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "demo", 30)

	updated, err := f.svc.Extend(context.Background(), "admin", lic.Key, 60, "")
	require.NoError(t, err)
	// Days add onto the current expiry, not onto now.
	assert.Equal(t, lic.ExpiresAt.Add(60*24*time.Hour), updated.ExpiresAt)
	assert.Equal(t, domain.StatusActive, updated.Status)
	assert.Equal(t, domain.PlanDemo, updated.Plan)
	last := updated.ActivityLog[len(updated.ActivityLog)-1]
	assert.Equal(t, "extended", last.Action)
}

func TestExtendResurrectsExpired(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "demo", 1)
	f.advance(48 * time.Hour)
	_, err := f.svc.Check(context.Background(), "10.0.0.1", lic.Key, "")
	require.NoError(t, err)

	updated, err := f.svc.Extend(context.Background(), "admin", lic.Key, 30, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, updated.Status)
	assert.True(t, updated.ExpiresAt.After(*f.clock))
	assert.True(t, updated.Valid(*f.clock))
}

func TestExtendWithPlanChangeResetsModules(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "demo", 30)
	_, err := f.svc.Check(context.Background(), "10.0.0.1", lic.Key, "analytics")
	require.NoError(t, err)

	updated, err := f.svc.Extend(context.Background(), "admin", lic.Key, 30, "premium")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPremium, updated.Plan)
	require.Len(t, updated.Modules, 4)
	// Usage restarts with the new module set.
	assert.Zero(t, updated.Module("analytics").UsageCount)
	assert.Equal(t, int64(10000), updated.Module("analytics").UsageLimit)
}

func TestExtendRearmsExpiryWarning(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "demo", 3)
	flagged, err := f.svc.WarnExpiry(context.Background(), lic)
	require.NoError(t, err)
	require.True(t, flagged)

	updated, err := f.svc.Extend(context.Background(), "admin", lic.Key, 90, "")
	require.NoError(t, err)
	assert.False(t, updated.ExpiryWarned)
}

func TestExtendValidation(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "demo", 30)

	_, err := f.svc.Extend(context.Background(), "admin", lic.Key, 0, "")
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	_, err = f.svc.Extend(context.Background(), "admin", lic.Key, 30, "platinum")
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestExtendRejectsRevoked(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "demo", 30)
	_, err := f.svc.Revoke(context.Background(), "admin", lic.Key, "fraud")
	require.NoError(t, err)

	_, err = f.svc.Extend(context.Background(), "admin", lic.Key, 30, "")
	assert.True(t, errors.IsKind(err, errors.KindInvalidTransition))
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "demo", 30)

	updated, err := f.svc.Revoke(context.Background(), "admin", lic.Key, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRevoked, updated.Status)
	last := updated.ActivityLog[len(updated.ActivityLog)-1]
	assert.Equal(t, "revoked", last.Action)
	assert.Equal(t, "chargeback", last.Details)

	// Revocation is terminal and idempotence is an error, not a silent no-op.
	_, err = f.svc.Revoke(context.Background(), "admin", lic.Key, "again")
	assert.True(t, errors.IsKind(err, errors.KindInvalidTransition))
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "demo", 30)

	require.NoError(t, f.svc.Delete(context.Background(), "admin", lic.Key))
	_, err := f.store.FindByKey(context.Background(), lic.Key)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	// The deletion event carries the last known snapshot.
	assert.Equal(t, []ws.EventType{ws.EventCreated, ws.EventDeleted}, f.hub.types())
	assert.Equal(t, lic.Key, f.hub.last().LicenseKey)

	err = f.svc.Delete(context.Background(), "admin", lic.Key)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestList(t *testing.T) {
	f := newFixture(t)
	f.issue(t, "client-1", "demo", 30)
	f.issue(t, "client-2", "premium", 30)
	lic := f.issue(t, "client-3", "premium", 30)
	_, err := f.svc.Revoke(context.Background(), "admin", lic.Key, "fraud")
	require.NoError(t, err)

	result, err := f.svc.List(context.Background(), store.Filter{Plan: domain.PlanPremium})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Pagination.Total)
	assert.Len(t, result.Items, 2)
	require.NotNil(t, result.Stats)
	assert.Equal(t, int64(3), result.Stats.Total)
	assert.Equal(t, int64(2), result.Stats.ByStatus[domain.StatusActive])
	assert.Equal(t, int64(1), result.Stats.ByStatus[domain.StatusRevoked])
}

func TestIssueToken(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "premium", 30)

	result, err := f.svc.IssueToken(context.Background(), "10.0.0.1", lic.Key)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)
	assert.Equal(t, lic.Key, result.Claims.LicenseKey)
	assert.Equal(t, lic.ExpiresAt.Unix(), result.Claims.ExpiresAt.Unix())
}

func TestIssueTokenExpiredLicense(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "demo", 1)
	f.advance(48 * time.Hour)

	_, err := f.svc.IssueToken(context.Background(), "10.0.0.1", lic.Key)
	assert.True(t, errors.IsKind(err, errors.KindInvalidTransition))

	// The lazy transition persisted even though issuance failed.
	stored, serr := f.store.FindByKey(context.Background(), lic.Key)
	require.NoError(t, serr)
	assert.Equal(t, domain.StatusExpired, stored.Status)
}

func TestIssueTokenUnconfigured(t *testing.T) {
	mem := store.NewMemory()
	svc := core.NewService(mem, nil, nil, nil)

	_, err := svc.IssueToken(context.Background(), "10.0.0.1", "LIC-ANY")
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestRateLimitedIssue(t *testing.T) {
	limiter := ratelimit.NewLocal(ratelimit.Budgets{
		ratelimit.OpIssue: {Requests: 2, Window: time.Hour},
	})
	f := newFixture(t, core.WithLimiter(limiter))

	f.issue(t, "client-1", "demo", 30)

	// Same caller, over budget: denied before any validation or store work.
	_, err := f.svc.Issue(context.Background(), "admin", core.IssueRequest{
		ClientID: "client-2", Plan: "demo", DurationDays: 30,
	})
	require.NoError(t, err)
	_, err = f.svc.Issue(context.Background(), "admin", core.IssueRequest{
		ClientID: "client-3", Plan: "demo", DurationDays: 30,
	})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindRateLimited))

	// Nothing was created for the denied request.
	_, err = f.store.FindActiveByClient(context.Background(), "client-3", baseTime)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestWarnExpiryIsOneTime(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "demo", 3)

	flagged, err := f.svc.WarnExpiry(context.Background(), lic)
	require.NoError(t, err)
	assert.True(t, flagged)

	flagged, err = f.svc.WarnExpiry(context.Background(), lic)
	require.NoError(t, err)
	assert.False(t, flagged)

	// Exactly one warning event.
	assert.Equal(t, []ws.EventType{ws.EventCreated, ws.EventExpiryWarning}, f.hub.types())
}

func TestExpireDueIsIdempotent(t *testing.T) {
	f := newFixture(t)
	lic := f.issue(t, "client-1", "demo", 1)
	f.advance(48 * time.Hour)

	updated, err := f.svc.ExpireDue(context.Background(), lic)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, updated.Status)

	again, err := f.svc.ExpireDue(context.Background(), lic)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, again.Status)

	// One expiry event, not two.
	assert.Equal(t, []ws.EventType{ws.EventCreated, ws.EventExpired}, f.hub.types())
}
