package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitle/internal/domain"
	"entitle/internal/errors"
)

// flakyStore fails the first failures calls to FindByKey and ConsumeModule
// with a persistence error, then delegates.
type flakyStore struct {
	Store
	failures int
	calls    int
}

func (f *flakyStore) FindByKey(ctx context.Context, key string) (*domain.License, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.E(errors.KindPersistence, "connection reset")
	}
	return f.Store.FindByKey(ctx, key)
}

func (f *flakyStore) ConsumeModule(ctx context.Context, key, module string, dayStart, now time.Time) (*domain.License, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.E(errors.KindPersistence, "connection reset")
	}
	return f.Store.ConsumeModule(ctx, key, module, dayStart, now)
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	mem := NewMemory()
	lic := seedLicense(t, mem, "client-1", domain.PlanDemo, time.Hour)

	flaky := &flakyStore{Store: mem, failures: 2}
	r := NewRetry(flaky, 3, time.Millisecond, nil)

	got, err := r.FindByKey(context.Background(), lic.Key)
	require.NoError(t, err)
	assert.Equal(t, lic.Key, got.Key)
	assert.Equal(t, 3, flaky.calls)
}

func TestRetryGivesUpAfterBudget(t *testing.T) {
	mem := NewMemory()
	lic := seedLicense(t, mem, "client-1", domain.PlanDemo, time.Hour)

	flaky := &flakyStore{Store: mem, failures: 10}
	r := NewRetry(flaky, 3, time.Millisecond, nil)

	_, err := r.FindByKey(context.Background(), lic.Key)
	assert.True(t, errors.IsKind(err, errors.KindPersistence))
	assert.Equal(t, 3, flaky.calls)
}

func TestRetryDoesNotRetryExpectedOutcomes(t *testing.T) {
	mem := NewMemory()
	flaky := &flakyStore{Store: mem}
	r := NewRetry(flaky, 3, time.Millisecond, nil)

	_, err := r.FindByKey(context.Background(), "LIC-MISSING")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
	assert.Equal(t, 1, flaky.calls)
}

func TestRetryNeverReplaysConsumeModule(t *testing.T) {
	mem := NewMemory()
	lic := seedLicense(t, mem, "client-1", domain.PlanDemo, time.Hour)

	flaky := &flakyStore{Store: mem, failures: 1}
	r := NewRetry(flaky, 3, time.Millisecond, nil)

	_, err := r.ConsumeModule(context.Background(), lic.Key, "analytics", testNow, testNow)
	assert.True(t, errors.IsKind(err, errors.KindPersistence))
	assert.Equal(t, 1, flaky.calls)

	// Nothing was consumed by the failed attempt.
	after, err := mem.FindByKey(context.Background(), lic.Key)
	require.NoError(t, err)
	assert.Zero(t, after.Usage.TotalRequests)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	mem := NewMemory()
	lic := seedLicense(t, mem, "client-1", domain.PlanDemo, time.Hour)

	flaky := &flakyStore{Store: mem, failures: 10}
	r := NewRetry(flaky, 5, 50*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.FindByKey(ctx, lic.Key)
	assert.True(t, errors.IsKind(err, errors.KindPersistence))
	// First attempt ran, then cancellation cut the backoff short.
	assert.Equal(t, 1, flaky.calls)
}
