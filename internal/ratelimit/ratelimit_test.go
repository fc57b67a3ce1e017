package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitle/internal/errors"
)

func TestLocalBudgetExhaustion(t *testing.T) {
	l := NewLocal(Budgets{OpIssue: {Requests: 3, Window: time.Hour}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow(ctx, "10.0.0.1", OpIssue), "request %d should pass", i+1)
	}

	err := l.Allow(ctx, "10.0.0.1", OpIssue)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindRateLimited))
}

func TestLocalCallersAreIndependent(t *testing.T) {
	l := NewLocal(Budgets{OpCheck: {Requests: 1, Window: time.Hour}})
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "10.0.0.1", OpCheck))
	assert.Error(t, l.Allow(ctx, "10.0.0.1", OpCheck))

	// A different caller has its own bucket.
	assert.NoError(t, l.Allow(ctx, "10.0.0.2", OpCheck))
}

func TestLocalOperationClassesAreIndependent(t *testing.T) {
	l := NewLocal(Budgets{
		OpIssue: {Requests: 1, Window: time.Hour},
		OpAdmin: {Requests: 1, Window: time.Hour},
	})
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "10.0.0.1", OpIssue))
	assert.Error(t, l.Allow(ctx, "10.0.0.1", OpIssue))
	assert.NoError(t, l.Allow(ctx, "10.0.0.1", OpAdmin))
}

func TestLocalUnbudgetedOpIsUnlimited(t *testing.T) {
	l := NewLocal(Budgets{OpIssue: {Requests: 1, Window: time.Hour}})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Allow(ctx, "10.0.0.1", OpCheck))
	}
}

func TestLocalRefillsOverTime(t *testing.T) {
	l := NewLocal(Budgets{OpCheck: {Requests: 50, Window: 50 * time.Millisecond}})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, l.Allow(ctx, "10.0.0.1", OpCheck))
	}
	require.Error(t, l.Allow(ctx, "10.0.0.1", OpCheck))

	time.Sleep(60 * time.Millisecond)
	assert.NoError(t, l.Allow(ctx, "10.0.0.1", OpCheck))
}

func TestDefaultBudgets(t *testing.T) {
	b := DefaultBudgets()
	assert.Equal(t, Budget{Requests: 10, Window: 15 * time.Minute}, b[OpIssue])
	assert.Equal(t, Budget{Requests: 60, Window: time.Minute}, b[OpCheck])
	assert.Equal(t, Budget{Requests: 30, Window: time.Minute}, b[OpAdmin])
}
