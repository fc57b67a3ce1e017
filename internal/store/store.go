// Package store defines the persistence contract for license documents and
// provides the MongoDB-backed and in-memory implementations. Every mutation
// is a single-document atomic write: a status transition and its activity
// log append land together or not at all, and usage increments carry their
// ceiling check into the write itself.
package store

import (
	"context"
	stderrors "errors"
	"time"

	"entitle/internal/domain"
)

// ErrNoMatch is returned by conditional updates when the document exists
// but the precondition (status set, usage ceiling, warned flag) did not
// hold. Callers re-read to classify.
var ErrNoMatch = stderrors.New("store: no document matched condition")

// Patch describes a partial update applied atomically to one license.
// Nil fields are left untouched. Activity, when set, is appended to the
// bounded activity log in the same write.
type Patch struct {
	Status       *domain.Status
	Plan         *domain.Plan
	ExpiresAt    *time.Time
	Modules      []domain.Module
	ExpiryWarned *bool
	LastChecked  *time.Time
	Metadata     map[string]string
	Activity     *domain.ActivityEntry
}

// Filter selects licenses for listing. Zero values match everything.
type Filter struct {
	Status   domain.Status
	Plan     domain.Plan
	ClientID string
	Page     int64
	Limit    int64
}

// Page is one page of listed licenses.
type Page struct {
	Items []*domain.License `json:"items"`
	Total int64             `json:"total"`
	Page  int64             `json:"page"`
	Limit int64             `json:"limit"`
}

// Stats is the store-wide aggregate used by the list operation.
type Stats struct {
	Total         int64                   `json:"total"`
	ByStatus      map[domain.Status]int64 `json:"by_status"`
	ByPlan        map[domain.Plan]int64   `json:"by_plan"`
	TotalRequests int64                   `json:"total_requests"`
}

// Store is the single source of truth for license documents. Implementations
// serialize per-license mutations: concurrent conditional writes against the
// same document cannot both succeed past a precondition boundary.
type Store interface {
	// Create inserts a new license. Fails with a Conflict error if the key
	// already exists.
	Create(ctx context.Context, lic *domain.License) error

	// FindByKey returns the license with the given key, or NotFound.
	FindByKey(ctx context.Context, key string) (*domain.License, error)

	// FindActiveByClient returns the client's active, non-expired license
	// as of now, or NotFound if none exists.
	FindActiveByClient(ctx context.Context, clientID string, now time.Time) (*domain.License, error)

	// Update applies the patch unconditionally to the keyed license and
	// returns the updated document.
	Update(ctx context.Context, key string, patch Patch) (*domain.License, error)

	// UpdateWhereStatus applies the patch only if the license currently has
	// one of the allowed statuses. Returns ErrNoMatch if the document exists
	// but the status precondition failed.
	UpdateWhereStatus(ctx context.Context, key string, allowed []domain.Status, patch Patch) (*domain.License, error)

	// ConsumeModule atomically increments usage for one check: total and
	// daily request counters, last_checked, and — when module is non-empty —
	// the module's usage counter, guarded by its ceiling. Rolls the daily
	// counter over when last_reset predates dayStart. Returns LimitExceeded
	// without incrementing anything when the ceiling is reached, and a
	// Validation error when the module is unknown or disabled.
	ConsumeModule(ctx context.Context, key, module string, dayStart, now time.Time) (*domain.License, error)

	// MarkWarned sets the one-time expiry warning flag. Returns true only
	// for the call that flipped the flag, making repeated sweeps idempotent.
	MarkWarned(ctx context.Context, key string) (bool, error)

	// Delete hard-removes the license. NotFound if the key does not exist.
	Delete(ctx context.Context, key string) error

	// List returns a page of licenses matching the filter, newest first.
	List(ctx context.Context, f Filter) (*Page, error)

	// AggregateStats computes store-wide counts by status and plan.
	AggregateStats(ctx context.Context) (*Stats, error)

	// FindExpiringWithin returns active, not-yet-warned licenses whose
	// expiry falls in (from, until].
	FindExpiringWithin(ctx context.Context, from, until time.Time) ([]*domain.License, error)

	// FindExpired returns active licenses whose expiry is at or before asOf.
	FindExpired(ctx context.Context, asOf time.Time) ([]*domain.License, error)
}

// NormalizeFilter applies paging defaults and bounds.
func NormalizeFilter(f Filter) Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = 20
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	return f
}
