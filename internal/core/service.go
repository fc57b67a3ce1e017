// Package core implements the entitlement engine: license issuance, checks
// with lazy expiry, admin status toggles, extensions, revocation, and
// deletion. It owns the status transition rules; persistence goes through
// the store contract and every successful mutation is pushed to the
// broadcast hub. Broadcast failures never roll a mutation back.
package core

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"entitle/internal/domain"
	"entitle/internal/errors"
	"entitle/internal/metrics"
	"entitle/internal/ratelimit"
	"entitle/internal/store"
	"entitle/internal/token"
	"entitle/internal/ws"
)

// Broadcaster receives change events from the state machine. Implemented by
// the ws.Hub; tests substitute a recorder.
type Broadcaster interface {
	Publish(ctx context.Context, ev ws.Event)
}

// nopBroadcaster swallows events when no hub is wired.
type nopBroadcaster struct{}

func (nopBroadcaster) Publish(context.Context, ws.Event) {}

// Service is the entitlement core exposed to the API facade.
type Service struct {
	store   store.Store
	hub     Broadcaster
	issuer  *token.Issuer
	limiter ratelimit.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics

	// loc is the reference timezone for the daily counter boundary.
	loc *time.Location
	now func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the service time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTimezone sets the reference timezone for daily counter resets.
func WithTimezone(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

// WithLimiter wires an operation-class rate limiter.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithMetrics wires operation counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService builds the core service. hub and issuer may be nil when the
// corresponding capability is not needed (e.g. in store-focused tests).
func NewService(st store.Store, hub Broadcaster, issuer *token.Issuer, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = nopBroadcaster{}
	}
	s := &Service{
		store:  st,
		hub:    hub,
		issuer: issuer,
		logger: logger.With(slog.String("component", "core.service")),
		loc:    time.UTC,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueRequest carries the parameters for a new license.
type IssueRequest struct {
	ClientID     string
	Plan         string
	DurationDays int
	Metadata     map[string]string
	Actor        string
}

// CheckResult is the outcome of a license check. Valid is false for any
// non-active or expired license; the license snapshot is always returned so
// callers can inspect why.
type CheckResult struct {
	Valid   bool            `json:"valid"`
	License *domain.License `json:"license"`
}

// ListResult is one page of licenses plus store-wide aggregates.
type ListResult struct {
	Items      []*domain.License `json:"items"`
	Pagination Pagination        `json:"pagination"`
	Stats      *store.Stats      `json:"stats"`
}

// Pagination describes the returned page.
type Pagination struct {
	Page  int64 `json:"page"`
	Limit int64 `json:"limit"`
	Total int64 `json:"total"`
}

// TokenResult is a signed entitlement snapshot and its claims.
type TokenResult struct {
	Token  string        `json:"token"`
	Claims *token.Claims `json:"claims"`
}

// Issue creates an active license for the client. Fails with Conflict when
// the client already holds an active, non-expired license.
func (s *Service) Issue(ctx context.Context, caller string, req IssueRequest) (*domain.License, error) {
	if err := s.allow(ctx, caller, ratelimit.OpIssue); err != nil {
		return nil, s.fail(ctx, "issue", err)
	}

	plan, ok := domain.ParsePlan(req.Plan)
	if !ok {
		return nil, s.fail(ctx, "issue", errors.E(errors.KindValidation, "unknown plan %q", req.Plan))
	}
	if req.DurationDays <= 0 {
		return nil, s.fail(ctx, "issue", errors.E(errors.KindValidation, "duration must be positive, got %d days", req.DurationDays))
	}
	if req.ClientID == "" {
		return nil, s.fail(ctx, "issue", errors.E(errors.KindValidation, "client_id must not be empty"))
	}

	now := s.now()

	// One active, non-expired license per client, enforced at creation.
	if _, err := s.store.FindActiveByClient(ctx, req.ClientID, now); err == nil {
		return nil, s.fail(ctx, "issue", errors.E(errors.KindConflict,
			"client %s already holds an active license", req.ClientID))
	} else if !errors.IsKind(err, errors.KindNotFound) {
		return nil, s.fail(ctx, "issue", err)
	}

	lic := domain.NewLicense(req.ClientID, plan, time.Duration(req.DurationDays)*24*time.Hour, req.Metadata, now)
	lic.AppendActivity(domain.ActivityEntry{
		Timestamp: now,
		Action:    "created",
		Actor:     actorOr(req.Actor, caller),
		Details:   string(plan) + " plan, " + lic.ExpiresAt.Format(time.RFC3339),
	})

	if err := s.store.Create(ctx, lic); err != nil {
		return nil, s.fail(ctx, "issue", err)
	}

	s.logger.InfoContext(ctx, "license issued",
		slog.String("license_key", lic.Key),
		slog.String("client_id", lic.ClientID),
		slog.String("plan", string(lic.Plan)),
		slog.Time("expires_at", lic.ExpiresAt))
	s.publish(ctx, ws.EventCreated, lic)
	s.ok("issue")
	return lic, nil
}

// Check validates a license and, when module is non-empty, consumes one
// unit of that module's usage. A check that observes a past expiry
// transitions the license to expired before answering: reads trigger
// transitions here, by rule.
func (s *Service) Check(ctx context.Context, caller, key, module string) (*CheckResult, error) {
	if err := s.allow(ctx, caller, ratelimit.OpCheck); err != nil {
		return nil, s.fail(ctx, "check", err)
	}

	lic, err := s.store.FindByKey(ctx, key)
	if err != nil {
		return nil, s.fail(ctx, "check", err)
	}

	now := s.now()
	if lic.Status == domain.StatusActive && lic.Expired(now) {
		lic, err = s.expire(ctx, lic, now)
		if err != nil {
			return nil, s.fail(ctx, "check", err)
		}
	}

	if !lic.Valid(now) {
		s.ok("check")
		return &CheckResult{Valid: false, License: lic}, nil
	}

	updated, err := s.store.ConsumeModule(ctx, key, module, s.dayStart(now), now)
	if err != nil {
		return nil, s.fail(ctx, "check", err)
	}
	s.ok("check")
	return &CheckResult{Valid: true, License: updated}, nil
}

// Toggle moves a license between the admin-controlled statuses active,
// inactive, and suspended. Exactly one activity entry records the change.
func (s *Service) Toggle(ctx context.Context, caller, key, newStatus, reason string) (*domain.License, error) {
	target, ok := domain.ParseStatus(newStatus)
	if !ok || !domain.ToggleTargets[target] {
		return nil, s.fail(ctx, "toggle", errors.E(errors.KindInvalidTransition,
			"cannot toggle to status %q", newStatus))
	}
	if err := s.allow(ctx, caller, ratelimit.OpAdmin); err != nil {
		return nil, s.fail(ctx, "toggle", err)
	}

	lic, err := s.store.FindByKey(ctx, key)
	if err != nil {
		return nil, s.fail(ctx, "toggle", err)
	}
	if !domain.ToggleTargets[lic.Status] {
		return nil, s.fail(ctx, "toggle", errors.E(errors.KindInvalidTransition,
			"cannot toggle a %s license", lic.Status))
	}

	now := s.now()
	status := target
	patch := store.Patch{
		Status: &status,
		Activity: &domain.ActivityEntry{
			Timestamp: now,
			Action:    "status_changed",
			Actor:     caller,
			Details:   string(lic.Status) + " -> " + string(target) + ": " + reason,
		},
	}
	// Conditional on the observed status: a concurrent transition loses the
	// race cleanly instead of silently overwriting it.
	updated, err := s.store.UpdateWhereStatus(ctx, key, []domain.Status{lic.Status}, patch)
	if err == store.ErrNoMatch {
		return nil, s.fail(ctx, "toggle", errors.E(errors.KindConflict,
			"license %s changed concurrently, retry", key))
	}
	if err != nil {
		return nil, s.fail(ctx, "toggle", err)
	}

	s.logger.InfoContext(ctx, "license toggled",
		slog.String("license_key", key),
		slog.String("from", string(lic.Status)),
		slog.String("to", string(target)),
		slog.String("reason", reason))
	s.publish(ctx, ws.EventStatusChanged, updated)
	s.ok("toggle")
	return updated, nil
}

// Extend pushes the expiry forward by the given days and always resets the
// status to active, resurrecting expired licenses. A plan change replaces
// the module set with the new plan's defaults, usage counters zeroed.
// Revoked licenses reject extension.
func (s *Service) Extend(ctx context.Context, caller, key string, days int, newPlan string) (*domain.License, error) {
	if days <= 0 {
		return nil, s.fail(ctx, "extend", errors.E(errors.KindValidation,
			"extension must be positive, got %d days", days))
	}
	if err := s.allow(ctx, caller, ratelimit.OpAdmin); err != nil {
		return nil, s.fail(ctx, "extend", err)
	}

	lic, err := s.store.FindByKey(ctx, key)
	if err != nil {
		return nil, s.fail(ctx, "extend", err)
	}
	if lic.Terminal() {
		return nil, s.fail(ctx, "extend", errors.E(errors.KindInvalidTransition,
			"cannot extend a revoked license"))
	}

	now := s.now()
	status := domain.StatusActive
	expiresAt := lic.ExpiresAt.Add(time.Duration(days) * 24 * time.Hour)
	warned := false
	patch := store.Patch{
		Status:       &status,
		ExpiresAt:    &expiresAt,
		ExpiryWarned: &warned, // new window re-arms the one-time warning
		Activity: &domain.ActivityEntry{
			Timestamp: now,
			Action:    "extended",
			Actor:     caller,
			Details:   extendDetails(days, newPlan, expiresAt),
		},
	}
	if newPlan != "" {
		plan, ok := domain.ParsePlan(newPlan)
		if !ok {
			return nil, s.fail(ctx, "extend", errors.E(errors.KindValidation, "unknown plan %q", newPlan))
		}
		patch.Plan = &plan
		patch.Modules = domain.DefaultModules(plan)
	}

	nonTerminal := []domain.Status{
		domain.StatusActive, domain.StatusInactive, domain.StatusSuspended, domain.StatusExpired,
	}
	updated, err := s.store.UpdateWhereStatus(ctx, key, nonTerminal, patch)
	if err == store.ErrNoMatch {
		// Only revocation can slip in between the read and the write.
		return nil, s.fail(ctx, "extend", errors.E(errors.KindInvalidTransition,
			"cannot extend a revoked license"))
	}
	if err != nil {
		return nil, s.fail(ctx, "extend", err)
	}

	s.logger.InfoContext(ctx, "license extended",
		slog.String("license_key", key),
		slog.Int("days", days),
		slog.String("new_plan", newPlan),
		slog.Time("expires_at", updated.ExpiresAt))
	s.publish(ctx, ws.EventExtended, updated)
	s.ok("extend")
	return updated, nil
}

// Revoke is the terminal transition: no status change, extension, or token
// issuance is possible afterwards.
func (s *Service) Revoke(ctx context.Context, caller, key, reason string) (*domain.License, error) {
	if err := s.allow(ctx, caller, ratelimit.OpAdmin); err != nil {
		return nil, s.fail(ctx, "revoke", err)
	}

	now := s.now()
	status := domain.StatusRevoked
	patch := store.Patch{
		Status: &status,
		Activity: &domain.ActivityEntry{
			Timestamp: now,
			Action:    "revoked",
			Actor:     caller,
			Details:   reason,
		},
	}
	nonTerminal := []domain.Status{
		domain.StatusActive, domain.StatusInactive, domain.StatusSuspended, domain.StatusExpired,
	}
	updated, err := s.store.UpdateWhereStatus(ctx, key, nonTerminal, patch)
	if err == store.ErrNoMatch {
		return nil, s.fail(ctx, "revoke", errors.E(errors.KindInvalidTransition,
			"license %s is already revoked", key))
	}
	if err != nil {
		return nil, s.fail(ctx, "revoke", err)
	}

	s.logger.InfoContext(ctx, "license revoked",
		slog.String("license_key", key),
		slog.String("reason", reason))
	s.publish(ctx, ws.EventStatusChanged, updated)
	s.ok("revoke")
	return updated, nil
}

// Delete hard-removes a license, bypassing the state machine. The deletion
// event carries the last known snapshot.
func (s *Service) Delete(ctx context.Context, caller, key string) error {
	if err := s.allow(ctx, caller, ratelimit.OpAdmin); err != nil {
		return s.fail(ctx, "delete", err)
	}

	lic, err := s.store.FindByKey(ctx, key)
	if err != nil {
		return s.fail(ctx, "delete", err)
	}
	if err := s.store.Delete(ctx, key); err != nil {
		return s.fail(ctx, "delete", err)
	}

	s.logger.InfoContext(ctx, "license deleted",
		slog.String("license_key", key),
		slog.String("client_id", lic.ClientID))
	s.publish(ctx, ws.EventDeleted, lic)
	s.ok("delete")
	return nil
}

// List returns a filtered page plus store-wide aggregates.
func (s *Service) List(ctx context.Context, f store.Filter) (*ListResult, error) {
	page, err := s.store.List(ctx, f)
	if err != nil {
		return nil, s.fail(ctx, "list", err)
	}
	stats, err := s.store.AggregateStats(ctx)
	if err != nil {
		return nil, s.fail(ctx, "list", err)
	}
	s.ok("list")
	return &ListResult{
		Items:      page.Items,
		Pagination: Pagination{Page: page.Page, Limit: page.Limit, Total: page.Total},
		Stats:      stats,
	}, nil
}

// IssueToken signs an entitlement snapshot for the license. The token's
// validity window ends at the license expiry; it is advisory only and a
// later toggle or revoke does not recall it.
func (s *Service) IssueToken(ctx context.Context, caller, key string) (*TokenResult, error) {
	if s.issuer == nil {
		return nil, s.fail(ctx, "token", errors.E(errors.KindValidation, "token issuance is not configured"))
	}
	if err := s.allow(ctx, caller, ratelimit.OpCheck); err != nil {
		return nil, s.fail(ctx, "token", err)
	}

	lic, err := s.store.FindByKey(ctx, key)
	if err != nil {
		return nil, s.fail(ctx, "token", err)
	}
	now := s.now()
	if lic.Status == domain.StatusActive && lic.Expired(now) {
		if lic, err = s.expire(ctx, lic, now); err != nil {
			return nil, s.fail(ctx, "token", err)
		}
	}

	signed, claims, err := s.issuer.Issue(lic)
	if err != nil {
		return nil, s.fail(ctx, "token", err)
	}
	s.ok("token")
	return &TokenResult{Token: signed, Claims: claims}, nil
}

// ExpireDue transitions one overdue license to expired and broadcasts the
// change. Idempotent: if another actor already expired it, this is a no-op.
// Used by the expiry monitor; the lazy path in Check shares the same
// transition.
func (s *Service) ExpireDue(ctx context.Context, lic *domain.License) (*domain.License, error) {
	updated, err := s.expire(ctx, lic, s.now())
	if err != nil {
		return nil, s.fail(ctx, "expire", err)
	}
	s.ok("expire")
	return updated, nil
}

// WarnExpiry flags a license inside the warning horizon and broadcasts a
// one-time expiry warning. Returns true only when this call did the
// flagging, so repeated sweeps never duplicate the notification.
func (s *Service) WarnExpiry(ctx context.Context, lic *domain.License) (bool, error) {
	flagged, err := s.store.MarkWarned(ctx, lic.Key)
	if err != nil {
		return false, s.fail(ctx, "warn", err)
	}
	if !flagged {
		return false, nil
	}
	lic.ExpiryWarned = true
	s.logger.InfoContext(ctx, "expiry warning issued",
		slog.String("license_key", lic.Key),
		slog.Time("expires_at", lic.ExpiresAt))
	s.publish(ctx, ws.EventExpiryWarning, lic)
	s.ok("warn")
	return true, nil
}

// expire performs the active -> expired transition with its audit entry in
// one conditional write. Losing the condition means someone else already
// expired the license; the fresh document is returned either way.
func (s *Service) expire(ctx context.Context, lic *domain.License, now time.Time) (*domain.License, error) {
	status := domain.StatusExpired
	patch := store.Patch{
		Status: &status,
		Activity: &domain.ActivityEntry{
			Timestamp: now,
			Action:    "expired",
			Actor:     "system",
			Details:   "validity window ended " + lic.ExpiresAt.Format(time.RFC3339),
		},
	}
	updated, err := s.store.UpdateWhereStatus(ctx, lic.Key, []domain.Status{domain.StatusActive}, patch)
	if err == store.ErrNoMatch {
		return s.store.FindByKey(ctx, lic.Key)
	}
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "license expired",
		slog.String("license_key", lic.Key),
		slog.Time("expires_at", lic.ExpiresAt))
	s.publish(ctx, ws.EventExpired, updated)
	return updated, nil
}

// dayStart is the current day boundary in the reference timezone.
func (s *Service) dayStart(now time.Time) time.Time {
	y, m, d := now.In(s.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.loc)
}

func (s *Service) allow(ctx context.Context, caller string, op ratelimit.Op) error {
	if s.limiter == nil || caller == "" {
		return nil
	}
	return s.limiter.Allow(ctx, caller, op)
}

// publish hands the event to the hub. Failures are the hub's problem; the
// mutation that produced the event has already committed.
func (s *Service) publish(ctx context.Context, t ws.EventType, lic *domain.License) {
	s.hub.Publish(ctx, ws.NewEvent(t, lic, s.now()))
}

func (s *Service) ok(operation string) {
	if s.metrics != nil {
		s.metrics.Operations.WithLabelValues(operation, "ok").Inc()
	}
}

func (s *Service) fail(ctx context.Context, operation string, err error) error {
	if s.metrics != nil {
		s.metrics.Operations.WithLabelValues(operation, "error").Inc()
		s.metrics.OperationErr.WithLabelValues(operation, errors.KindOf(err).String()).Inc()
	}
	if errors.IsKind(err, errors.KindPersistence) {
		s.logger.ErrorContext(ctx, "store failure",
			slog.String("operation", operation),
			slog.String("error", err.Error()))
	}
	return err
}

func actorOr(actor, fallback string) string {
	if actor != "" {
		return actor
	}
	if fallback != "" {
		return fallback
	}
	return "system"
}

func extendDetails(days int, newPlan string, until time.Time) string {
	d := "+" + strconv.Itoa(days) + "d until " + until.Format(time.RFC3339)
	if newPlan != "" {
		d += ", plan -> " + newPlan
	}
	return d
}
