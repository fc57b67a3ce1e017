package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a license.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
	StatusExpired   Status = "expired"
	StatusRevoked   Status = "revoked"
)

// ParseStatus converts a string to a Status, reporting whether it is known.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusActive:
		return StatusActive, true
	case StatusInactive:
		return StatusInactive, true
	case StatusSuspended:
		return StatusSuspended, true
	case StatusExpired:
		return StatusExpired, true
	case StatusRevoked:
		return StatusRevoked, true
	}
	return "", false
}

// Plan is a named subscription tier. Each plan maps to a default module set.
type Plan string

const (
	PlanDemo       Plan = "demo"
	PlanBasic      Plan = "basic"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

// ParsePlan converts a string to a Plan, reporting whether it is known.
func ParsePlan(s string) (Plan, bool) {
	switch Plan(strings.ToLower(strings.TrimSpace(s))) {
	case PlanDemo:
		return PlanDemo, true
	case PlanBasic:
		return PlanBasic, true
	case PlanPremium:
		return PlanPremium, true
	case PlanEnterprise:
		return PlanEnterprise, true
	}
	return "", false
}

// UnlimitedUsage marks a module with no usage ceiling.
const UnlimitedUsage = -1

// ActivityLogCap bounds the per-license activity log. Oldest entries drop first.
const ActivityLogCap = 100

// Module is a named capability granted by a license, with an enable flag
// and a usage ceiling. UsageLimit of UnlimitedUsage means no ceiling.
type Module struct {
	Name       string `json:"name" bson:"name"`
	Enabled    bool   `json:"enabled" bson:"enabled"`
	UsageLimit int64  `json:"usage_limit" bson:"usage_limit"`
	UsageCount int64  `json:"usage_count" bson:"usage_count"`
}

// UsageStats tracks request volume against a license. DailyRequests resets
// the first time a check occurs after the configured day boundary.
type UsageStats struct {
	TotalRequests int64     `json:"total_requests" bson:"total_requests"`
	DailyRequests int64     `json:"daily_requests" bson:"daily_requests"`
	LastReset     time.Time `json:"last_reset" bson:"last_reset"`
}

// ActivityEntry is one audit record in the bounded activity log.
type ActivityEntry struct {
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Action    string    `json:"action" bson:"action"`
	Actor     string    `json:"actor" bson:"actor"`
	Details   string    `json:"details,omitempty" bson:"details,omitempty"`
}

// License is the aggregate root: a time-bounded entitlement tied to a client
// and plan. One persisted document per license. The key is immutable after
// creation and unique across the store.
type License struct {
	Key          string            `json:"license_key" bson:"license_key"`
	ClientID     string            `json:"client_id" bson:"client_id"`
	Plan         Plan              `json:"plan" bson:"plan"`
	Status       Status            `json:"status" bson:"status"`
	Modules      []Module          `json:"modules" bson:"modules"`
	ExpiresAt    time.Time         `json:"expires_at" bson:"expires_at"`
	CreatedAt    time.Time         `json:"created_at" bson:"created_at"`
	LastChecked  time.Time         `json:"last_checked" bson:"last_checked"`
	Usage        UsageStats        `json:"usage_stats" bson:"usage_stats"`
	ExpiryWarned bool              `json:"expiry_warned" bson:"expiry_warned"`
	Metadata     map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	ActivityLog  []ActivityEntry   `json:"activity_log,omitempty" bson:"activity_log,omitempty"`
}

// NewLicense creates an active license for the given client and plan with
// the plan's default module set and a fresh opaque key.
func NewLicense(clientID string, plan Plan, duration time.Duration, metadata map[string]string, now time.Time) *License {
	return &License{
		Key:       NewKey(),
		ClientID:  clientID,
		Plan:      plan,
		Status:    StatusActive,
		Modules:   DefaultModules(plan),
		ExpiresAt: now.Add(duration),
		CreatedAt: now,
		Usage:     UsageStats{LastReset: now},
		Metadata:  metadata,
	}
}

// NewKey generates a globally unique opaque license key.
func NewKey() string {
	return "LIC-" + strings.ToUpper(uuid.New().String())
}

// Expired reports whether the license's validity window has passed.
func (l *License) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Valid reports whether the license currently grants entitlements:
// status is active and the validity window has not passed.
func (l *License) Valid(now time.Time) bool {
	return l.Status == StatusActive && !l.Expired(now)
}

// Terminal reports whether the license can never transition again.
// Only revoked is fully terminal; expired licenses can be resurrected
// through an extension.
func (l *License) Terminal() bool {
	return l.Status == StatusRevoked
}

// Module returns the named module entitlement, or nil if not granted.
func (l *License) Module(name string) *Module {
	for i := range l.Modules {
		if l.Modules[i].Name == name {
			return &l.Modules[i]
		}
	}
	return nil
}

// Features lists the names of all enabled modules.
func (l *License) Features() []string {
	features := make([]string, 0, len(l.Modules))
	for _, m := range l.Modules {
		if m.Enabled {
			features = append(features, m.Name)
		}
	}
	return features
}

// AppendActivity records an audit entry, dropping the oldest entries once
// the log exceeds ActivityLogCap. Stores that support server-side capped
// pushes apply the same bound atomically instead.
func (l *License) AppendActivity(entry ActivityEntry) {
	l.ActivityLog = append(l.ActivityLog, entry)
	if overflow := len(l.ActivityLog) - ActivityLogCap; overflow > 0 {
		l.ActivityLog = l.ActivityLog[overflow:]
	}
}

// Clone returns a deep copy of the license. Stores hand out clones so
// callers can never mutate persisted state in place.
func (l *License) Clone() *License {
	c := *l
	c.Modules = append([]Module(nil), l.Modules...)
	c.ActivityLog = append([]ActivityEntry(nil), l.ActivityLog...)
	if l.Metadata != nil {
		c.Metadata = make(map[string]string, len(l.Metadata))
		for k, v := range l.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// DefaultModules returns a fresh copy of the plan's default module set with
// zeroed usage counters.
func DefaultModules(plan Plan) []Module {
	switch plan {
	case PlanDemo:
		return []Module{
			{Name: "analytics", Enabled: true, UsageLimit: 100},
			{Name: "reports", Enabled: true, UsageLimit: 50},
		}
	case PlanBasic:
		return []Module{
			{Name: "analytics", Enabled: true, UsageLimit: 1000},
			{Name: "reports", Enabled: true, UsageLimit: 500},
			{Name: "export", Enabled: true, UsageLimit: 100},
		}
	case PlanPremium:
		return []Module{
			{Name: "analytics", Enabled: true, UsageLimit: 10000},
			{Name: "reports", Enabled: true, UsageLimit: 5000},
			{Name: "export", Enabled: true, UsageLimit: 1000},
			{Name: "api_access", Enabled: true, UsageLimit: 10000},
		}
	case PlanEnterprise:
		return []Module{
			{Name: "analytics", Enabled: true, UsageLimit: UnlimitedUsage},
			{Name: "reports", Enabled: true, UsageLimit: UnlimitedUsage},
			{Name: "export", Enabled: true, UsageLimit: UnlimitedUsage},
			{Name: "api_access", Enabled: true, UsageLimit: UnlimitedUsage},
			{Name: "integrations", Enabled: true, UsageLimit: UnlimitedUsage},
		}
	}
	return nil
}

// ToggleTargets are the statuses an admin toggle may move a license into.
// Expiry and revocation are driven by their own operations.
var ToggleTargets = map[Status]bool{
	StatusActive:    true,
	StatusInactive:  true,
	StatusSuspended: true,
}
