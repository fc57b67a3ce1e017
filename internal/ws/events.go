package ws

import (
	"time"

	"entitle/internal/domain"
)

// EventType names a license change notification.
type EventType string

const (
	EventCreated       EventType = "license_created"
	EventStatusChanged EventType = "license_status_changed"
	EventExtended      EventType = "license_extended"
	EventDeleted       EventType = "license_deleted"
	EventExpiryWarning EventType = "license_expiry_warning"
	EventExpired       EventType = "license_expired"
)

// Event is the broadcast payload emitted after every successful
// state-machine mutation. Delivery is best-effort and at-most-once; there
// is no replay buffer.
type Event struct {
	Type       EventType       `json:"type"`
	LicenseKey string          `json:"license_key"`
	ClientID   string          `json:"client_id"`
	Plan       domain.Plan     `json:"plan"`
	Status     domain.Status   `json:"status"`
	ExpiresAt  time.Time       `json:"expires_at"`
	Modules    []domain.Module `json:"modules"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewEvent snapshots a license into an event of the given type.
func NewEvent(t EventType, lic *domain.License, now time.Time) Event {
	return Event{
		Type:       t,
		LicenseKey: lic.Key,
		ClientID:   lic.ClientID,
		Plan:       lic.Plan,
		Status:     lic.Status,
		ExpiresAt:  lic.ExpiresAt,
		Modules:    lic.Modules,
		Timestamp:  now,
	}
}

// Room names. Every subscriber joins the global feed; targeted fan-out uses
// the owning client's room and the admin role room.
const (
	RoomGlobal = "global"
	RoleAdmin  = "admin"
)

// ClientRoom names the room receiving events for one client's licenses.
func ClientRoom(clientID string) string {
	return "client_" + clientID
}

// RoleRoom names the room for a subscriber role, e.g. type_admin.
func RoleRoom(role string) string {
	return "type_" + role
}

// Rooms returns the rooms an event targets: the global feed, the owning
// client's room, and the admin room.
func (e Event) Rooms() []string {
	return []string{RoomGlobal, ClientRoom(e.ClientID), RoleRoom(RoleAdmin)}
}
