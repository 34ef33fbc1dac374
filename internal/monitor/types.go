package monitor

import "time"

// EventKind is the lifecycle step a policy event records
type EventKind string

const (
	EventProvisioned     EventKind = "provisioned"
	EventProvisionFailed EventKind = "provision_failed"
	EventRefreshed       EventKind = "refreshed"
	EventRefreshSkipped  EventKind = "refresh_skipped"
	EventRefreshFailed   EventKind = "refresh_failed"
	EventResolveFailed   EventKind = "resolve_failed"
	EventTornDown        EventKind = "torn_down"
	EventTeardownFailed  EventKind = "teardown_failed"
)

// PolicyEvent is one audit record for a container's network policy
type PolicyEvent struct {
	ID          string    `json:"id"` // Unique event ID
	Timestamp   time.Time `json:"timestamp"`
	Kind        EventKind `json:"kind"`
	ContainerID string    `json:"container_id"`
	Mode        string    `json:"mode"`
	Backend     string    `json:"backend,omitempty"`
	Handle      string    `json:"handle,omitempty"`   // ACL name or container address
	CycleID     string    `json:"cycle_id,omitempty"` // Groups events of one refresh cycle
	Rules       int       `json:"rules"`              // Rules in force after the event
	Added       int       `json:"added,omitempty"`
	Removed     int       `json:"removed,omitempty"`
	Domains     []string  `json:"domains,omitempty"` // Entries that failed to resolve
	Error       string    `json:"error,omitempty"`
}
