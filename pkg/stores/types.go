package stores

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is wrapped by lookups that find no row.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when a compare-and-swap save loses a race.
	ErrVersionConflict = errors.New("version conflict")
)

// InstanceStatus is the runtime status of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusSuspended InstanceStatus = "suspended"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
)

// IsTerminal reports whether no further passes will run for the instance.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed
}

// HistoryKind tags an entry of an instance's history.
type HistoryKind string

const (
	HistoryStarted           HistoryKind = "started"
	HistoryActivityCompleted HistoryKind = "activity_completed"
	HistoryActivityFailed    HistoryKind = "activity_failed"
	HistorySignalReceived    HistoryKind = "signal_received"
)

// Instance is one workflow run.
type Instance struct {
	ID            string         `json:"id"`
	Workflow      string         `json:"workflow"`
	Status        InstanceStatus `json:"status"`
	CustomStatus  string         `json:"custom_status"`
	WaitingSignal *string        `json:"waiting_signal,omitempty"`
	WaitDeadline  *time.Time     `json:"wait_deadline,omitempty"`
	Error         *string        `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// HistoryEntry is one append-only record in an instance's history.
// Payload is JSON. RecordedAt is stored with nanosecond precision.
type HistoryEntry struct {
	InstanceID string      `json:"instance_id"`
	Seq        int         `json:"seq"`
	Kind       HistoryKind `json:"kind"`
	Name       string      `json:"name"`
	Payload    string      `json:"payload"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// Signal is an external signal waiting in an instance's inbox.
type Signal struct {
	ID         int64     `json:"id"`
	InstanceID string    `json:"instance_id"`
	Name       string    `json:"name"`
	Payload    string    `json:"payload"`
	Source     string    `json:"source"`
	ReceivedAt time.Time `json:"received_at"`
}

// Entity is the persisted state of a keyed actor.
type Entity struct {
	Key       string    `json:"key"`
	State     string    `json:"state"` // JSON blob
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Exclusion is a subject that never produces a notification.
type Exclusion struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "instance.started", "signal.raised"
	Actor     string    `json:"actor"`               // component or endpoint
	TargetID  *string   `json:"target_id,omitempty"` // instance id, entity key
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Workflow instances and history
	CreateInstance(ctx context.Context, inst *Instance, started *HistoryEntry) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	UpdateInstance(ctx context.Context, inst *Instance) error
	ListInstances(ctx context.Context, statuses ...InstanceStatus) ([]*Instance, error)
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	LoadHistory(ctx context.Context, instanceID string) ([]*HistoryEntry, error)

	// Signal inbox
	EnqueueSignal(ctx context.Context, sig *Signal) error
	ConsumeSignal(ctx context.Context, instanceID, name string, seq int, recordedAt time.Time) (*Signal, error)
	HasPendingSignal(ctx context.Context, instanceID, name string) (bool, error)
	DiscardSignals(ctx context.Context, instanceID string) (int64, error)

	// Entities
	GetEntity(ctx context.Context, key string) (*Entity, error)
	SaveEntity(ctx context.Context, key, state string, expectedVersion int64) (int64, error)
	DeleteEntity(ctx context.Context, key string) error

	// Exclusions
	AddExclusion(ctx context.Context, ex *Exclusion) error
	ListExclusions(ctx context.Context) ([]*Exclusion, error)
	DeleteExclusion(ctx context.Context, id string) error

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
