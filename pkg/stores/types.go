package stores

import (
	"context"
	"time"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// RunStatus represents the status of a run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// ObjectState is the journaled state of an object. It extends the
// on-disk object states with failed.
type ObjectState string

const (
	ObjectStatePending ObjectState = "pending"
	ObjectStateDone    ObjectState = "done"
	ObjectStateFailed  ObjectState = "failed"
)

// Run is one configuration run against one host
type Run struct {
	ID          string     `json:"id"`
	Host        string     `json:"host"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Object is the journal record of an object declared during a run
type Object struct {
	RunID     string      `json:"run_id"`
	Name      string      `json:"name"`
	Type      string      `json:"type"`
	State     ObjectState `json:"state"`
	Phase     *string     `json:"phase,omitempty"` // failing phase
	Error     *string     `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Event is an append-only journal entry
type Event struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	RunID     *string   `json:"run_id,omitempty"`
	Type      string    `json:"type"`
	Object    *string   `json:"object,omitempty"`
	Phase     *string   `json:"phase,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface of the run journal
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, err *string) error
	ListRuns(ctx context.Context, host *string, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, cutoff time.Time) (int64, error)

	// Object operations
	UpsertObject(ctx context.Context, obj *Object) error
	GetObject(ctx context.Context, runID, name string) (*Object, error)
	ListObjectsByRun(ctx context.Context, runID string) ([]*Object, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, eventType *string, limit, offset int) ([]*Event, error)

	// Record journals a telemetry event
	Record(ctx context.Context, event telemetry.Event) error

	// Utility
	HealthCheck(ctx context.Context) error
}
