package stores

import (
	"context"
	"time"

	"github.com/openfroyo/converge/pkg/core"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// Record journals a telemetry event: it is appended to the event log and
// the run and object records it concerns are created or updated.
func (s *SQLiteStore) Record(ctx context.Context, ev telemetry.Event) error {
	if err := s.apply(ctx, ev); err != nil {
		return err
	}

	entry := &Event{
		EventID:   ev.ID,
		Type:      ev.Type,
		Level:     ev.Level,
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
		RunID:     optional(ev.RunID),
		Object:    optional(ev.Object),
		Phase:     optional(ev.Phase),
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Level == "" {
		entry.Level = telemetry.EventLevelInfo
	}
	return s.AppendEvent(ctx, entry)
}

func (s *SQLiteStore) apply(ctx context.Context, ev telemetry.Event) error {
	switch ev.Type {
	case telemetry.EventTypeRunStarted:
		return s.CreateRun(ctx, &Run{
			ID:        ev.RunID,
			Host:      ev.Host,
			Status:    RunStatusRunning,
			StartedAt: ev.Timestamp,
		})
	case telemetry.EventTypeRunCompleted:
		return s.UpdateRunStatus(ctx, ev.RunID, RunStatusCompleted, nil)
	case telemetry.EventTypeRunFailed:
		return s.UpdateRunStatus(ctx, ev.RunID, RunStatusFailed, optional(ev.Message))
	case telemetry.EventTypeObjectCreated:
		return s.upsertObjectState(ctx, ev, ObjectStatePending)
	case telemetry.EventTypeObjectDone:
		return s.upsertObjectState(ctx, ev, ObjectStateDone)
	case telemetry.EventTypeObjectFailed:
		return s.upsertObjectState(ctx, ev, ObjectStateFailed)
	}
	return nil
}

func (s *SQLiteStore) upsertObjectState(ctx context.Context, ev telemetry.Event, state ObjectState) error {
	typeName, _ := core.SplitName(ev.Object)
	obj := &Object{
		RunID: ev.RunID,
		Name:  ev.Object,
		Type:  typeName,
		State: state,
	}
	if state == ObjectStateFailed {
		obj.Phase = optional(ev.Phase)
		obj.Error = optional(ev.Message)
	}
	return s.UpsertObject(ctx, obj)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Journal subscribes a store to the run events of a publisher.
type Journal struct {
	store Store
}

// NewJournal returns a journal writing to store.
func NewJournal(store Store) *Journal {
	return &Journal{store: store}
}

// Attach subscribes the journal to every run and object event of ep.
// Journal failures are logged and never fail the run.
func (j *Journal) Attach(ep *telemetry.EventPublisher) {
	ep.Subscribe(j.handle, telemetry.FilterByType(
		telemetry.EventTypeRunStarted,
		telemetry.EventTypeRunCompleted,
		telemetry.EventTypeRunFailed,
		telemetry.EventTypeObjectCreated,
		telemetry.EventTypeObjectDone,
		telemetry.EventTypeObjectFailed,
	))
}

func (j *Journal) handle(ev telemetry.Event) {
	if err := j.store.Record(context.Background(), ev); err != nil {
		telemetry.ForHost(ev.Host).NewComponentLogger("journal").
			WithError(err).Warnf("Failed to journal %s event", ev.Type)
	}
}
