package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "journal.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	// a second migration is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store twice: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "objects", "events"} {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		if err := store.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

// TestRunCRUD tests Run CRUD operations
func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := &Run{
		ID:        "run-001",
		Host:      "web1",
		Status:    RunStatusRunning,
		StartedAt: now,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	retrieved, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.Host != "web1" {
		t.Errorf("expected Host web1, got %s", retrieved.Host)
	}
	if retrieved.Status != RunStatusRunning {
		t.Errorf("expected Status %s, got %s", RunStatusRunning, retrieved.Status)
	}
	if retrieved.CompletedAt != nil {
		t.Errorf("expected no CompletedAt, got %v", retrieved.CompletedAt)
	}

	errMsg := "object __file/etc/motd (phase=code-remote): exit status 1"
	if err := store.UpdateRunStatus(ctx, run.ID, RunStatusFailed, &errMsg); err != nil {
		t.Fatalf("failed to update run status: %v", err)
	}

	updated, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get updated run: %v", err)
	}
	if updated.Status != RunStatusFailed {
		t.Errorf("expected Status %s, got %s", RunStatusFailed, updated.Status)
	}
	if updated.Error == nil || *updated.Error != errMsg {
		t.Errorf("expected Error %s, got %v", errMsg, updated.Error)
	}
	if updated.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	if err := store.UpdateRunStatus(ctx, "missing", RunStatusCompleted, nil); err == nil {
		t.Error("expected error when updating a missing run")
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if _, err := store.GetRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for a deleted run, got %v", err)
	}
	if err := store.DeleteRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestPruneRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for id, age := range map[string]time.Duration{"old-1": 72 * time.Hour, "old-2": 48 * time.Hour, "new": time.Hour} {
		run := &Run{ID: id, Host: "web1", Status: RunStatusCompleted, StartedAt: now.Add(-age)}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run %s: %v", id, err)
		}
	}
	if err := store.UpsertObject(ctx, &Object{RunID: "old-1", Name: "__a/b", Type: "__a", State: ObjectStateDone}); err != nil {
		t.Fatalf("failed to upsert object: %v", err)
	}

	n, err := store.PruneRuns(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 pruned runs, got %d", n)
	}

	runs, err := store.ListRuns(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "new" {
		t.Errorf("expected only the new run to remain, got %d runs", len(runs))
	}
	objs, err := store.ListObjectsByRun(ctx, "old-1")
	if err != nil {
		t.Fatalf("failed to list objects: %v", err)
	}
	if len(objs) != 0 {
		t.Errorf("expected the objects of a pruned run to be deleted, got %d", len(objs))
	}
}

func TestListRunsByHost(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	start := time.Now().UTC()

	for i, host := range []string{"web1", "web2", "web1"} {
		run := &Run{
			ID:        "run-" + string(rune('a'+i)),
			Host:      host,
			Status:    RunStatusCompleted,
			StartedAt: start.Add(time.Duration(i) * time.Minute),
		}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
	}

	all, err := store.ListRuns(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}
	if all[0].ID != "run-c" {
		t.Errorf("expected newest run first, got %s", all[0].ID)
	}

	host := "web1"
	web1, err := store.ListRuns(ctx, &host, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(web1) != 2 {
		t.Errorf("expected 2 runs for web1, got %d", len(web1))
	}
}

func TestObjectUpsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateRun(ctx, &Run{ID: "run-1", Host: "web1", Status: RunStatusRunning, StartedAt: time.Now()}); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	obj := &Object{RunID: "run-1", Name: "__file/etc/motd", Type: "__file", State: ObjectStatePending}
	if err := store.UpsertObject(ctx, obj); err != nil {
		t.Fatalf("failed to insert object: %v", err)
	}
	created := obj.CreatedAt

	phase, msg := "code-remote", "exit status 1"
	if err := store.UpsertObject(ctx, &Object{
		RunID: "run-1", Name: "__file/etc/motd", Type: "__file",
		State: ObjectStateFailed, Phase: &phase, Error: &msg,
	}); err != nil {
		t.Fatalf("failed to update object: %v", err)
	}

	got, err := store.GetObject(ctx, "run-1", "__file/etc/motd")
	if err != nil {
		t.Fatalf("failed to get object: %v", err)
	}
	if got.State != ObjectStateFailed {
		t.Errorf("expected state failed, got %s", got.State)
	}
	if got.Phase == nil || *got.Phase != phase {
		t.Errorf("expected phase %s, got %v", phase, got.Phase)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("expected creation time %v to be kept, got %v", created, got.CreatedAt)
	}

	objs, err := store.ListObjectsByRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list objects: %v", err)
	}
	if len(objs) != 1 {
		t.Errorf("expected 1 object, got %d", len(objs))
	}

	if _, err := store.GetObject(ctx, "run-1", "__file/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for a missing object, got %v", err)
	}
}

func TestObjectRequiresRun(t *testing.T) {
	store := setupTestStore(t)

	err := store.UpsertObject(context.Background(), &Object{RunID: "nope", Name: "__a/b", Type: "__a", State: ObjectStatePending})
	if err == nil {
		t.Fatal("expected foreign key violation")
	}
}

func TestJournalRecordsRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ep := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	NewJournal(store).Attach(ep)

	const runID = "6b1f0c39-run"
	mustPublish := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	mustPublish(ep.PublishRunStarted(runID, "web1"))
	mustPublish(ep.PublishObjectCreated(runID, "web1", "__package/nginx"))
	mustPublish(ep.PublishObjectCreated(runID, "web1", "__file/etc/motd"))
	mustPublish(ep.PublishObjectDone(runID, "web1", "__package/nginx"))
	mustPublish(ep.PublishObjectFailed(runID, "web1", "__file/etc/motd", "gencode-local", "exit status 4"))
	mustPublish(ep.PublishRunFailed(runID, "web1", "object __file/etc/motd failed"))
	// not journaled
	mustPublish(ep.Publish(telemetry.Event{Type: telemetry.EventTypeSweep, RunID: runID}))

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != RunStatusFailed || run.Host != "web1" {
		t.Errorf("unexpected run record: %+v", run)
	}

	objs, err := store.ListObjectsByRun(ctx, runID)
	if err != nil {
		t.Fatalf("failed to list objects: %v", err)
	}
	states := map[string]ObjectState{}
	for _, o := range objs {
		states[o.Name] = o.State
	}
	if states["__package/nginx"] != ObjectStateDone {
		t.Errorf("expected __package/nginx done, got %s", states["__package/nginx"])
	}
	if states["__file/etc/motd"] != ObjectStateFailed {
		t.Errorf("expected __file/etc/motd failed, got %s", states["__file/etc/motd"])
	}

	failed, err := store.GetObject(ctx, runID, "__file/etc/motd")
	if err != nil {
		t.Fatalf("failed to get object: %v", err)
	}
	if failed.Type != "__file" || failed.Phase == nil || *failed.Phase != "gencode-local" {
		t.Errorf("unexpected failed object record: %+v", failed)
	}

	id := runID
	events, err := store.GetEvents(ctx, &id, nil, 100, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 6 {
		t.Fatalf("expected 6 events, got %d", len(events))
	}
	if events[0].Type != telemetry.EventTypeRunStarted || events[5].Type != telemetry.EventTypeRunFailed {
		t.Errorf("events out of order: first %s, last %s", events[0].Type, events[5].Type)
	}

	kind := telemetry.EventTypeObjectCreated
	created, err := store.GetEvents(ctx, &id, &kind, 100, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(created) != 2 {
		t.Errorf("expected 2 object.created events, got %d", len(created))
	}
}

func TestJournalAsyncWritesQueuedEventsOnShutdown(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ep := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16})
	NewJournal(store).Attach(ep)

	const runID = "async-run"
	for _, err := range []error{
		ep.PublishRunStarted(runID, "web1"),
		ep.PublishObjectCreated(runID, "web1", "__file/etc/motd"),
		ep.PublishObjectDone(runID, "web1", "__file/etc/motd"),
		ep.PublishRunCompleted(runID, "web1", time.Second),
	} {
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != RunStatusCompleted {
		t.Errorf("expected completed run, got %s", run.Status)
	}
	obj, err := store.GetObject(ctx, runID, "__file/etc/motd")
	if err != nil {
		t.Fatalf("failed to get object: %v", err)
	}
	if obj.State != ObjectStateDone {
		t.Errorf("expected done object, got %s", obj.State)
	}
}
