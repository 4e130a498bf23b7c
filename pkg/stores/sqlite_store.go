package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ Store = (*SQLiteStore)(nil)

// ErrNotFound is wrapped by lookups of runs and objects that do not exist.
var ErrNotFound = errors.New("not found")

type scanner interface{ Scan(...any) error }

// queryAll runs query and scans every row with scan.
func queryAll[T any](ctx context.Context, db *sql.DB, scan func(scanner) (*T, error), query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// execOne runs a statement that must change exactly one run.
func (s *SQLiteStore) execOne(ctx context.Context, id, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// SQLiteStore is the Store behind the --journal flag.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config configures a SQLiteStore. Path is a file name, a file: URI or
// :memory:. Zero pool settings take defaults.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c Config) withDefaults() Config {
	// every connection to :memory: opens its own database
	if isMemory(c.Path) {
		c.MaxOpenConns, c.MaxIdleConns, c.ConnMaxLifetime = 1, 1, 0
		return c
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 4
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	return c
}

// NewSQLiteStore returns a store for cfg. Init opens the database.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("journal path is required")
	}
	return &SQLiteStore{cfg: cfg.withDefaults()}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// dsn adds the connection pragmas in modernc.org/sqlite syntax.
func (s *SQLiteStore) dsn() string {
	pragmas := []string{"foreign_keys(1)", "busy_timeout(5000)"}
	if !isMemory(s.cfg.Path) {
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}
	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	return s.cfg.Path + sep + "_pragma=" + strings.Join(pragmas, "&_pragma=")
}

// Init opens the connection pool and checks that the database answers.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("open journal %s: %w", s.cfg.Path, err)
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("open journal %s: %w", s.cfg.Path, err)
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

var errNotInitialized = errors.New("journal not initialized")

// Migrate brings the schema up to the newest embedded migration.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// CreateRun inserts run. Timestamps are stored in UTC so that they sort
// as text.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	now := time.Now().UTC()
	run.StartedAt = run.StartedAt.UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Host, run.Status, run.StartedAt, run.CompletedAt, run.Error, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

const runColumns = `id, host, status, started_at, completed_at, error, created_at, updated_at`

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Host,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// UpdateRunStatus updates the status of a run
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now().UTC()
	var completedAt *time.Time
	if status == RunStatusCompleted || status == RunStatusFailed {
		completedAt = &now
	}

	if err := s.execOne(ctx, id, query, status, errMsg, completedAt, now, id); err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}

// ListRuns lists runs newest first, optionally for one host
func (s *SQLiteStore) ListRuns(ctx context.Context, host *string, limit, offset int) ([]*Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE (? IS NULL OR host = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	runs, err := queryAll(ctx, s.db, scanRun, query, host, host, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// DeleteRun deletes a run with its objects and events
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	if err := s.execOne(ctx, id, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}

// PruneRuns deletes the runs that started before cutoff, with their
// objects and events, and returns how many were deleted.
func (s *SQLiteStore) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return result.RowsAffected()
}

// UpsertObject inserts an object record or updates its state, phase and
// error. The creation time of an existing record is kept.
func (s *SQLiteStore) UpsertObject(ctx context.Context, obj *Object) error {
	now := time.Now().UTC()
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = now
	}
	obj.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO objects (`+objectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, name) DO UPDATE SET
			state = excluded.state,
			phase = excluded.phase,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		obj.RunID, obj.Name, obj.Type, obj.State, obj.Phase, obj.Error, obj.CreatedAt, obj.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert object %s: %w", obj.Name, err)
	}
	return nil
}

const objectColumns = `run_id, name, type, state, phase, error, created_at, updated_at`

func scanObject(row scanner) (*Object, error) {
	obj := &Object{}
	err := row.Scan(
		&obj.RunID,
		&obj.Name,
		&obj.Type,
		&obj.State,
		&obj.Phase,
		&obj.Error,
		&obj.CreatedAt,
		&obj.UpdatedAt,
	)
	return obj, err
}

// GetObject retrieves an object of a run by name
func (s *SQLiteStore) GetObject(ctx context.Context, runID, name string) (*Object, error) {
	query := `SELECT ` + objectColumns + ` FROM objects WHERE run_id = ? AND name = ?`

	obj, err := scanObject(s.db.QueryRowContext(ctx, query, runID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("object %s of run %s: %w", name, runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}

	return obj, nil
}

// ListObjectsByRun lists the objects of a run by name
func (s *SQLiteStore) ListObjectsByRun(ctx context.Context, runID string) ([]*Object, error) {
	query := `SELECT ` + objectColumns + ` FROM objects WHERE run_id = ? ORDER BY name`

	objs, err := queryAll(ctx, s.db, scanObject, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	return objs, nil
}

// AppendEvent stores event and sets its sequence number.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, run_id, type, object, phase, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.RunID, event.Type, event.Object, event.Phase, event.Level, event.Message, event.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append event %s: %w", event.Type, err)
	}
	if event.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("append event %s: %w", event.Type, err)
	}
	return nil
}

// GetEvents retrieves events in publishing order with optional filters
// and pagination
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, eventType *string, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, event_id, run_id, type, object, phase, level, message, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR type = ?)
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	events, err := queryAll(ctx, s.db, scanEvent, query, runID, runID, eventType, eventType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	return events, nil
}

func scanEvent(row scanner) (*Event, error) {
	ev := &Event{}
	err := row.Scan(&ev.ID, &ev.EventID, &ev.RunID, &ev.Type, &ev.Object, &ev.Phase, &ev.Level, &ev.Message, &ev.Timestamp)
	return ev, err
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}
	return s.db.PingContext(ctx)
}
