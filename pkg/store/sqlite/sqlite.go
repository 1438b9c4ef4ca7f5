// Package sqlite implements store.RunStore on SQLite (modernc.org/sqlite, no
// cgo).
package sqlite

import (
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"github.com/jxucoder/pveprov/pkg/model"
	"github.com/jxucoder/pveprov/pkg/store"
)

// Store manages run persistence in SQLite.
type Store struct {
	db *sql.DB
}

var _ store.RunStore = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "setting WAL mode")
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "setting busy timeout")
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "running migrations")
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			request     TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending',
			vm_name     TEXT NOT NULL DEFAULT '',
			target_node TEXT NOT NULL DEFAULT '',
			iterations  INTEGER NOT NULL DEFAULT 0,
			approved    INTEGER NOT NULL DEFAULT 0,
			question    TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS run_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL,
			type       TEXT NOT NULL,
			data       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		);

		CREATE INDEX IF NOT EXISTS idx_events_run_id
			ON run_events(run_id);

		CREATE TABLE IF NOT EXISTS revisions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL,
			iteration  INTEGER NOT NULL,
			manifest   TEXT NOT NULL DEFAULT '',
			draft      TEXT NOT NULL DEFAULT '',
			feedback   TEXT NOT NULL DEFAULT '',
			terraform  TEXT NOT NULL DEFAULT '',
			valid      INTEGER NOT NULL DEFAULT 0,
			approved   INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		);

		CREATE INDEX IF NOT EXISTS idx_revisions_run_id
			ON revisions(run_id);

		CREATE TABLE IF NOT EXISTS snapshots (
			run_id     TEXT PRIMARY KEY,
			snapshot   TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const runColumns = `id, request, status, vm_name, target_node, iterations,
		        approved, question, error, created_at, updated_at`

// CreateRun inserts a new run.
func (s *Store) CreateRun(run *model.Run) error {
	if run.Status == "" {
		run.Status = model.StatusPending
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (id, request, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Request, run.Status, run.CreatedAt, run.UpdatedAt,
	)
	return errors.Wrapf(err, "inserting run %s", run.ID)
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(id string) (*model.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(store.ErrNotFound, "run %s", id)
	}
	return run, err
}

// ListRuns returns runs ordered by creation time (newest first). A limit of
// zero or less returns all of them.
func (s *Store) ListRuns(limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRun updates mutable fields of a run.
func (s *Store) UpdateRun(run *model.Run) error {
	run.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE runs SET
			status = ?, vm_name = ?, target_node = ?, iterations = ?,
			approved = ?, question = ?, error = ?, updated_at = ?
		 WHERE id = ?`,
		run.Status, run.VMName, run.TargetNode, run.Iterations,
		run.Approved, run.Question, run.Error, run.UpdatedAt, run.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(store.ErrNotFound, "run %s", run.ID)
	}
	return nil
}

// AddEvent inserts a new event and sets its ID.
func (s *Store) AddEvent(event *model.Event) error {
	result, err := s.db.Exec(
		`INSERT INTO run_events (run_id, type, data, created_at)
		 VALUES (?, ?, ?, ?)`,
		event.RunID, event.Type, event.Data, event.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = id
	return nil
}

// GetEvents returns events for a run, optionally after a given event ID.
func (s *Store) GetEvents(runID string, afterID int64) ([]*model.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, type, data, created_at
		 FROM run_events
		 WHERE run_id = ? AND id > ?
		 ORDER BY id ASC`,
		runID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e := &model.Event{}
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// AddRevision stores one manifest revision and sets its ID.
func (s *Store) AddRevision(rev *model.Revision) error {
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.Exec(
		`INSERT INTO revisions (run_id, iteration, manifest, draft, feedback, terraform, valid, approved, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rev.RunID, rev.Iteration, string(rev.Manifest), rev.Draft, rev.Feedback, rev.Terraform,
		rev.Valid, rev.Approved, rev.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	rev.ID = id
	return nil
}

const revisionColumns = `id, run_id, iteration, manifest, draft, feedback, terraform, valid, approved, created_at`

// GetRevisions returns every revision of a run in iteration order.
func (s *Store) GetRevisions(runID string) ([]*model.Revision, error) {
	rows, err := s.db.Query(
		`SELECT `+revisionColumns+` FROM revisions WHERE run_id = ? ORDER BY id ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var revs []*model.Revision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		revs = append(revs, rev)
	}
	return revs, rows.Err()
}

// LatestRevision returns the most recent revision of a run.
func (s *Store) LatestRevision(runID string) (*model.Revision, error) {
	row := s.db.QueryRow(
		`SELECT `+revisionColumns+` FROM revisions WHERE run_id = ? ORDER BY id DESC LIMIT 1`, runID,
	)
	rev, err := scanRevision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(store.ErrNotFound, "revision for run %s", runID)
	}
	return rev, err
}

// SaveSnapshot stores (or replaces) the snapshot for a run.
func (s *Store) SaveSnapshot(rec *model.SnapshotRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO snapshots (run_id, snapshot, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET snapshot = excluded.snapshot, created_at = excluded.created_at`,
		rec.RunID, string(rec.Snapshot), rec.CreatedAt,
	)
	return err
}

// GetSnapshot returns the snapshot stored for a run.
func (s *Store) GetSnapshot(runID string) (*model.SnapshotRecord, error) {
	rec := &model.SnapshotRecord{}
	var raw string
	err := s.db.QueryRow(
		`SELECT run_id, snapshot, created_at FROM snapshots WHERE run_id = ?`, runID,
	).Scan(&rec.RunID, &raw, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(store.ErrNotFound, "snapshot for run %s", runID)
	}
	if err != nil {
		return nil, err
	}
	rec.Snapshot = []byte(raw)
	return rec, nil
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	run := &model.Run{}
	err := row.Scan(
		&run.ID, &run.Request, &run.Status, &run.VMName, &run.TargetNode,
		&run.Iterations, &run.Approved, &run.Question, &run.Error,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func scanRevision(row scannable) (*model.Revision, error) {
	rev := &model.Revision{}
	var manifest string
	err := row.Scan(
		&rev.ID, &rev.RunID, &rev.Iteration, &manifest, &rev.Draft, &rev.Feedback,
		&rev.Terraform, &rev.Valid, &rev.Approved, &rev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if manifest != "" {
		rev.Manifest = []byte(manifest)
	}
	return rev, nil
}
