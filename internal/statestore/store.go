package statestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loopwork/taskmill/internal/domain"
	_ "modernc.org/sqlite"
)

const busyRetries = 5

// Store provides SQLite-backed run persistence. It is the single
// authoritative record of run state; every status transition goes through
// Update so that a crash at any point leaves a consistent snapshot.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dbPath and runs migrations.
// Transactions take the write lock up front so concurrent updaters queue on
// the busy timeout instead of deadlocking on lock upgrades.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Create persists a new run. Creating an ID that already exists is a no-op;
// the stored run is returned either way.
func (s *Store) Create(run *domain.WorkflowRun) (*domain.WorkflowRun, error) {
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := insertRun(tx, run)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil // already exists, Load below returns the stored copy
		}
		for _, task := range run.Tasks {
			if err := upsertTask(tx, run.ID, task); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Load(run.ID)
}

// Load retrieves a run with its tasks and checkpoints. Returns
// *domain.NotFoundError if no run has the given ID.
func (s *Store) Load(runID string) (*domain.WorkflowRun, error) {
	var run *domain.WorkflowRun
	err := s.withTx(func(tx *sql.Tx) error {
		var err error
		run, err = loadRun(tx, runID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Update loads the run, applies mutate, and writes the result back in one
// transaction. The stored updated_at is always strictly greater than the
// previous value, even when the wall clock stalls or steps backwards.
func (s *Store) Update(runID string, mutate func(*domain.WorkflowRun) error) (*domain.WorkflowRun, error) {
	var run *domain.WorkflowRun
	err := s.withTx(func(tx *sql.Tx) error {
		r, err := loadRun(tx, runID)
		if err != nil {
			return err
		}
		prev := r.UpdatedAt
		if err := mutate(r); err != nil {
			return err
		}
		now := time.Now().UTC()
		if !now.After(prev) {
			now = prev.Add(time.Nanosecond)
		}
		r.UpdatedAt = now

		if err := saveRun(tx, r); err != nil {
			return err
		}
		for _, task := range r.Tasks {
			if err := upsertTask(tx, r.ID, task); err != nil {
				return err
			}
		}
		run = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// AppendCheckpoint adds a checkpoint to the run's audit trail. Checkpoints
// are append-only; existing rows are never touched.
func (s *Store) AppendCheckpoint(runID string, cp domain.Checkpoint) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := loadRunRow(tx, runID); err != nil {
			return err
		}
		var seq int
		if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM checkpoints WHERE run_id = ?`, runID).Scan(&seq); err != nil {
			return err
		}
		artifacts, err := json.Marshal(cp.Artifacts)
		if err != nil {
			return err
		}
		meta, err := json.Marshal(orEmptyMap(cp.Metadata))
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO checkpoints (run_id, seq, timestamp, step, artifacts, next_action, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, runID, seq+1, cp.Timestamp.UTC().Format(time.RFC3339Nano), cp.Step, string(artifacts), cp.NextAction, string(meta))
		return err
	})
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	Status   domain.RunStatus
	IDPrefix string
}

// List returns runs matching the given options, newest first.
func (s *Store) List(opts ListOptions) ([]*domain.WorkflowRun, error) {
	query := `SELECT id FROM runs WHERE 1=1`
	var args []interface{}

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.IDPrefix != "" {
		query += " AND id LIKE ?"
		args = append(args, opts.IDPrefix+"%")
	}
	query += " ORDER BY updated_at DESC"

	var ids []string
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	runs := make([]*domain.WorkflowRun, 0, len(ids))
	for _, id := range ids {
		run, err := s.Load(id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// FindBySecondaryKey returns the most recently updated run whose metadata has
// the given key/value pair, or (nil, nil) when no run matches.
func (s *Store) FindBySecondaryKey(key, value string) (*domain.WorkflowRun, error) {
	var id string
	err := s.withTx(func(tx *sql.Tx) error {
		return tx.QueryRow(`
			SELECT id FROM runs
			WHERE json_extract(metadata, '$.' || ?) = ?
			ORDER BY updated_at DESC LIMIT 1
		`, key, value).Scan(&id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.Load(id)
}

// FindByWorkspace returns the run owning the named workspace, or (nil, nil).
func (s *Store) FindByWorkspace(name string) (*domain.WorkflowRun, error) {
	var id string
	err := s.withTx(func(tx *sql.Tx) error {
		return tx.QueryRow(`
			SELECT id FROM runs WHERE workspace_name = ?
			ORDER BY updated_at DESC LIMIT 1
		`, name).Scan(&id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.Load(id)
}

// LastUpdate reports when the run owning the named workspace last changed.
// The second return is false when no run references the workspace.
func (s *Store) LastUpdate(workspaceName string) (time.Time, bool, error) {
	var raw string
	err := s.withTx(func(tx *sql.Tx) error {
		return tx.QueryRow(`
			SELECT updated_at FROM runs WHERE workspace_name = ?
			ORDER BY updated_at DESC LIMIT 1
		`, workspaceName).Scan(&raw)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := parseTime(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// Delete removes a run and, via foreign keys, its tasks and checkpoints.
func (s *Store) Delete(runID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, runID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &domain.NotFoundError{Kind: "run", ID: runID}
		}
		return nil
	})
}

// withTx runs fn in a transaction, retrying on lock contention. Contention
// that outlasts the retries surfaces as *domain.TransientInfraError.
func (s *Store) withTx(fn func(*sql.Tx) error) error {
	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 10 * time.Millisecond)
		}
		err = s.tryTx(fn)
		if err == nil || !isBusy(err) {
			return err
		}
	}
	return &domain.TransientInfraError{Op: "statestore transaction", Err: err}
}

func (s *Store) tryTx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func insertRun(tx *sql.Tx, run *domain.WorkflowRun) (sql.Result, error) {
	meta, err := json.Marshal(orEmptyMap(run.Metadata))
	if err != nil {
		return nil, err
	}
	wsName, wsPath, wsBase, wsCreated := workspaceColumns(run.Workspace)
	return tx.Exec(`
		INSERT INTO runs (id, status, workspace_name, workspace_path, workspace_base_ref, workspace_created_at, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		string(run.Status),
		wsName, wsPath, wsBase, wsCreated,
		string(meta),
		run.CreatedAt.UTC().Format(time.RFC3339Nano),
		run.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
}

func saveRun(tx *sql.Tx, run *domain.WorkflowRun) error {
	meta, err := json.Marshal(orEmptyMap(run.Metadata))
	if err != nil {
		return err
	}
	wsName, wsPath, wsBase, wsCreated := workspaceColumns(run.Workspace)
	_, err = tx.Exec(`
		UPDATE runs SET status = ?, workspace_name = ?, workspace_path = ?, workspace_base_ref = ?, workspace_created_at = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`,
		string(run.Status),
		wsName, wsPath, wsBase, wsCreated,
		string(meta),
		run.UpdatedAt.UTC().Format(time.RFC3339Nano),
		run.ID,
	)
	return err
}

func upsertTask(tx *sql.Tx, runID string, task *domain.TaskState) error {
	deps, err := json.Marshal(task.DependsOn)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO tasks (run_id, name, depends_on, status, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, name) DO UPDATE SET
			depends_on = excluded.depends_on,
			status = excluded.status,
			retry_count = excluded.retry_count,
			last_error = excluded.last_error
	`, runID, task.Name, string(deps), string(task.Status), task.RetryCount, task.LastError)
	return err
}

func loadRunRow(tx *sql.Tx, runID string) (*domain.WorkflowRun, error) {
	row := tx.QueryRow(`
		SELECT id, status, workspace_name, workspace_path, workspace_base_ref, workspace_created_at, metadata, created_at, updated_at
		FROM runs WHERE id = ?
	`, runID)

	var run domain.WorkflowRun
	var status, metaJSON, createdAt, updatedAt string
	var wsName, wsPath, wsBase, wsCreated sql.NullString

	err := row.Scan(&run.ID, &status, &wsName, &wsPath, &wsBase, &wsCreated, &metaJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "run", ID: runID}
	}
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	if err := json.Unmarshal([]byte(metaJSON), &run.Metadata); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if run.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if wsName.Valid && wsName.String != "" {
		ref := &domain.WorkspaceRef{Name: wsName.String, Path: wsPath.String, BaseRef: wsBase.String}
		if wsCreated.Valid && wsCreated.String != "" {
			if ref.CreatedAt, err = parseTime(wsCreated.String); err != nil {
				return nil, err
			}
		}
		run.Workspace = ref
	}
	return &run, nil
}

func loadRun(tx *sql.Tx, runID string) (*domain.WorkflowRun, error) {
	run, err := loadRunRow(tx, runID)
	if err != nil {
		return nil, err
	}

	run.Tasks = make(map[string]*domain.TaskState)
	rows, err := tx.Query(`
		SELECT name, depends_on, status, retry_count, last_error
		FROM tasks WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var task domain.TaskState
		var depsJSON, status string
		var lastError sql.NullString
		if err := rows.Scan(&task.Name, &depsJSON, &status, &task.RetryCount, &lastError); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(depsJSON), &task.DependsOn); err != nil {
			return nil, err
		}
		task.Status = domain.TaskStatus(status)
		task.LastError = lastError.String
		run.Tasks[task.Name] = &task
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cpRows, err := tx.Query(`
		SELECT timestamp, step, artifacts, next_action, metadata
		FROM checkpoints WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, err
	}
	defer cpRows.Close()
	for cpRows.Next() {
		var cp domain.Checkpoint
		var ts, artifactsJSON, metaJSON string
		var nextAction sql.NullString
		if err := cpRows.Scan(&ts, &cp.Step, &artifactsJSON, &nextAction, &metaJSON); err != nil {
			return nil, err
		}
		if cp.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(artifactsJSON), &cp.Artifacts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metaJSON), &cp.Metadata); err != nil {
			return nil, err
		}
		cp.NextAction = nextAction.String
		run.Checkpoints = append(run.Checkpoints, cp)
	}
	return run, cpRows.Err()
}

func workspaceColumns(ws *domain.WorkspaceRef) (name, path, base, created interface{}) {
	if ws == nil {
		return nil, nil, nil, nil
	}
	return ws.Name, ws.Path, ws.BaseRef, ws.CreatedAt.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
