package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anti-entropy/forgewright/internal/core"
	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
	id                 TEXT PRIMARY KEY,
	repository_id      TEXT NOT NULL DEFAULT '',
	repo_url           TEXT NOT NULL,
	target_branch      TEXT NOT NULL DEFAULT '',
	title              TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	user_input         TEXT NOT NULL DEFAULT '',
	context_files      TEXT NOT NULL DEFAULT '[]',
	build_command      TEXT NOT NULL DEFAULT '',
	agent_type         TEXT NOT NULL DEFAULT '',
	agent_model        TEXT NOT NULL DEFAULT '',
	generated_spec     TEXT NOT NULL DEFAULT '',
	final_spec         TEXT NOT NULL DEFAULT '',
	spec_approved_at   TEXT,
	was_spec_edited    INTEGER NOT NULL DEFAULT 0,
	branch_name        TEXT NOT NULL DEFAULT '',
	pr_url             TEXT NOT NULL DEFAULT '',
	pr_number          INTEGER NOT NULL DEFAULT 0,
	changes_data       TEXT,
	conflict_files     TEXT NOT NULL DEFAULT '[]',
	error              TEXT NOT NULL DEFAULT '',
	plan               TEXT NOT NULL DEFAULT '',
	pending_feedback   TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_repository_id ON tasks(repository_id);

CREATE TABLE IF NOT EXISTS task_logs (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id   TEXT NOT NULL,
	ts        TEXT NOT NULL,
	level     TEXT NOT NULL,
	message   TEXT NOT NULL,
	data      TEXT,
	FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id);

CREATE TABLE IF NOT EXISTS repositories (
	url                TEXT PRIMARY KEY,
	name               TEXT NOT NULL DEFAULT '',
	default_branch     TEXT NOT NULL DEFAULT '',
	detected_stack     TEXT NOT NULL DEFAULT '',
	conventions        TEXT NOT NULL DEFAULT '',
	learned_patterns   TEXT NOT NULL DEFAULT '[]',
	active_tasks_count INTEGER NOT NULL DEFAULT 0
);
`

// taskColumns is the explicit column whitelist used by both row-scan and
// bulk Export/Import, so a schema change can never silently widen what
// round-trips.
var taskColumns = []string{
	"id", "repository_id", "repo_url", "target_branch", "title", "description",
	"user_input", "context_files", "build_command", "agent_type", "agent_model",
	"generated_spec", "final_spec", "spec_approved_at", "was_spec_edited",
	"branch_name", "pr_url", "pr_number", "changes_data", "conflict_files",
	"error", "plan", "pending_feedback", "status", "created_at", "updated_at",
}

// SQLiteStore implements core.TaskStore on top of modernc.org/sqlite (pure
// Go, no cgo). A single write connection and a pooled read-only
// connection mirror the teacher's sqlite state manager's approach to
// SQLite's single-writer constraint.
type SQLiteStore struct {
	db     *sql.DB
	readDB *sql.DB
	mu     sync.Mutex

	maxRetries    int
	baseRetryWait time.Duration
}

// NewSQLiteStore opens (creating if necessary) a task store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening write database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&mode=ro&_pragma=busy_timeout(1000)")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening read database: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{db: db, readDB: readDB, maxRetries: 5, baseRetryWait: 100 * time.Millisecond}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return s, nil
}

// Close closes both connections.
func (s *SQLiteStore) Close() error {
	var errs []error
	if err := s.readDB.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// retryWrite retries fn while the error looks like SQLITE_BUSY, since
// the single write connection can still collide with WAL checkpoints.
func (s *SQLiteStore) retryWrite(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		s.mu.Lock()
		err := fn()
		s.mu.Unlock()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusyErr(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.baseRetryWait * time.Duration(1<<attempt)):
		}
	}
	return lastErr
}

func isBusyErr(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "SQLITE_BUSY") || strings.Contains(err.Error(), "database is locked"))
}

func (s *SQLiteStore) Create(ctx context.Context, t *core.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return s.retryWrite(ctx, func() error {
		_, err := s.db.ExecContext(ctx, insertTaskSQL(), taskInsertArgs(t)...)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") {
				return core.ErrValidation("TASK_ID_DUPLICATE", "a task with this ID already exists")
			}
			return fmt.Errorf("inserting task: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Get(ctx context.Context, id core.TaskID) (*core.Task, error) {
	row := s.readDB.QueryRowContext(ctx, selectTaskSQL()+" WHERE id = ?", string(id))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("task", string(id))
	}
	return t, err
}

func (s *SQLiteStore) Update(ctx context.Context, id core.TaskID, patch func(*core.Task) error) (*core.Task, error) {
	var result *core.Task
	err := s.retryWrite(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, selectTaskSQL()+" WHERE id = ?", string(id))
		t, err := scanTask(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return core.ErrNotFound("task", string(id))
			}
			return err
		}

		if err := patch(t); err != nil {
			return err
		}
		t.Touch()
		if err := t.Validate(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, updateTaskSQL(), taskUpdateArgs(t)...); err != nil {
			return fmt.Errorf("updating task: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		result = t
		return nil
	})
	return result, err
}

func (s *SQLiteStore) Delete(ctx context.Context, id core.TaskID) error {
	return s.retryWrite(ctx, func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", string(id))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return core.ErrNotFound("task", string(id))
		}
		return nil
	})
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, statuses ...core.TaskStatus) ([]*core.Task, error) {
	query := selectTaskSQL()
	var args []interface{}
	if len(statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
		query += " WHERE status IN (" + placeholders + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at ASC"
	return s.queryTasks(ctx, query, args...)
}

func (s *SQLiteStore) ListByRepository(ctx context.Context, repositoryID string) ([]*core.Task, error) {
	return s.queryTasks(ctx, selectTaskSQL()+" WHERE repository_id = ? ORDER BY created_at ASC", repositoryID)
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*core.Task, error) {
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendLog(ctx context.Context, id core.TaskID, entry core.LogEntry) error {
	dataJSON, err := marshalOptional(entry.Data)
	if err != nil {
		return err
	}
	return s.retryWrite(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO task_logs (task_id, ts, level, message, data) VALUES (?, ?, ?, ?, ?)`,
			string(id), entry.Timestamp.UTC().Format(time.RFC3339Nano), entry.Level, entry.Message, dataJSON)
		return err
	})
}

func (s *SQLiteStore) Logs(ctx context.Context, id core.TaskID) ([]core.LogEntry, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT ts, level, message, data FROM task_logs WHERE task_id = ? ORDER BY seq ASC`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.LogEntry
	for rows.Next() {
		var e core.LogEntry
		var ts string
		var data sql.NullString
		if err := rows.Scan(&ts, &e.Level, &e.Message, &data); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if data.Valid && data.String != "" {
			_ = json.Unmarshal([]byte(data.String), &e.Data)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetRepository(ctx context.Context, url string) (*core.Repository, error) {
	row := s.readDB.QueryRowContext(ctx,
		`SELECT url, name, default_branch, detected_stack, conventions, learned_patterns, active_tasks_count FROM repositories WHERE url = ?`, url)
	r, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("repository", url)
	}
	return r, err
}

func (s *SQLiteStore) PutRepository(ctx context.Context, r *core.Repository) error {
	patterns, err := json.Marshal(r.LearnedPatterns)
	if err != nil {
		return err
	}
	return s.retryWrite(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO repositories (url, name, default_branch, detected_stack, conventions, learned_patterns, active_tasks_count)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(url) DO UPDATE SET
				name=excluded.name, default_branch=excluded.default_branch,
				detected_stack=excluded.detected_stack, conventions=excluded.conventions,
				learned_patterns=excluded.learned_patterns, active_tasks_count=excluded.active_tasks_count
		`, r.URL, r.Name, r.DefaultBranch, r.DetectedStack, r.Conventions, string(patterns), r.ActiveTasksCount)
		return err
	})
}

// Export dumps every table under the same column whitelist Create/Update
// use, so Import can round-trip a snapshot without guessing at schema.
func (s *SQLiteStore) Export(ctx context.Context) (*core.StoreSnapshot, error) {
	tasks, err := s.queryTasks(ctx, selectTaskSQL()+" ORDER BY created_at ASC")
	if err != nil {
		return nil, err
	}

	logRows, err := s.readDB.QueryContext(ctx, `SELECT task_id, ts, level, message, data FROM task_logs ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer logRows.Close()
	var logs []core.TaskLogRow
	for logRows.Next() {
		var row core.TaskLogRow
		var ts string
		var data sql.NullString
		if err := logRows.Scan((*string)(&row.TaskID), &ts, &row.Entry.Level, &row.Entry.Message, &data); err != nil {
			return nil, err
		}
		row.Entry.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if data.Valid && data.String != "" {
			_ = json.Unmarshal([]byte(data.String), &row.Entry.Data)
		}
		logs = append(logs, row)
	}

	repoRows, err := s.readDB.QueryContext(ctx,
		`SELECT url, name, default_branch, detected_stack, conventions, learned_patterns, active_tasks_count FROM repositories`)
	if err != nil {
		return nil, err
	}
	defer repoRows.Close()
	var repos []*core.Repository
	for repoRows.Next() {
		r, err := scanRepository(repoRows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}

	return &core.StoreSnapshot{Tasks: tasks, Logs: logs, Repositories: repos}, nil
}

// Import replaces the full contents of all three tables with snap's
// contents, inside a single transaction.
func (s *SQLiteStore) Import(ctx context.Context, snap *core.StoreSnapshot) error {
	return s.retryWrite(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for _, table := range []string{"task_logs", "tasks", "repositories"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return err
			}
		}

		for _, t := range snap.Tasks {
			if _, err := tx.ExecContext(ctx, insertTaskSQL(), taskInsertArgs(t)...); err != nil {
				return fmt.Errorf("importing task %s: %w", t.ID, err)
			}
		}
		for _, row := range snap.Logs {
			dataJSON, err := marshalOptional(row.Entry.Data)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO task_logs (task_id, ts, level, message, data) VALUES (?, ?, ?, ?, ?)`,
				string(row.TaskID), row.Entry.Timestamp.UTC().Format(time.RFC3339Nano), row.Entry.Level, row.Entry.Message, dataJSON,
			); err != nil {
				return fmt.Errorf("importing log row: %w", err)
			}
		}
		for _, r := range snap.Repositories {
			patterns, err := json.Marshal(r.LearnedPatterns)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO repositories (url, name, default_branch, detected_stack, conventions, learned_patterns, active_tasks_count)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, r.URL, r.Name, r.DefaultBranch, r.DetectedStack, r.Conventions, string(patterns), r.ActiveTasksCount); err != nil {
				return fmt.Errorf("importing repository %s: %w", r.URL, err)
			}
		}

		return tx.Commit()
	})
}

func selectTaskSQL() string {
	return "SELECT " + strings.Join(taskColumns, ", ") + " FROM tasks"
}

func insertTaskSQL() string {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(taskColumns)), ",")
	return "INSERT INTO tasks (" + strings.Join(taskColumns, ", ") + ") VALUES (" + placeholders + ")"
}

func updateTaskSQL() string {
	var sets []string
	for _, c := range taskColumns {
		if c == "id" {
			continue
		}
		sets = append(sets, c+" = ?")
	}
	return "UPDATE tasks SET " + strings.Join(sets, ", ") + " WHERE id = ?"
}

// taskInsertArgs orders values to match insertTaskSQL's column list,
// which starts with "id" followed by the rest of taskColumns.
func taskInsertArgs(t *core.Task) []interface{} {
	return append([]interface{}{string(t.ID)}, commonTaskArgs(t)...)
}

// commonTaskArgs returns the values for every column except id, in
// taskColumns order (skipping id).
func commonTaskArgs(t *core.Task) []interface{} {
	contextFiles, _ := json.Marshal(t.ContextFiles)
	conflictFiles, _ := json.Marshal(t.ConflictFiles)
	changesData, _ := marshalOptionalChanges(t.ChangesData)
	var specApprovedAt interface{}
	if t.SpecApprovedAt != nil {
		specApprovedAt = t.SpecApprovedAt.UTC().Format(time.RFC3339Nano)
	}
	return []interface{}{
		t.RepositoryID, t.RepoURL, t.TargetBranch, t.Title, t.Description,
		t.UserInput, string(contextFiles), t.BuildCommand, string(t.AgentType), t.AgentModel,
		t.GeneratedSpec, t.FinalSpec, specApprovedAt, t.WasSpecEdited,
		t.BranchName, t.PRUrl, t.PRNumber, changesData, string(conflictFiles),
		t.Error, t.Plan, t.PendingFeedback, string(t.Status),
		t.CreatedAt.UTC().Format(time.RFC3339Nano), t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func taskUpdateArgs(t *core.Task) []interface{} {
	return append(commonTaskArgs(t), string(t.ID))
}

func marshalOptionalChanges(c *core.ChangesSnapshot) (interface{}, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalOptional(data map[string]interface{}) (interface{}, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*core.Task, error) {
	var t core.Task
	var id, repositoryID, repoURL, targetBranch, title, description, userInput string
	var contextFiles, buildCommand, agentType, agentModel string
	var generatedSpec, finalSpec string
	var specApprovedAt sql.NullString
	var wasSpecEdited bool
	var branchName, prURL string
	var prNumber int
	var changesData sql.NullString
	var conflictFiles string
	var taskErr, plan, pendingFeedback, status string
	var createdAt, updatedAt string

	if err := row.Scan(
		&id, &repositoryID, &repoURL, &targetBranch, &title, &description,
		&userInput, &contextFiles, &buildCommand, &agentType, &agentModel,
		&generatedSpec, &finalSpec, &specApprovedAt, &wasSpecEdited,
		&branchName, &prURL, &prNumber, &changesData, &conflictFiles,
		&taskErr, &plan, &pendingFeedback, &status, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	t.ID = core.TaskID(id)
	t.RepositoryID = repositoryID
	t.RepoURL = repoURL
	t.TargetBranch = targetBranch
	t.Title = title
	t.Description = description
	t.UserInput = userInput
	_ = json.Unmarshal([]byte(contextFiles), &t.ContextFiles)
	t.BuildCommand = buildCommand
	t.AgentType = core.AgentType(agentType)
	t.AgentModel = agentModel
	t.GeneratedSpec = generatedSpec
	t.FinalSpec = finalSpec
	if specApprovedAt.Valid && specApprovedAt.String != "" {
		parsed, err := time.Parse(time.RFC3339Nano, specApprovedAt.String)
		if err == nil {
			t.SpecApprovedAt = &parsed
		}
	}
	t.WasSpecEdited = wasSpecEdited
	t.BranchName = branchName
	t.PRUrl = prURL
	t.PRNumber = prNumber
	if changesData.Valid && changesData.String != "" {
		var snap core.ChangesSnapshot
		if err := json.Unmarshal([]byte(changesData.String), &snap); err == nil {
			t.ChangesData = &snap
		}
	}
	_ = json.Unmarshal([]byte(conflictFiles), &t.ConflictFiles)
	t.Error = taskErr
	t.Plan = plan
	t.PendingFeedback = pendingFeedback
	t.Status = core.TaskStatus(status)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &t, nil
}

func scanRepository(row rowScanner) (*core.Repository, error) {
	var r core.Repository
	var patterns string
	if err := row.Scan(&r.URL, &r.Name, &r.DefaultBranch, &r.DetectedStack, &r.Conventions, &patterns, &r.ActiveTasksCount); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(patterns), &r.LearnedPatterns)
	return &r, nil
}
