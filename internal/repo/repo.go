package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/clawdbotmilo/milo-command-center-sub001/internal/domain"
)

// Repo is the project store. Each call is atomic on its own; there is no cross-call
// transaction, and ReplaceOrchestrationState is last-writer-wins.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

func (r Repo) Exists(ctx context.Context, name string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE name=?`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// InsertProject adds a new project row. The conflict clause makes the duplicate
// check race-free: a concurrent insert of the same name surfaces as ErrExists
// instead of a raw constraint error.
func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO projects(name,status,plan_text,created_at,updated_at) VALUES (?,?,?,?,?)
		ON CONFLICT(name) DO NOTHING`,
		p.Name, p.Status, p.PlanText, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("project %s: %w", p.Name, ErrExists)
	}
	return nil
}

// GetProject loads a project with its orchestration state, if any task rows exist.
func (r Repo) GetProject(ctx context.Context, name string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx,
		`SELECT name,status,plan_text,created_at,updated_at FROM projects WHERE name=?`, name).
		Scan(&p.Name, &p.Status, &p.PlanText, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	state, err := r.loadState(ctx, name, p.UpdatedAt)
	if err != nil {
		return p, err
	}
	p.State = state
	return p, nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT name,status,plan_text,created_at,updated_at FROM projects ORDER BY created_at, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.Name, &p.Status, &p.PlanText, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		state, err := r.loadState(ctx, res[i].Name, res[i].UpdatedAt)
		if err != nil {
			return nil, err
		}
		res[i].State = state
	}
	return res, nil
}

func (r Repo) UpdateStatus(ctx context.Context, tx *sql.Tx, name, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, updated_at=? WHERE name=?`, status, updatedAt, name)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdatePlanText(ctx context.Context, tx *sql.Tx, name, text, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET plan_text=?, updated_at=? WHERE name=?`, text, updatedAt, name)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceOrchestrationState rewrites the task rows for a project in one shot. The
// state passed in becomes the authoritative record; any concurrent writer loses.
func (r Repo) ReplaceOrchestrationState(ctx context.Context, tx *sql.Tx, name string, state *domain.OrchestrationState) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE project=?`, name); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}
	if state == nil {
		return nil
	}
	for _, id := range state.Order {
		t, ok := state.Tasks[id]
		if !ok {
			return fmt.Errorf("state order references unknown task %s", id)
		}
		deps, err := marshalStrings(t.DependsOn)
		if err != nil {
			return err
		}
		files, err := marshalStrings(t.TargetFiles)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tasks(project,id,position,name,description,model,status,depends_on,target_files,completion_criteria,attempts,started_at,completed_at,session_key,error)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			name, t.ID, t.Position, t.Name, t.Description, t.Model, t.Status, deps, files,
			t.CompletionCriteria, t.Attempts, t.StartedAt, t.CompletedAt, t.SessionKey, t.ErrorDetail); err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET updated_at=? WHERE name=?`, state.Updated, name); err != nil {
		return err
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, tx *sql.Tx, name string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE name=?`, name)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE project=?`, name)
	return err
}

// CountRunning returns the number of running tasks across all projects. This is the
// admission controller's only input and is advisory: it can change between the count
// and any subsequent dispatch.
func (r Repo) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status=?`, domain.TaskRunning).Scan(&n)
	return n, err
}

func (r Repo) loadState(ctx context.Context, name, updated string) (*domain.OrchestrationState, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,position,name,description,model,status,depends_on,target_files,completion_criteria,attempts,started_at,completed_at,session_key,error
		 FROM tasks WHERE project=? ORDER BY position`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	state := &domain.OrchestrationState{Tasks: map[string]*domain.Task{}, Updated: updated}
	for rows.Next() {
		var t domain.Task
		var deps, files string
		if err := rows.Scan(&t.ID, &t.Position, &t.Name, &t.Description, &t.Model, &t.Status,
			&deps, &files, &t.CompletionCriteria, &t.Attempts,
			&t.StartedAt, &t.CompletedAt, &t.SessionKey, &t.ErrorDetail); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("task %s depends_on: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(files), &t.TargetFiles); err != nil {
			return nil, fmt.Errorf("task %s target_files: %w", t.ID, err)
		}
		state.Tasks[t.ID] = &t
		state.Order = append(state.Order, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(state.Order) == 0 {
		return nil, nil
	}
	state.RebuildQueue()
	return state, nil
}

// AuditEvent is one row of the durable event log.
type AuditEvent struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	Project  string         `json:"project,omitempty"`
	EntityID string         `json:"entity_id,omitempty"`
	Actor    string         `json:"actor,omitempty"`
	Payload  map[string]any `json:"payload"`
}

// ListAuditEvents returns the newest audit rows, most recent first.
func (r Repo) ListAuditEvents(ctx context.Context, project string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,COALESCE(project,''),COALESCE(entity_id,''),COALESCE(actor,''),payload_json FROM events`
	args := []any{}
	if project != "" {
		query += ` WHERE project=?`
		args = append(args, project)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Project, &e.EntityID, &e.Actor, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalStrings(in []string) (string, error) {
	if in == nil {
		in = []string{}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
