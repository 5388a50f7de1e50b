package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"shotline/internal/db"
	"shotline/internal/domain"
)

// Repo runs queries against q, which is either a *sql.DB or an open
// transaction. Callers that need several writes to commit together build a
// tx-scoped Repo with New(tx).
type Repo struct {
	q db.DBTX
}

func New(q db.DBTX) Repo { return Repo{q: q} }

var ErrNotFound = errors.New("not found")

// modernc.org/sqlite reports constraint violations by message; the corpus
// never imports the driver's error types, so neither do we.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// ---- projects ----

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO projects(id,name,production_type,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, p.ProductionType, p.Status, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("project %q: %w", p.Name, domain.ErrEntryExists)
	}
	return err
}

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.ProductionType, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.q.QueryRowContext(ctx, `SELECT id,name,production_type,status,created_at,updated_at FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectByName(ctx context.Context, name string) (domain.Project, error) {
	return scanProject(r.q.QueryRowContext(ctx, `SELECT id,name,production_type,status,created_at,updated_at FROM projects WHERE name=?`, name))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id,name,production_type,status,created_at,updated_at FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.ProductionType, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectStatus(ctx context.Context, id string, status domain.ProjectStatus, updatedAt string) error {
	res, err := r.q.ExecContext(ctx, `UPDATE projects SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- entities ----

func (r Repo) InsertEntity(ctx context.Context, e domain.Entity) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `INSERT INTO entities(id,project_id,kind,parent_id,name,metadata_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.ProjectID, e.Kind, nullableStringPtr(e.ParentID), e.Name, string(meta), e.CreatedAt, e.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s %q: %w", e.Kind, e.Name, domain.ErrEntryExists)
	}
	return err
}

func scanEntityRow(scan func(dest ...any) error) (domain.Entity, error) {
	var e domain.Entity
	var parentID sql.NullString
	var meta string
	if err := scan(&e.ID, &e.ProjectID, &e.Kind, &parentID, &e.Name, &meta, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return e, err
	}
	if parentID.Valid {
		e.ParentID = &parentID.String
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return e, fmt.Errorf("entity %s metadata: %w", e.ID, err)
		}
	}
	return e, nil
}

const entityCols = `id,project_id,kind,parent_id,name,metadata_json,created_at,updated_at`

func (r Repo) GetEntity(ctx context.Context, id string) (domain.Entity, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+entityCols+` FROM entities WHERE id=?`, id)
	e, err := scanEntityRow(row.Scan)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

type EntityFilters struct {
	ProjectID string
	Kind      domain.EntityKind
	ParentID  string
	Name      string
}

func (r Repo) ListEntities(ctx context.Context, f EntityFilters) ([]domain.Entity, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.Name != "" {
		clauses = append(clauses, "name=?")
		args = append(args, f.Name)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.q.QueryContext(ctx, `SELECT `+entityCols+` FROM entities `+where+` ORDER BY kind, name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		e, err := scanEntityRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ---- task types ----

func (r Repo) InsertTaskType(ctx context.Context, tt domain.TaskType) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO task_types(id,name,department,priority,working_template,output_template,created_at) VALUES (?,?,?,?,?,?,?)`,
		tt.ID, tt.Name, tt.Department, tt.Priority, tt.WorkingTemplate, tt.OutputTemplate, tt.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("task type %q: %w", tt.Name, domain.ErrEntryExists)
	}
	return err
}

func scanTaskType(row *sql.Row) (domain.TaskType, error) {
	var tt domain.TaskType
	err := row.Scan(&tt.ID, &tt.Name, &tt.Department, &tt.Priority, &tt.WorkingTemplate, &tt.OutputTemplate, &tt.CreatedAt)
	if err == sql.ErrNoRows {
		return tt, ErrNotFound
	}
	return tt, err
}

const taskTypeCols = `id,name,department,priority,working_template,output_template,created_at`

func (r Repo) GetTaskType(ctx context.Context, id string) (domain.TaskType, error) {
	return scanTaskType(r.q.QueryRowContext(ctx, `SELECT `+taskTypeCols+` FROM task_types WHERE id=?`, id))
}

func (r Repo) GetTaskTypeByName(ctx context.Context, name string) (domain.TaskType, error) {
	return scanTaskType(r.q.QueryRowContext(ctx, `SELECT `+taskTypeCols+` FROM task_types WHERE name=?`, name))
}

func (r Repo) ListTaskTypes(ctx context.Context) ([]domain.TaskType, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+taskTypeCols+` FROM task_types ORDER BY priority, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskType
	for rows.Next() {
		var tt domain.TaskType
		if err := rows.Scan(&tt.ID, &tt.Name, &tt.Department, &tt.Priority, &tt.WorkingTemplate, &tt.OutputTemplate, &tt.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, tt)
	}
	return res, rows.Err()
}

// ---- tasks ----

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO tasks(id,project_id,entity_id,task_type_id,name,status,revision,estimate_minutes,duration_minutes,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.EntityID, t.TaskTypeID, t.Name, t.Status, t.Revision,
		nullableIntPtr(t.EstimateMinutes), nullableIntPtr(t.DurationMinutes), t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("task %q: %w", t.Name, domain.ErrEntryExists)
	}
	if err != nil {
		return err
	}
	return r.ReplaceAssignees(ctx, t.ID, t.Assignees, t.CreatedAt)
}

const taskCols = `id,project_id,entity_id,task_type_id,name,status,revision,estimate_minutes,duration_minutes,created_at,updated_at`

func scanTaskRow(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var estimate, duration sql.NullInt64
	if err := scan(&t.ID, &t.ProjectID, &t.EntityID, &t.TaskTypeID, &t.Name, &t.Status, &t.Revision, &estimate, &duration, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return t, err
	}
	if estimate.Valid {
		v := int(estimate.Int64)
		t.EstimateMinutes = &v
	}
	if duration.Valid {
		v := int(duration.Int64)
		t.DurationMinutes = &v
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	t, err := scanTaskRow(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Assignees, err = r.listAssignees(ctx, id)
	return t, err
}

// UpdateTaskWorkflow applies the workflow fields of a transition guarded by
// the status and revision the caller observed. It reports false when the
// guard matched no row, meaning another writer got there first.
func (r Repo) UpdateTaskWorkflow(ctx context.Context, t domain.Task, fromStatus domain.TaskStatus, fromRevision int) (bool, error) {
	res, err := r.q.ExecContext(ctx, `UPDATE tasks SET status=?, revision=?, duration_minutes=?, updated_at=? WHERE id=? AND status=? AND revision=?`,
		t.Status, t.Revision, nullableIntPtr(t.DurationMinutes), t.UpdatedAt, t.ID, fromStatus, fromRevision)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ReplaceAssignees swaps the full assignee set of a task.
func (r Repo) ReplaceAssignees(ctx context.Context, taskID string, assignees []string, now string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM task_assignees WHERE task_id=?`, taskID); err != nil {
		return err
	}
	for _, a := range assignees {
		if a == "" {
			continue
		}
		if _, err := r.q.ExecContext(ctx, `INSERT INTO task_assignees(task_id,assignee,created_at) VALUES (?,?,?)`, taskID, a, now); err != nil {
			return err
		}
	}
	return nil
}

// TouchTask bumps updated_at without going through the workflow guard.
func (r Repo) TouchTask(ctx context.Context, taskID string, updatedAt string) error {
	res, err := r.q.ExecContext(ctx, `UPDATE tasks SET updated_at=? WHERE id=?`, updatedAt, taskID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

func (r Repo) listAssignees(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT assignee FROM task_assignees WHERE task_id=? ORDER BY assignee`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

type TaskFilters struct {
	ProjectID  string
	EntityID   string
	TaskTypeID string
	Status     domain.TaskStatus
	Assignee   string
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.TaskTypeID != "" {
		clauses = append(clauses, "task_type_id=?")
		args = append(args, f.TaskTypeID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM task_assignees a WHERE a.task_id=tasks.id AND a.assignee=?)")
		args = append(args, f.Assignee)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskCols + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Assignees, err = r.listAssignees(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// CountTasksByStatus groups an entity's tasks by workflow status. The
// engine derives rollups from this inside the transition transaction.
func (r Repo) CountTasksByStatus(ctx context.Context, entityID string) (map[domain.TaskStatus]int, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE entity_id=? GROUP BY status`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var s domain.TaskStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		res[s] = n
	}
	return res, rows.Err()
}

// CountProjectTasksByStatus is the project-wide variant, backing the
// status overview.
func (r Repo) CountProjectTasksByStatus(ctx context.Context, projectID string) (map[domain.TaskStatus]int, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var s domain.TaskStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		res[s] = n
	}
	return res, rows.Err()
}

// ---- comments ----

func (r Repo) InsertComment(ctx context.Context, c domain.Comment) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO comments(id,task_id,author,body,old_status,new_status,created_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.TaskID, c.Author, c.Text, c.OldStatus, c.NewStatus, c.CreatedAt)
	return err
}

func (r Repo) ListComments(ctx context.Context, taskID string) ([]domain.Comment, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id,task_id,author,body,old_status,new_status,created_at FROM comments WHERE task_id=? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Author, &c.Text, &c.OldStatus, &c.NewStatus, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
