package repo_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"shotline/internal/db"
	"shotline/internal/domain"
	"shotline/internal/migrate"
	"shotline/internal/repo"
)

const ts = "2026-03-01T00:00:00Z"

type repoEnv struct {
	Conn *sql.DB
	Repo repo.Repo
	Ctx  context.Context
}

func newRepoEnv(t *testing.T) repoEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	return repoEnv{Conn: conn, Repo: repo.New(conn), Ctx: ctx}
}

// seedTask inserts one project, shot, task type, and task so file and
// workflow methods have valid foreign keys to point at.
func seedTask(t *testing.T, env repoEnv) domain.Task {
	t.Helper()
	r := env.Repo
	require.NoError(t, r.InsertProject(env.Ctx, domain.Project{ID: "proj-1", Name: "sw", Status: domain.ProjectOpen, CreatedAt: ts, UpdatedAt: ts}))
	require.NoError(t, r.InsertEntity(env.Ctx, domain.Entity{ID: "ent-1", ProjectID: "proj-1", Kind: domain.KindShot, Name: "SH01", CreatedAt: ts, UpdatedAt: ts}))
	require.NoError(t, r.InsertTaskType(env.Ctx, domain.TaskType{ID: "tt-1", Name: "anim", Department: "shots", Priority: 6, CreatedAt: ts}))
	task := domain.Task{
		ID: "task-1", ProjectID: "proj-1", EntityID: "ent-1", TaskTypeID: "tt-1",
		Name: "anim", Status: domain.StatusTodo, Revision: 1, CreatedAt: ts, UpdatedAt: ts,
	}
	require.NoError(t, r.InsertTask(env.Ctx, task))
	return task
}

func TestProjectRoundTrip(t *testing.T) {
	env := newRepoEnv(t)
	r := env.Repo
	p := domain.Project{ID: "proj-1", Name: "sw", ProductionType: "feature", Status: domain.ProjectOpen, CreatedAt: ts, UpdatedAt: ts}
	require.NoError(t, r.InsertProject(env.Ctx, p))

	got, err := r.GetProject(env.Ctx, "proj-1")
	require.NoError(t, err)
	require.Equal(t, p, got)

	got, err = r.GetProjectByName(env.Ctx, "sw")
	require.NoError(t, err)
	require.Equal(t, "proj-1", got.ID)

	_, err = r.GetProject(env.Ctx, "proj-missing")
	require.ErrorIs(t, err, repo.ErrNotFound)

	err = r.InsertProject(env.Ctx, domain.Project{ID: "proj-2", Name: "sw", Status: domain.ProjectOpen, CreatedAt: ts, UpdatedAt: ts})
	require.ErrorIs(t, err, domain.ErrEntryExists)

	err = r.UpdateProjectStatus(env.Ctx, "proj-missing", domain.ProjectClosed, ts)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestEntityFiltersAndMetadata(t *testing.T) {
	env := newRepoEnv(t)
	r := env.Repo
	require.NoError(t, r.InsertProject(env.Ctx, domain.Project{ID: "proj-1", Name: "sw", Status: domain.ProjectOpen, CreatedAt: ts, UpdatedAt: ts}))
	require.NoError(t, r.InsertEntity(env.Ctx, domain.Entity{ID: "ent-seq", ProjectID: "proj-1", Kind: domain.KindSequence, Name: "SQ01", CreatedAt: ts, UpdatedAt: ts}))
	seqID := "ent-seq"
	require.NoError(t, r.InsertEntity(env.Ctx, domain.Entity{
		ID: "ent-shot", ProjectID: "proj-1", Kind: domain.KindShot, ParentID: &seqID, Name: "SH01",
		Metadata: map[string]string{"frames": "1-120"}, CreatedAt: ts, UpdatedAt: ts,
	}))

	got, err := r.GetEntity(env.Ctx, "ent-shot")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"frames": "1-120"}, got.Metadata)
	require.NotNil(t, got.ParentID)
	require.Equal(t, "ent-seq", *got.ParentID)

	shots, err := r.ListEntities(env.Ctx, repo.EntityFilters{ProjectID: "proj-1", Kind: domain.KindShot})
	require.NoError(t, err)
	require.Len(t, shots, 1)

	children, err := r.ListEntities(env.Ctx, repo.EntityFilters{ParentID: "ent-seq"})
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, "SH01", children[0].Name)

	byName, err := r.ListEntities(env.Ctx, repo.EntityFilters{ProjectID: "proj-1", Name: "SQ01"})
	require.NoError(t, err)
	require.Len(t, byName, 1)

	// same parent, kind, and name is a duplicate
	err = r.InsertEntity(env.Ctx, domain.Entity{ID: "ent-dup", ProjectID: "proj-1", Kind: domain.KindShot, ParentID: &seqID, Name: "SH01", CreatedAt: ts, UpdatedAt: ts})
	require.ErrorIs(t, err, domain.ErrEntryExists)
}

func TestUpdateTaskWorkflowGuard(t *testing.T) {
	env := newRepoEnv(t)
	task := seedTask(t, env)

	task.Status = domain.StatusWIP
	task.UpdatedAt = "2026-03-01T01:00:00Z"
	ok, err := env.Repo.UpdateTaskWorkflow(env.Ctx, task, domain.StatusTodo, 1)
	require.NoError(t, err)
	require.True(t, ok)

	// a second writer holding the old status misses the guard
	stale := task
	stale.Status = domain.StatusRetake
	ok, err = env.Repo.UpdateTaskWorkflow(env.Ctx, stale, domain.StatusTodo, 1)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := env.Repo.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusWIP, got.Status)
	require.Equal(t, 1, got.Revision)
}

func TestTaskAssignees(t *testing.T) {
	env := newRepoEnv(t)
	task := seedTask(t, env)
	r := env.Repo

	require.NoError(t, r.ReplaceAssignees(env.Ctx, task.ID, []string{"rita", "meg", ""}, ts))
	got, err := r.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"meg", "rita"}, got.Assignees)

	require.NoError(t, r.ReplaceAssignees(env.Ctx, task.ID, []string{"sam"}, ts))
	got, err = r.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"sam"}, got.Assignees)

	byAssignee, err := r.ListTasks(env.Ctx, repo.TaskFilters{Assignee: "sam"})
	require.NoError(t, err)
	require.Len(t, byAssignee, 1)
	byAssignee, err = r.ListTasks(env.Ctx, repo.TaskFilters{Assignee: "rita"})
	require.NoError(t, err)
	require.Empty(t, byAssignee)

	require.ErrorIs(t, r.TouchTask(env.Ctx, "task-missing", ts), repo.ErrNotFound)
}

func TestTaskFilters(t *testing.T) {
	env := newRepoEnv(t)
	task := seedTask(t, env)
	r := env.Repo
	require.NoError(t, r.InsertTask(env.Ctx, domain.Task{
		ID: "task-2", ProjectID: "proj-1", EntityID: "ent-1", TaskTypeID: "tt-1",
		Name: "anim-b", Status: domain.StatusWIP, Revision: 1, CreatedAt: "2026-03-02T00:00:00Z", UpdatedAt: "2026-03-02T00:00:00Z",
	}))

	byStatus, err := r.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1", Status: domain.StatusWIP})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	require.Equal(t, "task-2", byStatus[0].ID)

	byEntity, err := r.ListTasks(env.Ctx, repo.TaskFilters{EntityID: "ent-1"})
	require.NoError(t, err)
	require.Len(t, byEntity, 2)
	// newest first
	require.Equal(t, "task-2", byEntity[0].ID)

	limited, err := r.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	// duplicate (entity, type, name) is rejected
	err = r.InsertTask(env.Ctx, domain.Task{
		ID: "task-3", ProjectID: "proj-1", EntityID: "ent-1", TaskTypeID: "tt-1",
		Name: task.Name, Status: domain.StatusTodo, Revision: 1, CreatedAt: ts, UpdatedAt: ts,
	})
	require.ErrorIs(t, err, domain.ErrEntryExists)
}

func TestCountTasksByStatus(t *testing.T) {
	env := newRepoEnv(t)
	seedTask(t, env)
	r := env.Repo
	require.NoError(t, r.InsertTask(env.Ctx, domain.Task{
		ID: "task-2", ProjectID: "proj-1", EntityID: "ent-1", TaskTypeID: "tt-1",
		Name: "done-one", Status: domain.StatusDone, Revision: 2, CreatedAt: ts, UpdatedAt: ts,
	}))

	byEntity, err := r.CountTasksByStatus(env.Ctx, "ent-1")
	require.NoError(t, err)
	require.Equal(t, map[domain.TaskStatus]int{domain.StatusTodo: 1, domain.StatusDone: 1}, byEntity)

	byProject, err := r.CountProjectTasksByStatus(env.Ctx, "proj-1")
	require.NoError(t, err)
	require.Equal(t, byEntity, byProject)

	empty, err := r.CountTasksByStatus(env.Ctx, "ent-missing")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestFileRevisionUniqueness(t *testing.T) {
	env := newRepoEnv(t)
	task := seedTask(t, env)
	r := env.Repo

	wf := domain.WorkingFile{ID: "wf-1", TaskID: task.ID, Name: "main", Path: "sw/SH01/anim/work/v001", Revision: 1, CreatedBy: "tester", CreatedAt: ts}
	require.NoError(t, r.InsertWorkingFile(env.Ctx, wf))

	dup := wf
	dup.ID = "wf-2"
	require.ErrorIs(t, r.InsertWorkingFile(env.Ctx, dup), domain.ErrEntryExists)

	max, err := r.MaxRevision(env.Ctx, task.ID, domain.FileWorking)
	require.NoError(t, err)
	require.Equal(t, 1, max)

	// output revisions are a separate series
	max, err = r.MaxRevision(env.Ctx, task.ID, domain.FileOutput)
	require.NoError(t, err)
	require.Equal(t, 0, max)

	wfID := "wf-1"
	of := domain.OutputFile{ID: "of-1", TaskID: task.ID, WorkingFileID: &wfID, Name: "main", Path: "sw/SH01/anim/publish/v001", Revision: 1, CreatedBy: "tester", CreatedAt: ts}
	require.NoError(t, r.InsertOutputFile(env.Ctx, of))

	got, err := r.GetOutputFile(env.Ctx, "of-1")
	require.NoError(t, err)
	require.NotNil(t, got.WorkingFileID)
	require.Equal(t, "wf-1", *got.WorkingFileID)

	list, err := r.ListWorkingFiles(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = r.GetWorkingFile(env.Ctx, "wf-missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestNamingRules(t *testing.T) {
	env := newRepoEnv(t)
	seedTask(t, env)
	r := env.Repo

	rule := domain.NamingRule{ProjectID: "proj-1", TaskTypeID: "tt-1", Kind: domain.FileWorking, Template: "{project}/{shot}/v{revision:03}", UpdatedAt: ts}
	saved, err := r.UpsertNamingRule(env.Ctx, rule)
	require.NoError(t, err)
	require.Equal(t, rule.Template, saved.Template)

	rule.Template = "{project}/{shot}/{task_type}/v{revision:03}"
	saved, err = r.UpsertNamingRule(env.Ctx, rule)
	require.NoError(t, err)
	require.Equal(t, rule.Template, saved.Template)

	rules, err := r.ListNamingRules(env.Ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, rules, 1)

	require.NoError(t, r.DeleteNamingRule(env.Ctx, "proj-1", "tt-1", domain.FileWorking))
	_, err = r.GetNamingRule(env.Ctx, "proj-1", "tt-1", domain.FileWorking)
	require.ErrorIs(t, err, repo.ErrNotFound)
	require.ErrorIs(t, r.DeleteNamingRule(env.Ctx, "proj-1", "tt-1", domain.FileWorking), repo.ErrNotFound)
}

func insertEvent(t *testing.T, env repoEnv, evtType, projectID string) int64 {
	t.Helper()
	res, err := env.Conn.ExecContext(env.Ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, projectID, "task", "task-1", "tester", "{}")
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestEventLogPaging(t *testing.T) {
	env := newRepoEnv(t)
	r := env.Repo

	latest, err := r.LatestEventID(env.Ctx)
	require.NoError(t, err)
	require.Zero(t, latest)

	first := insertEvent(t, env, "task:created", "proj-1")
	second := insertEvent(t, env, "task:status-changed", "proj-1")
	third := insertEvent(t, env, "task:status-changed", "proj-2")

	latest, err = r.LatestEventID(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, third, latest)

	batch, err := r.EventsAfter(env.Ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, first, batch[0].ID)
	require.Equal(t, second, batch[1].ID)

	batch, err = r.EventsAfter(env.Ctx, 10, second)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, third, batch[0].ID)

	newest, err := r.LatestEvents(env.Ctx, repo.EventFilters{Type: "task:status-changed", Limit: 1})
	require.NoError(t, err)
	require.Len(t, newest, 1)
	require.Equal(t, third, newest[0].ID)

	byProject, err := r.LatestEvents(env.Ctx, repo.EventFilters{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, byProject, 2)
	require.Equal(t, second, byProject[0].ID)
}

func TestWebhookStore(t *testing.T) {
	env := newRepoEnv(t)
	r := env.Repo

	require.NoError(t, r.InsertWebhook(env.Ctx, domain.Webhook{ID: "wh-1", URL: "https://ci.example.com/hook", Events: "*", Active: true, CreatedAt: ts}))
	require.NoError(t, r.InsertWebhook(env.Ctx, domain.Webhook{ID: "wh-2", URL: "https://old.example.com/hook", Events: "*", Active: false, CreatedAt: ts}))

	all, err := r.ListWebhooks(env.Ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)

	active, err := r.ListWebhooks(env.Ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "wh-1", active[0].ID)

	require.NoError(t, r.DeleteWebhook(env.Ctx, "wh-1"))
	require.ErrorIs(t, r.DeleteWebhook(env.Ctx, "wh-1"), repo.ErrNotFound)
}
