package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"shotline/internal/config"
	"shotline/internal/db"
	"shotline/internal/domain"
	"shotline/internal/events"
	"shotline/internal/filetree"
	"shotline/internal/repo"
)

var (
	// ErrInvalidTransition reports a (status, trigger) pair absent from the
	// transition table. The task is left untouched.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConcurrentModification reports a lost update: the task changed
	// between this transition's read and write. Retry from fresh state.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrProjectClosed reports a mutation attempted on a closed project.
	ErrProjectClosed = errors.New("project closed")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	// Notify wakes the event dispatcher after a commit that appended
	// events. Optional; wired by the app.
	Notify func()
	Now    func() time.Time
}

func New(conn *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     conn,
		Repo:   repo.New(conn),
		Events: events.Writer{},
		Config: cfg,
	}
}

func (e Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) notify() {
	if e.Notify != nil {
		e.Notify()
	}
}

type transitionKey struct {
	From    domain.TaskStatus
	Trigger domain.Trigger
}

type transitionRule struct {
	To      domain.TaskStatus
	BumpRev bool
}

// transitions is the single source of truth for the task workflow: a
// request is valid iff its (status, trigger) pair is a key here. BumpRev
// marks the edges that open a new revision cycle.
var transitions = map[transitionKey]transitionRule{
	{From: domain.StatusTodo, Trigger: domain.TriggerStart}:            {To: domain.StatusWIP},
	{From: domain.StatusWIP, Trigger: domain.TriggerPublish}:           {To: domain.StatusPendingReview},
	{From: domain.StatusWIP, Trigger: domain.TriggerRetake}:            {To: domain.StatusRetake},
	{From: domain.StatusPendingReview, Trigger: domain.TriggerApprove}: {To: domain.StatusDone},
	{From: domain.StatusPendingReview, Trigger: domain.TriggerReject}:  {To: domain.StatusRetake},
	{From: domain.StatusRetake, Trigger: domain.TriggerStart}:          {To: domain.StatusWIP, BumpRev: true},
	{From: domain.StatusDone, Trigger: domain.TriggerReopen}:           {To: domain.StatusWIP, BumpRev: true},
}

// AllowedTriggers lists the triggers valid for a status, sorted by name.
func AllowedTriggers(s domain.TaskStatus) []domain.Trigger {
	var res []domain.Trigger
	for k := range transitions {
		if k.From == s {
			res = append(res, k.Trigger)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

type TransitionRequest struct {
	TaskID  string
	Trigger domain.Trigger
	ActorID string
	Comment string
}

type TransitionResult struct {
	Task      domain.Task
	OldStatus domain.TaskStatus
	NewStatus domain.TaskStatus
	Comment   domain.Comment
	Rollup    domain.Rollup
	EventID   int64
}

// Transition applies one workflow trigger to a task. The status update,
// revision bump, transition comment, rollup recomputation, and event row
// commit in a single transaction; subscribers are woken only after the
// commit, so they never observe a state that was rolled back.
func (e Engine) Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	if req.TaskID == "" {
		return TransitionResult{}, fmt.Errorf("task id is required")
	}
	if req.Trigger == "" {
		return TransitionResult{}, fmt.Errorf("trigger is required")
	}
	var res TransitionResult
	err := db.WithinTx(ctx, e.DB, func(ctx context.Context, tx *sql.Tx) error {
		r := repo.New(tx)
		t, err := r.GetTask(ctx, req.TaskID)
		if err != nil {
			return err
		}
		if _, err := requireOpenProject(ctx, r, t.ProjectID); err != nil {
			return err
		}
		rule, ok := transitions[transitionKey{From: t.Status, Trigger: req.Trigger}]
		if !ok {
			return fmt.Errorf("%w: cannot %s task %s in status %s", ErrInvalidTransition, req.Trigger, t.ID, t.Status)
		}
		oldStatus, oldRev := t.Status, t.Revision
		t.Status = rule.To
		if rule.BumpRev {
			t.Revision++
		}
		now := e.timestamp()
		t.UpdatedAt = now
		updated, err := r.UpdateTaskWorkflow(ctx, t, oldStatus, oldRev)
		if err != nil {
			return err
		}
		if !updated {
			return fmt.Errorf("%w: task %s changed underneath this transition", ErrConcurrentModification, t.ID)
		}
		comment := domain.Comment{
			ID:        uuid.NewString(),
			TaskID:    t.ID,
			Author:    req.ActorID,
			Text:      req.Comment,
			OldStatus: oldStatus,
			NewStatus: t.Status,
			CreatedAt: now,
		}
		if err := r.InsertComment(ctx, comment); err != nil {
			return err
		}
		rollup, err := entityRollup(ctx, r, t.EntityID)
		if err != nil {
			return err
		}
		eventID, err := e.Events.Append(ctx, tx, events.TypeTaskStatusChanged, t.ProjectID, "task", t.ID, req.ActorID, events.EventPayload{
			"trigger":         string(req.Trigger),
			"from_status":     string(oldStatus),
			"to_status":       string(t.Status),
			"revision":        t.Revision,
			"entity_id":       t.EntityID,
			"entity_all_done": rollup.AllDone(),
		})
		if err != nil {
			return err
		}
		res = TransitionResult{
			Task:      t,
			OldStatus: oldStatus,
			NewStatus: t.Status,
			Comment:   comment,
			Rollup:    rollup,
			EventID:   eventID,
		}
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	e.notify()
	return res, nil
}

func entityRollup(ctx context.Context, r repo.Repo, entityID string) (domain.Rollup, error) {
	counts, err := r.CountTasksByStatus(ctx, entityID)
	if err != nil {
		return domain.Rollup{}, err
	}
	rollup := domain.Rollup{EntityID: entityID}
	for status, n := range counts {
		rollup.Total += n
		if status == domain.StatusDone {
			rollup.Done += n
		}
	}
	return rollup, nil
}

// EntityRollup recomputes the derived status of an entity from its tasks.
// Always read-through; nothing is cached.
func (e Engine) EntityRollup(ctx context.Context, entityID string) (domain.Rollup, error) {
	if _, err := e.Repo.GetEntity(ctx, entityID); err != nil {
		return domain.Rollup{}, err
	}
	return entityRollup(ctx, e.Repo, entityID)
}

func requireOpenProject(ctx context.Context, r repo.Repo, projectID string) (domain.Project, error) {
	p, err := r.GetProject(ctx, projectID)
	if err != nil {
		return p, err
	}
	if p.Status == domain.ProjectClosed {
		return p, fmt.Errorf("%w: %s", ErrProjectClosed, p.Name)
	}
	return p, nil
}

// ---- projects ----

func (e Engine) CreateProject(ctx context.Context, name, productionType, actorID string) (domain.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Project{}, fmt.Errorf("project name is required")
	}
	now := e.timestamp()
	p := domain.Project{
		ID:             uuid.NewString(),
		Name:           name,
		ProductionType: productionType,
		Status:         domain.ProjectOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := db.WithinTx(ctx, e.DB, func(ctx context.Context, tx *sql.Tx) error {
		r := repo.New(tx)
		if err := r.InsertProject(ctx, p); err != nil {
			return err
		}
		_, err := e.Events.Append(ctx, tx, events.TypeProjectCreated, p.ID, "project", p.ID, actorID, events.EventPayload{
			"name":            p.Name,
			"production_type": p.ProductionType,
		})
		return err
	})
	if err != nil {
		return domain.Project{}, err
	}
	e.notify()
	return p, nil
}

func (e Engine) CloseProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.setProjectStatus(ctx, projectID, domain.ProjectClosed, events.TypeProjectClosed, actorID)
}

func (e Engine) ReopenProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.setProjectStatus(ctx, projectID, domain.ProjectOpen, events.TypeProjectReopened, actorID)
}

func (e Engine) setProjectStatus(ctx context.Context, projectID string, status domain.ProjectStatus, evtType, actorID string) (domain.Project, error) {
	var p domain.Project
	changed := false
	err := db.WithinTx(ctx, e.DB, func(ctx context.Context, tx *sql.Tx) error {
		r := repo.New(tx)
		var err error
		p, err = r.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		if p.Status == status {
			return nil
		}
		now := e.timestamp()
		if err := r.UpdateProjectStatus(ctx, p.ID, status, now); err != nil {
			return err
		}
		oldStatus := p.Status
		p.Status = status
		p.UpdatedAt = now
		changed = true
		_, err = e.Events.Append(ctx, tx, evtType, p.ID, "project", p.ID, actorID, events.EventPayload{
			"from_status": string(oldStatus),
			"to_status":   string(status),
		})
		return err
	})
	if err != nil {
		return domain.Project{}, err
	}
	if changed {
		e.notify()
	}
	return p, nil
}

// ---- entities ----

type EntityCreate struct {
	ProjectID string
	Kind      domain.EntityKind
	ParentID  string
	Name      string
	Metadata  map[string]string
	ActorID   string
}

func (e Engine) CreateEntity(ctx context.Context, opts EntityCreate) (domain.Entity, error) {
	if !opts.Kind.Valid() {
		return domain.Entity{}, fmt.Errorf("unknown entity kind %q", opts.Kind)
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Entity{}, fmt.Errorf("entity name is required")
	}
	now := e.timestamp()
	ent := domain.Entity{
		ID:        uuid.NewString(),
		ProjectID: opts.ProjectID,
		Kind:      opts.Kind,
		Name:      name,
		Metadata:  opts.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.ParentID != "" {
		ent.ParentID = &opts.ParentID
	}
	err := db.WithinTx(ctx, e.DB, func(ctx context.Context, tx *sql.Tx) error {
		r := repo.New(tx)
		if _, err := requireOpenProject(ctx, r, opts.ProjectID); err != nil {
			return err
		}
		var parent *domain.Entity
		if ent.ParentID != nil {
			p, err := r.GetEntity(ctx, *ent.ParentID)
			if err != nil {
				return fmt.Errorf("parent entity: %w", err)
			}
			if p.ProjectID != opts.ProjectID {
				return fmt.Errorf("parent entity %s belongs to a different project", p.ID)
			}
			parent = &p
		}
		if err := validateParent(opts.Kind, parent); err != nil {
			return err
		}
		if err := r.InsertEntity(ctx, ent); err != nil {
			return err
		}
		_, err := e.Events.Append(ctx, tx, events.TypeEntityCreated, opts.ProjectID, string(opts.Kind), ent.ID, opts.ActorID, events.EventPayload{
			"name":      ent.Name,
			"kind":      string(ent.Kind),
			"parent_id": opts.ParentID,
		})
		return err
	})
	if err != nil {
		return domain.Entity{}, err
	}
	e.notify()
	return ent, nil
}

// validateParent enforces the hierarchy: shots under sequences, sequences
// at the project root or under episodes, episodes and assets at the root.
func validateParent(kind domain.EntityKind, parent *domain.Entity) error {
	switch kind {
	case domain.KindEpisode, domain.KindAsset:
		if parent != nil {
			return fmt.Errorf("%s cannot have a parent entity", kind)
		}
	case domain.KindSequence:
		if parent != nil && parent.Kind != domain.KindEpisode {
			return fmt.Errorf("sequence parent must be an episode, got %s", parent.Kind)
		}
	case domain.KindShot:
		if parent == nil {
			return fmt.Errorf("shot requires a parent sequence")
		}
		if parent.Kind != domain.KindSequence {
			return fmt.Errorf("shot parent must be a sequence, got %s", parent.Kind)
		}
	}
	return nil
}

// ---- task types ----

type TaskTypeCreate struct {
	Name            string
	Department      string
	Priority        int
	WorkingTemplate string
	OutputTemplate  string
}

func (e Engine) CreateTaskType(ctx context.Context, opts TaskTypeCreate) (domain.TaskType, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.TaskType{}, fmt.Errorf("task type name is required")
	}
	if opts.WorkingTemplate != "" {
		if err := filetree.ValidateTemplate(opts.WorkingTemplate); err != nil {
			return domain.TaskType{}, fmt.Errorf("working template: %w", err)
		}
	}
	if opts.OutputTemplate != "" {
		if err := filetree.ValidateTemplate(opts.OutputTemplate); err != nil {
			return domain.TaskType{}, fmt.Errorf("output template: %w", err)
		}
	}
	tt := domain.TaskType{
		ID:              uuid.NewString(),
		Name:            name,
		Department:      opts.Department,
		Priority:        opts.Priority,
		WorkingTemplate: opts.WorkingTemplate,
		OutputTemplate:  opts.OutputTemplate,
		CreatedAt:       e.timestamp(),
	}
	if err := e.Repo.InsertTaskType(ctx, tt); err != nil {
		return domain.TaskType{}, err
	}
	return tt, nil
}

// SeedTaskTypes installs the task types listed in config, skipping names
// that already exist. Run by `sl init`.
func (e Engine) SeedTaskTypes(ctx context.Context) (int, error) {
	if e.Config == nil {
		return 0, nil
	}
	created := 0
	for _, seed := range e.Config.TaskTypes {
		_, err := e.Repo.GetTaskTypeByName(ctx, seed.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return created, err
		}
		if _, err := e.CreateTaskType(ctx, TaskTypeCreate{
			Name:            seed.Name,
			Department:      seed.Department,
			Priority:        seed.Priority,
			WorkingTemplate: seed.WorkingTemplate,
			OutputTemplate:  seed.OutputTemplate,
		}); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// ---- tasks ----

type TaskCreate struct {
	EntityID        string
	TaskTypeID      string
	Name            string
	Assignees       []string
	EstimateMinutes *int
	ActorID         string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreate) (domain.Task, error) {
	if opts.EntityID == "" {
		return domain.Task{}, fmt.Errorf("entity id is required")
	}
	if opts.TaskTypeID == "" {
		return domain.Task{}, fmt.Errorf("task type id is required")
	}
	var t domain.Task
	err := db.WithinTx(ctx, e.DB, func(ctx context.Context, tx *sql.Tx) error {
		r := repo.New(tx)
		ent, err := r.GetEntity(ctx, opts.EntityID)
		if err != nil {
			return fmt.Errorf("entity: %w", err)
		}
		if _, err := requireOpenProject(ctx, r, ent.ProjectID); err != nil {
			return err
		}
		tt, err := r.GetTaskType(ctx, opts.TaskTypeID)
		if err != nil {
			return fmt.Errorf("task type: %w", err)
		}
		now := e.timestamp()
		t = domain.Task{
			ID:              uuid.NewString(),
			ProjectID:       ent.ProjectID,
			EntityID:        ent.ID,
			TaskTypeID:      tt.ID,
			Name:            strings.TrimSpace(opts.Name),
			Status:          domain.StatusTodo,
			Revision:        1,
			Assignees:       opts.Assignees,
			EstimateMinutes: opts.EstimateMinutes,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := r.InsertTask(ctx, t); err != nil {
			return err
		}
		_, err = e.Events.Append(ctx, tx, events.TypeTaskCreated, t.ProjectID, "task", t.ID, opts.ActorID, events.EventPayload{
			"entity_id":    t.EntityID,
			"task_type_id": t.TaskTypeID,
			"name":         t.Name,
			"status":       string(t.Status),
			"revision":     t.Revision,
		})
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.notify()
	return t, nil
}

func (e Engine) AssignTask(ctx context.Context, taskID string, assignees []string, actorID string) (domain.Task, error) {
	var t domain.Task
	err := db.WithinTx(ctx, e.DB, func(ctx context.Context, tx *sql.Tx) error {
		r := repo.New(tx)
		var err error
		t, err = r.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if _, err := requireOpenProject(ctx, r, t.ProjectID); err != nil {
			return err
		}
		now := e.timestamp()
		if err := r.ReplaceAssignees(ctx, t.ID, assignees, now); err != nil {
			return err
		}
		if err := r.TouchTask(ctx, t.ID, now); err != nil {
			return err
		}
		t.Assignees = assignees
		t.UpdatedAt = now
		_, err = e.Events.Append(ctx, tx, events.TypeTaskAssigned, t.ProjectID, "task", t.ID, actorID, events.EventPayload{
			"assignees": assignees,
		})
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.notify()
	return t, nil
}

// ---- naming rules ----

func (e Engine) SetNamingTemplate(ctx context.Context, projectID, taskTypeID string, kind domain.FileKind, template, actorID string) (domain.NamingRule, error) {
	if kind != domain.FileWorking && kind != domain.FileOutput {
		return domain.NamingRule{}, fmt.Errorf("unknown file kind %q", kind)
	}
	if err := filetree.ValidateTemplate(template); err != nil {
		return domain.NamingRule{}, err
	}
	var rule domain.NamingRule
	err := db.WithinTx(ctx, e.DB, func(ctx context.Context, tx *sql.Tx) error {
		r := repo.New(tx)
		if _, err := r.GetProject(ctx, projectID); err != nil {
			return fmt.Errorf("project: %w", err)
		}
		if _, err := r.GetTaskType(ctx, taskTypeID); err != nil {
			return fmt.Errorf("task type: %w", err)
		}
		var err error
		rule, err = r.UpsertNamingRule(ctx, domain.NamingRule{
			ProjectID:  projectID,
			TaskTypeID: taskTypeID,
			Kind:       kind,
			Template:   template,
			UpdatedAt:  e.timestamp(),
		})
		if err != nil {
			return err
		}
		_, err = e.Events.Append(ctx, tx, events.TypeNamingRuleSet, projectID, "naming_rule", taskTypeID, actorID, events.EventPayload{
			"kind":     string(kind),
			"template": template,
		})
		return err
	})
	if err != nil {
		return domain.NamingRule{}, err
	}
	e.notify()
	return rule, nil
}

// ---- path resolution and file publishing ----

func (e Engine) resolver(store filetree.Store) filetree.Resolver {
	r := filetree.NewResolver(store)
	if e.Config != nil {
		if e.Config.Naming.WorkingFallback != "" {
			r.WorkingFallback = e.Config.Naming.WorkingFallback
		}
		if e.Config.Naming.OutputFallback != "" {
			r.OutputFallback = e.Config.Naming.OutputFallback
		}
	}
	return r
}

// ResolvePath computes the canonical path for a task file without touching
// any state. Revision zero previews the next unallocated revision.
func (e Engine) ResolvePath(ctx context.Context, taskID string, kind domain.FileKind, revision int, extension string) (filetree.Path, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return filetree.Path{}, err
	}
	return e.resolver(e.Repo).Resolve(ctx, filetree.Request{Task: t, Kind: kind, Revision: revision, Extension: extension})
}

// NextRevision reports the revision the next publish of kind would get.
// Advisory: the publish itself re-computes it transactionally.
func (e Engine) NextRevision(ctx context.Context, taskID string, kind domain.FileKind) (int, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return 0, err
	}
	max, err := e.Repo.MaxRevision(ctx, taskID, kind)
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

type FilePublish struct {
	TaskID    string
	Name      string
	Revision  int
	Extension string
	SizeBytes int64
	Checksum  string
	// WorkingFileID links an output file to the working file it was
	// published from. Ignored for working publishes.
	WorkingFileID string
	ActorID       string
}

const defaultFileName = "main"

func fileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultFileName
	}
	return name
}

// PublishWorkingFile resolves the path for the requested (or next) revision
// and inserts the immutable file row in the same transaction. Concurrent
// publishes racing for the same next revision are serialized by the unique
// (task, revision) index; the loser re-reads and retries.
func (e Engine) PublishWorkingFile(ctx context.Context, req FilePublish) (domain.WorkingFile, filetree.Path, error) {
	var (
		wf   domain.WorkingFile
		path filetree.Path
	)
	attempt := func() error {
		return db.WithinTx(ctx, e.DB, func(ctx context.Context, tx *sql.Tx) error {
			r := repo.New(tx)
			t, err := r.GetTask(ctx, req.TaskID)
			if err != nil {
				return err
			}
			if _, err := requireOpenProject(ctx, r, t.ProjectID); err != nil {
				return err
			}
			path, err = e.resolver(r).Resolve(ctx, filetree.Request{
				Task:      t,
				Kind:      domain.FileWorking,
				Revision:  req.Revision,
				Extension: req.Extension,
			})
			if err != nil {
				return err
			}
			wf = domain.WorkingFile{
				ID:        uuid.NewString(),
				TaskID:    t.ID,
				Name:      fileName(req.Name),
				Path:      path.Value,
				Revision:  path.Revision,
				Extension: req.Extension,
				SizeBytes: req.SizeBytes,
				Checksum:  req.Checksum,
				CreatedBy: req.ActorID,
				CreatedAt: e.timestamp(),
			}
			if err := r.InsertWorkingFile(ctx, wf); err != nil {
				return err
			}
			_, err = e.Events.Append(ctx, tx, events.TypeWorkingFileCreated, t.ProjectID, "working_file", wf.ID, req.ActorID, events.EventPayload{
				"task_id":  t.ID,
				"name":     wf.Name,
				"path":     wf.Path,
				"revision": wf.Revision,
			})
			return err
		})
	}
	if err := withRevisionRetry(req.Revision == 0, attempt); err != nil {
		return domain.WorkingFile{}, filetree.Path{}, err
	}
	e.notify()
	return wf, path, nil
}

// PublishOutputFile is the output-side counterpart of PublishWorkingFile,
// with an optional provenance link to a working file of the same task.
func (e Engine) PublishOutputFile(ctx context.Context, req FilePublish) (domain.OutputFile, filetree.Path, error) {
	var (
		of   domain.OutputFile
		path filetree.Path
	)
	attempt := func() error {
		return db.WithinTx(ctx, e.DB, func(ctx context.Context, tx *sql.Tx) error {
			r := repo.New(tx)
			t, err := r.GetTask(ctx, req.TaskID)
			if err != nil {
				return err
			}
			if _, err := requireOpenProject(ctx, r, t.ProjectID); err != nil {
				return err
			}
			var workingFileID *string
			if req.WorkingFileID != "" {
				src, err := r.GetWorkingFile(ctx, req.WorkingFileID)
				if err != nil {
					return fmt.Errorf("working file: %w", err)
				}
				if src.TaskID != t.ID {
					return fmt.Errorf("working file %s belongs to task %s, not %s", src.ID, src.TaskID, t.ID)
				}
				workingFileID = &src.ID
			}
			path, err = e.resolver(r).Resolve(ctx, filetree.Request{
				Task:      t,
				Kind:      domain.FileOutput,
				Revision:  req.Revision,
				Extension: req.Extension,
			})
			if err != nil {
				return err
			}
			of = domain.OutputFile{
				ID:            uuid.NewString(),
				TaskID:        t.ID,
				WorkingFileID: workingFileID,
				Name:          fileName(req.Name),
				Path:          path.Value,
				Revision:      path.Revision,
				Extension:     req.Extension,
				SizeBytes:     req.SizeBytes,
				Checksum:      req.Checksum,
				CreatedBy:     req.ActorID,
				CreatedAt:     e.timestamp(),
			}
			if err := r.InsertOutputFile(ctx, of); err != nil {
				return err
			}
			payload := events.EventPayload{
				"task_id":  t.ID,
				"name":     of.Name,
				"path":     of.Path,
				"revision": of.Revision,
			}
			if workingFileID != nil {
				payload["working_file_id"] = *workingFileID
			}
			_, err = e.Events.Append(ctx, tx, events.TypeOutputFileCreated, t.ProjectID, "output_file", of.ID, req.ActorID, payload)
			return err
		})
	}
	if err := withRevisionRetry(req.Revision == 0, attempt); err != nil {
		return domain.OutputFile{}, filetree.Path{}, err
	}
	e.notify()
	return of, path, nil
}

// withRevisionRetry retries fn when a next-revision allocation loses the
// unique-index race. Explicit revisions never retry: a conflict there means
// the revision truly exists and the file is immutable.
func withRevisionRetry(allocating bool, fn func() error) error {
	const maxAttempts = 5
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !allocating || !errors.Is(err, domain.ErrEntryExists) || attempt == maxAttempts {
			return err
		}
		time.Sleep(time.Millisecond * time.Duration(1<<attempt))
	}
}
