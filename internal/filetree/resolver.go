package filetree

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"shotline/internal/domain"
	"shotline/internal/repo"
)

// ErrUnresolvableHierarchy reports a broken ancestor chain: an entity whose
// parent, project, or task type no longer exists. Surfaced, never guessed.
var ErrUnresolvableHierarchy = errors.New("unresolvable entity hierarchy")

// Chains deeper than this indicate a parent cycle in the data.
const maxAncestorDepth = 16

// AncestorLookup walks the entity tree by stable IDs.
type AncestorLookup interface {
	GetEntity(ctx context.Context, id string) (domain.Entity, error)
	GetProject(ctx context.Context, id string) (domain.Project, error)
}

// TemplateSource supplies naming templates and stored file revisions.
type TemplateSource interface {
	GetTaskType(ctx context.Context, id string) (domain.TaskType, error)
	GetNamingRule(ctx context.Context, projectID, taskTypeID string, kind domain.FileKind) (domain.NamingRule, error)
	MaxRevision(ctx context.Context, taskID string, kind domain.FileKind) (int, error)
}

// Store is what the resolver needs from persistence. repo.Repo satisfies it.
type Store interface {
	AncestorLookup
	TemplateSource
}

// Template sources, in precedence order.
const (
	SourceProjectRule = "project-rule"
	SourceTaskType    = "task-type"
	SourceFallback    = "fallback"
)

// Fallback templates used when neither a project rule nor a task type
// default applies.
const (
	DefaultWorkingTemplate = "{project}/{entity}/{task_type}/work/v{revision:03}"
	DefaultOutputTemplate  = "{project}/{entity}/{task_type}/publish/v{revision:03}"
)

// Request asks for the canonical path of one file of a task. Revision zero
// means "the next unused revision"; allocating it reads the file tables, so
// such a request must run inside the transaction that inserts the file row.
type Request struct {
	Task      domain.Task
	Kind      domain.FileKind
	Revision  int
	Extension string
}

// Path is a resolved file path plus where its template came from.
type Path struct {
	Value    string
	Revision int
	Template string
	Source   string
}

// Resolver derives canonical file paths from entity metadata and naming
// templates. It only computes; persisting file rows is the caller's job.
type Resolver struct {
	Store           Store
	WorkingFallback string
	OutputFallback  string
}

func NewResolver(store Store) Resolver {
	return Resolver{
		Store:           store,
		WorkingFallback: DefaultWorkingTemplate,
		OutputFallback:  DefaultOutputTemplate,
	}
}

// Resolve builds the field bag from the task's entity hierarchy, picks the
// template by precedence (project rule, then task type default, then
// fallback), and renders it.
func (r Resolver) Resolve(ctx context.Context, req Request) (Path, error) {
	fields, tt, err := r.fieldBag(ctx, req.Task)
	if err != nil {
		return Path{}, err
	}
	revision := req.Revision
	if revision == 0 {
		max, err := r.Store.MaxRevision(ctx, req.Task.ID, req.Kind)
		if err != nil {
			return Path{}, err
		}
		revision = max + 1
	}
	fields["revision"] = strconv.Itoa(revision)

	template, source, err := r.template(ctx, req.Task.ProjectID, tt, req.Kind)
	if err != nil {
		return Path{}, err
	}
	rendered, err := Render(template, fields)
	if err != nil {
		return Path{}, err
	}
	if req.Extension != "" {
		rendered += "." + req.Extension
	}
	return Path{Value: rendered, Revision: revision, Template: template, Source: source}, nil
}

// fieldBag collects one field per hierarchy level, keyed by entity kind,
// walking parent references upward until the root.
func (r Resolver) fieldBag(ctx context.Context, t domain.Task) (map[string]string, domain.TaskType, error) {
	var tt domain.TaskType
	entity, err := r.Store.GetEntity(ctx, t.EntityID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, tt, fmt.Errorf("%w: task %s references missing entity %s", ErrUnresolvableHierarchy, t.ID, t.EntityID)
	}
	if err != nil {
		return nil, tt, err
	}
	fields := map[string]string{"entity": entity.Name}
	cur := entity
	for depth := 0; ; depth++ {
		if depth > maxAncestorDepth {
			return nil, tt, fmt.Errorf("%w: ancestor chain of entity %s exceeds depth %d", ErrUnresolvableHierarchy, entity.ID, maxAncestorDepth)
		}
		fields[string(cur.Kind)] = cur.Name
		if cur.ParentID == nil {
			break
		}
		parent, err := r.Store.GetEntity(ctx, *cur.ParentID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, tt, fmt.Errorf("%w: entity %s references missing parent %s", ErrUnresolvableHierarchy, cur.ID, *cur.ParentID)
		}
		if err != nil {
			return nil, tt, err
		}
		cur = parent
	}

	project, err := r.Store.GetProject(ctx, t.ProjectID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, tt, fmt.Errorf("%w: task %s references missing project %s", ErrUnresolvableHierarchy, t.ID, t.ProjectID)
	}
	if err != nil {
		return nil, tt, err
	}
	fields["project"] = project.Name

	tt, err = r.Store.GetTaskType(ctx, t.TaskTypeID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, tt, fmt.Errorf("%w: task %s references missing task type %s", ErrUnresolvableHierarchy, t.ID, t.TaskTypeID)
	}
	if err != nil {
		return nil, tt, err
	}
	fields["task_type"] = tt.Name
	if t.Name != "" {
		fields["task"] = t.Name
	}
	return fields, tt, nil
}

func (r Resolver) template(ctx context.Context, projectID string, tt domain.TaskType, kind domain.FileKind) (string, string, error) {
	rule, err := r.Store.GetNamingRule(ctx, projectID, tt.ID, kind)
	if err == nil && rule.Template != "" {
		return rule.Template, SourceProjectRule, nil
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return "", "", err
	}
	def := tt.WorkingTemplate
	if kind == domain.FileOutput {
		def = tt.OutputTemplate
	}
	if def != "" {
		return def, SourceTaskType, nil
	}
	fallback := r.WorkingFallback
	if kind == domain.FileOutput {
		fallback = r.OutputFallback
	}
	return fallback, SourceFallback, nil
}
