package domain

import "errors"

// ErrEntryExists is returned when an insert violates a uniqueness rule,
// for example reusing an entity name under the same parent.
var ErrEntryExists = errors.New("entry already exists")

type ProjectStatus string

const (
	ProjectOpen   ProjectStatus = "open"
	ProjectClosed ProjectStatus = "closed"
)

type EntityKind string

const (
	KindEpisode  EntityKind = "episode"
	KindSequence EntityKind = "sequence"
	KindShot     EntityKind = "shot"
	KindAsset    EntityKind = "asset"
)

func (k EntityKind) Valid() bool {
	switch k {
	case KindEpisode, KindSequence, KindShot, KindAsset:
		return true
	}
	return false
}

type TaskStatus string

const (
	StatusTodo          TaskStatus = "todo"
	StatusWIP           TaskStatus = "wip"
	StatusPendingReview TaskStatus = "pending_review"
	StatusDone          TaskStatus = "done"
	StatusRetake        TaskStatus = "retake"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTodo, StatusWIP, StatusPendingReview, StatusDone, StatusRetake:
		return true
	}
	return false
}

// Trigger names a workflow action requested against a task. The engine's
// transition table decides which triggers apply to which status.
type Trigger string

const (
	TriggerStart   Trigger = "start"
	TriggerPublish Trigger = "publish"
	TriggerApprove Trigger = "approve"
	TriggerReject  Trigger = "reject"
	TriggerRetake  Trigger = "retake"
	TriggerReopen  Trigger = "reopen"
)

type FileKind string

const (
	FileWorking FileKind = "working"
	FileOutput  FileKind = "output"
)

type Project struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	ProductionType string        `json:"production_type,omitempty"`
	Status         ProjectStatus `json:"status"`
	CreatedAt      string        `json:"created_at"`
	UpdatedAt      string        `json:"updated_at"`
}

type Entity struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"project_id"`
	Kind      EntityKind        `json:"kind"`
	ParentID  *string           `json:"parent_id,omitempty"`
	Name      string            `json:"name"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
}

type TaskType struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Department      string `json:"department,omitempty"`
	Priority        int    `json:"priority"`
	WorkingTemplate string `json:"working_template,omitempty"`
	OutputTemplate  string `json:"output_template,omitempty"`
	CreatedAt       string `json:"created_at"`
}

type Task struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	EntityID        string     `json:"entity_id"`
	TaskTypeID      string     `json:"task_type_id"`
	Name            string     `json:"name,omitempty"`
	Status          TaskStatus `json:"status"`
	Revision        int        `json:"revision"`
	Assignees       []string   `json:"assignees,omitempty"`
	EstimateMinutes *int       `json:"estimate_minutes,omitempty"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
	CreatedAt       string     `json:"created_at"`
	UpdatedAt       string     `json:"updated_at"`
}

// Comment records a note on a task. Each workflow transition appends exactly
// one comment carrying the old/new status pair; plain comments leave both empty.
type Comment struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	Author    string     `json:"author"`
	Text      string     `json:"text,omitempty"`
	OldStatus TaskStatus `json:"old_status,omitempty"`
	NewStatus TaskStatus `json:"new_status,omitempty"`
	CreatedAt string     `json:"created_at"`
}

// WorkingFile is an in-progress artifact for a task revision. Rows are
// immutable once inserted; a new revision is always a new row.
type WorkingFile struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	Revision  int    `json:"revision"`
	Extension string `json:"extension,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at"`
}

// OutputFile is a published artifact for a task revision, optionally linked to
// the working file it was published from. Immutable once inserted.
type OutputFile struct {
	ID            string  `json:"id"`
	TaskID        string  `json:"task_id"`
	WorkingFileID *string `json:"working_file_id,omitempty"`
	Name          string  `json:"name"`
	Path          string  `json:"path"`
	Revision      int     `json:"revision"`
	Extension     string  `json:"extension,omitempty"`
	SizeBytes     int64   `json:"size_bytes,omitempty"`
	Checksum      string  `json:"checksum,omitempty"`
	CreatedBy     string  `json:"created_by"`
	CreatedAt     string  `json:"created_at"`
}

// Event is an append-only record of something that happened. Events reference
// tasks and entities by ID only; deleting a task never rewrites its events.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Webhook is a persisted event subscriber: a URL that receives matching events
// as JSON POSTs. Events is a comma-separated list of event types, "*" for all.
type Webhook struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Secret    string `json:"secret,omitempty"`
	Events    string `json:"events"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

// NamingRule is a per-project template override for one task type and file
// kind. It takes precedence over the task type's default template.
type NamingRule struct {
	ProjectID  string   `json:"project_id"`
	TaskTypeID string   `json:"task_type_id"`
	Kind       FileKind `json:"kind"`
	Template   string   `json:"template"`
	UpdatedAt  string   `json:"updated_at"`
}

// Rollup summarizes the workflow state of one entity's tasks.
type Rollup struct {
	EntityID string `json:"entity_id"`
	Total    int    `json:"total"`
	Done     int    `json:"done"`
}

// AllDone reports whether every task of the entity is done. Vacuously true
// for an entity with no tasks.
func (r Rollup) AllDone() bool {
	return r.Done == r.Total
}
