// Package store is the metadata store & migration runner (spec.md §4.1):
// transactional CRUD for codespecs, buffers, tags, and runs, backed by
// PostgreSQL via database/sql + lib/pq, with jmoiron/sqlx for the
// read-heavy list queries.
package store

import "time"

// CodespecKind distinguishes a job codespec from a worker codespec
// (spec.md §3).
type CodespecKind string

const (
	CodespecKindJob    CodespecKind = "job"
	CodespecKindWorker CodespecKind = "worker"
)

// Resources is a codespec's resource request/limit block, including the
// optional GPU request.
type Resources struct {
	CPURequest    string `json:"cpuRequest,omitempty"`
	CPULimit      string `json:"cpuLimit,omitempty"`
	MemoryRequest string `json:"memoryRequest,omitempty"`
	MemoryLimit   string `json:"memoryLimit,omitempty"`
	GPU           int    `json:"gpu,omitempty"`
}

// Codespec is the immutable, append-only, (name,version)-keyed job or
// worker specification (spec.md §3).
type Codespec struct {
	Name    string       `json:"name" db:"name"`
	Version int          `json:"version" db:"version"`
	Kind    CodespecKind `json:"kind" db:"kind"`

	Image          string            `json:"image" db:"image"`
	Entrypoint     []string          `json:"entrypoint,omitempty" db:"-"`
	Args           []string          `json:"args,omitempty" db:"-"`
	WorkingDir     string            `json:"workingDir,omitempty" db:"working_dir"`
	Env            map[string]string `json:"env,omitempty" db:"-"`
	Resources      Resources         `json:"resources" db:"-"`
	InputBuffers   []string          `json:"inputBuffers" db:"-"`
	OutputBuffers  []string          `json:"outputBuffers" db:"-"`
	IdentityHint   string            `json:"identityHint,omitempty" db:"identity_hint"`

	// Worker-only fields.
	Endpoints map[string]int32 `json:"endpoints,omitempty" db:"-"`
	Replicas  int              `json:"replicas,omitempty" db:"replicas"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// QualifiedName is the codespec's "name/versions/N" canonical form
// (spec.md §4.5 "Normalizes the run's codespec references").
func (c Codespec) QualifiedName() string {
	return CodespecRef{Name: c.Name, Version: c.Version}.String()
}

// CodespecRef identifies a codespec, optionally pinned to a version.
// Version == 0 means "latest" until resolved.
type CodespecRef struct {
	Name    string
	Version int
}

func (r CodespecRef) String() string {
	if r.Version <= 0 {
		return r.Name
	}
	return r.Name + "/versions/" + itoa(r.Version)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Buffer is a content-addressed blob container (spec.md §3).
type Buffer struct {
	ID               string            `json:"id" db:"id"`
	CreatedAt        time.Time         `json:"createdAt" db:"created_at"`
	Location         string            `json:"location" db:"location"`
	StorageAccountID int64             `json:"storageAccountId" db:"storage_account_id"`
	Tags             map[string]string `json:"tags" db:"-"`
	SoftDeleted      bool              `json:"softDeleted" db:"soft_deleted"`
	SoftDeletedAt    *time.Time        `json:"softDeletedAt,omitempty" db:"soft_deleted_at"`
	ExpiresAt        *time.Time        `json:"expiresAt,omitempty" db:"expires_at"`
	ETag             string            `json:"eTag" db:"etag"`
}

// TagFilter selects buffers by (key,value) inclusion/exclusion,
// AND-combined across entries (spec.md §4.1).
type TagFilter struct {
	Include map[string]string
	Exclude map[string]string
}

// BufferListOptions controls a keyset-paginated buffer listing.
type BufferListOptions struct {
	Filter        TagFilter
	SoftDeleted   bool
	Limit         int
	ContinuationCreatedAt time.Time
	ContinuationID        string
}

// StorageAccount mirrors bufferprovider.StorageAccount in store form,
// assigned a stable integer id on first registration (spec.md §3).
type StorageAccount struct {
	ID       int64  `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	Location string `json:"location" db:"location"`
	Endpoint string `json:"endpoint" db:"endpoint"`
}

// RunKind distinguishes user-submitted runs from system runs. The kind is
// whatever the CreateRun caller sets; nothing in this module submits
// system runs itself.
type RunKind string

const (
	RunKindUser   RunKind = "user"
	RunKindSystem RunKind = "system"
)

// RunStatus is the run lifecycle state (spec.md §4.5).
type RunStatus string

const (
	RunStatusPending   RunStatus = "Pending"
	RunStatusRunning   RunStatus = "Running"
	RunStatusSucceeded RunStatus = "Succeeded"
	RunStatusFailed    RunStatus = "Failed"
	RunStatusCanceled  RunStatus = "Canceled"
)

// IsTerminal reports whether s is one of the run's terminal states
// (spec.md §8 property 2: "never leaves the set {Succeeded, Failed,
// Canceled} once entered").
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// runStatusRank orders statuses so a conditional update can refuse to
// regress a run out of a terminal state (spec.md §5 "status transitions
// never regress through a terminal state").
var runStatusRank = map[RunStatus]int{
	RunStatusPending:   0,
	RunStatusRunning:   1,
	RunStatusSucceeded: 2,
	RunStatusFailed:    2,
	RunStatusCanceled:  2,
}

// CanTransition reports whether a run may move from 'from' to 'to'.
func CanTransition(from, to RunStatus) bool {
	if from.IsTerminal() {
		return from == to
	}
	return runStatusRank[to] >= runStatusRank[from]
}

// RunTarget is a run's codespec reference plus its buffer bindings.
type RunTarget struct {
	CodespecRef       string            `json:"codespecRef" db:"codespec_ref"`
	Buffers           map[string]string `json:"buffers" db:"-"`
	Tags              map[string]string `json:"tags,omitempty" db:"-"`
	WorkerCodespecRef string            `json:"workerCodespecRef,omitempty" db:"worker_codespec_ref"`
	WorkerReplicas    int               `json:"workerReplicas,omitempty" db:"worker_replicas"`
}

// Run is a submitted job (spec.md §3).
type Run struct {
	ID        int64     `json:"id" db:"id"`
	Kind      RunKind   `json:"kind" db:"kind"`
	Target    RunTarget `json:"target" db:"-"`
	Cluster   string    `json:"cluster,omitempty" db:"cluster"`
	TimeoutSeconds int  `json:"timeoutSeconds,omitempty" db:"timeout_seconds"`

	Status       RunStatus `json:"status" db:"status"`
	StatusReason string    `json:"statusReason,omitempty" db:"status_reason"`

	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	RunningAt      *time.Time `json:"runningAt,omitempty" db:"running_at"`
	TerminalAt     *time.Time `json:"terminalAt,omitempty" db:"terminal_at"`
	LogsArchivedAt *time.Time `json:"logsArchivedAt,omitempty" db:"logs_archived_at"`

	ResourcesCreated bool `json:"resourcesCreated" db:"resources_created"`
	Final            bool `json:"final" db:"final"`
}

// MigrationState is the lifecycle of one applied migration row
// (spec.md §3 "Migration record").
type MigrationState string

const (
	MigrationStarted  MigrationState = "started"
	MigrationComplete MigrationState = "complete"
	MigrationFailed   MigrationState = "failed"
)

// MigrationRecord is one row of the append-only migrations table.
type MigrationRecord struct {
	Version   int            `db:"version"`
	State     MigrationState `db:"state"`
	Timestamp time.Time      `db:"timestamp"`
}
