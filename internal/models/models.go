// Package models defines the entities persisted by the Job Store and the
// three analysis engines, each scoped by (userId, repoUrl).
package models

import "time"

// JobKind identifies which engine a Job dispatches to.
type JobKind string

const (
	JobKindScipIndex  JobKind = "scip_index"
	JobKindGraphBuild JobKind = "graph_build"
	JobKindGitMine    JobKind = "git_mine"
)

// JobStatus is the lifecycle state of a Job row.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
)

// Job is a unit of work claimed and run by exactly one worker at a time.
// It is created pending by the HTTP facade, mutated only by the worker that
// claims it, and never deleted by the core.
type Job struct {
	ID          int64
	UserID      int64
	RepoURL     string
	Kind        JobKind
	Status      JobStatus
	PayloadPath *string // absolute path to an uploaded binary index, nullable
	Payload     *string // opaque JSON parameters, e.g. {"days": 90}, nullable
	ErrorMsg    *string
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// IsTerminal reports whether the job has reached done or failed.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusDone || j.Status == JobStatusFailed
}

// FileDependency is one edge in the file-to-file import graph. The set for a
// given (userId, repoUrl) is fully replaced on every graph_build run.
type FileDependency struct {
	ID         int64
	UserID     int64
	RepoURL    string
	SourceFile string
	TargetFile string
	Kind       string // default "import"
}

// CommitSummary is recorded once per (userId, repoUrl, commitHash) and is
// never updated after its first insert.
type CommitSummary struct {
	ID           int64
	UserID       int64
	RepoURL      string
	CommitHash   string
	AuthorEmail  string
	Message      string
	CommittedAt  time.Time
	FilesChanged int
	Insertions   int
	Deletions    int
	RecordedAt   time.Time
}

// FileChurnStat is the additive weekly churn bucket for one file. WeekStart
// is always the Monday of the ISO week (UTC, midnight).
type FileChurnStat struct {
	ID           int64
	UserID       int64
	RepoURL      string
	FilePath     string
	WeekStart    time.Time
	LinesAdded   int
	LinesDeleted int
	CommitCount  int
	ChurnRate    float64
}

// IndexDocument is one source file described by an ingested binary index.
// Its Occurrence children are deleted and reinserted wholesale on every
// ingest of that document.
type IndexDocument struct {
	ID           int64
	UserID       int64
	RepoURL      string
	RelativePath string
	Language     string
	IndexedAt    time.Time
}

// OccurrenceRole is a bit in Occurrence.RoleFlags.
const (
	RoleDefinition = 1 << 0
	RoleImport     = 1 << 1
	RoleWrite      = 1 << 2
	RoleRead       = 1 << 3
)

// Occurrence is one reference to a symbol within a document's source range.
type Occurrence struct {
	ID         int64
	DocumentID int64
	Symbol     string
	StartLine  int
	StartChar  int
	EndLine    int
	EndChar    int
	RoleFlags  int
}

// SymbolInfo carries cross-document metadata about a symbol. Upserted per
// ingest; individual fields are overwritten only when the incoming value is
// non-empty, so a later sparse record never blanks out prior detail.
type SymbolInfo struct {
	ID            int64
	UserID        int64
	RepoURL       string
	Symbol        string
	DisplayName   string
	SignatureDoc  string
	Documentation string
}
