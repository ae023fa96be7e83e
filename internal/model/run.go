package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s RunStatus) Valid() bool {
	return s == RunStatusRunning || s.Terminal()
}

// ModuleKind identifies the source module (or the tree builder) that owns a run.
type ModuleKind string

const (
	ModuleWorkspace ModuleKind = "workspace"
	ModuleWiki      ModuleKind = "wiki"
	ModuleConfigAPI ModuleKind = "configapi"
	ModuleTree      ModuleKind = "tree"
)

// Stage is the unit of work a single run covers.
type Stage string

const (
	StageExtract  Stage = "extract"
	StageGenerate Stage = "generate"
	StageTree     Stage = "tree"
)

// ErrorKind classifies why a run failed.
type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindUpstream    ErrorKind = "upstream"
	ErrorKindValidation  ErrorKind = "validation"
	ErrorKindInternal    ErrorKind = "internal"
	ErrorKindInterrupted ErrorKind = "interrupted"
)

// RunRef points at a run produced by a specific module.
type RunRef struct {
	Module ModuleKind `json:"module"`
	RunID  uuid.UUID  `json:"run_id"`
}

// Run is one execution of one pipeline stage for one user/org.
type Run struct {
	ID              uuid.UUID       `json:"id"`
	OrgID           int64           `json:"org_id"`
	UserID          int64           `json:"user_id"`
	Module          ModuleKind      `json:"module"`
	Stage           Stage           `json:"stage"`
	ParentRunID     *uuid.UUID      `json:"parent_run_id,omitempty"`
	Scope           string          `json:"scope,omitempty"`
	Status          RunStatus       `json:"status"`
	InputConfig     map[string]any  `json:"input_config"`
	InputSources    []RunRef        `json:"input_sources,omitempty"`
	ExtractedData   json.RawMessage `json:"extracted_data,omitempty"`
	GeneratedOutput json.RawMessage `json:"generated_output,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	ErrorKind       ErrorKind       `json:"error_kind,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// CreateRunRequest holds the fields a caller supplies when creating a run.
// The store assigns the id, status and timestamps.
type CreateRunRequest struct {
	OrgID        int64
	UserID       int64
	Module       ModuleKind
	Stage        Stage
	ParentRunID  *uuid.UUID
	Scope        string
	InputConfig  map[string]any
	InputSources []RunRef
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Module      ModuleKind
	Stage       Stage
	Status      RunStatus
	ParentRunID *uuid.UUID
	Limit       int
	Offset      int
}

// Finalization describes a terminal transition that carries no payload.
type Finalization struct {
	Status       RunStatus
	ErrorKind    ErrorKind
	ErrorMessage string
}

// RunResult is the payload returned for a terminal run.
type RunResult struct {
	RunID        uuid.UUID       `json:"run_id"`
	Module       ModuleKind      `json:"module"`
	Stage        Stage           `json:"stage"`
	Status       RunStatus       `json:"status"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorKind    ErrorKind       `json:"error_kind,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}
