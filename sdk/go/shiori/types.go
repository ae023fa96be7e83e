package shiori

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Source modules.
const (
	ModuleWorkspace = "workspace"
	ModuleWiki      = "wiki"
	ModuleConfigAPI = "configapi"
	ModuleTree      = "tree"
)

// LLMConfig selects the provider and model for a generation or tree run.
// Zero fields take the server defaults.
type LLMConfig struct {
	Provider        string   `json:"provider,omitempty"`
	Model           string   `json:"model,omitempty"`
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens int32    `json:"max_output_tokens,omitempty"`
}

// Source describes one source module the server offers.
type Source struct {
	Kind         string   `json:"kind"`
	DisplayName  string   `json:"display_name"`
	Description  string   `json:"description"`
	DocumentKeys []string `json:"document_keys"`
}

// ConnectionResult is the outcome of a credential check.
type ConnectionResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Identity string `json:"identity,omitempty"`
}

// RunRef points at a run produced by a specific module.
type RunRef struct {
	Module string    `json:"module"`
	RunID  uuid.UUID `json:"run_id"`
}

// RunAccepted is returned when the server has durably created a run.
type RunAccepted struct {
	RunID  uuid.UUID `json:"run_id"`
	Status string    `json:"status"`
}

// Run is one execution of one pipeline stage.
type Run struct {
	ID              uuid.UUID       `json:"id"`
	OrgID           int64           `json:"org_id"`
	UserID          int64           `json:"user_id"`
	Module          string          `json:"module"`
	Stage           string          `json:"stage"`
	ParentRunID     *uuid.UUID      `json:"parent_run_id,omitempty"`
	Scope           string          `json:"scope,omitempty"`
	Status          string          `json:"status"`
	InputConfig     map[string]any  `json:"input_config"`
	InputSources    []RunRef        `json:"input_sources,omitempty"`
	ExtractedData   json.RawMessage `json:"extracted_data,omitempty"`
	GeneratedOutput json.RawMessage `json:"generated_output,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Terminal reports whether the run has finished.
func (r Run) Terminal() bool { return r.Status != StatusRunning }

// ProgressEntry is one line of a run's progress log.
type ProgressEntry struct {
	RunID     uuid.UUID `json:"run_id"`
	Seq       int64     `json:"seq"`
	Phase     string    `json:"phase"`
	Detail    string    `json:"detail"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// RunStatus is a run together with its progress log.
type RunStatus struct {
	Run         Run             `json:"run"`
	ProgressLog []ProgressEntry `json:"progress_log"`
}

// RunResult is the payload of a terminal run. Data holds the extracted data,
// the generation output or the context tree depending on the stage.
type RunResult struct {
	RunID        uuid.UUID       `json:"run_id"`
	Module       string          `json:"module"`
	Stage        string          `json:"stage"`
	Status       string          `json:"status"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// ListRunsOptions filters ListRuns. Zero fields are not sent.
type ListRunsOptions struct {
	Module      string
	Stage       string
	Status      string
	ParentRunID *uuid.UUID
	Limit       int
	Offset      int
}

// RunList is one page of runs.
type RunList struct {
	Runs    []Run
	Total   int
	HasMore bool
}

// Document is one generated context document.
type Document struct {
	ID           uuid.UUID  `json:"id"`
	Module       string     `json:"module"`
	Scope        string     `json:"scope"`
	Key          string     `json:"doc_key"`
	Name         string     `json:"name"`
	Content      string     `json:"content"`
	RunID        uuid.UUID  `json:"run_id"`
	SourceRunID  uuid.UUID  `json:"source_run_id"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	SupersededBy *uuid.UUID `json:"superseded_by,omitempty"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ListDocumentsOptions filters ListDocuments. Zero fields are not sent.
type ListDocumentsOptions struct {
	Module            string
	Scope             string
	Key               string
	RunID             *uuid.UUID
	IncludeSuperseded bool
	Limit             int
}

// TreeNode is one node of a context tree.
type TreeNode struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Type     string     `json:"type"`
	Health   string     `json:"health"`
	Children []TreeNode `json:"children"`
}

// ContextTree is the result data of a tree run.
type ContextTree struct {
	Root         TreeNode `json:"root"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
}

// Health is the server's health report.
type Health struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Store      string `json:"store"`
	ActiveRuns int    `json:"active_runs"`
	Uptime     int64  `json:"uptime_seconds"`
}
