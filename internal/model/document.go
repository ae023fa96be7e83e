package model

import (
	"time"

	"github.com/google/uuid"
)

// DocumentKey is a member of the fixed context document taxonomy.
type DocumentKey string

const (
	DocOverview      DocumentKey = "overview"
	DocSchema        DocumentKey = "schema"
	DocJobs          DocumentKey = "jobs"
	DocGlossary      DocumentKey = "glossary"
	DocProcesses     DocumentKey = "processes"
	DocConfiguration DocumentKey = "configuration"
	DocDependencies  DocumentKey = "dependencies"
)

var documentKeys = map[DocumentKey]string{
	DocOverview:      "Overview",
	DocSchema:        "Data Schema",
	DocJobs:          "Jobs and Pipelines",
	DocGlossary:      "Glossary",
	DocProcesses:     "Processes",
	DocConfiguration: "Configuration",
	DocDependencies:  "Dependencies",
}

// Valid reports whether k belongs to the taxonomy.
func (k DocumentKey) Valid() bool {
	_, ok := documentKeys[k]
	return ok
}

// Title returns the display name for k.
func (k DocumentKey) Title() string {
	return documentKeys[k]
}

// GeneratedDocument is a document produced by a module's generate step,
// before it is persisted with provenance.
type GeneratedDocument struct {
	Key          DocumentKey `json:"doc_key"`
	Name         string      `json:"name"`
	Content      string      `json:"doc_content"`
	InputTokens  int         `json:"input_tokens"`
	OutputTokens int         `json:"output_tokens"`
}

// ContextDocument is a persisted, versioned generated document.
// A newer document for the same (org, module, scope, key) supersedes it.
type ContextDocument struct {
	ID           uuid.UUID   `json:"id"`
	OrgID        int64       `json:"org_id"`
	Module       ModuleKind  `json:"module"`
	Scope        string      `json:"scope"`
	Key          DocumentKey `json:"doc_key"`
	Name         string      `json:"name"`
	Content      string      `json:"content"`
	RunID        uuid.UUID   `json:"run_id"`
	SourceRunID  uuid.UUID   `json:"source_run_id"`
	Provider     string      `json:"provider"`
	Model        string      `json:"model"`
	InputTokens  int         `json:"input_tokens"`
	OutputTokens int         `json:"output_tokens"`
	SupersededBy *uuid.UUID  `json:"superseded_by,omitempty"`
	SupersededAt *time.Time  `json:"superseded_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// DocumentFilter narrows ListDocuments. By default only current documents are returned.
type DocumentFilter struct {
	Module            ModuleKind
	Scope             string
	Key               DocumentKey
	RunID             *uuid.UUID
	IncludeSuperseded bool
	Limit             int
}

// GenerationOutput is stored as the generated_output of a generation run.
type GenerationOutput struct {
	Documents    []GeneratedDocument `json:"documents"`
	Provider     string              `json:"provider"`
	Model        string              `json:"model"`
	InputTokens  int                 `json:"input_tokens"`
	OutputTokens int                 `json:"output_tokens"`
}
