package model

import (
	"time"

	"github.com/google/uuid"
)

// ProgressStatus is the state reported by a single progress entry.
type ProgressStatus string

const (
	ProgressStarted    ProgressStatus = "started"
	ProgressInProgress ProgressStatus = "in_progress"
	ProgressCompleted  ProgressStatus = "completed"
	ProgressFailed     ProgressStatus = "failed"
	ProgressCancelled  ProgressStatus = "cancelled"
	ProgressSkipped    ProgressStatus = "skipped"
)

// ProgressEntry is one line of a run's append-only progress log.
// Seq is assigned by the store and is strictly increasing per run, starting at 1.
type ProgressEntry struct {
	RunID     uuid.UUID      `json:"run_id"`
	Seq       int64          `json:"seq"`
	Phase     string         `json:"phase"`
	Detail    string         `json:"detail"`
	Status    ProgressStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// RunStatusView is the status payload: the run plus its full progress log.
type RunStatusView struct {
	Run         Run             `json:"run"`
	ProgressLog []ProgressEntry `json:"progress_log"`
}
